// Package intake consumes field-update requests from Kafka and applies them
// to a CICO grid.
//
// # Message Format
//
// Each Kafka message is a JSON document naming the target record and the
// fields to write:
//
//	{"record_id": "R1", "fields": {"status": "Checked In"}}
//
// The target grid is fixed by configuration; the grid definition is resolved
// once at startup and reused for every update.
//
// # Failure Handling
//
// Failures split into two classes:
//
//   - Terminal: malformed JSON, permission rejections, validation
//     rejections. Retrying cannot help, so the message is moved to the DLQ
//     (when configured) and its offset is committed.
//   - Transient: network errors, 5xx responses, session problems that
//     survive a re-login. The commit_on_partial_failure setting decides
//     whether the batch's offsets are committed anyway (drop the failed
//     messages) or withheld (the whole batch is re-delivered).
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/rsmoorthy/cicogrid/internal/audit"
	"github.com/rsmoorthy/cicogrid/internal/cico"
	"github.com/rsmoorthy/cicogrid/internal/config"
	"github.com/rsmoorthy/cicogrid/internal/kafka"
	"github.com/rsmoorthy/cicogrid/internal/observability"
)

// updateRequest is the JSON payload of an intake message.
type updateRequest struct {
	RecordID string            `json:"record_id"`
	Fields   map[string]string `json:"fields"`
}

// Worker consumes update requests and applies them through the grid client.
type Worker struct {
	cfg      config.IntakeConfig
	client   cico.Client
	auth     cico.Authenticator
	consumer *kafka.Consumer
	producer *kafka.Producer // nil when no DLQ is configured
	sink     audit.Sink      // nil when auditing is disabled
	logger   *slog.Logger
}

// NewWorker creates a Worker. producer is only used for the DLQ and may be
// nil when cfg.DLQTopic is empty; sink may be nil to disable audit events.
func NewWorker(cfg config.IntakeConfig, client cico.Client, auth cico.Authenticator, consumer *kafka.Consumer, producer *kafka.Producer, sink audit.Sink, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		client:   client,
		auth:     auth,
		consumer: consumer,
		producer: producer,
		sink:     sink,
		logger:   logger.With("component", "intake-worker", "grid", cfg.Grid, "topic", cfg.Topic),
	}
}

// Run consumes and applies update requests until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	report, err := w.client.GetReport(ctx, w.cfg.Grid)
	if err != nil {
		return fmt.Errorf("resolving grid %q: %w", w.cfg.Grid, err)
	}

	w.logger.Info("intake worker started", "concurrency", w.cfg.Concurrency)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		records, err := w.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("poll failed", "error", err)
			continue
		}
		if len(records) == 0 {
			continue
		}

		transientFailures := w.applyBatch(ctx, report, records)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if transientFailures > 0 && !w.cfg.CommitOnPartialFailureValue() {
			// Withhold the commit so the whole batch is re-delivered.
			w.logger.Warn("withholding offset commit",
				"transient_failures", transientFailures,
				"batch_size", len(records),
			)
			continue
		}

		if err := w.consumer.CommitOffsets(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("offset commit failed", "error", err)
		}
	}
}

// applyBatch applies a polled batch concurrently and returns the number of
// transient failures. Terminal failures are routed to the DLQ inside
// applyRecord and do not count.
func (w *Worker) applyBatch(ctx context.Context, report *cico.Report, records []*kgo.Record) int {
	var transient atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			if err := w.applyRecord(gctx, report, rec); err != nil {
				transient.Add(1)
				w.logger.Error("update failed",
					"partition", rec.Partition,
					"offset", rec.Offset,
					"error", err,
				)
			}
			return nil
		})
	}
	g.Wait() // goroutines only return nil; Wait just joins them

	return int(transient.Load())
}

// applyRecord applies one message. A non-nil return means a transient
// failure; terminal failures are absorbed here (DLQ'd and logged).
func (w *Worker) applyRecord(ctx context.Context, report *cico.Report, rec *kgo.Record) error {
	var req updateRequest
	if err := json.Unmarshal(rec.Value, &req); err != nil {
		w.terminal(ctx, rec, fmt.Errorf("malformed update request: %w", err), "parse")
		return nil
	}
	if req.RecordID == "" {
		w.terminal(ctx, rec, errors.New("update request has no record_id"), "parse")
		return nil
	}
	if len(req.Fields) == 0 {
		w.terminal(ctx, rec, errors.New("update request has no fields"), "parse")
		return nil
	}

	fields := make(cico.Record, len(req.Fields))
	for name, value := range req.Fields {
		fields[name] = value
	}

	err := w.client.SetFields(ctx, report, req.RecordID, fields)

	// An expired session is recoverable with the configured credentials:
	// re-login once and replay the update.
	var authErr *cico.AuthError
	if errors.As(err, &authErr) {
		w.logger.Warn("session rejected, re-logging in", "reason", authErr.Reason)
		if refreshErr := w.auth.ForceRefresh(ctx); refreshErr != nil {
			return fmt.Errorf("re-login after auth failure: %w", refreshErr)
		}
		err = w.client.SetFields(ctx, report, req.RecordID, fields)
	}

	if err != nil {
		var permErr *cico.PermissionError
		var valErr *cico.ValidationError
		switch {
		case errors.As(err, &permErr):
			w.terminal(ctx, rec, err, "permission")
			return nil
		case errors.As(err, &valErr):
			w.terminal(ctx, rec, err, "validation")
			return nil
		default:
			observability.Metrics.IntakeErrorsTotal.WithLabelValues(w.cfg.Grid, "transient").Inc()
			return err
		}
	}

	observability.Metrics.IntakeRecordsTotal.WithLabelValues(w.cfg.Grid).Inc()

	if w.sink != nil {
		ev := audit.Event{
			Grid:     w.cfg.Grid,
			RecordID: req.RecordID,
			Fields:   req.Fields,
		}
		if err := w.sink.Publish(ctx, ev); err != nil {
			w.logger.Error("audit publish failed", "record_id", req.RecordID, "error", err)
		}
	}
	return nil
}

// terminal handles a message that can never succeed: count it, log it, and
// move it to the DLQ when one is configured.
func (w *Worker) terminal(ctx context.Context, rec *kgo.Record, cause error, errorType string) {
	observability.Metrics.IntakeErrorsTotal.WithLabelValues(w.cfg.Grid, errorType).Inc()
	w.logger.Error("rejecting message",
		"error_type", errorType,
		"partition", rec.Partition,
		"offset", rec.Offset,
		"error", cause,
	)

	if w.cfg.DLQTopic == "" || w.producer == nil {
		return
	}

	headers := map[string]string{
		"error":              cause.Error(),
		"error_type":         errorType,
		"original_topic":     rec.Topic,
		"original_partition": strconv.FormatInt(int64(rec.Partition), 10),
		"original_offset":    strconv.FormatInt(rec.Offset, 10),
	}
	if err := w.producer.ProduceSync(ctx, w.cfg.DLQTopic, rec.Key, rec.Value, headers); err != nil {
		w.logger.Error("DLQ produce failed",
			"dlq_topic", w.cfg.DLQTopic,
			"offset", rec.Offset,
			"error", err,
		)
	}
}
