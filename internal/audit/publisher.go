package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rsmoorthy/cicogrid/internal/config"
	"github.com/rsmoorthy/cicogrid/internal/kafka"
	"github.com/rsmoorthy/cicogrid/internal/observability"
)

// Sink receives audit events. Satisfied by *Publisher; the check-in and
// intake pipelines depend on this interface so tests can capture events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Publisher encodes audit events and produces them to a Kafka topic.
// Safe for concurrent use.
type Publisher struct {
	cfg         config.AuditConfig
	producer    *kafka.Producer
	partitioner Partitioner
	logger      *slog.Logger
}

// NewPublisher creates a Publisher from the audit configuration.
// The producer is shared with other pipelines and not closed by the Publisher.
func NewPublisher(cfg config.AuditConfig, producer *kafka.Producer, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:         cfg,
		producer:    producer,
		partitioner: newPartitioner(cfg),
		logger:      logger.With("component", "audit-publisher", "topic", cfg.Topic),
	}
}

// Publish encodes the event and produces it synchronously. An empty Actor is
// filled from the configuration; a zero UpdatedAt is stamped with the
// current time.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.Actor == "" {
		ev.Actor = p.cfg.Actor
	}
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = time.Now().UTC()
	}

	value, err := p.encode(ev)
	if err != nil {
		observability.Metrics.AuditErrorsTotal.WithLabelValues(p.cfg.Topic).Inc()
		return err
	}

	headers := map[string]string{
		"cico_grid":        ev.Grid,
		"content_encoding": p.cfg.Encoding,
	}

	if err := p.producer.ProduceSync(ctx, p.cfg.Topic, p.partitioner.Key(ev), value, headers); err != nil {
		observability.Metrics.AuditErrorsTotal.WithLabelValues(p.cfg.Topic).Inc()
		return fmt.Errorf("publishing audit event: %w", err)
	}

	observability.Metrics.AuditPublishTotal.WithLabelValues(p.cfg.Topic).Inc()
	p.logger.Debug("audit event published",
		"grid", ev.Grid,
		"record_id", ev.RecordID,
	)
	return nil
}

// encode serializes an event with the configured encoding.
func (p *Publisher) encode(ev Event) ([]byte, error) {
	switch p.cfg.Encoding {
	case "avro":
		return encodeAvro(ev)
	default:
		return encodeJSON(ev)
	}
}
