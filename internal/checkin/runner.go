// Package checkin applies batch field updates from a CSV file to a CICO grid.
//
// # Batch Model
//
// The batch file is a CSV whose header names grid columns. Configured
// match_fields identify the target record (for the check-in desk this is
// typically regnum or name); set_fields carry the values to write (checkin
// date, status). Each data row becomes one lookup plus at most one update:
//
//	regnum,checkin,status
//	R1,25-01-2026 09:30:00,Checked In
//
// Rows are applied concurrently through an errgroup with a configured
// limit. A row fails when its match filter resolves to zero or multiple
// records, or when the update is rejected; failures are counted and
// reported at the end of the run without stopping other rows.
//
// # Re-runnability
//
// Applied updates are journaled by record with a hash of the written
// values. Re-running the same batch skips rows whose values were already
// applied, so watch mode can safely re-apply the file on every rewrite.
package checkin

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/rsmoorthy/cicogrid/internal/audit"
	"github.com/rsmoorthy/cicogrid/internal/cico"
	"github.com/rsmoorthy/cicogrid/internal/config"
	"github.com/rsmoorthy/cicogrid/internal/journal"
	"github.com/rsmoorthy/cicogrid/internal/observability"
)

// batchRow is one parsed CSV data row.
type batchRow struct {
	line  int
	match cico.Filter
	set   map[string]string
}

// Runner reads a batch file and applies its updates to a grid.
type Runner struct {
	cfg     config.CheckinConfig
	client  cico.Client
	auth    cico.Authenticator
	journal journal.Store
	sink    audit.Sink // nil when auditing is disabled
	logger  *slog.Logger
}

// NewRunner creates a Runner. sink may be nil to disable audit events.
func NewRunner(cfg config.CheckinConfig, client cico.Client, auth cico.Authenticator, store journal.Store, sink audit.Sink, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		client:  client,
		auth:    auth,
		journal: store,
		sink:    sink,
		logger:  logger.With("component", "checkin-runner", "grid", cfg.Grid),
	}
}

// Run applies the batch file once, or — in watch mode — once immediately and
// then again on every rewrite of the file until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.runOnce(ctx); err != nil {
		if !r.cfg.Watch {
			return err
		}
		// In watch mode a failed run is logged and the next rewrite gets
		// another chance; only cancellation stops the loop.
		r.logger.Error("batch run failed", "error", err)
	}

	if !r.cfg.Watch {
		return nil
	}
	return r.watch(ctx)
}

// runOnce resolves the grid, parses the batch file, and applies every row.
func (r *Runner) runOnce(ctx context.Context) error {
	report, err := r.client.GetReport(ctx, r.cfg.Grid)
	if err != nil {
		return fmt.Errorf("resolving grid %q: %w", r.cfg.Grid, err)
	}

	rows, err := r.loadBatch()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		r.logger.Info("batch file has no data rows", "file", r.cfg.BatchFile)
		return nil
	}

	r.logger.Info("applying batch",
		"file", r.cfg.BatchFile,
		"rows", len(rows),
		"concurrency", r.cfg.Concurrency,
	)

	results := make([]string, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			result, err := r.applyRow(gctx, report, row)
			results[i] = result
			observability.Metrics.CheckinRowsTotal.WithLabelValues(r.cfg.Grid, result).Inc()
			if err != nil {
				// Row failures are recorded but do not cancel the group;
				// only context cancellation aborts the remaining rows.
				r.logger.Error("row failed", "line", row.line, "error", err)
				if gctx.Err() != nil {
					return gctx.Err()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var applied, skipped, failed int
	for _, result := range results {
		switch result {
		case resultApplied:
			applied++
		case resultSkipped:
			skipped++
		default:
			failed++
		}
	}

	r.logger.Info("batch complete",
		"applied", applied,
		"skipped", skipped,
		"failed", failed,
	)
	if failed > 0 {
		return fmt.Errorf("%d of %d batch rows failed", failed, len(rows))
	}
	return nil
}

const (
	resultApplied = "applied"
	resultSkipped = "skipped"
	resultFailed  = "failed"
)

// applyRow finds the single record matching the row and updates it.
func (r *Runner) applyRow(ctx context.Context, report *cico.Report, row batchRow) (string, error) {
	records, err := r.client.Rows(ctx, report, row.match)
	if err != nil {
		return resultFailed, fmt.Errorf("looking up record: %w", err)
	}
	if len(records) == 0 {
		return resultFailed, fmt.Errorf("no record matches %v", row.match)
	}
	if len(records) > 1 {
		return resultFailed, fmt.Errorf("%d records match %v, expected exactly one", len(records), row.match)
	}

	recordID := records[0].ID()
	if recordID == "" {
		return resultFailed, fmt.Errorf("matched record has no _id")
	}

	key := journal.Key(r.cfg.Grid, recordID)
	hash := journal.HashFields(row.set)
	entry, err := r.journal.Get(key)
	if err != nil {
		return resultFailed, fmt.Errorf("reading journal: %w", err)
	}
	if entry.FieldsHash == hash {
		r.logger.Debug("values already applied, skipping", "record_id", recordID, "line", row.line)
		return resultSkipped, nil
	}

	fields := make(cico.Record, len(row.set))
	for name, value := range row.set {
		fields[name] = value
	}

	if err := r.setFields(ctx, report, recordID, fields); err != nil {
		return resultFailed, fmt.Errorf("updating record %s: %w", recordID, err)
	}

	if err := r.journal.Set(key, journal.Entry{
		AppliedAt:  time.Now().Unix(),
		FieldsHash: hash,
	}); err != nil {
		return resultFailed, fmt.Errorf("journaling record %s: %w", recordID, err)
	}

	if r.sink != nil {
		ev := audit.Event{
			Grid:     r.cfg.Grid,
			RecordID: recordID,
			Fields:   row.set,
		}
		if err := r.sink.Publish(ctx, ev); err != nil {
			// The update itself succeeded; an unaudited update is logged
			// loudly but does not fail the row.
			r.logger.Error("audit publish failed", "record_id", recordID, "error", err)
		}
	}

	return resultApplied, nil
}

// setFields performs the update, re-logging in and retrying once when the
// session has expired. This is the only retry in the pipeline: the grid
// client itself always issues exactly one request per call.
func (r *Runner) setFields(ctx context.Context, report *cico.Report, recordID string, fields cico.Record) error {
	err := r.client.SetFields(ctx, report, recordID, fields)

	var authErr *cico.AuthError
	if errors.As(err, &authErr) {
		r.logger.Warn("session rejected, re-logging in", "reason", authErr.Reason)
		if refreshErr := r.auth.ForceRefresh(ctx); refreshErr != nil {
			return fmt.Errorf("re-login after auth failure: %w", refreshErr)
		}
		err = r.client.SetFields(ctx, report, recordID, fields)
	}
	return err
}

// loadBatch parses the CSV batch file into rows. The header must contain
// every configured match and set column; extra columns are ignored.
func (r *Runner) loadBatch() ([]batchRow, error) {
	f, err := os.Open(r.cfg.BatchFile)
	if err != nil {
		return nil, fmt.Errorf("opening batch file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading batch header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}
	for _, name := range r.cfg.MatchFields {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("match column %q not in batch header %v", name, header)
		}
	}
	for _, name := range r.cfg.SetFields {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("set column %q not in batch header %v", name, header)
		}
	}

	var rows []batchRow
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("reading batch line %d: %w", line, err)
		}

		row := batchRow{
			line:  line,
			match: make(cico.Filter, len(r.cfg.MatchFields)),
			set:   make(map[string]string, len(r.cfg.SetFields)),
		}
		for _, name := range r.cfg.MatchFields {
			row.match[name] = record[index[name]]
		}
		for _, name := range r.cfg.SetFields {
			row.set[name] = record[index[name]]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// watch re-applies the batch whenever the file is rewritten. Editors and
// exporters often replace the file (write to temp, rename), so both Write
// and Create events on the path trigger a run, after a short settle delay
// to let the writer finish.
func (r *Runner) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating batch file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.cfg.BatchFile)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(r.cfg.BatchFile)
	r.logger.Info("watching batch file", "file", target)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			time.Sleep(200 * time.Millisecond)
			r.logger.Info("batch file changed, re-applying", "op", event.Op.String())
			if err := r.runOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Error("batch run failed", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("batch watcher error", "error", err)
		}
	}
}
