package checkin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rsmoorthy/cicogrid/internal/audit"
	"github.com/rsmoorthy/cicogrid/internal/cico"
	"github.com/rsmoorthy/cicogrid/internal/config"
	"github.com/rsmoorthy/cicogrid/internal/journal"
)

// fakeClient is an in-memory cico.Client backed by a fixed record set.
type fakeClient struct {
	mu      sync.Mutex
	records []cico.Record
	updates []update
	// editErr, when set, fails the next SetFields call and is then cleared.
	editErr error
}

type update struct {
	recordID string
	fields   cico.Record
}

func (f *fakeClient) GetReport(_ context.Context, name string) (*cico.Report, error) {
	return &cico.Report{
		Name:       name,
		Collection: "prog123",
		Condition:  cico.Filter{},
		Fields:     map[string]int{"name": 1, "regnum": 1, "checkin": 1, "status": 1},
		Context:    map[string]string{"collection": "prog123"},
	}, nil
}

func (f *fakeClient) Rows(_ context.Context, _ *cico.Report, extra cico.Filter) ([]cico.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []cico.Record
	for _, rec := range f.records {
		ok := true
		for col, want := range extra {
			if rec[col] != want {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

func (f *fakeClient) SetFields(_ context.Context, _ *cico.Report, recordID string, fields cico.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.editErr != nil {
		err := f.editErr
		f.editErr = nil
		return err
	}
	f.updates = append(f.updates, update{recordID: recordID, fields: fields})
	return nil
}

func (f *fakeClient) Close() {}

func (f *fakeClient) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

// fakeAuth counts re-logins.
type fakeAuth struct {
	mu       sync.Mutex
	refreshn int
}

func (f *fakeAuth) SessionID(_ context.Context) (string, error) { return "s1", nil }
func (f *fakeAuth) ForceRefresh(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshn++
	return nil
}
func (f *fakeAuth) Close() {}

// captureSink records published audit events.
type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureSink) Publish(_ context.Context, ev audit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func writeBatch(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.csv")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestStore(t *testing.T) *journal.FileStore {
	t.Helper()
	store, err := journal.NewFileStore(filepath.Join(t.TempDir(), "journal.json"))
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func testCheckinCfg(batchFile string) config.CheckinConfig {
	return config.CheckinConfig{
		Enabled:     true,
		Grid:        "Update Checkin Time",
		BatchFile:   batchFile,
		MatchFields: []string{"regnum"},
		SetFields:   []string{"checkin", "status"},
		Concurrency: 2,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunner_AppliesBatch(t *testing.T) {
	client := &fakeClient{records: []cico.Record{
		{"_id": "R1", "regnum": "1001", "status": "Expected"},
		{"_id": "R2", "regnum": "1002", "status": "Expected"},
	}}
	sink := &captureSink{}
	batch := writeBatch(t, "regnum,checkin,status\n1001,25-01-2026 09:30:00,Checked In\n1002,25-01-2026 09:45:00,Checked In\n")

	runner := NewRunner(testCheckinCfg(batch), client, &fakeAuth{}, newTestStore(t), sink, quietLogger())
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if client.updateCount() != 2 {
		t.Fatalf("updates = %d, want 2", client.updateCount())
	}
	for _, u := range client.updates {
		if u.fields["status"] != "Checked In" {
			t.Errorf("update %s fields = %v", u.recordID, u.fields)
		}
	}

	if len(sink.events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(sink.events))
	}
	if sink.events[0].Grid != "Update Checkin Time" {
		t.Errorf("audit grid = %q", sink.events[0].Grid)
	}
}

func TestRunner_SkipsAlreadyApplied(t *testing.T) {
	client := &fakeClient{records: []cico.Record{
		{"_id": "R1", "regnum": "1001"},
	}}
	batch := writeBatch(t, "regnum,checkin,status\n1001,25-01-2026 09:30:00,Checked In\n")
	store := newTestStore(t)

	runner := NewRunner(testCheckinCfg(batch), client, &fakeAuth{}, store, nil, quietLogger())

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if client.updateCount() != 1 {
		t.Errorf("updates = %d, want 1 (second run must skip)", client.updateCount())
	}
}

func TestRunner_ReappliesChangedValues(t *testing.T) {
	client := &fakeClient{records: []cico.Record{
		{"_id": "R1", "regnum": "1001"},
	}}
	store := newTestStore(t)

	batch1 := writeBatch(t, "regnum,checkin,status\n1001,25-01-2026 09:30:00,Checked In\n")
	runner := NewRunner(testCheckinCfg(batch1), client, &fakeAuth{}, store, nil, quietLogger())
	if err := runner.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Same record, different values — must not be skipped.
	batch2 := writeBatch(t, "regnum,checkin,status\n1001,25-01-2026 10:00:00,Checked In\n")
	runner2 := NewRunner(testCheckinCfg(batch2), client, &fakeAuth{}, store, nil, quietLogger())
	if err := runner2.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if client.updateCount() != 2 {
		t.Errorf("updates = %d, want 2", client.updateCount())
	}
}

func TestRunner_NoMatchFails(t *testing.T) {
	client := &fakeClient{records: []cico.Record{
		{"_id": "R1", "regnum": "1001"},
	}}
	batch := writeBatch(t, "regnum,checkin,status\n9999,25-01-2026 09:30:00,Checked In\n")

	runner := NewRunner(testCheckinCfg(batch), client, &fakeAuth{}, newTestStore(t), nil, quietLogger())
	err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("expected error for unmatched row")
	}
	if !strings.Contains(err.Error(), "1 of 1") {
		t.Errorf("error should summarize failures: %v", err)
	}
	if client.updateCount() != 0 {
		t.Errorf("no update should be sent for unmatched row")
	}
}

func TestRunner_MultipleMatchesFail(t *testing.T) {
	client := &fakeClient{records: []cico.Record{
		{"_id": "R1", "regnum": "1001"},
		{"_id": "R2", "regnum": "1001"},
	}}
	batch := writeBatch(t, "regnum,checkin,status\n1001,25-01-2026 09:30:00,Checked In\n")

	runner := NewRunner(testCheckinCfg(batch), client, &fakeAuth{}, newTestStore(t), nil, quietLogger())
	if err := runner.Run(context.Background()); err == nil {
		t.Fatal("expected error when multiple records match")
	}
	if client.updateCount() != 0 {
		t.Errorf("ambiguous match must not update anything")
	}
}

func TestRunner_RetriesAfterAuthError(t *testing.T) {
	client := &fakeClient{
		records: []cico.Record{{"_id": "R1", "regnum": "1001"}},
		editErr: &cico.AuthError{Reason: "session expired"},
	}
	auth := &fakeAuth{}
	batch := writeBatch(t, "regnum,checkin,status\n1001,25-01-2026 09:30:00,Checked In\n")

	runner := NewRunner(testCheckinCfg(batch), client, auth, newTestStore(t), nil, quietLogger())
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run should succeed after re-login: %v", err)
	}

	if auth.refreshn != 1 {
		t.Errorf("ForceRefresh calls = %d, want 1", auth.refreshn)
	}
	if client.updateCount() != 1 {
		t.Errorf("updates = %d, want 1", client.updateCount())
	}
}

func TestRunner_MissingColumn(t *testing.T) {
	client := &fakeClient{}
	batch := writeBatch(t, "regnum,checkin\n1001,25-01-2026 09:30:00\n")

	runner := NewRunner(testCheckinCfg(batch), client, &fakeAuth{}, newTestStore(t), nil, quietLogger())
	err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("expected error for missing set column")
	}
	if !strings.Contains(err.Error(), "status") {
		t.Errorf("error should name the missing column: %v", err)
	}
}

func TestRunner_EmptyBatch(t *testing.T) {
	client := &fakeClient{}
	batch := writeBatch(t, "regnum,checkin,status\n")

	runner := NewRunner(testCheckinCfg(batch), client, &fakeAuth{}, newTestStore(t), nil, quietLogger())
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("empty batch should succeed: %v", err)
	}
	if client.updateCount() != 0 {
		t.Errorf("empty batch must not update anything")
	}
}
