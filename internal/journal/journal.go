// Package journal provides persistent tracking of applied field updates.
//
// # Why a Journal?
//
// The batch updater is meant to be re-runnable: a check-in desk drops a
// fresh CSV export, watch mode re-applies it, operators re-run after a
// partial failure. Without local state every re-run would rewrite every
// record. The journal records, per grid and record, a hash of the last
// field values this tool applied — when the hash matches, the update is
// skipped and no write request is sent to CICO.
//
// The journal is an optimization only: it is never consulted for reads,
// and deleting the file merely causes the next run to rewrite records with
// values they already hold (the remote service stays authoritative).
//
// # Durability
//
// The file store uses atomic writes to prevent corruption during a crash:
//
//  1. Write the new state to a temporary file in the same directory.
//  2. Sync the temporary file to ensure data reaches disk.
//  3. Rename the temporary file to the target file (atomic on POSIX systems).
//
// The worst case on a crash is losing the most recent entries, which maps
// to harmlessly re-applying a few updates on the next run.
//
// # Thread Safety
//
// All Store implementations are safe for concurrent use.
package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry records one applied update.
type Entry struct {
	// AppliedAt is when the update was acknowledged, as Unix epoch seconds.
	AppliedAt int64 `json:"applied_at"`

	// FieldsHash is the hash of the field values that were written,
	// computed by HashFields.
	FieldsHash string `json:"fields_hash"`
}

// Time returns AppliedAt as a time.Time in UTC.
func (e Entry) Time() time.Time {
	return time.Unix(e.AppliedAt, 0).UTC()
}

// IsZero returns true if no update has been journaled under a key.
func (e Entry) IsZero() bool {
	return e.AppliedAt == 0 && e.FieldsHash == ""
}

// Key builds the journal key for a record of a grid.
func Key(grid, recordID string) string {
	return grid + "/" + recordID
}

// HashFields returns a deterministic hash of a field-value set. Field names
// are sorted and joined with null byte separators before hashing, so the
// hash does not depend on map iteration order.
func HashFields(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)*2)
	for _, name := range names {
		parts = append(parts, name, fields[name])
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(hash[:])
}

// Store defines the interface for journal persistence. Implementations must
// be safe for concurrent use by multiple worker goroutines.
type Store interface {
	// Get retrieves the entry for the given key. Returns a zero Entry
	// (IsZero() == true) if the key has never been journaled.
	Get(key string) (Entry, error)

	// Set stores the entry for the given key. Called only after the
	// corresponding update has been acknowledged by CICO.
	Set(key string, entry Entry) error

	// Flush persists any buffered changes to the backing storage.
	Flush() error

	// Close flushes and releases any resources.
	Close() error
}

// ----- File-Based Journal Store -----

// FileStore persists the journal as a JSON file on the local filesystem.
//
// # File Format
//
// A single JSON object mapping "grid/recordID" keys to entries:
//
//	{
//	  "Update Checkin Time/R1": {"applied_at": 1706140800, "fields_hash": "ab12..."}
//	}
//
// # Concurrency
//
// FileStore is safe for concurrent use. Internal state is protected by a
// sync.RWMutex, allowing concurrent Gets from worker goroutines while
// serializing Sets and Flushes.
type FileStore struct {
	path    string
	mu      sync.RWMutex
	entries map[string]Entry
	dirty   bool
}

// NewFileStore creates a FileStore that persists the journal to the given
// file path. If the file already exists, its contents are loaded into
// memory. If the file does not exist, the store starts empty.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path:    path,
		entries: make(map[string]Entry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No existing file — start fresh.
			return fs, nil
		}
		return nil, fmt.Errorf("reading journal file %s: %w", path, err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &fs.entries); err != nil {
			return nil, fmt.Errorf("parsing journal file %s: %w", path, err)
		}
	}

	return fs, nil
}

// Get retrieves the entry for the given key.
func (fs *FileStore) Get(key string) (Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.entries[key], nil
}

// Set stores the entry for the given key in memory. The change is not
// persisted to disk until Flush() is called (either manually or via the
// periodic flush timer in the binary).
func (fs *FileStore) Set(key string, entry Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.entries[key] = entry
	fs.dirty = true
	return nil
}

// Flush writes the current journal to disk using an atomic write pattern.
// If no changes have been made since the last flush, this is a no-op.
func (fs *FileStore) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.dirty {
		return nil
	}

	data, err := json.MarshalIndent(fs.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling journal: %w", err)
	}

	// Ensure the directory exists.
	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating journal directory: %w", err)
	}

	// Write to a temp file in the same directory (ensures atomic rename will work).
	tmpFile, err := os.CreateTemp(dir, "journal-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp journal file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp journal file: %w", err)
	}

	// Sync to ensure data reaches disk before rename.
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp journal file: %w", err)
	}
	tmpFile.Close()

	// Atomic rename — on POSIX this is guaranteed atomic.
	if err := os.Rename(tmpPath, fs.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming journal file: %w", err)
	}

	fs.dirty = false
	return nil
}

// Close flushes any pending changes and releases resources.
func (fs *FileStore) Close() error {
	return fs.Flush()
}

// Snapshot returns a copy of all journaled entries. Useful for debugging.
// The returned map is a copy — mutations do not affect the store.
func (fs *FileStore) Snapshot() map[string]Entry {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	snapshot := make(map[string]Entry, len(fs.entries))
	for k, v := range fs.entries {
		snapshot[k] = v
	}
	return snapshot
}
