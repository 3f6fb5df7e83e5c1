// Package audit stores the record of control actions taken through the
// API and by the scheduler.
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	compose "github.com/liuyuansharp/service-compose"
)

// DefaultMaxEntries caps how many entries a store retains.
const DefaultMaxEntries = 5000

// Filter selects a page of entries, newest first.
type Filter struct {
	// Limit defaults to 100 when zero
	Limit  int
	Offset int
	// User matches the entry actor exactly when set
	User string
}

// Page is one slice of a query result.
type Page struct {
	Entries []compose.AuditEntry `json:"logs"`
	Total   int                  `json:"total"`
}

// Store records and queries audit entries.
type Store interface {
	compose.AuditSink
	Query(ctx context.Context, f Filter) (Page, error)
}

// MemoryStore keeps entries in memory, dropping the oldest beyond its cap.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []compose.AuditEntry
	limit   int
	now     func() time.Time
}

// NewMemoryStore returns a store retaining at most maxEntries entries.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{limit: maxEntries, now: time.Now}
}

// Record implements compose.AuditSink.
func (s *MemoryStore) Record(_ context.Context, e compose.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(e)
	return nil
}

func (s *MemoryStore) appendLocked(e compose.AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.entries = append(s.entries, e)
	if over := len(s.entries) - s.limit; over > 0 {
		s.entries = append(s.entries[:0:0], s.entries[over:]...)
	}
}

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, f Filter) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return query(s.entries, f), nil
}

func query(entries []compose.AuditEntry, f Filter) Page {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := max(f.Offset, 0)

	var matched []compose.AuditEntry
	for i := len(entries) - 1; i >= 0; i-- {
		if f.User != "" && entries[i].Actor != f.User {
			continue
		}
		matched = append(matched, entries[i])
	}

	page := Page{Entries: []compose.AuditEntry{}, Total: len(matched)}
	if offset >= len(matched) {
		return page
	}
	end := min(offset+limit, len(matched))
	page.Entries = append(page.Entries, matched[offset:end]...)
	return page
}

// FileStore persists entries as a JSON array, rewriting the file
// atomically after every record.
type FileStore struct {
	mem  *MemoryStore
	path string
}

// OpenFileStore loads the existing file at path, if any. An unreadable or
// corrupt file is reported and the store starts empty.
func OpenFileStore(path string, maxEntries int) (*FileStore, error) {
	s := &FileStore{mem: NewMemoryStore(maxEntries), path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return s, fmt.Errorf("reading audit file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var entries []compose.AuditEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return s, fmt.Errorf("decoding audit file %s: %w", path, err)
	}
	for _, e := range entries {
		s.mem.appendLocked(e)
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Record implements compose.AuditSink.
func (s *FileStore) Record(_ context.Context, e compose.AuditEntry) error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()

	s.mem.appendLocked(e)

	data, err := json.MarshalIndent(s.mem.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding audit file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), compose.DirMode); err != nil {
		return fmt.Errorf("creating audit directory: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, compose.FileMode); err != nil {
		return fmt.Errorf("writing audit file: %w", err)
	}
	return nil
}

// Query implements Store.
func (s *FileStore) Query(ctx context.Context, f Filter) (Page, error) {
	return s.mem.Query(ctx, f)
}
