// Package inmem provides map-backed ledger and cursor stores for tests and
// local development.
package inmem

import (
	"context"
	"sync"

	"github.com/weftworks/loom/runtime/ingest/ledger"
)

// Store keeps ledger rows in memory. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	rows map[string]map[string]ledger.Row // syncID -> entityID -> row
}

// New returns an empty store.
func New() *Store {
	return &Store{rows: make(map[string]map[string]ledger.Row)}
}

// Get returns the row for (syncID, entityID) or ledger.ErrNotFound.
func (s *Store) Get(_ context.Context, syncID, entityID string) (ledger.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[syncID][entityID]
	if !ok {
		return ledger.Row{}, ledger.ErrNotFound
	}
	return row, nil
}

// UpsertMany writes rows last-write-wins.
func (s *Store) UpsertMany(_ context.Context, rows []ledger.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		bySync := s.rows[row.SyncID]
		if bySync == nil {
			bySync = make(map[string]ledger.Row)
			s.rows[row.SyncID] = bySync
		}
		bySync[row.EntityID] = row
	}
	return nil
}

// List returns every row the sync owns.
func (s *Store) List(_ context.Context, syncID string) ([]ledger.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySync := s.rows[syncID]
	out := make([]ledger.Row, 0, len(bySync))
	for _, row := range bySync {
		out = append(out, row)
	}
	return out, nil
}

// Delete removes the sync's rows for the given entity IDs.
func (s *Store) Delete(_ context.Context, syncID string, entityIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySync := s.rows[syncID]
	for _, id := range entityIDs {
		delete(bySync, id)
	}
	return nil
}

// CursorStore keeps sync cursors in memory. Safe for concurrent use.
type CursorStore struct {
	mu      sync.RWMutex
	cursors map[string][]byte
}

// NewCursorStore returns an empty cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[string][]byte)}
}

// LoadCursor returns the sync's cursor, or nil when none was saved.
func (s *CursorStore) LoadCursor(_ context.Context, syncID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.cursors[syncID]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(cur))
	copy(cp, cur)
	return cp, nil
}

// SaveCursor replaces the sync's cursor.
func (s *CursorStore) SaveCursor(_ context.Context, syncID string, cursor []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(cursor))
	copy(cp, cursor)
	s.cursors[syncID] = cp
	return nil
}
