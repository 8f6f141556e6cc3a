// Package inmem provides a map-backed sync store for tests and local
// development.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/weftworks/loom/runtime/ingest/syncs"
)

// Store keeps sync configurations in memory. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	items map[string]syncs.Sync
}

// New returns an empty store.
func New() *Store {
	return &Store{items: make(map[string]syncs.Sync)}
}

// Create inserts a sync. IDs must be unique.
func (s *Store) Create(_ context.Context, rec syncs.Sync) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[rec.ID]; exists {
		return fmt.Errorf("syncs: id %s already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ModifiedAt = rec.CreatedAt
	s.items[rec.ID] = rec
	return nil
}

// Get returns the sync scoped to org.
func (s *Store) Get(_ context.Context, org, id string) (syncs.Sync, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked(org, id)
}

// Update persists mutable fields, rejecting changes to immutable bindings.
func (s *Store) Update(_ context.Context, org string, rec syncs.Sync) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.locked(org, rec.ID)
	if err != nil {
		return err
	}
	if err := syncs.ValidateUpdate(stored, rec); err != nil {
		return err
	}
	stored.Name = rec.Name
	stored.Description = rec.Description
	stored.Schedule = rec.Schedule
	stored.ModifiedAt = time.Now().UTC()
	s.items[rec.ID] = stored
	return nil
}

// Delete removes the sync scoped to org.
func (s *Store) Delete(_ context.Context, org, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.locked(org, id); err != nil {
		return err
	}
	delete(s.items, id)
	return nil
}

// List returns the org's syncs ordered by ID.
func (s *Store) List(_ context.Context, org string) ([]syncs.Sync, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []syncs.Sync
	for _, rec := range s.items {
		if rec.Org == org {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) locked(org, id string) (syncs.Sync, error) {
	rec, ok := s.items[id]
	if !ok {
		return syncs.Sync{}, syncs.ErrNotFound
	}
	if rec.Org != org {
		return syncs.Sync{}, syncs.ErrPermissionDenied
	}
	return rec, nil
}
