// Package inmem provides a map-backed job store for tests and local
// development.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/weftworks/loom/runtime/ingest/job"
)

// Store keeps job records in memory. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]job.Record
}

// New returns an empty store.
func New() *Store {
	return &Store{jobs: make(map[string]job.Record)}
}

// Create inserts a pending record, enforcing one active job per sync.
func (s *Store) Create(_ context.Context, rec job.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.SyncID == rec.SyncID && !existing.Status.Terminal() {
			return job.ErrActive
		}
	}
	s.jobs[rec.ID] = rec
	return nil
}

// Get returns the record or job.ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (job.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return job.Record{}, job.ErrNotFound
	}
	return rec, nil
}

// ActiveForSync returns the sync's non-terminal job or job.ErrNotFound.
func (s *Store) ActiveForSync(_ context.Context, syncID string) (job.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.jobs {
		if rec.SyncID == syncID && !rec.Status.Terminal() {
			return rec, nil
		}
	}
	return job.Record{}, job.ErrNotFound
}

// MarkRunning transitions the job to running.
func (s *Store) MarkRunning(_ context.Context, id string, at time.Time) error {
	return s.transition(id, func(rec *job.Record) {
		rec.Status = job.StatusRunning
		rec.StartedAt = &at
	})
}

// MarkCompleted finalizes the job with its counters.
func (s *Store) MarkCompleted(_ context.Context, id string, c job.Counters, at time.Time) error {
	return s.transition(id, func(rec *job.Record) {
		rec.Status = job.StatusCompleted
		rec.Counters = c
		rec.CompletedAt = &at
	})
}

// MarkFailed finalizes the job with its counters and failure message.
func (s *Store) MarkFailed(_ context.Context, id string, c job.Counters, errMsg string, at time.Time) error {
	return s.transition(id, func(rec *job.Record) {
		rec.Status = job.StatusFailed
		rec.Counters = c
		rec.Error = errMsg
		rec.CompletedAt = &at
	})
}

// MarkCancelled finalizes a non-terminal job as cancelled. Jobs already in a
// terminal status are left untouched.
func (s *Store) MarkCancelled(_ context.Context, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = job.StatusCancelled
	rec.Error = reason
	rec.CompletedAt = &at
	s.jobs[id] = rec
	return nil
}

func (s *Store) transition(id string, apply func(*job.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if rec.Status.Terminal() {
		return job.ErrTerminal
	}
	apply(&rec)
	s.jobs[id] = rec
	return nil
}
