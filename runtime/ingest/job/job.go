// Package job defines sync job records, their lifecycle, and the store
// contract enforcing the single-active-job rule: a sync never has more than
// one job in a non-terminal status.
package job

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	// ErrNotFound is returned when no job matches.
	ErrNotFound = errors.New("job: not found")
	// ErrActive is returned by Create when the sync already has a job in a
	// non-terminal status.
	ErrActive = errors.New("job: sync already has an active job")
	// ErrTerminal is returned by transitions onto a job that already
	// reached a terminal status.
	ErrTerminal = errors.New("job: already in a terminal status")
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Counters aggregates a job's per-entity outcomes. Deleted counts orphan
// removals and is not part of the encountered balance.
type Counters struct {
	Inserted    int `json:"inserted"`
	Updated     int `json:"updated"`
	Kept        int `json:"kept"`
	Deleted     int `json:"deleted"`
	Skipped     int `json:"skipped"`
	Encountered int `json:"entities_encountered"`
}

// Balanced reports whether every encountered entity landed in exactly one
// outcome bucket.
func (c Counters) Balanced() bool {
	return c.Inserted+c.Updated+c.Kept+c.Skipped == c.Encountered
}

// Add returns the element-wise sum of c and d.
func (c Counters) Add(d Counters) Counters {
	return Counters{
		Inserted:    c.Inserted + d.Inserted,
		Updated:     c.Updated + d.Updated,
		Kept:        c.Kept + d.Kept,
		Deleted:     c.Deleted + d.Deleted,
		Skipped:     c.Skipped + d.Skipped,
		Encountered: c.Encountered + d.Encountered,
	}
}

// Record is one sync job.
type Record struct {
	ID     string `json:"id"`
	SyncID string `json:"sync_id"`
	// WorkflowID names the durable execution driving this job, when one
	// exists. Cancellation resolves the running workflow through it.
	WorkflowID    string     `json:"workflow_id,omitempty"`
	Status        Status     `json:"status"`
	ForceFullSync bool       `json:"force_full_sync"`
	Counters      Counters   `json:"counters"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Store persists job records.
//
// Create must atomically enforce the single-active-job rule. The Mark
// transitions return ErrTerminal when the job already reached a terminal
// status, except MarkCancelled which is an idempotent no-op there so the
// cancellation compensation can always run safely.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// ActiveForSync returns the sync's non-terminal job or ErrNotFound.
	ActiveForSync(ctx context.Context, syncID string) (Record, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	MarkCompleted(ctx context.Context, id string, c Counters, at time.Time) error
	MarkFailed(ctx context.Context, id string, c Counters, errMsg string, at time.Time) error
	MarkCancelled(ctx context.Context, id, reason string, at time.Time) error
}
