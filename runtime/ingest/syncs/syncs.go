// Package syncs defines sync configurations and their store contract. A sync
// binds one source connection to one or more destination connections through
// a processing graph; its store scopes every read and write to the owning
// organization.
package syncs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store errors.
var (
	// ErrNotFound is returned when no sync matches.
	ErrNotFound = errors.New("syncs: not found")
	// ErrPermissionDenied is returned when the sync exists but belongs to a
	// different organization.
	ErrPermissionDenied = errors.New("syncs: permission denied")
	// ErrImmutableField is returned by Update when a connection, model, or
	// graph binding differs from the stored one. Those change the meaning
	// of every ledger row, so they are fixed for the sync's lifetime.
	ErrImmutableField = errors.New("syncs: immutable field changed")
)

// Sync is one configured pipeline.
type Sync struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Org is the owning organization; all store access is scoped to it.
	Org string `json:"org"`

	// Identity-bearing bindings, immutable after creation.
	SourceConnectionID       string   `json:"source_connection_id"`
	DestinationConnectionIDs []string `json:"destination_connection_ids"`
	EmbeddingModelID         string   `json:"embedding_model_id"`
	DAGID                    string   `json:"dag_id"`

	// Schedule is a cron expression for periodic runs. Empty means the
	// sync only runs when triggered.
	Schedule string `json:"schedule,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Store persists sync configurations. Every method except Create takes the
// caller's organization and returns ErrPermissionDenied when the sync
// belongs to another one.
type Store interface {
	Create(ctx context.Context, s Sync) error
	Get(ctx context.Context, org, id string) (Sync, error)
	// Update persists mutable fields (name, description, schedule) and
	// returns ErrImmutableField when a fixed binding differs.
	Update(ctx context.Context, org string, s Sync) error
	Delete(ctx context.Context, org, id string) error
	List(ctx context.Context, org string) ([]Sync, error)
}

// ValidateUpdate compares an incoming sync against the stored one and
// reports the first immutable binding that changed. Store implementations
// share it so they reject updates identically.
func ValidateUpdate(stored, incoming Sync) error {
	if incoming.SourceConnectionID != stored.SourceConnectionID {
		return fmt.Errorf("%w: source_connection_id", ErrImmutableField)
	}
	if !equalStrings(incoming.DestinationConnectionIDs, stored.DestinationConnectionIDs) {
		return fmt.Errorf("%w: destination_connection_ids", ErrImmutableField)
	}
	if incoming.EmbeddingModelID != stored.EmbeddingModelID {
		return fmt.Errorf("%w: embedding_model_id", ErrImmutableField)
	}
	if incoming.DAGID != stored.DAGID {
		return fmt.Errorf("%w: dag_id", ErrImmutableField)
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
