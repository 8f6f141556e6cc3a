// Package ledger tracks, per sync, which entities earlier jobs persisted and
// under which content hash. Diffing an incoming entity against its ledger row
// classifies it as an insert, an update, or an unchanged keep, and the rows
// left untouched by a full refresh identify the orphans to delete.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Store.Get when the sync has no row for the
// entity.
var ErrNotFound = errors.New("ledger: entity not found")

// Action classifies what a sync job must do with an incoming entity.
type Action string

const (
	// ActionInsert marks an entity never seen by this sync.
	ActionInsert Action = "insert"
	// ActionUpdate marks an entity whose content hash changed.
	ActionUpdate Action = "update"
	// ActionKeep marks an entity whose content hash is unchanged.
	ActionKeep Action = "keep"
)

// Row is one tracked entity. The (SyncID, EntityID) pair is unique;
// DBEntityID is the destination identity assigned when the entity was first
// inserted and kept stable across updates.
type Row struct {
	SyncID      string    `json:"sync_id"`
	EntityID    string    `json:"entity_id"`
	ContentHash string    `json:"content_hash"`
	DBEntityID  string    `json:"db_entity_id"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// Store persists ledger rows. Implementations must enforce (SyncID,
// EntityID) uniqueness; concurrent upserts of the same pair resolve
// last-write-wins.
type Store interface {
	// Get returns the row for (syncID, entityID) or ErrNotFound.
	Get(ctx context.Context, syncID, entityID string) (Row, error)
	// UpsertMany writes rows, replacing any existing (SyncID, EntityID)
	// entries.
	UpsertMany(ctx context.Context, rows []Row) error
	// List returns every row the sync owns.
	List(ctx context.Context, syncID string) ([]Row, error)
	// Delete removes the sync's rows for the given entity IDs. Absent IDs
	// are ignored.
	Delete(ctx context.Context, syncID string, entityIDs []string) error
}

// CursorStore persists the opaque incremental-sync cursor each source hands
// back after a fully flushed run.
type CursorStore interface {
	// LoadCursor returns the sync's cursor, or nil when none was saved.
	LoadCursor(ctx context.Context, syncID string) ([]byte, error)
	// SaveCursor replaces the sync's cursor.
	SaveCursor(ctx context.Context, syncID string, cursor []byte) error
}

// Decision is the outcome of diffing one entity against the ledger.
type Decision struct {
	Action Action
	// DBEntityID is the destination identity: freshly allocated for
	// inserts, carried over from the stored row otherwise.
	DBEntityID string
	// PriorHash is the stored hash for updates and keeps.
	PriorHash string
}

// Resolve diffs an incoming entity version against the store. It only
// reads; callers persist the row after the destination write succeeds so the
// ledger never runs ahead of the stored data.
func Resolve(ctx context.Context, s Store, syncID, entityID, contentHash string) (Decision, error) {
	row, err := s.Get(ctx, syncID, entityID)
	if errors.Is(err, ErrNotFound) {
		return Decision{Action: ActionInsert, DBEntityID: uuid.NewString()}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	if row.ContentHash == contentHash {
		return Decision{Action: ActionKeep, DBEntityID: row.DBEntityID, PriorHash: row.ContentHash}, nil
	}
	return Decision{Action: ActionUpdate, DBEntityID: row.DBEntityID, PriorHash: row.ContentHash}, nil
}

// Orphans returns the rows whose entity IDs were not encountered by the
// current job, in other words the entities the source no longer has.
func Orphans(rows []Row, encountered map[string]bool) []Row {
	var orphans []Row
	for _, row := range rows {
		if !encountered[row.EntityID] {
			orphans = append(orphans, row)
		}
	}
	return orphans
}
