// Package destination defines the adapter contract for persisting processed
// entities into downstream vector stores and a registry resolving adapters by
// name. A destination instance is bound to one collection; all writes are
// idempotent upserts keyed by the ledger-assigned destination identity.
package destination

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// Record is the flattened, embedded form of an entity as destinations store
// it. DBEntityID is the write identity: inserting a record whose DBEntityID
// already exists replaces the stored document.
type Record struct {
	DBEntityID     string              `json:"db_entity_id"`
	EntityID       string              `json:"entity_id"`
	EntityType     string              `json:"entity_type"`
	SyncID         string              `json:"sync_id"`
	SyncJobID      string              `json:"sync_job_id"`
	SourceName     string              `json:"source_name"`
	ParentEntityID string              `json:"parent_entity_id,omitempty"`
	Breadcrumbs    []entity.Breadcrumb `json:"breadcrumbs,omitempty"`
	Payload        map[string]any      `json:"payload"`
	ContentHash    string              `json:"content_hash"`
	Vector         []float32           `json:"vector,omitempty"`
	CreatedAt      *time.Time          `json:"created_at,omitempty"`
	UpdatedAt      *time.Time          `json:"updated_at,omitempty"`
}

// FromEntity flattens an entity into its storable form. The content hash is
// passed in rather than recomputed so the stored hash is exactly the one the
// ledger diffed against; the vector may be nil for non-embedded types.
func FromEntity(rec entity.Record, contentHash string, vector []float32) *Record {
	e := rec.Core()
	created, updated := entity.Timestamps(rec)
	return &Record{
		DBEntityID:     e.DBEntityID,
		EntityID:       e.EntityID,
		EntityType:     e.Type,
		SyncID:         e.SyncID,
		SyncJobID:      e.SyncJobID,
		SourceName:     e.SourceName,
		ParentEntityID: e.ParentEntityID,
		Breadcrumbs:    e.Breadcrumbs,
		Payload:        e.Payload,
		ContentHash:    contentHash,
		Vector:         vector,
		CreatedAt:      created,
		UpdatedAt:      updated,
	}
}

// SearchResult pairs a stored record with its query score after decay.
type SearchResult struct {
	Record *Record `json:"record"`
	Score  float64 `json:"score"`
}

// Filter narrows a search to matching records. Zero values mean no
// constraint on that dimension.
type Filter struct {
	// SyncID restricts results to one sync's records.
	SyncID string
	// EntityType restricts results to one entity type.
	EntityType string
	// Limit caps the number of results. Zero means DefaultSearchLimit.
	Limit int
}

// DefaultSearchLimit bounds searches that do not set Filter.Limit.
const DefaultSearchLimit = 10

// DecayConfig biases similarity scores toward recently touched entities.
// The similarity score is multiplied by max(Midpoint, Rate^(age/Scale))
// where age is now minus the record's Field timestamp. Records without the
// timestamp keep their raw score.
type DecayConfig struct {
	// Field selects the timestamp: FieldCreatedAt or FieldUpdatedAt.
	Field string
	// Scale is the age at which the multiplier reaches Rate.
	Scale time.Duration
	// Rate is the multiplier at age Scale, in (0, 1).
	Rate float64
	// Midpoint floors the multiplier so old records never vanish entirely.
	Midpoint float64
}

// Decay field names.
const (
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Weight returns the score multiplier for a record of the given age.
func (d DecayConfig) Weight(age time.Duration) float64 {
	if d.Scale <= 0 || d.Rate <= 0 || d.Rate >= 1 {
		return 1
	}
	if age < 0 {
		age = 0
	}
	w := math.Pow(d.Rate, float64(age)/float64(d.Scale))
	if w < d.Midpoint {
		return d.Midpoint
	}
	return w
}

// Timestamp returns the record timestamp this config scores by.
func (d DecayConfig) Timestamp(r *Record) *time.Time {
	if d.Field == FieldCreatedAt {
		return r.CreatedAt
	}
	return r.UpdatedAt
}

// Destination writes processed entities into one collection of a downstream
// store. Implementations must tolerate duplicate DBEntityIDs (last write
// wins) and treat deletes of absent identities as no-ops.
type Destination interface {
	// Name identifies the adapter (the integration short name).
	Name() string
	// SetupCollection ensures the bound collection exists and is configured
	// for vectors of the given size. It is called before every job and must
	// be idempotent.
	SetupCollection(ctx context.Context, vectorSize int) error
	// BulkInsert upserts records by DBEntityID.
	BulkInsert(ctx context.Context, recs []*Record) error
	// BulkDelete removes records by DBEntityID.
	BulkDelete(ctx context.Context, dbEntityIDs []string) error
	// BulkDeleteByParentID removes a sync's records whose ParentEntityID
	// matches, cascading a parent deletion onto its derived entities.
	BulkDeleteByParentID(ctx context.Context, syncID, parentEntityID string) error
	// DeleteBySyncID removes every record a sync owns.
	DeleteBySyncID(ctx context.Context, syncID string) error
	// Search returns the records most similar to vector, filtered, scored,
	// and optionally decayed by recency. Results are ordered by descending
	// score.
	Search(ctx context.Context, vector []float32, f Filter, decay *DecayConfig) ([]SearchResult, error)
}

// Config carries everything an adapter needs at construction time.
type Config struct {
	// CollectionID names the collection the instance is bound to.
	CollectionID string
	// Credentials is the decrypted credential payload for the destination
	// connection, when the store needs one.
	Credentials map[string]any
	// Settings holds per-destination options.
	Settings map[string]any
	// Logger is the per-job logger. Never nil once opened through Open.
	Logger telemetry.Logger
}

// Factory constructs a destination adapter.
type Factory struct {
	// New builds the adapter. Required.
	New func(ctx context.Context, cfg Config) (Destination, error)
}

var (
	regMu     sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a destination factory available under the given name,
// replacing any previous registration. Registrations with an empty name or
// nil constructor are ignored.
func Register(name string, f Factory) {
	if name == "" || f.New == nil {
		return
	}
	regMu.Lock()
	defer regMu.Unlock()
	factories[name] = f
}

// Open resolves the named factory and constructs an adapter bound to
// cfg.CollectionID. A nil cfg.Logger is replaced with a noop logger.
func Open(ctx context.Context, name string, cfg Config) (Destination, error) {
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("destination %q not registered", name)
	}
	if cfg.CollectionID == "" {
		return nil, fmt.Errorf("open destination %q: collection id is required", name)
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	dst, err := f.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open destination %q: %w", name, err)
	}
	return dst, nil
}

// Names returns the registered destination names in sorted order.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
