// Package inmem provides an in-memory destination used by tests and local
// development. It stores records in a map keyed by destination identity and
// answers searches with exact cosine similarity.
package inmem

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/weftworks/loom/runtime/ingest/destination"
)

// Name is the registry short name.
const Name = "inmem"

// timeNow is a seam for decay tests.
var timeNow = time.Now

func init() {
	destination.Register(Name, destination.Factory{
		New: func(_ context.Context, cfg destination.Config) (destination.Destination, error) {
			return New(cfg.CollectionID), nil
		},
	})
}

// Store is one in-memory collection. Safe for concurrent use.
type Store struct {
	collectionID string

	mu         sync.RWMutex
	vectorSize int
	recs       map[string]*destination.Record
}

// New returns an empty store bound to collectionID.
func New(collectionID string) *Store {
	return &Store{
		collectionID: collectionID,
		recs:         make(map[string]*destination.Record),
	}
}

// Name returns the registry short name.
func (s *Store) Name() string { return Name }

// CollectionID returns the collection the store is bound to.
func (s *Store) CollectionID() string { return s.collectionID }

// SetupCollection records the vector size. Rebinding an existing collection
// to a different size is rejected, mirroring real vector stores.
func (s *Store) SetupCollection(_ context.Context, vectorSize int) error {
	if vectorSize <= 0 {
		return fmt.Errorf("setup collection %s: vector size must be positive", s.collectionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vectorSize != 0 && s.vectorSize != vectorSize {
		return fmt.Errorf("setup collection %s: vector size %d conflicts with existing %d",
			s.collectionID, vectorSize, s.vectorSize)
	}
	s.vectorSize = vectorSize
	return nil
}

// BulkInsert upserts records by DBEntityID.
func (s *Store) BulkInsert(_ context.Context, recs []*destination.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		if r == nil || r.DBEntityID == "" {
			return fmt.Errorf("bulk insert into %s: record without db entity id", s.collectionID)
		}
		cp := *r
		s.recs[r.DBEntityID] = &cp
	}
	return nil
}

// BulkDelete removes records by DBEntityID. Absent identities are ignored.
func (s *Store) BulkDelete(_ context.Context, dbEntityIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range dbEntityIDs {
		delete(s.recs, id)
	}
	return nil
}

// BulkDeleteByParentID removes the sync's records derived from the given
// parent entity.
func (s *Store) BulkDeleteByParentID(_ context.Context, syncID, parentEntityID string) error {
	if parentEntityID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.recs {
		if r.SyncID == syncID && r.ParentEntityID == parentEntityID {
			delete(s.recs, id)
		}
	}
	return nil
}

// DeleteBySyncID removes every record the sync owns.
func (s *Store) DeleteBySyncID(_ context.Context, syncID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.recs {
		if r.SyncID == syncID {
			delete(s.recs, id)
		}
	}
	return nil
}

// Search scores every matching record by cosine similarity, applies the
// optional recency decay, and returns the top results by descending score.
func (s *Store) Search(_ context.Context, vector []float32, f destination.Filter, decay *destination.DecayConfig) ([]destination.SearchResult, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = destination.DefaultSearchLimit
	}
	now := timeNow()

	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]destination.SearchResult, 0, limit)
	for _, r := range s.recs {
		if f.SyncID != "" && r.SyncID != f.SyncID {
			continue
		}
		if f.EntityType != "" && r.EntityType != f.EntityType {
			continue
		}
		score := cosine(vector, r.Vector)
		if decay != nil {
			if ts := decay.Timestamp(r); ts != nil {
				score *= decay.Weight(now.Sub(*ts))
			}
		}
		cp := *r
		results = append(results, destination.SearchResult{Record: &cp, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Len reports how many records the store holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

// Get returns a copy of the record stored under dbEntityID.
func (s *Store) Get(dbEntityID string) (*destination.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recs[dbEntityID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// All returns copies of every stored record, ordered by EntityID for
// deterministic assertions.
func (s *Store) All() []*destination.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*destination.Record, 0, len(s.recs))
	for _, r := range s.recs {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
