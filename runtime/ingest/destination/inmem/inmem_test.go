package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/runtime/ingest/destination"
)

func rec(dbID, entityID, syncID, parent string, vec []float32) *destination.Record {
	return &destination.Record{
		DBEntityID:     dbID,
		EntityID:       entityID,
		EntityType:     "Doc",
		SyncID:         syncID,
		ParentEntityID: parent,
		Vector:         vec,
		Payload:        map[string]any{"body": entityID},
	}
}

func TestInsertIsUpsert(t *testing.T) {
	ctx := context.Background()
	s := New("col")
	require.NoError(t, s.SetupCollection(ctx, 2))

	require.NoError(t, s.BulkInsert(ctx, []*destination.Record{rec("db-1", "e-1", "s-1", "", []float32{1, 0})}))
	require.NoError(t, s.BulkInsert(ctx, []*destination.Record{rec("db-1", "e-1", "s-1", "", []float32{0, 1})}))

	require.Equal(t, 1, s.Len())
	stored, ok := s.Get("db-1")
	require.True(t, ok)
	require.Equal(t, []float32{0, 1}, stored.Vector)
}

func TestSetupCollectionRejectsSizeChange(t *testing.T) {
	ctx := context.Background()
	s := New("col")
	require.NoError(t, s.SetupCollection(ctx, 4))
	require.NoError(t, s.SetupCollection(ctx, 4))
	require.ErrorContains(t, s.SetupCollection(ctx, 8), "conflicts with existing")
}

func TestDeleteScopes(t *testing.T) {
	ctx := context.Background()
	s := New("col")
	require.NoError(t, s.BulkInsert(ctx, []*destination.Record{
		rec("db-1", "e-1", "s-1", "", []float32{1, 0}),
		rec("db-2", "e-1_chunk_0", "s-1", "e-1", []float32{1, 0}),
		rec("db-3", "e-2", "s-1", "", []float32{1, 0}),
		rec("db-4", "e-9", "s-2", "", []float32{1, 0}),
	}))

	// Cascade removes only the sync's children of the parent.
	require.NoError(t, s.BulkDeleteByParentID(ctx, "s-1", "e-1"))
	require.Equal(t, 3, s.Len())
	_, ok := s.Get("db-2")
	require.False(t, ok)

	require.NoError(t, s.BulkDelete(ctx, []string{"db-1", "db-absent"}))
	require.Equal(t, 2, s.Len())

	require.NoError(t, s.DeleteBySyncID(ctx, "s-1"))
	require.Equal(t, 1, s.Len())
	_, ok = s.Get("db-4")
	require.True(t, ok)
}

func TestSearchOrdersByCosine(t *testing.T) {
	ctx := context.Background()
	s := New("col")
	require.NoError(t, s.BulkInsert(ctx, []*destination.Record{
		rec("db-1", "close", "s-1", "", []float32{1, 0.1}),
		rec("db-2", "far", "s-1", "", []float32{0, 1}),
		rec("db-3", "other-sync", "s-2", "", []float32{1, 0}),
	}))

	results, err := s.Search(ctx, []float32{1, 0}, destination.Filter{SyncID: "s-1"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "close", results[0].Record.EntityID)
	require.Equal(t, "far", results[1].Record.EntityID)
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchAppliesRecencyDecay(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	fresh := now.Add(-time.Hour)
	stale := now.Add(-30 * 24 * time.Hour)

	ctx := context.Background()
	s := New("col")
	oldRec := rec("db-old", "old", "s-1", "", []float32{1, 0})
	oldRec.UpdatedAt = &stale
	newRec := rec("db-new", "new", "s-1", "", []float32{1, 0})
	newRec.UpdatedAt = &fresh
	require.NoError(t, s.BulkInsert(ctx, []*destination.Record{oldRec, newRec}))

	decay := &destination.DecayConfig{
		Field: destination.FieldUpdatedAt,
		Scale: 24 * time.Hour,
		Rate:  0.5,
	}
	results, err := s.Search(ctx, []float32{1, 0}, destination.Filter{}, decay)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Identical vectors, so recency decides the order.
	require.Equal(t, "new", results[0].Record.EntityID)
	require.Equal(t, "old", results[1].Record.EntityID)
}

func TestSearchLimit(t *testing.T) {
	ctx := context.Background()
	s := New("col")
	for i := 0; i < 25; i++ {
		require.NoError(t, s.BulkInsert(ctx, []*destination.Record{
			rec("db-"+string(rune('a'+i)), "e", "s-1", "", []float32{1, 0}),
		}))
	}

	results, err := s.Search(ctx, []float32{1, 0}, destination.Filter{}, nil)
	require.NoError(t, err)
	require.Len(t, results, destination.DefaultSearchLimit)

	results, err = s.Search(ctx, []float32{1, 0}, destination.Filter{Limit: 3}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
}

func TestRegisteredWithRegistry(t *testing.T) {
	dst, err := destination.Open(context.Background(), Name, destination.Config{CollectionID: "col"})
	require.NoError(t, err)
	require.Equal(t, Name, dst.Name())
}
