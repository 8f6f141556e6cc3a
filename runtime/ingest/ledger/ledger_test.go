package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/runtime/ingest/ledger"
	"github.com/weftworks/loom/runtime/ingest/ledger/inmem"
)

func TestResolveClassifiesVersions(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	// Never seen: insert with a fresh destination identity.
	first, err := ledger.Resolve(ctx, store, "s-1", "e-1", "hash-a")
	require.NoError(t, err)
	require.Equal(t, ledger.ActionInsert, first.Action)
	require.NotEmpty(t, first.DBEntityID)
	require.Empty(t, first.PriorHash)

	// Resolve never writes; a second diff before the flush lands still
	// classifies as insert.
	again, err := ledger.Resolve(ctx, store, "s-1", "e-1", "hash-a")
	require.NoError(t, err)
	require.Equal(t, ledger.ActionInsert, again.Action)
	require.NotEqual(t, first.DBEntityID, again.DBEntityID)

	require.NoError(t, store.UpsertMany(ctx, []ledger.Row{{
		SyncID:      "s-1",
		EntityID:    "e-1",
		ContentHash: "hash-a",
		DBEntityID:  first.DBEntityID,
		ModifiedAt:  time.Now(),
	}}))

	kept, err := ledger.Resolve(ctx, store, "s-1", "e-1", "hash-a")
	require.NoError(t, err)
	require.Equal(t, ledger.ActionKeep, kept.Action)
	require.Equal(t, first.DBEntityID, kept.DBEntityID)
	require.Equal(t, "hash-a", kept.PriorHash)

	updated, err := ledger.Resolve(ctx, store, "s-1", "e-1", "hash-b")
	require.NoError(t, err)
	require.Equal(t, ledger.ActionUpdate, updated.Action)
	require.Equal(t, first.DBEntityID, updated.DBEntityID)
	require.Equal(t, "hash-a", updated.PriorHash)
}

func TestResolveScopesBySync(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	require.NoError(t, store.UpsertMany(ctx, []ledger.Row{
		{SyncID: "s-1", EntityID: "e-1", ContentHash: "h", DBEntityID: "db-1"},
	}))

	other, err := ledger.Resolve(ctx, store, "s-2", "e-1", "h")
	require.NoError(t, err)
	require.Equal(t, ledger.ActionInsert, other.Action)
}

func TestOrphans(t *testing.T) {
	rows := []ledger.Row{
		{SyncID: "s-1", EntityID: "e-1", DBEntityID: "db-1"},
		{SyncID: "s-1", EntityID: "e-2", DBEntityID: "db-2"},
		{SyncID: "s-1", EntityID: "e-3", DBEntityID: "db-3"},
	}
	orphans := ledger.Orphans(rows, map[string]bool{"e-1": true, "e-3": true})
	require.Len(t, orphans, 1)
	require.Equal(t, "e-2", orphans[0].EntityID)

	require.Empty(t, ledger.Orphans(nil, map[string]bool{"e-1": true}))
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	require.NoError(t, store.UpsertMany(ctx, []ledger.Row{
		{SyncID: "s-1", EntityID: "e-1", DBEntityID: "db-1"},
		{SyncID: "s-1", EntityID: "e-2", DBEntityID: "db-2"},
	}))

	require.NoError(t, store.Delete(ctx, "s-1", []string{"e-1", "e-absent"}))

	rows, err := store.List(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "e-2", rows[0].EntityID)

	_, err = store.Get(ctx, "s-1", "e-1")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCursorStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewCursorStore()

	cur, err := store.LoadCursor(ctx, "s-1")
	require.NoError(t, err)
	require.Nil(t, cur)

	require.NoError(t, store.SaveCursor(ctx, "s-1", []byte(`{"table":"2026-08-01"}`)))
	cur, err = store.LoadCursor(ctx, "s-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"table":"2026-08-01"}`, string(cur))

	// Stored bytes are isolated from caller mutation.
	cur[2] = 'X'
	fresh, err := store.LoadCursor(ctx, "s-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"table":"2026-08-01"}`, string(fresh))
}
