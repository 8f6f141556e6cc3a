package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/runtime/ingest/syncs"
)

func sample() syncs.Sync {
	return syncs.Sync{
		ID:                       "sync-1",
		Name:                     "tracker to search",
		Org:                      "org-a",
		SourceConnectionID:       "conn-src",
		DestinationConnectionIDs: []string{"conn-dst"},
		EmbeddingModelID:         "text-embedding-3-small",
		DAGID:                    "dag-1",
		Schedule:                 "0 */6 * * *",
	}
}

func TestCreateAndGetScopedByOrg(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, sample()))

	got, err := s.Get(ctx, "org-a", "sync-1")
	require.NoError(t, err)
	require.Equal(t, "tracker to search", got.Name)
	require.False(t, got.CreatedAt.IsZero())

	_, err = s.Get(ctx, "org-b", "sync-1")
	require.ErrorIs(t, err, syncs.ErrPermissionDenied)

	_, err = s.Get(ctx, "org-a", "missing")
	require.ErrorIs(t, err, syncs.ErrNotFound)
}

func TestUpdateMutableFields(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, sample()))

	upd := sample()
	upd.Name = "renamed"
	upd.Schedule = "0 2 * * *"
	require.NoError(t, s.Update(ctx, "org-a", upd))

	got, err := s.Get(ctx, "org-a", "sync-1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)
	require.Equal(t, "0 2 * * *", got.Schedule)
	require.True(t, got.ModifiedAt.After(got.CreatedAt) || got.ModifiedAt.Equal(got.CreatedAt))
}

func TestUpdateRejectsImmutableBindings(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, sample()))

	for name, mutate := range map[string]func(*syncs.Sync){
		"source connection": func(x *syncs.Sync) { x.SourceConnectionID = "other" },
		"destinations":      func(x *syncs.Sync) { x.DestinationConnectionIDs = []string{"a", "b"} },
		"embedding model":   func(x *syncs.Sync) { x.EmbeddingModelID = "other-model" },
		"dag":               func(x *syncs.Sync) { x.DAGID = "dag-2" },
	} {
		upd := sample()
		mutate(&upd)
		err := s.Update(ctx, "org-a", upd)
		require.ErrorIs(t, err, syncs.ErrImmutableField, name)
	}

	// The stored sync is untouched after rejected updates.
	got, err := s.Get(ctx, "org-a", "sync-1")
	require.NoError(t, err)
	require.Equal(t, "conn-src", got.SourceConnectionID)
}

func TestUpdateScopedByOrg(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, sample()))

	upd := sample()
	upd.Name = "hijack"
	require.ErrorIs(t, s.Update(ctx, "org-b", upd), syncs.ErrPermissionDenied)
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, sample()))
	second := sample()
	second.ID = "sync-2"
	require.NoError(t, s.Create(ctx, second))
	foreign := sample()
	foreign.ID = "sync-3"
	foreign.Org = "org-b"
	require.NoError(t, s.Create(ctx, foreign))

	all, err := s.List(ctx, "org-a")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "sync-1", all[0].ID)

	require.ErrorIs(t, s.Delete(ctx, "org-b", "sync-1"), syncs.ErrPermissionDenied)
	require.NoError(t, s.Delete(ctx, "org-a", "sync-1"))
	_, err = s.Get(ctx, "org-a", "sync-1")
	require.ErrorIs(t, err, syncs.ErrNotFound)
}
