package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/features/mongodb/mongodbtest"
	"github.com/weftworks/loom/runtime/ingest/credentials"
)

func newTestStore() *Store {
	coll := mongodbtest.NewCollection()
	if err := ensureIndexes(context.Background(), coll); err != nil {
		panic(err)
	}
	return newStore(coll, time.Second)
}

func TestPutAndGetRoundTrip(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	cred := credentials.Credential{
		ID:        "cred-1",
		ShortName: "github",
		Payload:   []byte("sealed-bytes"),
	}
	require.NoError(t, st.Put(ctx, cred))

	got, err := st.Get(ctx, "cred-1")
	require.NoError(t, err)
	require.Equal(t, "cred-1", got.ID)
	require.Equal(t, "github", got.ShortName)
	require.Equal(t, []byte("sealed-bytes"), got.Payload)
	require.False(t, got.CreatedAt.IsZero())
	require.False(t, got.UpdatedAt.IsZero())
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	st := newTestStore()
	_, err := st.Get(context.Background(), "missing")
	require.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestPutPreservesCreationTime(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	require.NoError(t, st.Put(ctx, credentials.Credential{
		ID:        "cred-1",
		ShortName: "github",
		Payload:   []byte("v1"),
		CreatedAt: created,
	}))

	require.NoError(t, st.Put(ctx, credentials.Credential{
		ID:        "cred-1",
		ShortName: "github",
		Payload:   []byte("v2"),
	}))

	got, err := st.Get(ctx, "cred-1")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got.Payload)
	require.True(t, got.CreatedAt.Equal(created))
	require.True(t, got.UpdatedAt.After(created))
}

func TestCompareAndSwapReplacesMatchingPayload(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, credentials.Credential{
		ID:        "cred-1",
		ShortName: "asana",
		Payload:   []byte("old-token"),
	}))

	require.NoError(t, st.CompareAndSwapPayload(ctx, "cred-1", []byte("old-token"), []byte("new-token")))
	got, err := st.Get(ctx, "cred-1")
	require.NoError(t, err)
	require.Equal(t, []byte("new-token"), got.Payload)
}

func TestCompareAndSwapRejectsStalePayload(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, credentials.Credential{
		ID:        "cred-1",
		ShortName: "asana",
		Payload:   []byte("current"),
	}))

	err := st.CompareAndSwapPayload(ctx, "cred-1", []byte("expected-but-gone"), []byte("next"))
	require.ErrorIs(t, err, credentials.ErrStale)

	// The loser's write never landed.
	got, gerr := st.Get(ctx, "cred-1")
	require.NoError(t, gerr)
	require.Equal(t, []byte("current"), got.Payload)
}

func TestCompareAndSwapMissingCredential(t *testing.T) {
	st := newTestStore()
	err := st.CompareAndSwapPayload(context.Background(), "ghost", []byte("a"), []byte("b"))
	require.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestCompareAndSwapSerializesRotation(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, credentials.Credential{
		ID:        "cred-1",
		ShortName: "asana",
		Payload:   []byte("gen-0"),
	}))

	// First rotation wins, second sees the stale payload.
	require.NoError(t, st.CompareAndSwapPayload(ctx, "cred-1", []byte("gen-0"), []byte("gen-1")))
	err := st.CompareAndSwapPayload(ctx, "cred-1", []byte("gen-0"), []byte("gen-2"))
	require.ErrorIs(t, err, credentials.ErrStale)

	// Re-reading and retrying against the fresh payload succeeds.
	got, err2 := st.Get(ctx, "cred-1")
	require.NoError(t, err2)
	require.NoError(t, st.CompareAndSwapPayload(ctx, "cred-1", got.Payload, []byte("gen-2")))
}
