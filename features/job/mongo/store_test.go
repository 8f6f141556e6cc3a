package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/features/mongodb/mongodbtest"
	"github.com/weftworks/loom/runtime/ingest/job"
)

func newTestStore() (*Store, *mongodbtest.Collection) {
	jobs := mongodbtest.NewCollection()
	if err := ensureIndexes(context.Background(), jobs); err != nil {
		panic(err)
	}
	return newStore(jobs, time.Second), jobs
}

func pendingJob(id, syncID string) job.Record {
	return job.Record{
		ID:        id,
		SyncID:    syncID,
		Status:    job.StatusPending,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestEnsureIndexes(t *testing.T) {
	jobs := mongodbtest.NewCollection()
	require.NoError(t, ensureIndexes(context.Background(), jobs))
	require.Len(t, jobs.IndexModels(), 2)
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	st, _ := newTestStore()
	ctx := context.Background()
	rec := pendingJob("job-1", "sync-1")
	rec.WorkflowID = "sync-job-job-1"
	rec.ForceFullSync = true
	require.NoError(t, st.Create(ctx, rec))

	got, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	st, _ := newTestStore()
	_, err := st.Get(context.Background(), "missing")
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestCreateEnforcesSingleActiveJob(t *testing.T) {
	st, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, pendingJob("job-1", "sync-1")))

	err := st.Create(ctx, pendingJob("job-2", "sync-1"))
	require.ErrorIs(t, err, job.ErrActive)

	// A different sync is unaffected.
	require.NoError(t, st.Create(ctx, pendingJob("job-3", "sync-2")))

	// Once the active job reaches a terminal status the sync frees up.
	require.NoError(t, st.MarkCompleted(ctx, "job-1", job.Counters{}, time.Now()))
	require.NoError(t, st.Create(ctx, pendingJob("job-4", "sync-1")))
}

func TestActiveForSync(t *testing.T) {
	st, _ := newTestStore()
	ctx := context.Background()

	_, err := st.ActiveForSync(ctx, "sync-1")
	require.ErrorIs(t, err, job.ErrNotFound)

	require.NoError(t, st.Create(ctx, pendingJob("job-1", "sync-1")))
	got, err := st.ActiveForSync(ctx, "sync-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", got.ID)

	require.NoError(t, st.MarkRunning(ctx, "job-1", time.Now()))
	got, err = st.ActiveForSync(ctx, "sync-1")
	require.NoError(t, err)
	require.Equal(t, job.StatusRunning, got.Status)

	require.NoError(t, st.MarkFailed(ctx, "job-1", job.Counters{}, "boom", time.Now()))
	_, err = st.ActiveForSync(ctx, "sync-1")
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestLifecycleTransitions(t *testing.T) {
	st, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, pendingJob("job-1", "sync-1")))

	started := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, st.MarkRunning(ctx, "job-1", started))
	got, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, job.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	require.True(t, got.StartedAt.Equal(started))

	counters := job.Counters{Inserted: 3, Updated: 1, Kept: 2, Skipped: 1, Encountered: 7}
	done := started.Add(time.Minute)
	require.NoError(t, st.MarkCompleted(ctx, "job-1", counters, done))
	got, err = st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Equal(t, counters, got.Counters)
	require.NotNil(t, got.CompletedAt)
	require.True(t, got.CompletedAt.Equal(done))
}

func TestMarkFailedStoresCountersAndError(t *testing.T) {
	st, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, pendingJob("job-1", "sync-1")))

	counters := job.Counters{Inserted: 1, Encountered: 1}
	require.NoError(t, st.MarkFailed(ctx, "job-1", counters, "source stream failed", time.Now()))
	got, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, got.Status)
	require.Equal(t, counters, got.Counters)
	require.Equal(t, "source stream failed", got.Error)
}

func TestTransitionsRejectTerminalJobs(t *testing.T) {
	st, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, pendingJob("job-1", "sync-1")))
	require.NoError(t, st.MarkCompleted(ctx, "job-1", job.Counters{}, time.Now()))

	require.ErrorIs(t, st.MarkRunning(ctx, "job-1", time.Now()), job.ErrTerminal)
	require.ErrorIs(t, st.MarkCompleted(ctx, "job-1", job.Counters{}, time.Now()), job.ErrTerminal)
	require.ErrorIs(t, st.MarkFailed(ctx, "job-1", job.Counters{}, "late", time.Now()), job.ErrTerminal)
}

func TestTransitionsMissingJobReturnNotFound(t *testing.T) {
	st, _ := newTestStore()
	ctx := context.Background()
	require.ErrorIs(t, st.MarkRunning(ctx, "ghost", time.Now()), job.ErrNotFound)
	require.ErrorIs(t, st.MarkCancelled(ctx, "ghost", "why", time.Now()), job.ErrNotFound)
}

func TestMarkCancelledFinalizesActiveJob(t *testing.T) {
	st, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, pendingJob("job-1", "sync-1")))
	require.NoError(t, st.MarkRunning(ctx, "job-1", time.Now()))

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, st.MarkCancelled(ctx, "job-1", "sync cancelled", at))
	got, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, got.Status)
	require.Equal(t, "sync cancelled", got.Error)
	require.NotNil(t, got.CompletedAt)
	require.True(t, got.CompletedAt.Equal(at))
}

func TestMarkCancelledIsIdempotentOnTerminalJobs(t *testing.T) {
	st, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, pendingJob("job-1", "sync-1")))
	counters := job.Counters{Inserted: 2, Encountered: 2}
	require.NoError(t, st.MarkCompleted(ctx, "job-1", counters, time.Now()))

	require.NoError(t, st.MarkCancelled(ctx, "job-1", "late cancel", time.Now()))
	got, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Equal(t, counters, got.Counters)
	require.Empty(t, got.Error)
}
