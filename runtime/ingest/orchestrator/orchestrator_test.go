package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/runtime/ingest/dag"
	"github.com/weftworks/loom/runtime/ingest/destination"
	destmem "github.com/weftworks/loom/runtime/ingest/destination/inmem"
	"github.com/weftworks/loom/runtime/ingest/embed/embedtest"
	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/job"
	jobmem "github.com/weftworks/loom/runtime/ingest/job/inmem"
	ledgermem "github.com/weftworks/loom/runtime/ingest/ledger/inmem"
	"github.com/weftworks/loom/runtime/ingest/pool"
	"github.com/weftworks/loom/runtime/ingest/progress"
	"github.com/weftworks/loom/runtime/ingest/retry"
	"github.com/weftworks/loom/runtime/ingest/source"
	"github.com/weftworks/loom/runtime/ingest/source/sourcetest"
	"github.com/weftworks/loom/runtime/ingest/syncs"
	"github.com/weftworks/loom/runtime/ingest/transform"
)

// fixture wires an orchestrator to in-memory collaborators. The source and
// destination registries are process global, so each test registers adapter
// names derived from its own name; the factories read the fixture fields at
// open time so tests can swap the scripted source between runs.
type fixture struct {
	jobs    *jobmem.Store
	rows    *ledgermem.Store
	cursors *ledgermem.CursorStore
	pub     *progress.MemoryPublisher
	emb     *embedtest.Embedder
	dst     *destmem.Store
	src     *sourcetest.Source

	srcName string
	dstName string
	orch    *Orchestrator
}

func newFixture(t *testing.T, script sourcetest.Script, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		jobs:    jobmem.New(),
		rows:    ledgermem.New(),
		cursors: ledgermem.NewCursorStore(),
		pub:     progress.NewMemoryPublisher(),
		emb:     &embedtest.Embedder{},
		dst:     destmem.New("col-1"),
		src:     sourcetest.New(script),
		srcName: "orch-src-" + t.Name(),
		dstName: "orch-dst-" + t.Name(),
	}
	source.Register(f.srcName, source.Factory{
		New: func(context.Context, source.Config) (source.Source, error) { return f.src, nil },
	})
	destination.Register(f.dstName, destination.Factory{
		New: func(context.Context, destination.Config) (destination.Destination, error) { return f.dst, nil },
	})

	orch, err := New(Deps{
		Jobs:      f.jobs,
		Ledger:    f.rows,
		Cursors:   f.cursors,
		Publisher: f.pub,
	}, opts)
	require.NoError(t, err)
	f.orch = orch
	return f
}

// fastOpts keeps runs deterministic: small pool, tiny write batches, and a
// flush interval long enough to never fire on its own.
func fastOpts() Options {
	return Options{
		MaxWorkers:    8,
		BatchSize:     2,
		FlushInterval: time.Hour,
		DrainGrace:    5 * time.Second,
	}
}

func (f *fixture) itemGraph() dag.Graph {
	return dag.Graph{
		ID: "dag-1",
		Nodes: []dag.Node{
			{ID: "n-src", Kind: dag.KindSource, Name: f.srcName, ConnectionID: "conn-src"},
			{ID: "n-item", Kind: dag.KindEntity, EntityType: "item"},
			{ID: "n-dst", Kind: dag.KindDestination, Name: f.dstName, ConnectionID: "conn-dst"},
		},
		Edges: []dag.Edge{
			{From: "n-src", To: "n-item"},
			{From: "n-item", To: "n-dst"},
		},
	}
}

// params creates the job record in the store and returns matching run inputs.
func (f *fixture) params(t *testing.T, jobID string, forceFull bool, g dag.Graph) Params {
	t.Helper()
	rec := job.Record{
		ID:            jobID,
		SyncID:        "sync-1",
		Status:        job.StatusPending,
		ForceFullSync: forceFull,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, f.jobs.Create(context.Background(), rec))
	return Params{
		Sync:         syncs.Sync{ID: "sync-1", Name: "fixture sync", Org: "org-1"},
		Job:          rec,
		Graph:        g,
		CollectionID: "col-1",
		Source:       Connection{ID: "conn-src"},
		Destinations: []Connection{{ID: "conn-dst"}},
		Embedder:     f.emb,
	}
}

func (f *fixture) mustComplete(t *testing.T, p Params) job.Record {
	t.Helper()
	require.NoError(t, f.orch.Run(context.Background(), p))
	rec, err := f.jobs.Get(context.Background(), p.Job.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, rec.Status)
	return rec
}

// collectUpdates drains a progress subscription until the tracker closes the
// topic, decoding every frame.
func collectUpdates(t *testing.T, sub progress.Subscription) []progress.Update {
	t.Helper()
	var ups []progress.Update
	deadline := time.After(10 * time.Second)
	for {
		select {
		case data, open := <-sub.Events():
			if !open {
				return ups
			}
			var u progress.Update
			require.NoError(t, json.Unmarshal(data, &u))
			ups = append(ups, u)
		case <-deadline:
			t.Fatal("progress stream never reached a terminal frame")
		}
	}
}

func TestRunInsertsNewEntities(t *testing.T) {
	f := newFixture(t, sourcetest.Script{Entities: sourcetest.Records("item", 3)}, fastOpts())
	p := f.params(t, "job-1", false, f.itemGraph())

	sub, err := f.pub.Subscribe(context.Background(), progress.NamespaceSyncJob, "job-1")
	require.NoError(t, err)

	rec := f.mustComplete(t, p)
	require.Equal(t, job.Counters{Inserted: 3, Encountered: 3}, rec.Counters)
	require.True(t, rec.Counters.Balanced())
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.CompletedAt)

	// Every write carries the run's provenance, the diffed hash, and a
	// vector sized to the embedder.
	require.Equal(t, 3, f.dst.Len())
	rows, err := f.rows.List(context.Background(), "sync-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		stored, ok := f.dst.Get(row.DBEntityID)
		require.True(t, ok)
		require.Equal(t, row.EntityID, stored.EntityID)
		require.Equal(t, row.ContentHash, stored.ContentHash)
		require.Equal(t, "sync-1", stored.SyncID)
		require.Equal(t, "job-1", stored.SyncJobID)
		require.Equal(t, f.srcName, stored.SourceName)
		require.Len(t, stored.Vector, f.emb.Dimensions())
	}
	require.Equal(t, 3, f.emb.Inputs())

	ups := collectUpdates(t, sub)
	require.NotEmpty(t, ups)
	last := ups[len(ups)-1]
	require.True(t, last.IsComplete)
	require.False(t, last.IsFailed)
	require.Equal(t, 3, last.Inserted)
	require.Equal(t, 3, last.Encountered)

	// The job's scratch space is gone.
	_, err = os.Stat(filepath.Join(os.TempDir(), "loom", "job-1"))
	require.True(t, os.IsNotExist(err))
}

func TestRunKeepsUnchangedEntities(t *testing.T) {
	f := newFixture(t, sourcetest.Script{Entities: sourcetest.Records("item", 3)}, fastOpts())
	f.mustComplete(t, f.params(t, "job-1", false, f.itemGraph()))
	inputsAfterFirst := f.emb.Inputs()

	// The source re-emits identical content on the next run.
	f.src = sourcetest.New(sourcetest.Script{Entities: sourcetest.Records("item", 3)})
	rec := f.mustComplete(t, f.params(t, "job-2", false, f.itemGraph()))

	require.Equal(t, job.Counters{Kept: 3, Encountered: 3}, rec.Counters)
	require.Equal(t, 3, f.dst.Len())
	// Unchanged entities are never re-embedded.
	require.Equal(t, inputsAfterFirst, f.emb.Inputs())
}

func TestRunUpdatesChangedAndDeletesOrphans(t *testing.T) {
	f := newFixture(t, sourcetest.Script{Entities: sourcetest.Records("item", 3)}, fastOpts())
	f.mustComplete(t, f.params(t, "job-1", false, f.itemGraph()))

	before, err := f.rows.List(context.Background(), "sync-1")
	require.NoError(t, err)
	dbByEntity := make(map[string]string, len(before))
	for _, row := range before {
		dbByEntity[row.EntityID] = row.DBEntityID
	}

	// seq-0 changed, seq-1 is identical, seq-2 disappeared upstream.
	f.src = sourcetest.New(sourcetest.Script{Entities: []entity.Record{
		&entity.Entity{EntityID: "seq-0", Type: "item", Payload: map[string]any{"body": "rewritten"}},
		sourcetest.Records("item", 2)[1],
	}})
	rec := f.mustComplete(t, f.params(t, "job-2", true, f.itemGraph()))

	require.Equal(t, job.Counters{Updated: 1, Kept: 1, Deleted: 1, Encountered: 2}, rec.Counters)
	require.True(t, rec.Counters.Balanced())

	require.Equal(t, 2, f.dst.Len())
	updated, ok := f.dst.Get(dbByEntity["seq-0"])
	require.True(t, ok, "updates must keep the destination identity")
	require.Equal(t, "rewritten", updated.Payload["body"])
	require.Equal(t, "job-2", updated.SyncJobID)
	_, ok = f.dst.Get(dbByEntity["seq-2"])
	require.False(t, ok, "orphans must leave the destination")

	after, err := f.rows.List(context.Background(), "sync-1")
	require.NoError(t, err)
	require.Len(t, after, 2)
	for _, row := range after {
		require.NotEqual(t, "seq-2", row.EntityID)
	}
}

func TestRunIncrementalKeepsUnseenEntities(t *testing.T) {
	f := newFixture(t, sourcetest.Script{Entities: sourcetest.Records("item", 3)}, fastOpts())
	f.mustComplete(t, f.params(t, "job-1", false, f.itemGraph()))

	// An incremental pull that only surfaces a subset must not treat the
	// rest as deleted.
	f.src = sourcetest.New(sourcetest.Script{Entities: sourcetest.Records("item", 2)})
	rec := f.mustComplete(t, f.params(t, "job-2", false, f.itemGraph()))

	require.Equal(t, job.Counters{Kept: 2, Encountered: 2}, rec.Counters)
	require.Equal(t, 3, f.dst.Len())
	rows, err := f.rows.List(context.Background(), "sync-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestRunRoutesThroughTransformer(t *testing.T) {
	f := newFixture(t, sourcetest.Script{Entities: []entity.Record{
		&entity.Entity{EntityID: "doc-1", Type: "doc", Payload: map[string]any{"body": "alpha beta"}},
		&entity.Entity{EntityID: "doc-2", Type: "doc", Payload: map[string]any{"body": "gamma delta"}},
	}}, fastOpts())

	var seenTmp atomic.Pointer[string]
	method := "orch-split-" + t.Name()
	transform.Register(method, transform.Func(func(ctx context.Context, rec entity.Record) ([]entity.Record, error) {
		dir := transform.TempDir(ctx)
		seenTmp.Store(&dir)
		e := rec.Core()
		out := make([]entity.Record, 0, 2)
		for i := 0; i < 2; i++ {
			out = append(out, &entity.Entity{
				EntityID:       e.EntityID + "-part-" + strconv.Itoa(i),
				Type:           "part",
				ParentEntityID: e.EntityID,
				Payload:        map[string]any{"piece": i, "of": e.EntityID},
			})
		}
		return out, nil
	}))

	g := dag.Graph{
		ID: "dag-2",
		Nodes: []dag.Node{
			{ID: "n-src", Kind: dag.KindSource, Name: f.srcName, ConnectionID: "conn-src"},
			{ID: "n-doc", Kind: dag.KindEntity, EntityType: "doc"},
			{ID: "n-split", Kind: dag.KindTransformer, MethodRef: method},
			{ID: "n-part", Kind: dag.KindEntity, EntityType: "part"},
			{ID: "n-dst", Kind: dag.KindDestination, Name: f.dstName, ConnectionID: "conn-dst"},
		},
		Edges: []dag.Edge{
			{From: "n-src", To: "n-doc"},
			{From: "n-doc", To: "n-split"},
			{From: "n-split", To: "n-part"},
			{From: "n-part", To: "n-dst"},
		},
	}

	rec := f.mustComplete(t, f.params(t, "job-1", false, g))

	// Only terminal entities count: two docs fan into four parts.
	require.Equal(t, job.Counters{Inserted: 4, Encountered: 4}, rec.Counters)
	require.Equal(t, 4, f.dst.Len())
	for _, stored := range f.dst.All() {
		require.Equal(t, "part", stored.EntityType)
		require.Contains(t, []string{"doc-1", "doc-2"}, stored.ParentEntityID)
		require.Equal(t, "job-1", stored.SyncJobID)
		require.Equal(t, f.srcName, stored.SourceName)
	}

	// Transformers saw the job-scoped scratch dir and the run removed it.
	require.NotNil(t, seenTmp.Load())
	require.Contains(t, *seenTmp.Load(), filepath.Join("loom", "job-1"))
	_, err := os.Stat(*seenTmp.Load())
	require.True(t, os.IsNotExist(err))
}

func TestRunCursorRoundTrip(t *testing.T) {
	f := newFixture(t, sourcetest.Script{
		Entities:   sourcetest.Records("item", 2),
		NextCursor: json.RawMessage(`{"page":2}`),
	}, fastOpts())
	f.mustComplete(t, f.params(t, "job-1", false, f.itemGraph()))

	cur, err := f.cursors.LoadCursor(context.Background(), "sync-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"page":2}`, string(cur))

	// The next incremental run resumes from the stored cursor and persists
	// the fresh one.
	f.src = sourcetest.New(sourcetest.Script{
		Entities:   sourcetest.Records("item", 2),
		NextCursor: json.RawMessage(`{"page":3}`),
	})
	f.mustComplete(t, f.params(t, "job-2", false, f.itemGraph()))
	require.JSONEq(t, `{"page":2}`, string(f.src.LoadedCursor()))

	cur, err = f.cursors.LoadCursor(context.Background(), "sync-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"page":3}`, string(cur))

	// Forced-full runs pull from scratch so orphan detection sees the whole
	// source, but the cursor still advances afterwards.
	f.src = sourcetest.New(sourcetest.Script{
		Entities:   sourcetest.Records("item", 2),
		NextCursor: json.RawMessage(`{"page":4}`),
	})
	f.mustComplete(t, f.params(t, "job-3", true, f.itemGraph()))
	require.Nil(t, f.src.LoadedCursor())

	cur, err = f.cursors.LoadCursor(context.Background(), "sync-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"page":4}`, string(cur))
}

func TestRunSourceFailureFailsJobAfterFlushing(t *testing.T) {
	opts := fastOpts()
	opts.BatchSize = 1
	f := newFixture(t, sourcetest.Script{
		Entities:  sourcetest.Records("item", 5),
		FailAfter: 2,
		FailErr:   errors.New("upstream api exploded"),
	}, opts)
	p := f.params(t, "job-1", false, f.itemGraph())

	sub, err := f.pub.Subscribe(context.Background(), progress.NamespaceSyncJob, "job-1")
	require.NoError(t, err)

	err = f.orch.Run(context.Background(), p)
	require.ErrorContains(t, err, "source stream failed")

	rec, err := f.jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, rec.Status)
	require.Equal(t, "upstream api exploded", rec.Error)
	// Entities that landed before the failure stay flushed and counted.
	require.Equal(t, job.Counters{Inserted: 2, Encountered: 2}, rec.Counters)
	require.Equal(t, 2, f.dst.Len())

	ups := collectUpdates(t, sub)
	require.NotEmpty(t, ups)
	last := ups[len(ups)-1]
	require.True(t, last.IsFailed)
	require.Equal(t, "upstream api exploded", last.Error)
	require.Equal(t, 2, last.Inserted)
}

func TestRunBisectsPoisonedBatch(t *testing.T) {
	opts := fastOpts()
	opts.BatchSize = 4
	f := newFixture(t, sourcetest.Script{Entities: sourcetest.Records("item", 4)}, opts)
	destination.Register(f.dstName, destination.Factory{
		New: func(context.Context, destination.Config) (destination.Destination, error) {
			return &rejectDest{Destination: f.dst, reject: map[string]bool{"seq-2": true}}, nil
		},
	})

	rec := f.mustComplete(t, f.params(t, "job-1", false, f.itemGraph()))

	// One poisoned record must not sink its batch mates.
	require.Equal(t, job.Counters{Inserted: 3, Skipped: 1, Encountered: 4}, rec.Counters)
	require.True(t, rec.Counters.Balanced())
	require.Equal(t, 3, f.dst.Len())

	// The ledger only records what actually landed.
	rows, err := f.rows.List(context.Background(), "sync-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		require.NotEqual(t, "seq-2", row.EntityID)
	}
}

func TestRunCancelMarksJobCancelled(t *testing.T) {
	opts := fastOpts()
	opts.BatchSize = 1
	f := newFixture(t, sourcetest.Script{
		Entities:     sourcetest.Records("item", 200),
		PerItemDelay: 2 * time.Millisecond,
		NextCursor:   json.RawMessage(`{"page":9}`),
	}, opts)
	p := f.params(t, "job-1", false, f.itemGraph())

	sub, err := f.pub.Subscribe(context.Background(), progress.NamespaceSyncJob, "job-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- f.orch.Run(ctx, p) }()

	require.Eventually(t, func() bool { return f.dst.Len() >= 2 }, 5*time.Second, 2*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not unwind after cancellation")
	}

	rec, err := f.jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, rec.Status)
	require.Equal(t, "sync cancelled", rec.Error)
	require.NotNil(t, rec.CompletedAt)

	// The terminal frame carries the partial tallies; the reason is not a
	// failure.
	ups := collectUpdates(t, sub)
	require.NotEmpty(t, ups)
	last := ups[len(ups)-1]
	require.True(t, last.IsComplete)
	require.False(t, last.IsFailed)
	require.Equal(t, "sync cancelled", last.Error)
	require.GreaterOrEqual(t, last.Inserted, 2)

	// An interrupted run must not advance the cursor.
	cur, err := f.cursors.LoadCursor(context.Background(), "sync-1")
	require.NoError(t, err)
	require.Empty(t, cur)
}

func TestRunFlushIntervalAgesPartialBatches(t *testing.T) {
	opts := fastOpts()
	opts.BatchSize = 100
	opts.FlushInterval = 15 * time.Millisecond
	f := newFixture(t, sourcetest.Script{
		Entities:     sourcetest.Records("item", 2),
		PerItemDelay: 150 * time.Millisecond,
	}, opts)
	p := f.params(t, "job-1", false, f.itemGraph())

	errc := make(chan error, 1)
	go func() { errc <- f.orch.Run(context.Background(), p) }()

	// The threshold never trips, so the first record landing mid-run proves
	// the interval flush.
	require.Eventually(t, func() bool { return f.dst.Len() == 1 }, 5*time.Second, 2*time.Millisecond)

	require.NoError(t, <-errc)
	require.Equal(t, 2, f.dst.Len())
	rec, err := f.jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, job.Counters{Inserted: 2, Encountered: 2}, rec.Counters)
}

func TestRunInvalidAuthFailsBeforeStreaming(t *testing.T) {
	f := newFixture(t, sourcetest.Script{
		Entities: sourcetest.Records("item", 3),
		AuthErr:  errors.New("credentials expired"),
	}, fastOpts())

	err := f.orch.Run(context.Background(), f.params(t, "job-1", false, f.itemGraph()))
	require.ErrorContains(t, err, "validate source auth")

	rec, err := f.jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, rec.Status)
	require.Equal(t, "credentials expired", rec.Error)
	require.Equal(t, 0, f.src.Emitted())
	require.Equal(t, 0, f.dst.Len())
}

func TestRunRejectsInvalidParams(t *testing.T) {
	f := newFixture(t, sourcetest.Script{Entities: sourcetest.Records("item", 1)}, fastOpts())

	cases := []struct {
		name string
		job  string
		mut  func(*Params)
		want string
	}{
		{"missing collection", "job-1", func(p *Params) { p.CollectionID = "" }, "collection id is required"},
		{"missing embedder", "job-2", func(p *Params) { p.Embedder = nil }, "embedder is required"},
		{"job of another sync", "job-3", func(p *Params) { p.Sync.ID = "sync-other" }, "does not belong to sync"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := f.params(t, tc.job, false, f.itemGraph())
			tc.mut(&p)
			err := f.orch.Run(context.Background(), p)
			require.ErrorContains(t, err, tc.want)

			rec, err := f.jobs.Get(context.Background(), tc.job)
			require.NoError(t, err)
			require.Equal(t, job.StatusFailed, rec.Status)
		})
	}
}

func TestNewValidatesDepsAndDefaults(t *testing.T) {
	deps := Deps{
		Jobs:      jobmem.New(),
		Ledger:    ledgermem.New(),
		Cursors:   ledgermem.NewCursorStore(),
		Publisher: progress.NewMemoryPublisher(),
	}

	cases := []struct {
		name string
		mut  func(*Deps)
		want string
	}{
		{"jobs", func(d *Deps) { d.Jobs = nil }, "job store is required"},
		{"ledger", func(d *Deps) { d.Ledger = nil }, "ledger store is required"},
		{"cursors", func(d *Deps) { d.Cursors = nil }, "cursor store is required"},
		{"publisher", func(d *Deps) { d.Publisher = nil }, "progress publisher is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			broken := deps
			tc.mut(&broken)
			_, err := New(broken, Options{})
			require.ErrorContains(t, err, tc.want)
		})
	}

	orch, err := New(deps, Options{})
	require.NoError(t, err)
	require.Equal(t, pool.DefaultMaxWorkers, orch.opts.MaxWorkers)
	require.Equal(t, DefaultBatchSize, orch.opts.BatchSize)
	require.Equal(t, DefaultFlushInterval, orch.opts.FlushInterval)
	require.Equal(t, DefaultDrainGrace, orch.opts.DrainGrace)
	require.Equal(t, retry.DefaultConfig(), orch.opts.FlushRetry)
}
