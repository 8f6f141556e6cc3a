package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weftworks/loom/runtime/ingest/dag"
	"github.com/weftworks/loom/runtime/ingest/destination"
	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/job"
	"github.com/weftworks/loom/runtime/ingest/ledger"
	"github.com/weftworks/loom/runtime/ingest/pool"
	"github.com/weftworks/loom/runtime/ingest/progress"
	"github.com/weftworks/loom/runtime/ingest/source"
	"github.com/weftworks/loom/runtime/ingest/stream"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// reapWait is how long a throttled submission loop blocks for a worker
// slot to free up before rechecking.
const reapWait = 50 * time.Millisecond

// delta accumulates one worker task's counter contributions and the entity
// IDs it saw. The owning task writes it while running; the run goroutine
// folds it only after the task's handle reports done.
type delta struct {
	c    job.Counters
	seen []string
}

func (d *delta) keep(id string) {
	d.c.Encountered++
	d.c.Kept++
	d.seen = append(d.seen, id)
}

// skip records a per-entity failure. The ID still counts as seen: the
// source has the entity even though this run could not land it, so orphan
// deletion must not take its prior version away.
func (d *delta) skip(id string) {
	d.c.Encountered++
	d.c.Skipped++
	d.seen = append(d.seen, id)
}

// diff records an insert or update decision. The matching inserted or
// updated count is folded later by the batcher that flushed the write.
func (d *delta) diff(id string) {
	d.c.Encountered++
	d.seen = append(d.seen, id)
}

// run is the mutable state of one job execution.
type run struct {
	o        *Orchestrator
	p        Params
	router   *dag.Router
	srcNode  dag.Node
	src      source.Source
	dests    []boundDest
	batchers map[string]*batcher
	tracker  *progress.Tracker
	logger   telemetry.Logger

	// Folding state. Owned by the goroutine driving execute; workers
	// contribute through delta slots and batcher tallies only.
	slots       map[*pool.Handle]*delta
	counters    job.Counters
	encountered map[string]bool
}

func newRun(o *Orchestrator, p Params, router *dag.Router, srcNode dag.Node, src source.Source, dests []boundDest, tracker *progress.Tracker, logger telemetry.Logger) *run {
	batchers := make(map[string]*batcher, len(dests))
	for _, d := range dests {
		batchers[d.node.ID] = newBatcher(d.dst, o.deps.Ledger, o.opts.BatchSize, o.opts.FlushRetry, logger)
	}
	return &run{
		o:           o,
		p:           p,
		router:      router,
		srcNode:     srcNode,
		src:         src,
		dests:       dests,
		batchers:    batchers,
		tracker:     tracker,
		logger:      logger,
		slots:       make(map[*pool.Handle]*delta),
		encountered: make(map[string]bool),
	}
}

// execute pumps the source through the pool until exhaustion, cancellation,
// or a producer failure, then drains workers and flushes what completed.
// Whatever the exit path, batches written by finished workers are flushed
// and folded before execute returns.
func (r *run) execute(ctx context.Context) error {
	// Workers and flushes keep going after a cancellation so in-flight
	// entities can land; stopWork is their hard cutoff.
	finCtx := context.WithoutCancel(ctx)
	workCtx, stopWork := context.WithCancel(finCtx)
	defer stopWork()

	st := stream.New(ctx, r.src, stream.Options{
		Capacity: r.o.opts.StreamCapacity,
		Logger:   r.logger,
	})
	pl := pool.New(r.o.opts.MaxWorkers)

	var g errgroup.Group
	stopFlush := make(chan struct{})
	g.Go(func() error {
		r.flushLoop(workCtx, stopFlush)
		return nil
	})

	pumpErr := r.pump(ctx, workCtx, st, pl)

	if err := st.Stop(finCtx); err != nil {
		r.logger.Warn(finCtx, "source stream stop incomplete", "sync_job_id", r.p.Job.ID, "err", err)
	}
	drainErr := r.drain(ctx, pl)

	close(stopFlush)
	_ = g.Wait()
	stopWork()

	r.finalReap(finCtx)
	for _, b := range r.batchers {
		b.flushPending(finCtx)
	}
	for _, b := range r.batchers {
		b.close()
	}
	r.counters = r.counters.Add(r.takeBatcherCounts())

	if pumpErr != nil {
		return pumpErr
	}
	return drainErr
}

// pump moves entities from the stream into worker tasks, throttling on the
// pool's pending watermark and folding completed deltas as it goes. It
// returns nil only when the source was exhausted cleanly.
func (r *run) pump(ctx, workCtx context.Context, st *stream.Stream, pl *pool.Pool) error {
	watermark := 2 * r.o.opts.MaxWorkers
	for {
		rec, err := st.Next(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrDone) {
				return nil
			}
			if ctx.Err() != nil {
				return err
			}
			return fmt.Errorf("source stream failed: %w", err)
		}

		d := &delta{}
		h, err := pl.Submit(workCtx, r.taskFor(rec, d))
		if err != nil {
			return err
		}
		r.slots[h] = d

		r.reap(ctx, pl, 0)
		for pl.Pending() >= watermark && ctx.Err() == nil {
			r.reap(ctx, pl, reapWait)
		}
	}
}

// reap folds whatever tasks completed since the last call, blocking up to
// wait for one to finish when none has yet.
func (r *run) reap(ctx context.Context, pl *pool.Pool, wait time.Duration) {
	done, err := pl.WaitBatch(ctx, wait)
	if err != nil {
		return
	}
	r.fold(ctx, done)
}

// fold is the single place counters accumulate: task deltas, abort skips,
// and the batchers' flush tallies.
func (r *run) fold(ctx context.Context, done []*pool.Handle) {
	for _, h := range done {
		d, ok := r.slots[h]
		if !ok {
			continue
		}
		delete(r.slots, h)
		r.counters = r.counters.Add(d.c)
		for _, id := range d.seen {
			r.encountered[id] = true
		}
		if err := h.Err(); err != nil && !errors.Is(err, context.Canceled) {
			// The task died outside its own accounting, so its source
			// entity still needs an outcome bucket.
			r.counters = r.counters.Add(job.Counters{Encountered: 1, Skipped: 1})
			r.logger.Warn(ctx, "entity task aborted", "sync_job_id", r.p.Job.ID, "err", err)
		}
	}
	r.counters = r.counters.Add(r.takeBatcherCounts())
	r.tracker.MaybePublish(ctx, r.counters)
}

// finalReap folds every completed task still holding a slot. Tasks running
// past the drain grace stay unreaped; by then cancellation has already
// decided the terminal status.
func (r *run) finalReap(ctx context.Context) {
	done := make([]*pool.Handle, 0, len(r.slots))
	for h := range r.slots {
		select {
		case <-h.Done():
			done = append(done, h)
		default:
		}
	}
	r.fold(ctx, done)
}

func (r *run) takeBatcherCounts() job.Counters {
	var c job.Counters
	for _, b := range r.batchers {
		c = c.Add(b.takeCounts())
	}
	return c
}

// drain waits for in-flight workers. A cancellation, before or during the
// wait, narrows it to the configured grace window.
func (r *run) drain(ctx context.Context, pl *pool.Pool) error {
	if ctx.Err() == nil {
		if err := pl.Wait(ctx); err == nil {
			return nil
		}
	}
	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.opts.DrainGrace)
	defer cancel()
	if err := pl.Wait(graceCtx); err != nil {
		r.logger.Warn(ctx, "abandoning workers after drain grace", "sync_job_id", r.p.Job.ID, "pending", pl.Pending())
		return err
	}
	return nil
}

// flushLoop ages partial batches out on the flush interval so a slow
// source cannot park entities in a batcher indefinitely.
func (r *run) flushLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.o.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, b := range r.batchers {
				b.flushPending(ctx)
			}
		case <-stop:
			return
		}
	}
}

func (r *run) taskFor(rec entity.Record, d *delta) pool.Task {
	return func(ctx context.Context) error {
		r.process(ctx, rec, d)
		return nil
	}
}

// process runs one source entity through the graph. Per-entity failures
// are recorded as skips and never returned: one bad record must not sink
// the job.
func (r *run) process(ctx context.Context, rec entity.Record, d *delta) {
	e := r.stamp(rec)
	if err := e.Materialize(ctx); err != nil {
		d.skip(e.EntityID)
		r.logger.Warn(ctx, "materializing entity failed", "entity_id", e.EntityID, "err", err)
		return
	}
	sink := func(ctx context.Context, out entity.Record, dests []dag.Node) error {
		r.finalize(ctx, out, dests, d)
		return nil
	}
	if err := r.router.Route(ctx, r.srcNode.ID, rec, sink); err != nil {
		d.skip(e.EntityID)
		r.logger.Warn(ctx, "routing entity failed", "entity_id", e.EntityID, "err", err)
	}
}

// finalize lands one terminal entity: hash, diff, embed when the content
// changed, and enqueue the write for every destination it routes to. The
// first destination's op carries the ledger row and the counter weight so
// fan-out never double counts.
func (r *run) finalize(ctx context.Context, rec entity.Record, dests []dag.Node, d *delta) {
	e := r.stamp(rec)
	if err := e.Materialize(ctx); err != nil {
		d.skip(e.EntityID)
		r.logger.Warn(ctx, "materializing entity failed", "entity_id", e.EntityID, "err", err)
		return
	}
	hash, err := e.ContentHash()
	if err != nil {
		d.skip(e.EntityID)
		r.logger.Warn(ctx, "hashing entity failed", "entity_id", e.EntityID, "err", err)
		return
	}
	dec, err := ledger.Resolve(ctx, r.o.deps.Ledger, r.p.Sync.ID, e.EntityID, hash)
	if err != nil {
		d.skip(e.EntityID)
		r.logger.Warn(ctx, "ledger resolve failed", "entity_id", e.EntityID, "err", err)
		return
	}
	e.DBEntityID = dec.DBEntityID

	if dec.Action == ledger.ActionKeep {
		d.keep(e.EntityID)
		return
	}

	vecs, err := r.p.Embedder.Embed(ctx, []string{entity.EmbeddingText(rec)})
	if err != nil {
		d.skip(e.EntityID)
		r.logger.Warn(ctx, "embedding entity failed", "entity_id", e.EntityID, "err", err)
		return
	}
	var vec []float32
	if len(vecs) > 0 {
		vec = vecs[0]
	}

	drec := destination.FromEntity(rec, hash, vec)
	row := ledger.Row{
		SyncID:      r.p.Sync.ID,
		EntityID:    e.EntityID,
		ContentHash: hash,
		DBEntityID:  dec.DBEntityID,
		ModifiedAt:  r.o.now(),
	}
	d.diff(e.EntityID)
	for i, node := range dests {
		b, ok := r.batchers[node.ID]
		if !ok {
			continue
		}
		b.enqueue(ctx, pendingOp{rec: drec, row: row, action: dec.Action, counted: i == 0})
	}
}

// stamp ties the entity to the run. Derived entities inherit the stamps
// even when their transformer did not copy them.
func (r *run) stamp(rec entity.Record) *entity.Entity {
	e := rec.Core()
	e.SyncID = r.p.Sync.ID
	e.SyncJobID = r.p.Job.ID
	if e.SourceName == "" {
		e.SourceName = r.srcNode.Name
	}
	return e
}

// deleteOrphans removes every ledger row whose entity the run did not see,
// cascading onto derived entities, destination first so the ledger never
// claims more than the destination holds.
func (r *run) deleteOrphans(ctx context.Context) (int, error) {
	rows, err := r.o.deps.Ledger.List(ctx, r.p.Sync.ID)
	if err != nil {
		return 0, fmt.Errorf("list ledger rows: %w", err)
	}
	orphans := ledger.Orphans(rows, r.encountered)
	if len(orphans) == 0 {
		return 0, nil
	}

	dbIDs := make([]string, len(orphans))
	ids := make([]string, len(orphans))
	for i, row := range orphans {
		dbIDs[i] = row.DBEntityID
		ids[i] = row.EntityID
	}
	for _, d := range r.dests {
		for start := 0; start < len(dbIDs); start += r.o.opts.BatchSize {
			end := min(start+r.o.opts.BatchSize, len(dbIDs))
			if err := d.dst.BulkDelete(ctx, dbIDs[start:end]); err != nil {
				return 0, fmt.Errorf("delete orphans from %q: %w", d.node.Name, err)
			}
		}
		for _, id := range ids {
			if err := d.dst.BulkDeleteByParentID(ctx, r.p.Sync.ID, id); err != nil {
				return 0, fmt.Errorf("cascade orphan delete on %q: %w", d.node.Name, err)
			}
		}
	}
	if err := r.o.deps.Ledger.Delete(ctx, r.p.Sync.ID, ids); err != nil {
		return 0, fmt.Errorf("delete ledger rows: %w", err)
	}
	r.logger.Info(ctx, "orphans deleted", "sync_job_id", r.p.Job.ID, "count", len(orphans))
	return len(orphans), nil
}

// saveCursor persists the source's next cursor. It only runs after every
// batch flushed so the cursor never advances past data that did not land.
func (r *run) saveCursor(ctx context.Context) error {
	ca, ok := r.src.(source.CursorAware)
	if !ok {
		return nil
	}
	cur := ca.Cursor()
	if len(cur) == 0 {
		return nil
	}
	return r.o.deps.Cursors.SaveCursor(ctx, r.p.Sync.ID, cur)
}
