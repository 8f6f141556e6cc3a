package orchestrator

import (
	"context"
	"sync"

	"github.com/weftworks/loom/runtime/ingest/destination"
	"github.com/weftworks/loom/runtime/ingest/job"
	"github.com/weftworks/loom/runtime/ingest/ledger"
	"github.com/weftworks/loom/runtime/ingest/retry"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// pendingOp is one destination write awaiting flush. Exactly one of an
// entity's fan-out copies carries counted; that copy owns the entity's
// ledger row and its counter contribution.
type pendingOp struct {
	rec     *destination.Record
	row     ledger.Row
	action  ledger.Action
	counted bool
}

// batcher accumulates writes for one destination and flushes them when the
// size threshold trips or the flush interval sweep comes around. Ledger
// rows are written only after the destination accepted the batch, so the
// ledger never runs ahead of the stored data.
type batcher struct {
	dst    destination.Destination
	rows   ledger.Store
	size   int
	retry  retry.Config
	logger telemetry.Logger

	mu      sync.Mutex
	pending []pendingOp
	counts  job.Counters
	closed  bool
}

func newBatcher(dst destination.Destination, rows ledger.Store, size int, rc retry.Config, logger telemetry.Logger) *batcher {
	return &batcher{dst: dst, rows: rows, size: size, retry: rc, logger: logger}
}

// enqueue adds one op, flushing inline on the calling goroutine when the
// batch is full. Ops enqueued after close are dropped; their entities get
// no ledger row and the next run lands them again.
func (b *batcher) enqueue(ctx context.Context, op pendingOp) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, op)
	var batch []pendingOp
	if len(b.pending) >= b.size {
		batch = b.pending
		b.pending = nil
	}
	b.mu.Unlock()
	b.flush(ctx, batch)
}

// flushPending steals and flushes whatever accumulated since the last
// flush.
func (b *batcher) flushPending(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	b.flush(ctx, batch)
}

// close marks the batcher terminal. Workers abandoned past the drain grace
// must not park writes nobody will flush.
func (b *batcher) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// takeCounts returns and clears the outcome tallies accumulated by flushes
// since the last take.
func (b *batcher) takeCounts() job.Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.counts
	b.counts = job.Counters{}
	return c
}

func (b *batcher) add(c job.Counters) {
	b.mu.Lock()
	b.counts = b.counts.Add(c)
	b.mu.Unlock()
}

// flush writes one batch. A batch still failing after retries is bisected
// so a poisoned record cannot sink its batchmates; a record failing alone
// is skipped and the run carries on.
func (b *batcher) flush(ctx context.Context, batch []pendingOp) {
	if len(batch) == 0 {
		return
	}
	recs := make([]*destination.Record, len(batch))
	for i, op := range batch {
		recs[i] = op.rec
	}
	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		return b.dst.BulkInsert(ctx, recs)
	})
	if err != nil {
		if len(batch) == 1 {
			op := batch[0]
			b.logger.Warn(ctx, "skipping record after failed write",
				"destination", b.dst.Name(), "entity_id", op.rec.EntityID, "err", err)
			if op.counted {
				b.add(job.Counters{Skipped: 1})
			}
			return
		}
		mid := len(batch) / 2
		b.flush(ctx, batch[:mid])
		b.flush(ctx, batch[mid:])
		return
	}

	var fresh job.Counters
	rows := make([]ledger.Row, 0, len(batch))
	for _, op := range batch {
		if !op.counted {
			continue
		}
		rows = append(rows, op.row)
		switch op.action {
		case ledger.ActionInsert:
			fresh.Inserted++
		case ledger.ActionUpdate:
			fresh.Updated++
		}
	}
	if len(rows) > 0 {
		if err := b.rows.UpsertMany(ctx, rows); err != nil {
			// The destination holds the data but the ledger does not know
			// yet; the next run resolves these entities as updates again.
			b.logger.Warn(ctx, "ledger upsert failed after flush",
				"destination", b.dst.Name(), "rows", len(rows), "err", err)
		}
	}
	b.add(fresh)
}
