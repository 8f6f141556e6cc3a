// Package orchestrator runs sync jobs end to end. A run streams entities out
// of a source adapter, fans them across a bounded worker pool that routes
// each one through the sync's graph, diffs terminal entities against the
// ledger, embeds the changed ones, and batches destination writes. Outcome
// counters are folded on the run's own goroutine from per-task deltas and
// surface through progress snapshots and the terminal job status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/weftworks/loom/runtime/ingest/dag"
	"github.com/weftworks/loom/runtime/ingest/destination"
	"github.com/weftworks/loom/runtime/ingest/embed"
	"github.com/weftworks/loom/runtime/ingest/job"
	"github.com/weftworks/loom/runtime/ingest/ledger"
	"github.com/weftworks/loom/runtime/ingest/pool"
	"github.com/weftworks/loom/runtime/ingest/progress"
	"github.com/weftworks/loom/runtime/ingest/retry"
	"github.com/weftworks/loom/runtime/ingest/rootcause"
	"github.com/weftworks/loom/runtime/ingest/source"
	"github.com/weftworks/loom/runtime/ingest/syncs"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
	"github.com/weftworks/loom/runtime/ingest/transform"
)

const (
	// DefaultBatchSize is the destination flush threshold.
	DefaultBatchSize = 64
	// DefaultFlushInterval bounds how long a partial batch may wait.
	DefaultFlushInterval = 3 * time.Second
	// DefaultDrainGrace is how long cancellation waits for in-flight
	// entity tasks before abandoning them.
	DefaultDrainGrace = 30 * time.Second
)

// CredentialResolver yields decrypted credential payloads with a fresh
// access token folded in for OAuth integrations. credentials.Manager
// implements it.
type CredentialResolver interface {
	Resolve(ctx context.Context, credentialID string) (map[string]any, error)
}

// Deps are the process-wide collaborators shared by every run.
type Deps struct {
	Jobs        job.Store
	Ledger      ledger.Store
	Cursors     ledger.CursorStore
	Publisher   progress.Publisher
	Credentials CredentialResolver
	Logger      telemetry.Logger
}

// Options tune run behavior. Zero values select the defaults above and the
// composed packages' own defaults.
type Options struct {
	// MaxWorkers caps concurrent entity tasks.
	MaxWorkers int
	// BatchSize is how many pending ops trigger an inline flush.
	BatchSize int
	// FlushInterval is the time-based flush fallback for partial batches.
	FlushInterval time.Duration
	// StreamCapacity bounds the producer queue.
	StreamCapacity int
	// PublishEvery is the mid-run progress snapshot cadence in entities.
	PublishEvery int
	// DrainGrace bounds the post-cancellation worker drain.
	DrainGrace time.Duration
	// FlushRetry governs destination bulk write retries.
	FlushRetry retry.Config
}

// Connection binds a graph node's adapter to its stored credential and
// per-connection settings.
type Connection struct {
	// ID matches the graph node's ConnectionID.
	ID string
	// CredentialID names the stored credential to decrypt. Empty when the
	// adapter needs none.
	CredentialID string
	// AccessToken short-circuits credential resolution with a caller
	// supplied token.
	AccessToken string
	// Settings holds per-connection adapter options.
	Settings map[string]any
}

// Params carries one job's inputs.
type Params struct {
	Sync  syncs.Sync
	Job   job.Record
	Graph dag.Graph
	// CollectionID names the destination collection the job writes into.
	CollectionID string
	// Source backs the graph's source node.
	Source Connection
	// Destinations back the graph's destination nodes, matched by
	// ConnectionID.
	Destinations []Connection
	// Embedder produces vectors for inserted and updated entities.
	Embedder embed.Embedder
}

// Orchestrator executes sync jobs. One instance serves any number of
// concurrent runs.
type Orchestrator struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// New validates deps and returns an orchestrator. A nil logger is replaced
// with a noop logger.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Jobs == nil {
		return nil, errors.New("orchestrator: job store is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("orchestrator: ledger store is required")
	}
	if deps.Cursors == nil {
		return nil, errors.New("orchestrator: cursor store is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("orchestrator: progress publisher is required")
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = pool.DefaultMaxWorkers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = DefaultDrainGrace
	}
	if opts.FlushRetry == (retry.Config{}) {
		opts.FlushRetry = retry.DefaultConfig()
	}
	return &Orchestrator{deps: deps, opts: opts, now: time.Now}, nil
}

// Run executes one job through to its terminal status. The job record is
// marked before Run returns: completed on success, cancelled when ctx was
// cancelled, failed otherwise with the root cause of the returned error.
func (o *Orchestrator) Run(ctx context.Context, p Params) error {
	logger := o.deps.Logger
	tracker := progress.NewTracker(o.deps.Publisher, p.Job.ID, o.opts.PublishEvery, logger)

	logger.Info(ctx, "sync job started",
		"sync_id", p.Sync.ID, "sync_job_id", p.Job.ID, "force_full_sync", p.Job.ForceFullSync)

	counters, runErr := o.run(ctx, p, tracker, logger)

	// Terminal bookkeeping must outlive the caller's cancellation.
	finCtx := context.WithoutCancel(ctx)
	at := o.now()

	switch {
	case runErr == nil:
		if err := o.deps.Jobs.MarkCompleted(finCtx, p.Job.ID, counters, at); err != nil {
			logger.Error(finCtx, "marking job completed failed", "sync_job_id", p.Job.ID, "err", err)
			tracker.Complete(finCtx, counters)
			return fmt.Errorf("mark job completed: %w", err)
		}
		tracker.Complete(finCtx, counters)
		logger.Info(finCtx, "sync job completed", "sync_job_id", p.Job.ID,
			"inserted", counters.Inserted, "updated", counters.Updated, "kept", counters.Kept,
			"deleted", counters.Deleted, "skipped", counters.Skipped, "encountered", counters.Encountered)
		return nil

	case ctx.Err() != nil:
		reason := cancelReason(ctx)
		if err := o.deps.Jobs.MarkCancelled(finCtx, p.Job.ID, reason, at); err != nil {
			logger.Error(finCtx, "marking job cancelled failed", "sync_job_id", p.Job.ID, "err", err)
		}
		tracker.Cancel(finCtx, counters, reason)
		logger.Info(finCtx, "sync job cancelled", "sync_job_id", p.Job.ID, "reason", reason)
		return runErr

	default:
		msg := rootcause.Message(runErr)
		if err := o.deps.Jobs.MarkFailed(finCtx, p.Job.ID, counters, msg, at); err != nil {
			logger.Error(finCtx, "marking job failed failed", "sync_job_id", p.Job.ID, "err", err)
		}
		tracker.Fail(finCtx, counters, msg)
		logger.Error(finCtx, "sync job failed", "sync_job_id", p.Job.ID, "err", runErr)
		return runErr
	}
}

// run does everything between the running and terminal marks and returns
// the folded counters alongside the first unrecoverable error.
func (o *Orchestrator) run(ctx context.Context, p Params, tracker *progress.Tracker, logger telemetry.Logger) (job.Counters, error) {
	var zero job.Counters

	if err := validateParams(p); err != nil {
		return zero, err
	}
	if err := o.deps.Jobs.MarkRunning(ctx, p.Job.ID, o.now()); err != nil {
		return zero, fmt.Errorf("mark job running: %w", err)
	}

	router, err := dag.NewRouter(p.Graph, logger)
	if err != nil {
		return zero, err
	}
	srcNode, _ := p.Graph.SourceNode()

	// Transformers stage fetched files under the job's private root so a
	// terminated job never leaks another job's scratch space.
	tmpRoot := filepath.Join(os.TempDir(), "loom", p.Job.ID)
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		return zero, fmt.Errorf("create job temp dir: %w", err)
	}
	defer os.RemoveAll(tmpRoot)
	ctx = transform.WithTempDir(ctx, tmpRoot)

	src, err := o.openSource(ctx, srcNode, p, logger)
	if err != nil {
		return zero, err
	}
	if av, ok := src.(source.AuthValidator); ok {
		if err := av.ValidateAuth(ctx); err != nil {
			return zero, fmt.Errorf("validate source auth: %w", err)
		}
	}

	dests, err := o.openDestinations(ctx, p, logger)
	if err != nil {
		return zero, err
	}
	for _, d := range dests {
		if err := d.dst.SetupCollection(ctx, p.Embedder.Dimensions()); err != nil {
			return zero, fmt.Errorf("set up collection on %q: %w", d.node.Name, err)
		}
	}

	if err := o.loadCursor(ctx, src, p, logger); err != nil {
		return zero, err
	}

	r := newRun(o, p, router, srcNode, src, dests, tracker, logger)
	runErr := r.execute(ctx)
	if runErr != nil {
		return r.counters, runErr
	}

	if p.Job.ForceFullSync {
		deleted, err := r.deleteOrphans(ctx)
		if err != nil {
			return r.counters, err
		}
		r.counters.Deleted += deleted
	}
	if err := r.saveCursor(ctx); err != nil {
		return r.counters, fmt.Errorf("save cursor: %w", err)
	}
	return r.counters, nil
}

func validateParams(p Params) error {
	if p.Sync.ID == "" {
		return errors.New("orchestrator: sync id is required")
	}
	if p.Job.ID == "" {
		return errors.New("orchestrator: job id is required")
	}
	if p.Job.SyncID != p.Sync.ID {
		return fmt.Errorf("orchestrator: job %s does not belong to sync %s", p.Job.ID, p.Sync.ID)
	}
	if p.CollectionID == "" {
		return errors.New("orchestrator: collection id is required")
	}
	if p.Embedder == nil {
		return errors.New("orchestrator: embedder is required")
	}
	return nil
}

func (o *Orchestrator) openSource(ctx context.Context, node dag.Node, p Params, logger telemetry.Logger) (source.Source, error) {
	creds, err := o.resolveCredentials(ctx, p.Source)
	if err != nil {
		return nil, fmt.Errorf("resolve source credentials: %w", err)
	}
	return source.Open(ctx, node.Name, source.Config{
		Credentials: creds,
		Settings:    p.Source.Settings,
		Logger:      logger,
	})
}

// boundDest pairs an opened destination with the graph node it backs.
type boundDest struct {
	node dag.Node
	dst  destination.Destination
}

func (o *Orchestrator) openDestinations(ctx context.Context, p Params, logger telemetry.Logger) ([]boundDest, error) {
	conns := make(map[string]Connection, len(p.Destinations))
	for _, c := range p.Destinations {
		conns[c.ID] = c
	}
	nodes := p.Graph.DestinationNodes()
	dests := make([]boundDest, 0, len(nodes))
	for _, node := range nodes {
		creds, err := o.resolveCredentials(ctx, conns[node.ConnectionID])
		if err != nil {
			return nil, fmt.Errorf("resolve credentials for destination %q: %w", node.Name, err)
		}
		dst, err := destination.Open(ctx, node.Name, destination.Config{
			CollectionID: p.CollectionID,
			Credentials:  creds,
			Settings:     conns[node.ConnectionID].Settings,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		dests = append(dests, boundDest{node: node, dst: dst})
	}
	return dests, nil
}

func (o *Orchestrator) resolveCredentials(ctx context.Context, conn Connection) (map[string]any, error) {
	if conn.AccessToken != "" {
		return map[string]any{"access_token": conn.AccessToken}, nil
	}
	if conn.CredentialID == "" {
		return nil, nil
	}
	if o.deps.Credentials == nil {
		return nil, errors.New("orchestrator: no credential resolver configured")
	}
	return o.deps.Credentials.Resolve(ctx, conn.CredentialID)
}

// loadCursor hands the previously persisted cursor to a cursored source.
// Forced-full runs skip it: an incremental pull would re-emit only changed
// entities and orphan deletion would then wipe the unchanged rest.
func (o *Orchestrator) loadCursor(ctx context.Context, src source.Source, p Params, logger telemetry.Logger) error {
	ca, ok := src.(source.CursorAware)
	if !ok || p.Job.ForceFullSync {
		return nil
	}
	raw, err := o.deps.Cursors.LoadCursor(ctx, p.Sync.ID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := ca.LoadCursor(raw); err != nil {
		logger.Warn(ctx, "stored cursor rejected, pulling from scratch", "sync_id", p.Sync.ID, "err", err)
	}
	return nil
}

func cancelReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return rootcause.Message(cause)
	}
	return "sync cancelled"
}
