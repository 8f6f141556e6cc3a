// Package runner binds the sync orchestrator to the durable execution
// engine. It owns the RunSourceConnection workflow and its three activities:
// creating the job record, executing the sync, and the cancellation
// compensation. Triggering, cancelling, and cron-scheduling runs go through
// the Runner so every execution path shares the same workflow shape.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/loom/runtime/ingest/embed"
	"github.com/weftworks/loom/runtime/ingest/engine"
	"github.com/weftworks/loom/runtime/ingest/job"
	"github.com/weftworks/loom/runtime/ingest/orchestrator"
	"github.com/weftworks/loom/runtime/ingest/rootcause"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// Workflow and activity names registered with the engine.
const (
	WorkflowRunSourceConnection = "RunSourceConnection"
	ActivityCreateSyncJob       = "create_sync_job"
	ActivityRunSync             = "run_sync"
	ActivityMarkJobCancelled    = "mark_sync_job_cancelled"
)

// DefaultTaskQueue is the queue workers poll when config names none.
const DefaultTaskQueue = "loom-sync"

// DailyForceFullCron fires the daily forced-full run that re-reads the
// source end to end and deletes orphans, catching drift an incremental
// cursor can never see.
const DailyForceFullCron = "0 2 * * *"

const (
	// createJobTimeout bounds the create-job activity. A forced-full run
	// stretches it so the daily schedule can wait out an in-flight
	// incremental instead of giving up.
	createJobTimeout       = 30 * time.Second
	createJobForcedTimeout = 65 * time.Minute

	// runSyncTimeout is the hard cap on one sync run.
	runSyncTimeout = 7 * 24 * time.Hour
	// runSyncHeartbeat is the server-side silence limit; the activity
	// emits well inside it.
	runSyncHeartbeat = 30 * time.Second

	// compensationTimeout bounds the mark-cancelled activity.
	compensationTimeout = 30 * time.Second
)

// DefaultHeartbeatInterval is the activity-side heartbeat cadence. Each beat
// is also the point where a workflow cancellation reaches the running sync.
const DefaultHeartbeatInterval = 2 * time.Second

// cancelledReason is the job error recorded for an externally cancelled run.
// It matches the reason the orchestrator records when it observes the
// cancellation itself, so both paths converge on the same record.
const cancelledReason = "sync cancelled"

// EmbedderResolver materializes the embedder a sync's model binding names.
// The run-sync activity resolves it at execution time; embedders hold
// clients and keys and never travel through workflow payloads.
type EmbedderResolver interface {
	Embedder(ctx context.Context, modelID string) (embed.Embedder, error)
}

// EmbedderResolverFunc adapts a function to EmbedderResolver.
type EmbedderResolverFunc func(ctx context.Context, modelID string) (embed.Embedder, error)

// Embedder implements EmbedderResolver.
func (f EmbedderResolverFunc) Embedder(ctx context.Context, modelID string) (embed.Embedder, error) {
	return f(ctx, modelID)
}

// Deps are the runner's collaborators.
type Deps struct {
	// Engine is the durable execution backend.
	Engine engine.Engine
	// Jobs persists job records.
	Jobs job.Store
	// Orchestrator executes sync runs.
	Orchestrator *orchestrator.Orchestrator
	// Embedders resolves embedding model bindings.
	Embedders EmbedderResolver
	// Logger defaults to a no-op logger.
	Logger telemetry.Logger
}

// Options tune the runner.
type Options struct {
	// TaskQueue routes workflows and activities. Defaults to
	// DefaultTaskQueue.
	TaskQueue string
	// HeartbeatInterval overrides the activity heartbeat cadence.
	// Defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// Runner registers and drives RunSourceConnection workflows.
type Runner struct {
	deps      Deps
	queue     string
	heartbeat time.Duration
	now       func() time.Time
}

// New validates deps and returns a runner.
func New(deps Deps, opts Options) (*Runner, error) {
	if deps.Engine == nil {
		return nil, errors.New("runner: engine is required")
	}
	if deps.Jobs == nil {
		return nil, errors.New("runner: job store is required")
	}
	if deps.Orchestrator == nil {
		return nil, errors.New("runner: orchestrator is required")
	}
	if deps.Embedders == nil {
		return nil, errors.New("runner: embedder resolver is required")
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Runner{deps: deps, queue: queue, heartbeat: heartbeat, now: time.Now}, nil
}

// Register installs the workflow and its activities on the engine. Call once
// before starting workers or triggering runs.
func (r *Runner) Register(ctx context.Context) error {
	err := r.deps.Engine.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      WorkflowRunSourceConnection,
		TaskQueue: r.queue,
		Handler:   r.runSourceConnection,
	})
	if err != nil {
		return fmt.Errorf("register workflow: %w", err)
	}

	err = r.deps.Engine.RegisterCreateJobActivity(ctx, ActivityCreateSyncJob, engine.ActivityOptions{
		Queue:       r.queue,
		Timeout:     createJobTimeout,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}, r.createSyncJob)
	if err != nil {
		return fmt.Errorf("register create-job activity: %w", err)
	}

	err = r.deps.Engine.RegisterRunSyncActivity(ctx, ActivityRunSync, engine.ActivityOptions{
		Queue:               r.queue,
		Timeout:             runSyncTimeout,
		HeartbeatTimeout:    runSyncHeartbeat,
		WaitForCancellation: true,
		RetryPolicy:         engine.RetryPolicy{MaxAttempts: 1},
	}, r.runSync)
	if err != nil {
		return fmt.Errorf("register run-sync activity: %w", err)
	}

	err = r.deps.Engine.RegisterMarkCancelledActivity(ctx, ActivityMarkJobCancelled, engine.ActivityOptions{
		Queue:       r.queue,
		Timeout:     compensationTimeout,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}, r.markJobCancelled)
	if err != nil {
		return fmt.Errorf("register mark-cancelled activity: %w", err)
	}
	return nil
}

// runSourceConnection is the workflow body. A trigger supplies the job
// record up front; a schedule leaves it nil and the workflow creates one,
// exiting gracefully when the sync already has an active job. Cancellation
// runs the mark-cancelled compensation on a detached context so the job
// record never sticks in a non-terminal status.
func (r *Runner) runSourceConnection(wctx engine.WorkflowContext, in *engine.RunInput) (*engine.RunOutput, error) {
	if in == nil {
		return nil, errors.New("runner: workflow input is required")
	}
	ctx := wctx.Context()

	rec := in.Job
	if rec == nil {
		opts := engine.ActivityOptions{Timeout: createJobTimeout}
		if in.ForceFullSync {
			opts.Timeout = createJobForcedTimeout
		}
		out, err := wctx.ExecuteCreateJob(ctx, engine.CreateJobCall{
			Name:    ActivityCreateSyncJob,
			Input:   &engine.CreateJobInput{SyncID: in.Sync.ID, ForceFullSync: in.ForceFullSync},
			Options: opts,
		})
		if err != nil {
			return nil, fmt.Errorf("create sync job: %w", err)
		}
		if out.AlreadyActive {
			wctx.Logger().Info(ctx, "sync already has an active job, skipping run",
				"sync_id", in.Sync.ID)
			return &engine.RunOutput{Skipped: true}, nil
		}
		created := out.Job
		rec = &created
	}

	run := *in
	run.Job = rec
	err := wctx.ExecuteRunSync(ctx, engine.RunSyncCall{
		Name:  ActivityRunSync,
		Input: &run,
	})
	if err != nil {
		if engine.IsCanceled(err) {
			r.compensateCancel(wctx, rec.ID)
		}
		return nil, err
	}
	return &engine.RunOutput{JobID: rec.ID}, nil
}

// compensateCancel marks the job cancelled from a detached context. The
// orchestrator usually finalizes the record itself before the activity
// returns; this covers the runs where the worker died mid-flight and the
// store transition is an idempotent no-op otherwise.
func (r *Runner) compensateCancel(wctx engine.WorkflowContext, jobID string) {
	dctx := wctx.Detached()
	err := dctx.ExecuteMarkCancelled(dctx.Context(), engine.MarkCancelledCall{
		Name: ActivityMarkJobCancelled,
		Input: &engine.MarkCancelledInput{
			JobID:  jobID,
			Reason: cancelledReason,
			At:     wctx.Now(),
		},
	})
	if err != nil {
		wctx.Logger().Error(dctx.Context(), "cancel compensation failed",
			"sync_job_id", jobID, "err", err)
	}
}

// createSyncJob creates the job record for a scheduled run. The
// single-active-job rule surfaces as AlreadyActive rather than an error so
// the workflow can exit without a failure on its record.
func (r *Runner) createSyncJob(ctx context.Context, in *engine.CreateJobInput) (*engine.CreateJobOutput, error) {
	if in == nil || in.SyncID == "" {
		return nil, errors.New("runner: sync id is required")
	}
	rec := job.Record{
		ID:            uuid.NewString(),
		SyncID:        in.SyncID,
		Status:        job.StatusPending,
		ForceFullSync: in.ForceFullSync,
		CreatedAt:     r.now().UTC(),
	}
	if exec, ok := engine.ExecutionFrom(ctx); ok {
		rec.WorkflowID = exec.WorkflowID
	}
	if err := r.deps.Jobs.Create(ctx, rec); err != nil {
		if errors.Is(err, job.ErrActive) {
			r.deps.Logger.Info(ctx, "sync already has an active job",
				"sync_id", in.SyncID)
			return &engine.CreateJobOutput{AlreadyActive: true}, nil
		}
		return nil, fmt.Errorf("create sync job: %w", err)
	}
	return &engine.CreateJobOutput{Job: rec}, nil
}

// runSync executes one sync run. It heartbeats for the duration of the run
// so a workflow cancellation reaches the orchestrator within one beat, and
// it resolves the embedder here because model clients never travel through
// workflow payloads.
func (r *Runner) runSync(ctx context.Context, in *engine.RunInput) error {
	if in == nil || in.Job == nil {
		return errors.New("runner: run input with a job record is required")
	}
	stop := r.startHeartbeat(ctx)
	defer stop()

	embedder, err := r.deps.Embedders.Embedder(ctx, in.Sync.EmbeddingModelID)
	if err != nil {
		// The job must reach a terminal status or the single-active
		// rule blocks the sync forever.
		now := r.now().UTC()
		if markErr := r.deps.Jobs.MarkFailed(ctx, in.Job.ID, job.Counters{}, rootcause.Message(err), now); markErr != nil {
			r.deps.Logger.Warn(ctx, "marking job failed after embedder resolution error",
				"sync_job_id", in.Job.ID, "err", markErr)
		}
		return fmt.Errorf("resolve embedder %q: %w", in.Sync.EmbeddingModelID, err)
	}

	return r.deps.Orchestrator.Run(ctx, orchestrator.Params{
		Sync:         in.Sync,
		Job:          *in.Job,
		Graph:        in.Graph,
		CollectionID: in.CollectionID,
		Source:       connectionParam(in.Source),
		Destinations: connectionParams(in.Destinations),
		Embedder:     embedder,
	})
}

// markJobCancelled is the cancellation compensation.
func (r *Runner) markJobCancelled(ctx context.Context, in *engine.MarkCancelledInput) error {
	if in == nil || in.JobID == "" {
		return errors.New("runner: job id is required")
	}
	at := in.At
	if at.IsZero() {
		at = r.now().UTC()
	}
	if err := r.deps.Jobs.MarkCancelled(ctx, in.JobID, in.Reason, at); err != nil {
		return fmt.Errorf("mark sync job cancelled: %w", err)
	}
	return nil
}

// startHeartbeat emits liveness beats until the returned stop function is
// called or ctx ends.
func (r *Runner) startHeartbeat(ctx context.Context) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				engine.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func connectionParam(c engine.Connection) orchestrator.Connection {
	return orchestrator.Connection{
		ID:           c.ID,
		CredentialID: c.CredentialID,
		AccessToken:  c.AccessToken,
		Settings:     c.Settings,
	}
}

func connectionParams(cs []engine.Connection) []orchestrator.Connection {
	out := make([]orchestrator.Connection, len(cs))
	for i, c := range cs {
		out[i] = connectionParam(c)
	}
	return out
}
