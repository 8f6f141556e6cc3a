package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/weftworks/loom/runtime/ingest/dag"
	"github.com/weftworks/loom/runtime/ingest/engine"
	"github.com/weftworks/loom/runtime/ingest/job"
	"github.com/weftworks/loom/runtime/ingest/rootcause"
	"github.com/weftworks/loom/runtime/ingest/syncs"
)

// Pipeline is the materialized run definition: the sync, its graph, and the
// connections backing the graph's endpoints. Callers assemble it from their
// stores; the runner never loads configuration itself.
type Pipeline struct {
	Sync         syncs.Sync
	Graph        dag.Graph
	CollectionID string
	Source       engine.Connection
	Destinations []engine.Connection
}

func (p Pipeline) validate() error {
	if p.Sync.ID == "" {
		return errors.New("runner: sync id is required")
	}
	if p.CollectionID == "" {
		return errors.New("runner: collection id is required")
	}
	if len(p.Destinations) == 0 {
		return errors.New("runner: at least one destination connection is required")
	}
	return nil
}

// TriggerOptions tune one manual run.
type TriggerOptions struct {
	// AccessToken overrides the source connection's credential for this
	// run only.
	AccessToken string
	// ForceFullSync ignores the stored cursor and enables orphan
	// deletion.
	ForceFullSync bool
}

// TriggerSync creates a job record and starts a workflow for it. The record
// is created first so the single-active-job rule rejects concurrent triggers
// before anything reaches the engine; job.ErrActive flows back untouched.
func (r *Runner) TriggerSync(ctx context.Context, p Pipeline, opts TriggerOptions) (job.Record, engine.WorkflowHandle, error) {
	if err := p.validate(); err != nil {
		return job.Record{}, nil, err
	}

	rec := job.Record{
		ID:            uuid.NewString(),
		SyncID:        p.Sync.ID,
		Status:        job.StatusPending,
		ForceFullSync: opts.ForceFullSync,
		CreatedAt:     r.now().UTC(),
	}
	rec.WorkflowID = runWorkflowID(rec.ID)
	if err := r.deps.Jobs.Create(ctx, rec); err != nil {
		return job.Record{}, nil, fmt.Errorf("create sync job: %w", err)
	}

	source := p.Source
	if opts.AccessToken != "" {
		source.AccessToken = opts.AccessToken
	}
	input := &engine.RunInput{
		Sync:          p.Sync,
		Job:           &rec,
		Graph:         p.Graph,
		CollectionID:  p.CollectionID,
		Source:        source,
		Destinations:  p.Destinations,
		ForceFullSync: opts.ForceFullSync,
	}

	handle, err := r.deps.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        rec.WorkflowID,
		Workflow:  WorkflowRunSourceConnection,
		TaskQueue: r.queue,
		Input:     input,
		Memo: map[string]any{
			"sync_id": p.Sync.ID,
			"org":     p.Sync.Org,
		},
	})
	if err != nil {
		// The pending record would block the sync forever.
		now := r.now().UTC()
		if markErr := r.deps.Jobs.MarkFailed(ctx, rec.ID, job.Counters{}, rootcause.Message(err), now); markErr != nil {
			r.deps.Logger.Warn(ctx, "marking job failed after workflow start error",
				"sync_job_id", rec.ID, "err", markErr)
		}
		return job.Record{}, nil, fmt.Errorf("start sync workflow: %w", err)
	}
	r.deps.Logger.Info(ctx, "sync run triggered",
		"sync_id", p.Sync.ID, "sync_job_id", rec.ID, "force_full_sync", opts.ForceFullSync)
	return rec, handle, nil
}

// CancelSync cancels the sync's active run. Returns the job record being
// cancelled, or job.ErrNotFound when the sync has no active job.
func (r *Runner) CancelSync(ctx context.Context, syncID string) (job.Record, error) {
	if syncID == "" {
		return job.Record{}, errors.New("runner: sync id is required")
	}
	rec, err := r.deps.Jobs.ActiveForSync(ctx, syncID)
	if err != nil {
		return job.Record{}, err
	}
	workflowID := rec.WorkflowID
	if workflowID == "" {
		workflowID = runWorkflowID(rec.ID)
	}
	if err := r.deps.Engine.CancelWorkflow(ctx, workflowID); err != nil {
		return rec, fmt.Errorf("cancel sync workflow: %w", err)
	}
	r.deps.Logger.Info(ctx, "sync run cancellation requested",
		"sync_id", syncID, "sync_job_id", rec.ID)
	return rec, nil
}

// ScheduleSync registers the sync's cron trigger plus the daily forced-full
// variant. The sync must carry a schedule expression.
func (r *Runner) ScheduleSync(ctx context.Context, p Pipeline) error {
	if err := p.validate(); err != nil {
		return err
	}
	if p.Sync.Schedule == "" {
		return errors.New("runner: sync has no schedule")
	}

	base := &engine.RunInput{
		Sync:         p.Sync,
		Graph:        p.Graph,
		CollectionID: p.CollectionID,
		Source:       p.Source,
		Destinations: p.Destinations,
	}
	err := r.deps.Engine.CreateSchedule(ctx, engine.ScheduleRequest{
		ID:               incrementalScheduleID(p.Sync.ID),
		Cron:             p.Sync.Schedule,
		Workflow:         WorkflowRunSourceConnection,
		TaskQueue:        r.queue,
		WorkflowIDPrefix: "sync-" + p.Sync.ID,
		Input:            base,
	})
	if err != nil {
		return fmt.Errorf("create sync schedule: %w", err)
	}

	full := *base
	full.ForceFullSync = true
	err = r.deps.Engine.CreateSchedule(ctx, engine.ScheduleRequest{
		ID:               forceFullScheduleID(p.Sync.ID),
		Cron:             DailyForceFullCron,
		Workflow:         WorkflowRunSourceConnection,
		TaskQueue:        r.queue,
		WorkflowIDPrefix: "sync-" + p.Sync.ID + "-full",
		Input:            &full,
	})
	if err != nil {
		return fmt.Errorf("create daily force-full schedule: %w", err)
	}
	r.deps.Logger.Info(ctx, "sync schedules created",
		"sync_id", p.Sync.ID, "cron", p.Sync.Schedule)
	return nil
}

// UnscheduleSync removes both of the sync's schedules. Missing schedules are
// tolerated so the call is safe after a partial ScheduleSync.
func (r *Runner) UnscheduleSync(ctx context.Context, syncID string) error {
	if syncID == "" {
		return errors.New("runner: sync id is required")
	}
	err := r.deps.Engine.DeleteSchedule(ctx, incrementalScheduleID(syncID))
	if err != nil && !errors.Is(err, engine.ErrScheduleNotFound) {
		return fmt.Errorf("delete sync schedule: %w", err)
	}
	err = r.deps.Engine.DeleteSchedule(ctx, forceFullScheduleID(syncID))
	if err != nil && !errors.Is(err, engine.ErrScheduleNotFound) {
		return fmt.Errorf("delete daily force-full schedule: %w", err)
	}
	return nil
}

func runWorkflowID(jobID string) string { return "sync-job-" + jobID }

func incrementalScheduleID(syncID string) string { return "sync-sched-" + syncID }

func forceFullScheduleID(syncID string) string { return "sync-sched-" + syncID + "-full" }
