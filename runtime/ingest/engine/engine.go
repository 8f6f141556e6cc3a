// Package engine defines the durable execution seam the sync runtime runs
// on. It abstracts workflow and activity scheduling behind a small interface
// so the same run logic drives a Temporal cluster in production
// (engine/temporal) and an in-process executor in tests (engine/inmem).
//
// The vocabulary is deliberately narrow: one workflow shape (a sync run) and
// three activity shapes (create the job record, execute the sync, mark the
// job cancelled). Adapters translate these into their backend's primitives;
// callers never import backend SDKs directly.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/weftworks/loom/runtime/ingest/dag"
	"github.com/weftworks/loom/runtime/ingest/job"
	"github.com/weftworks/loom/runtime/ingest/syncs"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// Sentinel errors shared by all engine adapters.
var (
	// ErrCanceled marks workflow or activity failures caused by an
	// external cancellation rather than a fault. Adapters wrap their
	// backend's cancellation error with it; use IsCanceled to test.
	ErrCanceled = errors.New("engine: execution canceled")

	// ErrAlreadyStarted is returned by StartWorkflow when an execution
	// with the requested workflow ID is already running.
	ErrAlreadyStarted = errors.New("engine: workflow already started")

	// ErrWorkflowNotFound is returned by CancelWorkflow when no running
	// execution matches the workflow ID.
	ErrWorkflowNotFound = errors.New("engine: workflow not found")

	// ErrScheduleExists is returned by CreateSchedule when the schedule
	// ID is already registered.
	ErrScheduleExists = errors.New("engine: schedule already exists")

	// ErrScheduleNotFound is returned by DeleteSchedule when no schedule
	// matches the ID.
	ErrScheduleNotFound = errors.New("engine: schedule not found")
)

// IsCanceled reports whether err originates from a cancellation, either the
// engine's own sentinel or a plain context cancellation surfaced by an
// activity handler.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// Connection identifies the stored connection backing a graph endpoint. It
// is the serializable form of a connection reference carried through the
// workflow payload; adapters must be able to round-trip it as JSON.
type Connection struct {
	// ID matches the graph node's ConnectionID.
	ID string `json:"id"`
	// CredentialID names the stored credential to decrypt. Empty when the
	// adapter needs none.
	CredentialID string `json:"credential_id,omitempty"`
	// AccessToken short-circuits credential resolution with a caller
	// supplied token.
	AccessToken string `json:"access_token,omitempty"`
	// Settings holds per-connection adapter options.
	Settings map[string]any `json:"settings,omitempty"`
}

// RunInput is the workflow payload: everything a sync run needs, fully
// materialized by the caller. Job is nil when the run was started by a
// schedule; the workflow then creates the job record itself through the
// create-job activity before executing the sync.
type RunInput struct {
	Sync         syncs.Sync   `json:"sync"`
	Job          *job.Record  `json:"job,omitempty"`
	Graph        dag.Graph    `json:"graph"`
	CollectionID string       `json:"collection_id"`
	Source       Connection   `json:"source"`
	Destinations []Connection `json:"destinations"`
	// ForceFullSync ignores the stored cursor and re-reads the source from
	// the beginning, enabling orphan deletion.
	ForceFullSync bool `json:"force_full_sync"`
}

// RunOutput is the workflow result.
type RunOutput struct {
	// JobID names the job record the run executed under.
	JobID string `json:"job_id,omitempty"`
	// Skipped is true when the workflow exited without running because the
	// sync already had an active job.
	Skipped bool `json:"skipped,omitempty"`
}

// CreateJobInput is the create-job activity payload.
type CreateJobInput struct {
	SyncID        string `json:"sync_id"`
	ForceFullSync bool   `json:"force_full_sync"`
}

// CreateJobOutput is the create-job activity result. AlreadyActive reports
// that the sync had a non-terminal job, in which case Job is zero and the
// workflow exits gracefully.
type CreateJobOutput struct {
	Job           job.Record `json:"job"`
	AlreadyActive bool       `json:"already_active,omitempty"`
}

// MarkCancelledInput is the cancellation compensation payload.
type MarkCancelledInput struct {
	JobID  string    `json:"job_id"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Activity handler signatures. Handlers receive a plain context; adapters
// decorate it with heartbeat and execution metadata (see RecordHeartbeat and
// ExecutionFrom).
type (
	// CreateJobFunc creates the job record for a scheduled run.
	CreateJobFunc func(ctx context.Context, input *CreateJobInput) (*CreateJobOutput, error)
	// RunSyncFunc executes the sync run itself.
	RunSyncFunc func(ctx context.Context, input *RunInput) error
	// MarkCancelledFunc marks the job cancelled after a workflow-level
	// cancellation, compensating for a run that never got to finalize.
	MarkCancelledFunc func(ctx context.Context, input *MarkCancelledInput) error
)

// WorkflowFunc is the deterministic workflow body. It must only touch the
// outside world through the WorkflowContext's activity methods.
type WorkflowFunc func(ctx WorkflowContext, input *RunInput) (*RunOutput, error)

// WorkflowDefinition binds a workflow name to its handler and task queue.
type WorkflowDefinition struct {
	// Name is the registered workflow type.
	Name string
	// TaskQueue routes executions to a worker pool. Empty selects the
	// adapter's default queue.
	TaskQueue string
	// Handler is the workflow body.
	Handler WorkflowFunc
}

// RetryPolicy bounds automatic retries of an activity. The zero value means
// the adapter's default policy.
type RetryPolicy struct {
	// MaxAttempts caps total attempts including the first. 1 disables
	// retries.
	MaxAttempts int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// BackoffCoefficient multiplies the interval after each attempt.
	BackoffCoefficient float64
}

// ActivityOptions configure one activity invocation. Options given at
// registration act as defaults; per-call options override field-wise, zero
// values deferring to the registered defaults.
type ActivityOptions struct {
	// Queue routes the activity to a worker pool. Empty selects the
	// workflow's queue.
	Queue string
	// Timeout is the start-to-close limit for a single attempt.
	Timeout time.Duration
	// HeartbeatTimeout is the maximum silence between heartbeats before
	// the backend presumes the activity dead. Zero disables heartbeat
	// tracking.
	HeartbeatTimeout time.Duration
	// WaitForCancellation keeps the workflow waiting for the activity to
	// finish unwinding after a cancellation instead of abandoning it.
	WaitForCancellation bool
	// RetryPolicy bounds automatic retries.
	RetryPolicy RetryPolicy
}

// Activity calls name a registered activity and carry its payload plus
// per-call option overrides.
type (
	// CreateJobCall invokes a create-job activity.
	CreateJobCall struct {
		Name    string
		Input   *CreateJobInput
		Options ActivityOptions
	}
	// RunSyncCall invokes a run-sync activity.
	RunSyncCall struct {
		Name    string
		Input   *RunInput
		Options ActivityOptions
	}
	// MarkCancelledCall invokes a cancellation compensation activity.
	MarkCancelledCall struct {
		Name    string
		Input   *MarkCancelledInput
		Options ActivityOptions
	}
)

// WorkflowContext is the deterministic surface exposed to workflow handlers.
// Implementations route activity calls through the backend so results replay
// consistently.
type WorkflowContext interface {
	// Context returns a value-only context carrying workflow identity for
	// logging. It is never used for cancellation; cancellation surfaces
	// through activity errors (see IsCanceled).
	Context() context.Context

	// WorkflowID returns the execution's workflow ID.
	WorkflowID() string

	// RunID returns the execution's run ID.
	RunID() string

	// Now returns the workflow's deterministic clock reading.
	Now() time.Time

	// Logger emits workflow-scoped log records.
	Logger() telemetry.Logger

	// Detached returns a context whose activity calls keep running after
	// the workflow is cancelled. Compensation runs on it.
	Detached() WorkflowContext

	// ExecuteCreateJob runs a registered create-job activity and waits
	// for its result.
	ExecuteCreateJob(ctx context.Context, call CreateJobCall) (*CreateJobOutput, error)

	// ExecuteRunSync runs a registered run-sync activity and waits for it
	// to finish. Cancellation surfaces as an error satisfying IsCanceled.
	ExecuteRunSync(ctx context.Context, call RunSyncCall) error

	// ExecuteMarkCancelled runs a registered compensation activity.
	ExecuteMarkCancelled(ctx context.Context, call MarkCancelledCall) error
}

// WorkflowStartRequest describes one workflow execution to start.
type WorkflowStartRequest struct {
	// ID is the workflow ID. Backends reject an ID that is already
	// running (ErrAlreadyStarted); supply a per-run unique ID.
	ID string
	// Workflow names a registered workflow definition.
	Workflow string
	// TaskQueue overrides the definition's queue when non-empty.
	TaskQueue string
	// Input is the workflow payload.
	Input *RunInput
	// RunTimeout caps the execution's total duration. Zero means no cap.
	RunTimeout time.Duration
	// Memo attaches searchable metadata to the execution.
	Memo map[string]any
}

// WorkflowHandle tracks one started execution.
type WorkflowHandle interface {
	// ID returns the workflow ID.
	ID() string
	// RunID returns the backend's run ID for this execution.
	RunID() string
	// Wait blocks until the workflow finishes and returns its result.
	// A cancelled execution returns an error satisfying IsCanceled.
	Wait(ctx context.Context) (*RunOutput, error)
	// Cancel requests cancellation of the execution. The workflow keeps
	// running its compensation before Wait unblocks.
	Cancel(ctx context.Context) error
}

// ScheduleRequest describes a cron-driven workflow trigger.
type ScheduleRequest struct {
	// ID identifies the schedule for later deletion.
	ID string
	// Cron is a standard five-field cron expression evaluated in UTC.
	Cron string
	// Workflow names the registered workflow the schedule starts.
	Workflow string
	// TaskQueue overrides the definition's queue when non-empty.
	TaskQueue string
	// WorkflowIDPrefix prefixes the IDs of the executions the schedule
	// starts; the backend appends the fire time. Defaults to ID.
	WorkflowIDPrefix string
	// Input is the payload passed to every triggered execution.
	Input *RunInput
	// Paused creates the schedule without firing until it is unpaused
	// out of band.
	Paused bool
}

// Engine registers sync workflows and activities with a durable execution
// backend and starts, cancels, and schedules executions. Implementations are
// safe for concurrent use.
type Engine interface {
	// RegisterWorkflow registers a workflow definition. Must complete
	// before StartWorkflow references the definition.
	RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

	// RegisterCreateJobActivity registers a create-job activity under
	// name with default options.
	RegisterCreateJobActivity(ctx context.Context, name string, opts ActivityOptions, fn CreateJobFunc) error

	// RegisterRunSyncActivity registers a run-sync activity under name
	// with default options.
	RegisterRunSyncActivity(ctx context.Context, name string, opts ActivityOptions, fn RunSyncFunc) error

	// RegisterMarkCancelledActivity registers a cancellation compensation
	// activity under name with default options.
	RegisterMarkCancelledActivity(ctx context.Context, name string, opts ActivityOptions, fn MarkCancelledFunc) error

	// StartWorkflow launches one execution and returns a handle to it.
	StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

	// CancelWorkflow requests cancellation of the running execution with
	// the given workflow ID.
	CancelWorkflow(ctx context.Context, workflowID string) error

	// CreateSchedule registers a cron trigger for a workflow.
	CreateSchedule(ctx context.Context, req ScheduleRequest) error

	// DeleteSchedule removes a schedule by ID.
	DeleteSchedule(ctx context.Context, scheduleID string) error
}
