package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/weftworks/loom/runtime/ingest/engine"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

type temporalWorkflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
	logger     telemetry.Logger
}

// NewWorkflowContext adapts a raw Temporal workflow.Context into the engine's
// WorkflowContext. Useful for workflows registered outside this adapter that
// run on the same worker and want to call the typed sync activities.
func NewWorkflowContext(e *Engine, ctx workflow.Context) engine.WorkflowContext {
	return newWorkflowContext(e, ctx)
}

func newWorkflowContext(e *Engine, ctx workflow.Context) *temporalWorkflowContext {
	info := workflow.GetInfo(ctx)
	return &temporalWorkflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
		logger:     e.logger,
	}
}

type contextKey string

const (
	workflowIDKey contextKey = "temporal.workflow_id"
	runIDKey      contextKey = "temporal.run_id"
)

func (w *temporalWorkflowContext) Context() context.Context {
	ctx := context.WithValue(context.Background(), workflowIDKey, w.workflowID)
	return context.WithValue(ctx, runIDKey, w.runID)
}

func (w *temporalWorkflowContext) WorkflowID() string { return w.workflowID }

func (w *temporalWorkflowContext) RunID() string { return w.runID }

func (w *temporalWorkflowContext) Now() time.Time { return workflow.Now(w.ctx) }

func (w *temporalWorkflowContext) Logger() telemetry.Logger { return w.logger }

// Detached returns a copy whose activity calls run on a disconnected
// workflow context: cancellation of the parent workflow never reaches them,
// which is how the cancel compensation keeps running after the cancel.
func (w *temporalWorkflowContext) Detached() engine.WorkflowContext {
	dctx, _ := workflow.NewDisconnectedContext(w.ctx)
	cp := *w
	cp.ctx = dctx
	return &cp
}

func (w *temporalWorkflowContext) ExecuteCreateJob(_ context.Context, call engine.CreateJobCall) (*engine.CreateJobOutput, error) {
	if call.Name == "" {
		return nil, errors.New("create-job activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("create-job activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	var out *engine.CreateJobOutput
	if err := fut.Get(actx, &out); err != nil {
		return nil, wrapCanceled(err)
	}
	return out, nil
}

func (w *temporalWorkflowContext) ExecuteRunSync(_ context.Context, call engine.RunSyncCall) error {
	if call.Name == "" {
		return errors.New("run-sync activity name is required")
	}
	if call.Input == nil {
		return errors.New("run-sync activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	return wrapCanceled(fut.Get(actx, nil))
}

func (w *temporalWorkflowContext) ExecuteMarkCancelled(_ context.Context, call engine.MarkCancelledCall) error {
	if call.Name == "" {
		return errors.New("mark-cancelled activity name is required")
	}
	if call.Input == nil {
		return errors.New("mark-cancelled activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	return wrapCanceled(fut.Get(actx, nil))
}

func (w *temporalWorkflowContext) activityOptionsFor(name string, override engine.ActivityOptions) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(name)

	queue := override.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.engine.defaultQueue
	}

	timeout := override.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	heartbeat := override.HeartbeatTimeout
	if heartbeat == 0 {
		heartbeat = defaults.HeartbeatTimeout
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, override.RetryPolicy)

	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    heartbeat,
		WaitForCancellation: defaults.WaitForCancellation || override.WaitForCancellation,
		TaskQueue:           queue,
		RetryPolicy:         convertRetryPolicy(retry),
	}
}

// wrapCanceled normalizes Temporal's cancellation errors onto the engine
// sentinel so workflow handlers can branch with engine.IsCanceled without
// importing the SDK.
func wrapCanceled(err error) error {
	if err == nil {
		return nil
	}
	if sdktemporal.IsCanceledError(err) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s", engine.ErrCanceled, err)
	}
	return err
}

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	return result
}

func convertRetryPolicy(r engine.RetryPolicy) *sdktemporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &sdktemporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}
