// Package inmem provides an in-process engine adapter for tests and local
// development. Workflows run as goroutines, activities execute inline on the
// caller's goroutine, and cron schedules are recorded but never fire; tests
// inspect them through Schedules and trigger runs directly.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/loom/runtime/ingest/engine"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// Options configures the in-process engine.
type Options struct {
	// TaskQueue is the default queue name. Queues carry no routing
	// meaning in-process; the field exists so registrations mirror the
	// production adapter.
	TaskQueue string

	// Logger emits workflow logs. Nil means no output.
	Logger telemetry.Logger
}

// Engine implements engine.Engine in-process. Safe for concurrent use.
type Engine struct {
	queue  string
	logger telemetry.Logger

	mu            sync.Mutex
	workflows     map[string]engine.WorkflowDefinition
	createJob     map[string]activityReg[engine.CreateJobFunc]
	runSync       map[string]activityReg[engine.RunSyncFunc]
	markCancelled map[string]activityReg[engine.MarkCancelledFunc]
	running       map[string]*handle
	schedules     map[string]engine.ScheduleRequest
	heartbeats    map[string]int
}

type activityReg[F any] struct {
	opts engine.ActivityOptions
	fn   F
}

// New returns an empty engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{
		queue:         opts.TaskQueue,
		logger:        logger,
		workflows:     make(map[string]engine.WorkflowDefinition),
		createJob:     make(map[string]activityReg[engine.CreateJobFunc]),
		runSync:       make(map[string]activityReg[engine.RunSyncFunc]),
		markCancelled: make(map[string]activityReg[engine.MarkCancelledFunc]),
		running:       make(map[string]*handle),
		schedules:     make(map[string]engine.ScheduleRequest),
		heartbeats:    make(map[string]int),
	}
}

// RegisterWorkflow registers a workflow definition.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("inmem engine: workflow name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("inmem engine: workflow %q has no handler", def.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("inmem engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterCreateJobActivity registers a create-job activity.
func (e *Engine) RegisterCreateJobActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.CreateJobFunc) error {
	if name == "" {
		return errors.New("inmem engine: activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("inmem engine: activity %q has no handler", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createJob[name] = activityReg[engine.CreateJobFunc]{opts: opts, fn: fn}
	return nil
}

// RegisterRunSyncActivity registers a run-sync activity.
func (e *Engine) RegisterRunSyncActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.RunSyncFunc) error {
	if name == "" {
		return errors.New("inmem engine: activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("inmem engine: activity %q has no handler", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runSync[name] = activityReg[engine.RunSyncFunc]{opts: opts, fn: fn}
	return nil
}

// RegisterMarkCancelledActivity registers a cancellation compensation
// activity.
func (e *Engine) RegisterMarkCancelledActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.MarkCancelledFunc) error {
	if name == "" {
		return errors.New("inmem engine: activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("inmem engine: activity %q has no handler", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markCancelled[name] = activityReg[engine.MarkCancelledFunc]{opts: opts, fn: fn}
	return nil
}

// StartWorkflow launches the workflow on a goroutine. The execution outlives
// the caller's context; only the returned handle or CancelWorkflow stops it.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, errors.New("inmem engine: workflow name is required")
	}

	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("inmem engine: workflow %q is not registered", req.Workflow)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, live := e.running[id]; live {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", engine.ErrAlreadyStarted, id)
	}
	h := &handle{id: id, runID: uuid.NewString(), done: make(chan struct{})}
	e.running[id] = h
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	var timeoutCancel context.CancelFunc = func() {}
	if req.RunTimeout > 0 {
		runCtx, timeoutCancel = context.WithTimeout(runCtx, req.RunTimeout)
	}

	wctx := &workflowContext{eng: e, ctx: runCtx, id: id, runID: h.runID}
	go func() {
		defer cancel()
		defer timeoutCancel()
		out, err := def.Handler(wctx, req.Input)
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
		h.finish(out, err)
	}()
	return h, nil
}

// CancelWorkflow cancels the running execution with the given workflow ID.
func (e *Engine) CancelWorkflow(_ context.Context, workflowID string) error {
	e.mu.Lock()
	h, ok := e.running[workflowID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, workflowID)
	}
	h.cancel()
	return nil
}

// CreateSchedule records the schedule without firing it. Tests drive
// scheduled runs by starting the workflow themselves.
func (e *Engine) CreateSchedule(_ context.Context, req engine.ScheduleRequest) error {
	if req.ID == "" {
		return errors.New("inmem engine: schedule id is required")
	}
	if req.Cron == "" {
		return errors.New("inmem engine: schedule cron expression is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.schedules[req.ID]; exists {
		return fmt.Errorf("%w: %s", engine.ErrScheduleExists, req.ID)
	}
	e.schedules[req.ID] = req
	return nil
}

// DeleteSchedule removes a recorded schedule.
func (e *Engine) DeleteSchedule(_ context.Context, scheduleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.schedules[scheduleID]; !exists {
		return fmt.Errorf("%w: %s", engine.ErrScheduleNotFound, scheduleID)
	}
	delete(e.schedules, scheduleID)
	return nil
}

// Schedules returns the recorded schedules sorted by ID.
func (e *Engine) Schedules() []engine.ScheduleRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.ScheduleRequest, 0, len(e.schedules))
	for _, req := range e.schedules {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Heartbeats returns how many heartbeats activities of the given workflow
// execution have recorded.
func (e *Engine) Heartbeats(workflowID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heartbeats[workflowID]
}

func (e *Engine) recordHeartbeat(workflowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.heartbeats[workflowID]++
}

type handle struct {
	id     string
	runID  string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	out *engine.RunOutput
	err error
}

func (h *handle) ID() string    { return h.id }
func (h *handle) RunID() string { return h.runID }

func (h *handle) Wait(ctx context.Context) (*engine.RunOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.out, h.err
	}
}

func (h *handle) Cancel(_ context.Context) error {
	h.cancel()
	return nil
}

func (h *handle) finish(out *engine.RunOutput, err error) {
	h.mu.Lock()
	h.out, h.err = out, err
	h.mu.Unlock()
	close(h.done)
}

// workflowContext implements engine.WorkflowContext on plain goroutines.
// Activity calls run inline so their effects are visible to the test as
// soon as the call returns.
type workflowContext struct {
	eng   *Engine
	ctx   context.Context
	id    string
	runID string
}

type contextKey string

const (
	workflowIDKey contextKey = "inmem.workflow_id"
	runIDKey      contextKey = "inmem.run_id"
)

func (w *workflowContext) Context() context.Context {
	ctx := context.WithValue(context.Background(), workflowIDKey, w.id)
	return context.WithValue(ctx, runIDKey, w.runID)
}

func (w *workflowContext) WorkflowID() string { return w.id }

func (w *workflowContext) RunID() string { return w.runID }

func (w *workflowContext) Now() time.Time { return time.Now() }

func (w *workflowContext) Logger() telemetry.Logger { return w.eng.logger }

func (w *workflowContext) Detached() engine.WorkflowContext {
	cp := *w
	cp.ctx = context.WithoutCancel(w.ctx)
	return &cp
}

func (w *workflowContext) ExecuteCreateJob(_ context.Context, call engine.CreateJobCall) (*engine.CreateJobOutput, error) {
	if call.Name == "" {
		return nil, errors.New("inmem engine: create-job activity name is required")
	}
	w.eng.mu.Lock()
	reg, ok := w.eng.createJob[call.Name]
	w.eng.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inmem engine: create-job activity %q is not registered", call.Name)
	}
	actx, done := w.activityContext(mergeOptions(reg.opts, call.Options))
	defer done()
	return reg.fn(actx, call.Input)
}

func (w *workflowContext) ExecuteRunSync(_ context.Context, call engine.RunSyncCall) error {
	if call.Name == "" {
		return errors.New("inmem engine: run-sync activity name is required")
	}
	w.eng.mu.Lock()
	reg, ok := w.eng.runSync[call.Name]
	w.eng.mu.Unlock()
	if !ok {
		return fmt.Errorf("inmem engine: run-sync activity %q is not registered", call.Name)
	}
	actx, done := w.activityContext(mergeOptions(reg.opts, call.Options))
	defer done()
	return reg.fn(actx, call.Input)
}

func (w *workflowContext) ExecuteMarkCancelled(_ context.Context, call engine.MarkCancelledCall) error {
	if call.Name == "" {
		return errors.New("inmem engine: mark-cancelled activity name is required")
	}
	w.eng.mu.Lock()
	reg, ok := w.eng.markCancelled[call.Name]
	w.eng.mu.Unlock()
	if !ok {
		return fmt.Errorf("inmem engine: mark-cancelled activity %q is not registered", call.Name)
	}
	actx, done := w.activityContext(mergeOptions(reg.opts, call.Options))
	defer done()
	return reg.fn(actx, call.Input)
}

// activityContext derives the handler context: the workflow context bounded
// by the activity timeout, carrying the execution identity and a heartbeat
// emitter that feeds the engine's per-workflow counter.
func (w *workflowContext) activityContext(opts engine.ActivityOptions) (context.Context, context.CancelFunc) {
	actx := w.ctx
	done := func() {}
	if opts.Timeout > 0 {
		actx, done = context.WithTimeout(actx, opts.Timeout)
	}
	actx = engine.WithExecution(actx, engine.Execution{WorkflowID: w.id, RunID: w.runID})
	id := w.id
	actx = engine.WithHeartbeat(actx, func() { w.eng.recordHeartbeat(id) })
	return actx, done
}

func mergeOptions(defaults, override engine.ActivityOptions) engine.ActivityOptions {
	merged := defaults
	if override.Queue != "" {
		merged.Queue = override.Queue
	}
	if override.Timeout != 0 {
		merged.Timeout = override.Timeout
	}
	if override.HeartbeatTimeout != 0 {
		merged.HeartbeatTimeout = override.HeartbeatTimeout
	}
	if override.WaitForCancellation {
		merged.WaitForCancellation = true
	}
	if override.RetryPolicy.MaxAttempts != 0 {
		merged.RetryPolicy.MaxAttempts = override.RetryPolicy.MaxAttempts
	}
	if override.RetryPolicy.InitialInterval != 0 {
		merged.RetryPolicy.InitialInterval = override.RetryPolicy.InitialInterval
	}
	if override.RetryPolicy.BackoffCoefficient != 0 {
		merged.RetryPolicy.BackoffCoefficient = override.RetryPolicy.BackoffCoefficient
	}
	return merged
}
