// Package temporal adapts the durable execution seam to a Temporal cluster.
// It registers sync workflows and activities on per-queue workers, wires
// OpenTelemetry instrumentation into the client and workers, and maps
// Temporal's cancellation and scheduling primitives onto the engine
// vocabulary.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/weftworks/loom/runtime/ingest/engine"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// Worker sizing defaults. Sync runs are few and long-lived, so workflow task
// traffic is light while activity slots hold the actual work; pollers are
// sized accordingly. The SDK fixes the non-sticky to sticky poller split, so
// the workflow poller count is the combined budget.
const (
	DefaultWorkflowTaskPollers   = 8
	DefaultActivityTaskPollers   = 16
	DefaultStickyScheduleToStart = 500 * time.Millisecond
)

// Options configures the Temporal engine adapter. Either a pre-configured
// Client or ClientOptions must be provided; with ClientOptions the adapter
// creates a lazy client so OTEL interceptors can be installed automatically.
type Options struct {
	// Client is an optional pre-configured Temporal client. When nil the
	// adapter builds one from ClientOptions and owns its lifecycle.
	Client client.Client

	// ClientOptions describe how to construct the client when Client is
	// nil. Only connection fields (HostPort, Namespace) need to be set;
	// instrumentation is wired automatically.
	ClientOptions *client.Options

	// WorkerOptions configures the default task queue and the worker
	// settings shared by every queue the engine manages.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics on the client and
	// workers. Both are enabled by default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart keeps workers idle until Worker().Start() is
	// called. By default workers start on the first StartWorkflow call.
	DisableWorkerAutoStart bool

	// Logger emits worker lifecycle logs. Nil means no output.
	Logger telemetry.Logger
}

// WorkerOptions configures the workers the engine creates, one per unique
// task queue. TaskQueue is the default queue used when definitions omit one.
type WorkerOptions struct {
	// TaskQueue is the default queue name. Required.
	TaskQueue string

	// Options are forwarded to worker.New. Poller counts and the sticky
	// schedule-to-start timeout default to the package constants when
	// left zero.
	Options worker.Options
}

// InstrumentationOptions configures the OTEL wiring on the Temporal client
// and workers.
type InstrumentationOptions struct {
	// DisableTracing skips the OTEL tracing interceptor.
	DisableTracing bool

	// DisableMetrics skips the OTEL metrics handler.
	DisableMetrics bool

	// TracerOptions customize the tracing interceptor.
	TracerOptions temporalotel.TracerOptions

	// MetricsOptions customize the metrics handler.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine on Temporal. It manages one worker per
// task queue, lazily created at registration and started either on demand or
// through the WorkerController. Safe for concurrent use.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger telemetry.Logger

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions
}

// New constructs a Temporal engine adapter. Either Client or ClientOptions
// must be provided, and WorkerOptions must name a default task queue.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, errors.New("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	if workerOpts.MaxConcurrentWorkflowTaskPollers == 0 {
		workerOpts.MaxConcurrentWorkflowTaskPollers = DefaultWorkflowTaskPollers
	}
	if workerOpts.MaxConcurrentActivityTaskPollers == 0 {
		workerOpts.MaxConcurrentActivityTaskPollers = DefaultActivityTaskPollers
	}
	if workerOpts.StickyScheduleToStartTimeout == 0 {
		workerOpts.StickyScheduleToStartTimeout = DefaultStickyScheduleToStart
	}
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow registers a workflow definition with the worker for its
// task queue. The handler is wrapped so Temporal decodes directly into the
// typed payload and the handler sees the engine's WorkflowContext.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("temporal engine: workflow name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow %q has no handler", def.Name)
	}
	bundle, err := e.workerForQueue(def.TaskQueue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input *engine.RunInput) (*engine.RunOutput, error) {
		return def.Handler(newWorkflowContext(e, tctx), input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterCreateJobActivity registers a create-job activity. The stored
// options become the call-time defaults merged in activityOptionsFor.
func (e *Engine) RegisterCreateJobActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.CreateJobFunc) error {
	if name == "" {
		return errors.New("temporal engine: activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("temporal engine: activity %q has no handler", name)
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, func(actx context.Context, input *engine.CreateJobInput) (*engine.CreateJobOutput, error) {
		return fn(e.activityContext(actx), input)
	})
	e.storeActivityOptions(name, opts)
	return nil
}

// RegisterRunSyncActivity registers the long-running sync activity.
func (e *Engine) RegisterRunSyncActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.RunSyncFunc) error {
	if name == "" {
		return errors.New("temporal engine: activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("temporal engine: activity %q has no handler", name)
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, func(actx context.Context, input *engine.RunInput) error {
		return fn(e.activityContext(actx), input)
	})
	e.storeActivityOptions(name, opts)
	return nil
}

// RegisterMarkCancelledActivity registers the cancellation compensation
// activity.
func (e *Engine) RegisterMarkCancelledActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.MarkCancelledFunc) error {
	if name == "" {
		return errors.New("temporal engine: activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("temporal engine: activity %q has no handler", name)
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, func(actx context.Context, input *engine.MarkCancelledInput) error {
		return fn(e.activityContext(actx), input)
	})
	e.storeActivityOptions(name, opts)
	return nil
}

// StartWorkflow launches a workflow execution. A workflow ID already running
// on the cluster surfaces as engine.ErrAlreadyStarted.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, errors.New("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:                       req.ID,
		TaskQueue:                queue,
		WorkflowExecutionTimeout: req.RunTimeout,
		Memo:                     req.Memo,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil, fmt.Errorf("%w: %s", engine.ErrAlreadyStarted, req.ID)
		}
		return nil, fmt.Errorf("temporal engine: start workflow: %w", err)
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// CancelWorkflow requests cancellation of the latest run of the workflow ID.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	if workflowID == "" {
		return errors.New("temporal engine: workflow id is required")
	}
	if err := e.client.CancelWorkflow(ctx, workflowID, ""); err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, workflowID)
		}
		return fmt.Errorf("temporal engine: cancel workflow: %w", err)
	}
	return nil
}

// CreateSchedule registers a cron-driven trigger as a Temporal Schedule.
// Overlapping fires are skipped; the single-active-job rule makes an
// overlapping run a no-op anyway.
func (e *Engine) CreateSchedule(ctx context.Context, req engine.ScheduleRequest) error {
	if req.ID == "" {
		return errors.New("temporal engine: schedule id is required")
	}
	if req.Cron == "" {
		return errors.New("temporal engine: schedule cron expression is required")
	}
	if req.Workflow == "" {
		return errors.New("temporal engine: schedule workflow name is required")
	}
	queue := req.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	prefix := req.WorkflowIDPrefix
	if prefix == "" {
		prefix = req.ID
	}

	_, err := e.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: req.ID,
		Spec: client.ScheduleSpec{
			CronExpressions: []string{req.Cron},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        prefix,
			Workflow:  req.Workflow,
			TaskQueue: queue,
			Args:      []any{req.Input},
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		Paused:  req.Paused,
	})
	if err != nil {
		var exists *serviceerror.AlreadyExists
		if errors.Is(err, sdktemporal.ErrScheduleAlreadyRunning) || errors.As(err, &exists) {
			return fmt.Errorf("%w: %s", engine.ErrScheduleExists, req.ID)
		}
		return fmt.Errorf("temporal engine: create schedule: %w", err)
	}
	return nil
}

// DeleteSchedule removes a schedule by ID.
func (e *Engine) DeleteSchedule(ctx context.Context, scheduleID string) error {
	if scheduleID == "" {
		return errors.New("temporal engine: schedule id is required")
	}
	if err := e.client.ScheduleClient().GetHandle(ctx, scheduleID).Delete(ctx); err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return fmt.Errorf("%w: %s", engine.ErrScheduleNotFound, scheduleID)
		}
		return fmt.Errorf("temporal engine: delete schedule: %w", err)
	}
	return nil
}

// Worker returns a controller for the lifecycle of all workers managed by
// this engine. Needed only when DisableWorkerAutoStart is set.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the Temporal client when the engine created it. A client
// supplied through Options stays under the caller's control.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) storeActivityOptions(name string, opts engine.ActivityOptions) {
	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

// activityContext decorates the Temporal activity context with the engine
// seams: the calling workflow's identity and a heartbeat emitter.
func (e *Engine) activityContext(actx context.Context) context.Context {
	base := actx
	info := activity.GetInfo(actx)
	actx = engine.WithExecution(actx, engine.Execution{
		WorkflowID: info.WorkflowExecution.ID,
		RunID:      info.WorkflowExecution.RunID,
	})
	return engine.WithHeartbeat(actx, func() { activity.RecordHeartbeat(base) })
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, errors.New("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}

	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{
		queue:  queue,
		worker: w,
		logger: e.logger,
	}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

// WorkerController starts and stops all workers managed by the engine. When
// auto-start is enabled (default) Start is optional; workers come up on the
// first StartWorkflow call.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers; later registrations auto-start.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers managed by the engine.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) ID() string { return h.run.GetID() }

func (h *workflowHandle) RunID() string { return h.run.GetRunID() }

func (h *workflowHandle) Wait(ctx context.Context) (*engine.RunOutput, error) {
	var out engine.RunOutput
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, wrapCanceled(err)
	}
	return &out, nil
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
