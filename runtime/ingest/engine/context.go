package engine

import "context"

// heartbeatKey is the private context key carrying the adapter's heartbeat
// function into activity handlers.
type heartbeatKey struct{}

// executionKey is the private context key carrying the calling workflow's
// identity into activity handlers.
type executionKey struct{}

// Execution identifies the workflow execution an activity runs under.
type Execution struct {
	WorkflowID string
	RunID      string
}

// WithHeartbeat returns a child context whose RecordHeartbeat calls invoke
// fn. Engine adapters attach their backend's heartbeat emitter before
// invoking activity handlers.
func WithHeartbeat(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, fn)
}

// RecordHeartbeat reports activity liveness to the backend. It is a no-op
// when the context carries no heartbeat emitter, so handlers can call it
// unconditionally.
func RecordHeartbeat(ctx context.Context) {
	if fn, ok := ctx.Value(heartbeatKey{}).(func()); ok && fn != nil {
		fn()
	}
}

// WithExecution returns a child context carrying the workflow execution
// identity. Engine adapters attach it before invoking activity handlers.
func WithExecution(ctx context.Context, exec Execution) context.Context {
	return context.WithValue(ctx, executionKey{}, exec)
}

// ExecutionFrom extracts the workflow execution identity attached by the
// engine adapter. ok is false when the context did not come from an
// activity invocation.
func ExecutionFrom(ctx context.Context) (Execution, bool) {
	exec, ok := ctx.Value(executionKey{}).(Execution)
	return exec, ok
}
