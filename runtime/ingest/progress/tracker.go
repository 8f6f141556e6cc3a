package progress

import (
	"context"

	"github.com/weftworks/loom/runtime/ingest/job"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// DefaultPublishEvery is how many newly encountered entities accumulate
// between mid-run snapshots.
const DefaultPublishEvery = 25

// Tracker batches a job's progress publishes: mid-run snapshots go out every
// PublishEvery encountered entities, terminal snapshots always. Publishing
// is best-effort; failures are logged and never fail the job. A Tracker is
// owned by the orchestrator goroutine and is not safe for concurrent use.
type Tracker struct {
	pub       Publisher
	jobID     string
	every     int
	logger    telemetry.Logger
	published int
	closed    bool
}

// NewTracker returns a tracker for the job's topic. every <= 0 selects
// DefaultPublishEvery; a nil logger is replaced with a noop logger.
func NewTracker(pub Publisher, jobID string, every int, logger telemetry.Logger) *Tracker {
	if every <= 0 {
		every = DefaultPublishEvery
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Tracker{pub: pub, jobID: jobID, every: every, logger: logger}
}

// MaybePublish sends a mid-run snapshot when at least PublishEvery entities
// were encountered since the last one.
func (t *Tracker) MaybePublish(ctx context.Context, c job.Counters) {
	if t.closed || c.Encountered-t.published < t.every {
		return
	}
	t.publish(ctx, FromCounters(c))
	t.published = c.Encountered
}

// Complete sends the terminal snapshot of a successful job and closes the
// topic.
func (t *Tracker) Complete(ctx context.Context, c job.Counters) {
	u := FromCounters(c)
	u.IsComplete = true
	t.terminal(ctx, u)
}

// Fail sends the terminal snapshot of a failed job and closes the topic.
func (t *Tracker) Fail(ctx context.Context, c job.Counters, errMsg string) {
	u := FromCounters(c)
	u.IsFailed = true
	u.Error = errMsg
	t.terminal(ctx, u)
}

// Cancel sends the terminal snapshot of a cancelled job and closes the
// topic. Cancellation is not a failure; the reason travels in the error
// field.
func (t *Tracker) Cancel(ctx context.Context, c job.Counters, reason string) {
	u := FromCounters(c)
	u.IsComplete = true
	u.Error = reason
	t.terminal(ctx, u)
}

func (t *Tracker) terminal(ctx context.Context, u Update) {
	if t.closed {
		return
	}
	t.closed = true
	t.publish(ctx, u)
	if err := t.pub.Close(ctx, NamespaceSyncJob, t.jobID); err != nil {
		t.logger.Warn(ctx, "closing progress topic failed", "sync_job_id", t.jobID, "err", err)
	}
}

func (t *Tracker) publish(ctx context.Context, u Update) {
	if _, err := t.pub.Publish(ctx, NamespaceSyncJob, t.jobID, u); err != nil {
		t.logger.Warn(ctx, "progress publish failed", "sync_job_id", t.jobID, "err", err)
	}
}
