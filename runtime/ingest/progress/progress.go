// Package progress defines the pub/sub seam sync jobs publish their counter
// snapshots through, the wire format of those snapshots, and a tracker that
// batches mid-run publishes. Backends live under features/progress.
package progress

import (
	"context"

	"github.com/weftworks/loom/runtime/ingest/job"
)

// NamespaceSyncJob is the topic namespace for per-job progress streams.
const NamespaceSyncJob = "sync_job"

// Topic derives the channel name subscribers and publishers share.
func Topic(namespace, id string) string {
	return namespace + ":" + id
}

// Update is the wire format of one progress snapshot. Mid-run snapshots
// carry running totals; the terminal snapshot additionally sets IsComplete
// or IsFailed exactly once.
type Update struct {
	Inserted    int    `json:"inserted"`
	Updated     int    `json:"updated"`
	Kept        int    `json:"kept"`
	Deleted     int    `json:"deleted"`
	Skipped     int    `json:"skipped"`
	Encountered int    `json:"entities_encountered"`
	IsComplete  bool   `json:"is_complete"`
	IsFailed    bool   `json:"is_failed"`
	Error       string `json:"error,omitempty"`
}

// FromCounters builds a mid-run snapshot from job counters.
func FromCounters(c job.Counters) Update {
	return Update{
		Inserted:    c.Inserted,
		Updated:     c.Updated,
		Kept:        c.Kept,
		Deleted:     c.Deleted,
		Skipped:     c.Skipped,
		Encountered: c.Encountered,
	}
}

// Terminal reports whether the snapshot closes its stream.
func (u Update) Terminal() bool {
	return u.IsComplete || u.IsFailed
}

// Publisher fans JSON-encoded payloads out to topic subscribers.
type Publisher interface {
	// Publish sends payload to the topic's subscribers and returns how many
	// received it. Publishing to a topic nobody subscribed to is a no-op.
	Publish(ctx context.Context, namespace, id string, payload any) (int64, error)
	// Subscribe opens a dedicated stream of raw payloads for the topic.
	Subscribe(ctx context.Context, namespace, id string) (Subscription, error)
	// Close removes the topic once its stream reached a terminal snapshot.
	// Backends with implicit topics may treat it as a no-op.
	Close(ctx context.Context, namespace, id string) error
}

// Subscription is one subscriber's view of a topic.
type Subscription interface {
	// Events delivers published payloads in order. The channel closes when
	// the subscription or its topic is closed.
	Events() <-chan []byte
	// Close detaches the subscriber.
	Close(ctx context.Context) error
}
