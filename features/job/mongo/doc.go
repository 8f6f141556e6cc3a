// Package mongo provides the MongoDB-backed sync job store. The
// single-active-job rule is enforced by a partial unique index on sync_id
// scoped to non-terminal statuses, so two concurrent creations can never
// both land an active job.
package mongo
