// Package mongo provides a MongoDB-backed destination. Each logical
// collection maps to one Mongo collection; writes are idempotent upserts
// keyed by the ledger-assigned destination identity. Search runs an exact
// cosine scan by default and switches to the Atlas $vectorSearch pipeline
// when a vector index name is configured.
package mongo
