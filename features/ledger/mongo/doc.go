// Package mongo provides the MongoDB-backed entity ledger and cursor store.
// Rows live in one collection under a unique (sync_id, entity_id) index;
// incremental cursors live in a second collection keyed by sync_id.
package mongo
