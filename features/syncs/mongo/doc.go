// Package mongo provides the MongoDB-backed sync configuration store. Reads
// and writes are scoped to the owning organization; immutable bindings are
// validated against the stored document before any update lands.
package mongo
