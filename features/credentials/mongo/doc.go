// Package mongo provides the MongoDB-backed credential store. Rotating
// refresh flows rely on CompareAndSwapPayload, implemented as a
// FindOneAndUpdate whose filter carries the expected payload so two
// concurrent rotations can never interleave their writes.
package mongo
