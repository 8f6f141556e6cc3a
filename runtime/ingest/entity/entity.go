// Package entity defines the records that flow through a sync: the base
// Entity carrying payload and provenance, file and chunk specializations,
// and per-type definitions declaring which payload fields feed the
// embedding model and which carry recency timestamps.
package entity

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Breadcrumb is one step of an entity's ancestry inside its source,
// ordered root first.
type Breadcrumb struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Entity is the pipeline's unit of work. Sources produce entities,
// transformers derive new ones, and destinations persist them.
type Entity struct {
	// EntityID is the source-stable identifier, unique within a sync for
	// a given type.
	EntityID string
	// Type discriminates DAG routing. Examples: "GmailMessage",
	// "FileChunk", or a table name for database sources.
	Type string
	// Breadcrumbs records the entity's ancestry in the source.
	Breadcrumbs []Breadcrumb
	// Payload holds the entity's attributes.
	Payload map[string]any

	// Provenance, stamped by the orchestrator before routing.
	SourceName         string
	SyncID             string
	SyncJobID          string
	SourceConnectionID string

	// ParentEntityID links derived entities back to the entity they were
	// produced from.
	ParentEntityID string
	// DBEntityID is the destination identity assigned by the ledger.
	DBEntityID string

	// LazyOps holds deferred payload computations executed during
	// materialization.
	LazyOps []LazyOp
}

// Record is implemented by every entity kind the pipeline routes.
// Core exposes the shared Entity for identity, payload, and provenance
// access; specializations are reached by type assertion.
type Record interface {
	Core() *Entity
	ContentHash() (string, error)
}

// Core returns the entity itself.
func (e *Entity) Core() *Entity { return e }

// LazyOp is a deferred payload computation. Sources attach lazy ops when
// enumerating items is cheap but resolving each one needs an expensive
// upstream call; the cost is then paid inside the worker pool instead of
// the producer goroutine.
type LazyOp struct {
	// Name keys the result into the payload.
	Name string
	// Fn computes the value. It must honor ctx cancellation.
	Fn func(ctx context.Context) (any, error)
}

// lazyOpConcurrency bounds how many lazy ops of a single entity run at once.
const lazyOpConcurrency = 4

// Materialize executes all pending lazy ops and folds their results into
// the payload under each op's name. Ops run concurrently, bounded by
// lazyOpConcurrency. On failure the payload is left untouched and the ops
// remain pending, so a retrying caller starts from a consistent state.
func (e *Entity) Materialize(ctx context.Context) error {
	if len(e.LazyOps) == 0 {
		return nil
	}
	for _, op := range e.LazyOps {
		if op.Fn == nil {
			return fmt.Errorf("materialize %s: nil op", op.Name)
		}
	}
	results := make([]any, len(e.LazyOps))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(lazyOpConcurrency)
	for i, op := range e.LazyOps {
		eg.Go(func() error {
			v, err := op.Fn(ctx)
			if err != nil {
				return fmt.Errorf("materialize %s: %w", op.Name, err)
			}
			results[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if e.Payload == nil {
		e.Payload = make(map[string]any, len(e.LazyOps))
	}
	for i, op := range e.LazyOps {
		e.Payload[op.Name] = results[i]
	}
	e.LazyOps = nil
	return nil
}

// Clone returns a copy with its own breadcrumb slice and a shallow copy of
// the payload map. Pending lazy ops are shared with the original.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Breadcrumbs != nil {
		clone.Breadcrumbs = make([]Breadcrumb, len(e.Breadcrumbs))
		copy(clone.Breadcrumbs, e.Breadcrumbs)
	}
	if e.Payload != nil {
		clone.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			clone.Payload[k] = v
		}
	}
	return &clone
}
