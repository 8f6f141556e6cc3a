package dag

import (
	"context"
	"fmt"

	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
	"github.com/weftworks/loom/runtime/ingest/transform"
)

// Sink receives one terminal entity together with the destination nodes it
// routes to, in declared edge order. The router calls it at most once per
// entity; fan-out to several destinations happens inside the sink so the
// entity is diffed against the ledger exactly once.
type Sink func(ctx context.Context, rec entity.Record, dests []Node) error

// Router dispatches entities through a validated graph. Routing is keyed by
// (producer node, entity type): the entity node of that type downstream of
// the producer names the consumers to invoke.
type Router struct {
	graph  Graph
	nodes  map[string]Node
	routes map[routeKey][]Node
	logger telemetry.Logger
}

type routeKey struct {
	producerID string
	entityType string
}

// NewRouter validates the graph and precomputes its routing table. A nil
// logger is replaced with a noop logger.
func NewRouter(g Graph, logger telemetry.Logger) (*Router, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	nodes := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n.ID] = n
	}
	out := make(map[string][]Node, len(g.Nodes))
	for _, e := range g.Edges {
		out[e.From] = append(out[e.From], nodes[e.To])
	}

	routes := make(map[routeKey][]Node)
	for _, n := range g.Nodes {
		if n.Kind != KindEntity {
			continue
		}
		consumers := out[n.ID]
		for _, e := range g.Edges {
			if e.To != n.ID {
				continue
			}
			producer := nodes[e.From]
			if producer.Kind != KindSource && producer.Kind != KindTransformer {
				continue
			}
			key := routeKey{producerID: producer.ID, entityType: n.EntityType}
			routes[key] = append(routes[key], consumers...)
		}
	}

	return &Router{graph: g, nodes: nodes, routes: routes, logger: logger}, nil
}

// Graph returns the validated graph the router was built from.
func (r *Router) Graph() Graph { return r.graph }

// Route dispatches rec, produced by producerID, through the graph.
// Transformer consumers are invoked in edge order and their outputs recurse
// with the transformer as producer; destination consumers are collected and
// handed to sink in a single call. Entities whose type has no route from
// their producer are dropped with a debug log.
func (r *Router) Route(ctx context.Context, producerID string, rec entity.Record, sink Sink) error {
	core := rec.Core()
	consumers := r.routes[routeKey{producerID: producerID, entityType: core.Type}]
	if len(consumers) == 0 {
		r.logger.Debug(ctx, "no route for entity type, dropping",
			"producer", producerID, "entity_type", core.Type, "entity_id", core.EntityID)
		return nil
	}

	var dests []Node
	for _, consumer := range consumers {
		switch consumer.Kind {
		case KindTransformer:
			outputs, err := r.applyTransformer(ctx, consumer, rec)
			if err != nil {
				return err
			}
			for _, derived := range outputs {
				if err := r.Route(ctx, consumer.ID, derived, sink); err != nil {
					return err
				}
			}
		case KindDestination:
			dests = append(dests, consumer)
		default:
			return fmt.Errorf("dag: entity node routed to %s node %q", consumer.Kind, consumer.ID)
		}
	}
	if len(dests) == 0 {
		return nil
	}
	return sink(ctx, rec, dests)
}

func (r *Router) applyTransformer(ctx context.Context, node Node, rec entity.Record) ([]entity.Record, error) {
	t, ok := transform.Lookup(node.MethodRef)
	if !ok {
		return nil, fmt.Errorf("dag: transformer %q not registered", node.MethodRef)
	}
	outputs, err := t.Transform(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("dag: transformer %q: %w", node.MethodRef, err)
	}
	return outputs, nil
}
