// Package dag models the processing graph a sync routes entities through:
// one source node feeding typed entity nodes, transformer nodes deriving new
// entities, and destination nodes terminating every path. The Router walks a
// validated graph at sync time, dispatching each entity to the consumers
// declared for its type.
package dag

import (
	"errors"
	"fmt"
)

// Kind discriminates graph nodes.
type Kind string

const (
	// KindSource produces entities. Exactly one per graph.
	KindSource Kind = "source"
	// KindEntity is a typed routing point between producers and consumers.
	KindEntity Kind = "entity"
	// KindTransformer derives new entities from consumed ones.
	KindTransformer Kind = "transformer"
	// KindDestination persists entities. At least one per graph.
	KindDestination Kind = "destination"
)

// Node is one vertex of the graph.
type Node struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	// Name is the integration short name for source and destination nodes
	// and a display label elsewhere.
	Name string `json:"name,omitempty"`
	// EntityType is the routed type. Entity nodes only.
	EntityType string `json:"entity_type,omitempty"`
	// MethodRef resolves the transformer in the transform registry.
	// Transformer nodes only.
	MethodRef string `json:"method_ref,omitempty"`
	// ConnectionID identifies the backing connection. Source and
	// destination nodes only.
	ConnectionID string `json:"connection_id,omitempty"`
}

// Edge is one directed arc. Outgoing edges of an entity node enumerate the
// consumers of that type; their declared order is the dispatch order.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is a sync's processing DAG.
type Graph struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ErrInvalidGraph tags every validation failure.
var ErrInvalidGraph = errors.New("dag: invalid graph")

// Validate checks the structural rules: unique node IDs, edges between
// known nodes, exactly one source, at least one destination, acyclicity,
// every sink a destination, typed entity nodes, and no transformer that
// produces the type it consumes.
func (g Graph) Validate() error {
	byID := make(map[string]Node, len(g.Nodes))
	var sources, destinations int
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node without id", ErrInvalidGraph)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, n.ID)
		}
		byID[n.ID] = n
		switch n.Kind {
		case KindSource:
			sources++
		case KindDestination:
			destinations++
		case KindEntity:
			if n.EntityType == "" {
				return fmt.Errorf("%w: entity node %q without entity type", ErrInvalidGraph, n.ID)
			}
		case KindTransformer:
			if n.MethodRef == "" {
				return fmt.Errorf("%w: transformer node %q without method reference", ErrInvalidGraph, n.ID)
			}
		default:
			return fmt.Errorf("%w: node %q has unknown kind %q", ErrInvalidGraph, n.ID, n.Kind)
		}
	}
	if sources != 1 {
		return fmt.Errorf("%w: expected exactly one source node, found %d", ErrInvalidGraph, sources)
	}
	if destinations == 0 {
		return fmt.Errorf("%w: at least one destination node is required", ErrInvalidGraph)
	}

	out := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		if _, ok := byID[e.From]; !ok {
			return fmt.Errorf("%w: edge from unknown node %q", ErrInvalidGraph, e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return fmt.Errorf("%w: edge to unknown node %q", ErrInvalidGraph, e.To)
		}
		out[e.From] = append(out[e.From], e.To)
	}

	// Per-node structural checks run before cycle detection so that an edge
	// out of a destination is reported as such, not as the cycle it creates.
	for _, n := range g.Nodes {
		if len(out[n.ID]) == 0 && n.Kind != KindDestination {
			return fmt.Errorf("%w: %s node %q is a dead end", ErrInvalidGraph, n.Kind, n.ID)
		}
		if n.Kind == KindDestination && len(out[n.ID]) != 0 {
			return fmt.Errorf("%w: destination node %q has outgoing edges", ErrInvalidGraph, n.ID)
		}
	}

	if cycle := findCycle(byID, out); cycle != "" {
		return fmt.Errorf("%w: cycle through node %q", ErrInvalidGraph, cycle)
	}

	// A transformer feeding back the type it consumes would loop forever at
	// sync time even though the graph itself is acyclic.
	for _, n := range g.Nodes {
		if n.Kind != KindTransformer {
			continue
		}
		consumed := make(map[string]bool)
		for _, e := range g.Edges {
			if e.To == n.ID {
				if from := byID[e.From]; from.Kind == KindEntity {
					consumed[from.EntityType] = true
				}
			}
		}
		for _, toID := range out[n.ID] {
			if to := byID[toID]; to.Kind == KindEntity && consumed[to.EntityType] {
				return fmt.Errorf("%w: transformer %q produces type %q it consumes",
					ErrInvalidGraph, n.ID, to.EntityType)
			}
		}
	}
	return nil
}

// SourceNode returns the graph's single source node. The boolean is false
// for graphs that never validated.
func (g Graph) SourceNode() (Node, bool) {
	for _, n := range g.Nodes {
		if n.Kind == KindSource {
			return n, true
		}
	}
	return Node{}, false
}

// DestinationNodes returns the destination nodes in declaration order.
func (g Graph) DestinationNodes() []Node {
	var out []Node
	for _, n := range g.Nodes {
		if n.Kind == KindDestination {
			out = append(out, n)
		}
	}
	return out
}

// DefaultGraph wires the standard pipeline for a source emitting the given
// entity types: one entity node per type, each routing straight into every
// destination. Node IDs are derived from the graph ID so two graphs never
// collide in routing tables.
func DefaultGraph(id string, source Node, entityTypes []string, destinations ...Node) Graph {
	source.Kind = KindSource
	if source.ID == "" {
		source.ID = id + "-source"
	}
	g := Graph{ID: id, Nodes: []Node{source}}
	for i := range destinations {
		destinations[i].Kind = KindDestination
		if destinations[i].ID == "" {
			destinations[i].ID = fmt.Sprintf("%s-dest-%d", id, i)
		}
		g.Nodes = append(g.Nodes, destinations[i])
	}
	for _, typ := range entityTypes {
		en := Node{ID: fmt.Sprintf("%s-entity-%s", id, typ), Kind: KindEntity, EntityType: typ}
		g.Nodes = append(g.Nodes, en)
		g.Edges = append(g.Edges, Edge{From: source.ID, To: en.ID})
		for _, d := range destinations {
			g.Edges = append(g.Edges, Edge{From: en.ID, To: d.ID})
		}
	}
	return g
}

// findCycle returns the ID of a node inside a cycle, or "" when the graph
// is acyclic. Standard three-color depth-first search.
func findCycle(nodes map[string]Node, out map[string][]string) string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, next := range out[id] {
			switch color[next] {
			case grey:
				return next
			case white:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}
	for id := range nodes {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}
