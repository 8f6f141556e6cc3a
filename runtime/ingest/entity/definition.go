package entity

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Definition declares per-type payload semantics: which fields feed the
// embedding model, which the field chunker may split, and which carry the
// timestamps recency scoring reads.
type Definition struct {
	// Type is the entity type this definition applies to.
	Type string
	// Embeddable lists payload fields concatenated into the embedding
	// input, in order.
	Embeddable []string
	// Chunkable lists payload fields the field chunker may split.
	Chunkable []string
	// CreatedAtField names the payload field holding the creation time.
	CreatedAtField string
	// UpdatedAtField names the payload field holding the last-modified time.
	UpdatedAtField string
}

var (
	defMu       sync.RWMutex
	definitions = make(map[string]Definition)
)

// RegisterDefinition registers d for its entity type, replacing any
// previous definition. Definitions with an empty type are ignored.
func RegisterDefinition(d Definition) {
	if d.Type == "" {
		return
	}
	defMu.Lock()
	defer defMu.Unlock()
	definitions[d.Type] = d
}

// DefinitionFor returns the definition registered for the given entity type.
func DefinitionFor(entityType string) (Definition, bool) {
	defMu.RLock()
	defer defMu.RUnlock()
	d, ok := definitions[entityType]
	return d, ok
}

// IsChunkable reports whether the named payload field may be split by the
// field chunker under this definition.
func (d Definition) IsChunkable(field string) bool {
	for _, f := range d.Chunkable {
		if f == field {
			return true
		}
	}
	return false
}

// EmbeddingText assembles the text handed to the embedding model.
// Chunks embed their text slice directly. Other entities concatenate their
// definition's embeddable fields in declared order; types without a
// definition fall back to every stable top-level string payload value in
// key order.
func EmbeddingText(r Record) string {
	if c, ok := r.(*Chunk); ok && c.Text != "" {
		return c.Text
	}
	e := r.Core()
	if d, ok := DefinitionFor(e.Type); ok && len(d.Embeddable) > 0 {
		parts := make([]string, 0, len(d.Embeddable))
		for _, field := range d.Embeddable {
			if s, ok := e.Payload[field].(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n\n")
	}
	keys := make([]string, 0, len(e.Payload))
	for k, v := range e.Payload {
		if _, unstable := unstablePayloadKeys[k]; unstable {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Payload[k].(string))
	}
	return strings.Join(parts, "\n\n")
}

// Timestamps extracts the entity's creation and modification times per its
// definition. Either may be nil when the field is undeclared, absent, or
// unparseable.
func Timestamps(r Record) (created, updated *time.Time) {
	e := r.Core()
	d, ok := DefinitionFor(e.Type)
	if !ok {
		return nil, nil
	}
	return parseTimeField(e.Payload, d.CreatedAtField), parseTimeField(e.Payload, d.UpdatedAtField)
}

// parseTimeField reads a payload timestamp. Values may be time.Time or
// RFC 3339 strings, which is what JSON round-trips produce.
func parseTimeField(payload map[string]any, field string) *time.Time {
	if field == "" {
		return nil
	}
	switch v := payload[field].(type) {
	case time.Time:
		return &v
	case *time.Time:
		return v
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return &ts
		}
	}
	return nil
}
