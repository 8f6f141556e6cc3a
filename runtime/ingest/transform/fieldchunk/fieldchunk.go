// Package fieldchunk splits oversized entities by chunking their largest
// chunkable string field.
package fieldchunk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/transform"
)

const (
	// Name is the method reference DAG nodes use for this transformer.
	Name = "entity_field_chunker"

	// DefaultMaxChunkSize bounds the estimated token count of one entity.
	DefaultMaxChunkSize = 8192

	// DefaultMarginOfError reserves headroom for chunk metadata and
	// serialization framing.
	DefaultMarginOfError = 250
)

// systemFields are never candidates for splitting.
var systemFields = map[string]struct{}{
	"entity_id":        {},
	"breadcrumbs":      {},
	"db_entity_id":     {},
	"source_name":      {},
	"sync_id":          {},
	"sync_job_id":      {},
	"url":              {},
	"sync_metadata":    {},
	"parent_entity_id": {},
	"vector":           {},
	"chunk_index":      {},
}

// Chunker splits an entity whose serialized payload exceeds the budget by
// carving its largest chunkable string field into pieces, emitting one
// entity per piece. Entities that fit, or that carry nothing splittable,
// pass through unchanged.
type Chunker struct {
	maxSize int
	margin  int
}

var _ transform.Transformer = (*Chunker)(nil)

// New returns a field chunker. Non-positive arguments take the defaults.
func New(maxSize, margin int) *Chunker {
	if maxSize <= 0 {
		maxSize = DefaultMaxChunkSize
	}
	if margin <= 0 || margin >= maxSize {
		margin = DefaultMarginOfError
	}
	return &Chunker{maxSize: maxSize, margin: margin}
}

// Transform splits plain entities over the size budget. File and chunk
// records pass through; the file chunker owns those.
func (c *Chunker) Transform(ctx context.Context, rec entity.Record) ([]entity.Record, error) {
	ent, ok := rec.(*entity.Entity)
	if !ok {
		return []entity.Record{rec}, nil
	}
	if _, chunked := ent.Payload["chunk_index"]; chunked {
		return []entity.Record{ent}, nil
	}
	total, err := serializedTokens(ent)
	if err != nil {
		return nil, err
	}
	if total <= c.maxSize-c.margin {
		return []entity.Record{ent}, nil
	}
	field, value, ok := largestChunkable(ent)
	if !ok {
		return []entity.Record{ent}, nil
	}
	overhead := total - transform.EstimateTokens(value)
	allowed := c.maxSize - overhead - c.margin
	if allowed <= 0 {
		return []entity.Record{ent}, nil
	}
	pieces := splitText(value, allowed)
	if len(pieces) <= 1 {
		return []entity.Record{ent}, nil
	}
	out := make([]entity.Record, len(pieces))
	for i, piece := range pieces {
		clone := ent.Clone()
		clone.EntityID = fmt.Sprintf("%s_chunk_%d", ent.EntityID, i)
		clone.ParentEntityID = ent.EntityID
		clone.Payload[field] = piece
		clone.Payload["chunk_index"] = i
		out[i] = clone
	}
	return out, nil
}

func serializedTokens(ent *entity.Entity) (int, error) {
	b, err := json.Marshal(ent.Payload)
	if err != nil {
		return 0, fmt.Errorf("serialize entity %s: %w", ent.EntityID, err)
	}
	return transform.EstimateTokens(string(b)), nil
}

// largestChunkable returns the longest string field eligible for splitting.
// When the entity type registers a definition with chunkable fields, only
// those are considered; otherwise any non-system string field qualifies.
// Ties break lexicographically so repeated runs pick the same field.
func largestChunkable(ent *entity.Entity) (string, string, bool) {
	var allowed map[string]struct{}
	if def, ok := entity.DefinitionFor(ent.Type); ok && len(def.Chunkable) > 0 {
		allowed = make(map[string]struct{}, len(def.Chunkable))
		for _, f := range def.Chunkable {
			allowed[f] = struct{}{}
		}
	}
	var (
		bestField string
		bestValue string
		found     bool
	)
	for key, raw := range ent.Payload {
		if _, system := systemFields[key]; system {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[key]; !ok {
				continue
			}
		}
		value, ok := raw.(string)
		if !ok || value == "" {
			continue
		}
		better := len(value) > len(bestValue) ||
			(len(value) == len(bestValue) && (bestField == "" || key < bestField))
		if better {
			bestField, bestValue, found = key, value, true
		}
	}
	return bestField, bestValue, found
}

// splitText carves text into pieces of at most budget estimated tokens,
// preferring paragraph boundaries, then sentence boundaries, then a hard
// character cut.
func splitText(text string, budget int) []string {
	maxChars := budget * 3
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	appendUnit := func(unit string) {
		joined := cur.Len()
		if joined > 0 {
			joined += 2
		}
		if cur.Len() > 0 && joined+len(unit) > maxChars {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(unit)
	}
	for _, para := range strings.Split(text, "\n\n") {
		if para == "" {
			continue
		}
		if len(para) <= maxChars {
			appendUnit(para)
			continue
		}
		for _, sentence := range splitSentences(para, maxChars) {
			appendUnit(sentence)
		}
	}
	flush()
	return out
}

// splitSentences breaks a paragraph at sentence ends, hard-cutting any
// sentence longer than maxChars.
func splitSentences(para string, maxChars int) []string {
	var (
		out   []string
		start int
	)
	emit := func(s string) {
		for len(s) > maxChars {
			// Back the cut up to a rune boundary so a multi-byte
			// character is never split across pieces.
			cut := maxChars
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxChars
			}
			out = append(out, s[:cut])
			s = s[cut:]
		}
		if s != "" {
			out = append(out, s)
		}
	}
	for i := 0; i+1 < len(para); i++ {
		if para[i] == '.' && para[i+1] == ' ' {
			emit(strings.TrimSpace(para[start : i+1]))
			start = i + 2
		}
	}
	if start < len(para) {
		emit(strings.TrimSpace(para[start:]))
	}
	return out
}
