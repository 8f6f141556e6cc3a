// Package embedtest provides a deterministic in-memory Embedder for tests.
package embedtest

import (
	"context"
	"hash/fnv"
	"math"
	"sync/atomic"

	"github.com/weftworks/loom/runtime/ingest/embed"
)

// DefaultDimensions is the vector width used when none is configured.
const DefaultDimensions = 8

// Embedder is a fake embed.Embedder. Vectors are a deterministic function
// of the input text so tests can compare embeddings across calls. Failures
// and throttling can be injected per call.
type Embedder struct {
	// Dim is the vector width. Defaults to DefaultDimensions when zero.
	Dim int

	// Err, when non-nil, is returned by every Embed call.
	Err error

	// RateLimitEvery, when positive, makes every Nth Embed call fail with
	// embed.ErrRateLimited. The count includes the failing call.
	RateLimitEvery int

	calls  atomic.Int64
	inputs atomic.Int64
}

var _ embed.Embedder = (*Embedder)(nil)

// Embed returns one deterministic vector per input.
func (e *Embedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := e.calls.Add(1)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.RateLimitEvery > 0 && n%int64(e.RateLimitEvery) == 0 {
		return nil, embed.ErrRateLimited
	}
	e.inputs.Add(int64(len(inputs)))
	vecs := make([][]float32, len(inputs))
	for i, text := range inputs {
		vecs[i] = Vector(text, e.Dimensions())
	}
	return vecs, nil
}

// Dimensions returns the configured vector width.
func (e *Embedder) Dimensions() int {
	if e.Dim > 0 {
		return e.Dim
	}
	return DefaultDimensions
}

// Model returns a fixed identifier for logs and assertions.
func (e *Embedder) Model() string { return "embedtest" }

// Calls returns the number of Embed invocations, including failed ones.
func (e *Embedder) Calls() int { return int(e.calls.Load()) }

// Inputs returns the total number of texts embedded across successful calls.
func (e *Embedder) Inputs() int { return int(e.inputs.Load()) }

// Vector computes the deterministic unit vector for text at the given width.
// Identical text always yields an identical vector, and distinct texts are
// very unlikely to collide, which makes cosine similarity meaningful in tests.
func Vector(text string, dim int) []float32 {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	vec := make([]float32, dim)
	h := fnv.New64a()
	h.Write([]byte(text))
	state := h.Sum64()
	var norm float64
	for i := range vec {
		// xorshift keeps each component reproducible from the text hash.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		v := float64(int64(state))/math.MaxInt64 - 0.5
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
