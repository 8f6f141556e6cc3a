// Package transform defines the transformer seam of the sync pipeline and
// the process-global registry DAG nodes resolve method references against.
// Built-in transformers live in subpackages (chunker, fieldchunk, convert,
// webfetch) and register themselves under well-known names at wiring time.
package transform

import (
	"context"
	"sort"
	"sync"

	"github.com/weftworks/loom/runtime/ingest/entity"
)

// MarkdownKey is the payload key carrying converted markdown content.
// The file converter and web fetcher write it; the file chunker reads it.
const MarkdownKey = "md_content"

// Transformer maps one entity to zero or more entities. Implementations
// must be idempotent in steady state: applying a transformer to its own
// output yields that output unchanged.
type Transformer interface {
	Transform(ctx context.Context, rec entity.Record) ([]entity.Record, error)
}

// Func adapts a function to the Transformer interface.
type Func func(ctx context.Context, rec entity.Record) ([]entity.Record, error)

// Transform calls f.
func (f Func) Transform(ctx context.Context, rec entity.Record) ([]entity.Record, error) {
	return f(ctx, rec)
}

var (
	regMu        sync.RWMutex
	transformers = make(map[string]Transformer)
)

// Register installs a transformer under the given method reference name.
// Empty names and nil transformers are ignored. Re-registering a name
// replaces the previous transformer.
func Register(name string, t Transformer) {
	if name == "" || t == nil {
		return
	}
	regMu.Lock()
	defer regMu.Unlock()
	transformers[name] = t
}

// Lookup returns the transformer registered under name.
func Lookup(name string) (Transformer, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	t, ok := transformers[name]
	return t, ok
}

// Names returns the registered method reference names in sorted order.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(transformers))
	for name := range transformers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EstimateTokens approximates the token count of text using the fixed
// one-token-per-three-characters heuristic shared by the chunking
// transformers and the embedding rate limiter.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(text) / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
