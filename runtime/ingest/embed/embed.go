// Package embed defines the vectorizer seam between the pipeline and
// embedding model providers. Providers live under features/embed; the
// pipeline depends only on the Embedder interface.
package embed

import (
	"context"
	"errors"
)

// ErrRateLimited signals the provider is throttling requests. Providers
// join it into their returned errors so middleware and retry policies can
// react without knowing provider specifics.
var ErrRateLimited = errors.New("embed: rate limited")

// Embedder turns text into vectors.
type Embedder interface {
	// Embed returns one vector per input, in input order.
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	// Dimensions reports the width of the produced vectors.
	Dimensions() int
	// Model identifies the backing embedding model.
	Model() string
}

// Middleware wraps an Embedder with cross-cutting behavior such as
// adaptive rate limiting.
type Middleware func(Embedder) Embedder

// Chain applies middlewares so the first one listed is outermost.
func Chain(e Embedder, mws ...Middleware) Embedder {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		e = mws[i](e)
	}
	return e
}
