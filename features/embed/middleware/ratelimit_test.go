package middleware

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/time/rate"

	"github.com/weftworks/loom/runtime/ingest/embed"
)

type fakeEmbedder struct {
	err error

	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vecs := make([][]float32, len(inputs))
	for i := range vecs {
		vecs[i] = []float32{1, 0, 0}
	}
	return vecs, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

func (f *fakeEmbedder) Model() string { return "fake" }

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	t.Helper()

	limiter := newAdaptiveRateLimiter(60000, 60000)

	initialTPM := limiter.currentTPM

	provider := &fakeEmbedder{
		err: embed.ErrRateLimited,
	}
	wrapped := limiter.Middleware()(provider)

	_, err := wrapped.Embed(context.Background(), []string{"hello"})
	if err == nil || !errors.Is(err, embed.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_ProbeOnSuccess(t *testing.T) {
	t.Helper()

	limiter := newAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	provider := &fakeEmbedder{}
	wrapped := limiter.Middleware()(provider)

	_, err := wrapped.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_RespectsContextWhenQueued(t *testing.T) {
	t.Helper()

	limiter := newAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	limiter.currentTPM = 60
	// Configure an impossible limiter so any non-zero token request fails
	// immediately. This exercises the error path without relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	provider := &fakeEmbedder{}
	wrapped := limiter.Middleware()(provider)

	longText := make([]byte, 600)
	for i := range longText {
		longText[i] = 'a'
	}

	_, err := wrapped.Embed(context.Background(), []string{string(longText)})
	if err == nil {
		t.Fatal("expected limiter error")
	}
	if provider.calls != 0 {
		t.Fatalf("expected underlying embedder not to be called, got %d calls",
			provider.calls)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	t.Helper()

	small := estimateTokens([]string{"short"})
	big := estimateTokens([]string{"this is a much longer input", "and a second chunk of text"})

	if small <= 0 {
		t.Fatalf("expected positive token estimate for small batch, got %d",
			small)
	}
	if big <= small {
		t.Fatalf("expected larger estimate for larger batch, small=%d big=%d",
			small, big)
	}
}
