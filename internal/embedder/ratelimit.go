package embedder

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// RateLimited throttles calls to a backend with a token bucket shared by all
// callers. Each Embed call consumes one token regardless of batch size.
type RateLimited struct {
	// inner is the wrapped backend.
	inner rag.Embedder
	// limiter is the shared token bucket.
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with a limit of rps calls per second and the
// given burst. A non-positive rps returns inner unwrapped.
func NewRateLimited(inner rag.Embedder, rps float64, burst int) rag.Embedder {
	if rps <= 0 {
		return inner
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Embed waits for a token, then delegates. Cancellation while waiting returns
// the context error.
func (r *RateLimited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedder: rate limit wait: %w", err)
	}
	return r.inner.Embed(ctx, texts)
}
