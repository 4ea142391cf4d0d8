package embedder

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// Batched splits large inputs into fixed-size batches and embeds them
// concurrently. Results keep input order; any failing batch fails the call.
type Batched struct {
	// inner is the wrapped backend.
	inner rag.Embedder
	// size is the maximum number of texts per backend call.
	size int
	// concurrency caps the number of in-flight backend calls.
	concurrency int
}

// NewBatched wraps inner. size defaults to 64 and concurrency to 4.
func NewBatched(inner rag.Embedder, size, concurrency int) *Batched {
	if size <= 0 {
		size = 64
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Batched{inner: inner, size: size, concurrency: concurrency}
}

// Embed implements rag.Embedder.
func (b *Batched) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) <= b.size {
		return b.inner.Embed(ctx, texts)
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for start := 0; start < len(texts); start += b.size {
		end := min(start+b.size, len(texts))
		g.Go(func() error {
			vecs, err := b.inner.Embed(gctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedder: batch [%d:%d] returned %d embeddings", start, end, len(vecs))
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
