// Package retrieval turns a query into a ranked list of chunks from the
// revisions currently served for each document.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/54b3r/ragpipe-go/internal/logging"
	"github.com/54b3r/ragpipe-go/internal/metrics"
	"github.com/54b3r/ragpipe-go/internal/rag"
	"github.com/54b3r/ragpipe-go/internal/retry"
	"github.com/54b3r/ragpipe-go/internal/tracing"
)

const (
	// defaultTopK is the number of candidates returned when the caller passes 0.
	defaultTopK = 5

	// defaultOverFetch multiplies topK for the first index search.
	defaultOverFetch = 2

	// defaultMaxFetch caps the widened search limit.
	defaultMaxFetch = 4096
)

// Config tunes a Retriever. Zero fields take defaults.
type Config struct {
	// DefaultTopK is used when Retrieve is called with topK <= 0. Defaults to 5.
	DefaultTopK int

	// OverFetch is the search multiplier applied to topK. Defaults to 2.
	OverFetch int

	// MaxFetch caps the search limit when stale hits force the search to
	// widen. Defaults to 4096.
	MaxFetch int

	// Epsilon is the score distance within which candidates are re-ordered
	// by lexical overlap with the query. Zero disables re-ranking.
	Epsilon float32

	// Retry bounds the embed and search calls. Defaults to retry.DefaultPolicy.
	Retry retry.Policy

	// Metrics records retries and stale hits. Nil disables recording.
	Metrics *metrics.Metrics
}

// Retriever embeds queries and searches the vector index.
// It is safe for concurrent use.
type Retriever struct {
	// embedder converts the query into a vector.
	embedder rag.Embedder

	// index serves similarity search.
	index rag.VectorIndex

	// revisions reports the served revision of each document. Nil disables
	// revision filtering.
	revisions rag.RevisionView

	// cfg holds the resolved configuration.
	cfg Config
}

// New constructs a Retriever. embedder and index are required.
func New(embedder rag.Embedder, index rag.VectorIndex, revisions rag.RevisionView, cfg Config) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("retrieval: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("retrieval: vector index must not be nil")
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = defaultTopK
	}
	if cfg.OverFetch <= 0 {
		cfg.OverFetch = defaultOverFetch
	}
	if cfg.MaxFetch <= 0 {
		cfg.MaxFetch = defaultMaxFetch
	}
	if cfg.Epsilon < 0 {
		return nil, fmt.Errorf("retrieval: epsilon must not be negative, got %v", cfg.Epsilon)
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Retriever{embedder: embedder, index: index, revisions: revisions, cfg: cfg}, nil
}

// Retrieve returns at most topK candidates for query, ordered by score
// descending, then document id, then chunk index. Only chunks of each
// document's served revision are returned. No match yields an empty, non-nil
// slice. Exhausted embed retries wrap rag.ErrEmbeddingUnavailable; exhausted
// search retries wrap rag.ErrIndexUnavailable.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, filter rag.Filter) (out []rag.RetrievedCandidate, err error) {
	if topK <= 0 {
		topK = r.cfg.DefaultTopK
	}

	ctx, span := tracing.Start(ctx, "retrieval.retrieve",
		attribute.Int("retrieval.top_k", topK),
		attribute.String("retrieval.knowledge_base", filter.KnowledgeBase),
	)
	defer func() { tracing.End(span, err) }()

	log := logging.FromContext(ctx)

	vector, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := r.search(ctx, vector, topK, filter)
	if err != nil {
		return nil, err
	}

	Rank(hits)
	if r.cfg.Epsilon > 0 {
		Rerank(query, hits, r.cfg.Epsilon)
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	if hits == nil {
		hits = []rag.RetrievedCandidate{}
	}

	span.SetAttributes(attribute.Int("retrieval.results", len(hits)))
	log.Debug("retrieval: done", slog.Int("results", len(hits)), slog.Int("top_k", topK))
	return hits, nil
}

// embedQuery embeds query with retries.
func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	var vector []float32
	err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
		vectors, err := r.embedder.Embed(ctx, []string{query})
		if err != nil {
			return err
		}
		if len(vectors) != 1 || len(vectors[0]) == 0 {
			return fmt.Errorf("embedder returned %d vectors for 1 input", len(vectors))
		}
		vector = vectors[0]
		return nil
	}, r.onRetry(logging.FromContext(ctx), "embedding"))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("retrieval: embed query: %w", ctxErr)
		}
		return nil, fmt.Errorf("retrieval: embed query: %w: %w", rag.ErrEmbeddingUnavailable, err)
	}
	return vector, nil
}

// search queries the index and drops hits whose revision is not the served
// revision of their document. While fewer than topK served hits remain and
// the index returned a full page, the limit doubles up to MaxFetch, so stale
// revisions that outscore the served one cannot starve the result.
func (r *Retriever) search(ctx context.Context, vector []float32, topK int, filter rag.Filter) ([]rag.RetrievedCandidate, error) {
	log := logging.FromContext(ctx)
	active := make(map[string]int64)
	known := make(map[string]struct{})

	limit := min(topK*r.cfg.OverFetch, max(r.cfg.MaxFetch, topK))
	for {
		var hits []rag.RetrievedCandidate
		err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
			var searchErr error
			hits, searchErr = r.index.Search(ctx, vector, limit, filter)
			return searchErr
		}, r.onRetry(log, "index"))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("retrieval: search: %w", ctxErr)
			}
			return nil, fmt.Errorf("retrieval: search: %w: %w", rag.ErrIndexUnavailable, err)
		}

		found := len(hits)
		kept, err := r.served(ctx, hits, active, known)
		if err != nil {
			return nil, err
		}
		if len(kept) >= topK || found < limit || limit >= r.cfg.MaxFetch {
			r.cfg.Metrics.StaleCandidates(found - len(kept))
			return kept, nil
		}
		limit = min(limit*2, r.cfg.MaxFetch)
		log.Debug("retrieval: widening search past stale revisions",
			slog.Int("served", len(kept)),
			slog.Int("limit", limit),
		)
	}
}

// served filters hits to the served revision of their document. Lookups
// are cached in active and known across the widening rounds of one search.
// A chunk from a revision still being written, or from one already
// superseded, is never returned.
func (r *Retriever) served(ctx context.Context, hits []rag.RetrievedCandidate, active map[string]int64, known map[string]struct{}) ([]rag.RetrievedCandidate, error) {
	if r.revisions == nil || len(hits) == 0 {
		return hits, nil
	}

	var ids []string
	for _, h := range hits {
		if _, ok := known[h.DocumentID]; !ok {
			known[h.DocumentID] = struct{}{}
			ids = append(ids, h.DocumentID)
		}
	}

	if len(ids) > 0 {
		var found map[string]int64
		err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
			var lookupErr error
			found, lookupErr = r.revisions.ActiveRevisions(ctx, ids)
			return lookupErr
		}, r.onRetry(logging.FromContext(ctx), "metadata"))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("retrieval: active revisions: %w", ctxErr)
			}
			return nil, fmt.Errorf("retrieval: active revisions: %w: %w", rag.ErrIndexUnavailable, err)
		}
		for id, rev := range found {
			active[id] = rev
		}
	}

	kept := hits[:0]
	for _, h := range hits {
		if rev, ok := active[h.DocumentID]; ok && rev == h.Revision {
			kept = append(kept, h)
		}
	}
	return kept, nil
}

// onRetry logs and counts a retried call.
func (r *Retriever) onRetry(log *slog.Logger, capability string) retry.OnRetry {
	return func(attempt int, err error) {
		r.cfg.Metrics.Retry(capability)
		log.Warn("retrieval: retrying call",
			slog.String("capability", capability),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
}

// Rank sorts candidates by score descending, then document id ascending,
// then chunk index ascending. The order is total, so equal inputs always
// produce equal outputs.
func Rank(candidates []rag.RetrievedCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return less(&candidates[i], &candidates[j])
	})
}

func less(a, b *rag.RetrievedCandidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DocumentID != b.DocumentID {
		return a.DocumentID < b.DocumentID
	}
	if a.Index != b.Index {
		return a.Index < b.Index
	}
	return a.ChunkID < b.ChunkID
}

// IsUnavailable reports whether err is one of the transient capability
// failures Retrieve can return.
func IsUnavailable(err error) bool {
	return errors.Is(err, rag.ErrEmbeddingUnavailable) || errors.Is(err, rag.ErrIndexUnavailable)
}
