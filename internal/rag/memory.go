package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is an in-process VectorIndex using brute-force cosine similarity.
// It is safe for concurrent use.
type MemoryIndex struct {
	// mu guards points.
	mu sync.RWMutex

	// points maps chunk id to the stored chunk.
	points map[string]EmbeddedChunk

	// dimension is fixed by the first upsert; 0 until then.
	dimension int
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]EmbeddedChunk)}
}

// Upsert stores or replaces chunks keyed by chunk id.
func (m *MemoryIndex) Upsert(_ context.Context, chunks []EmbeddedChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range chunks {
		if m.dimension == 0 {
			m.dimension = len(c.Vector)
		}
		if len(c.Vector) != m.dimension {
			return fmt.Errorf("memory index: vector dimension %d does not match %d", len(c.Vector), m.dimension)
		}
	}
	for _, c := range chunks {
		m.points[c.ID] = c
	}
	return nil
}

// Delete removes every chunk matching filter.
func (m *MemoryIndex) Delete(_ context.Context, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.points {
		if filter.Match(&c) {
			delete(m.points, id)
		}
	}
	return nil
}

// Search scores every matching chunk against vector and returns the best topK.
func (m *MemoryIndex) Search(_ context.Context, vector []float32, topK int, filter Filter) ([]RetrievedCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RetrievedCandidate, 0, len(m.points))
	for _, c := range m.points {
		if !filter.Match(&c) {
			continue
		}
		out = append(out, RetrievedCandidate{
			ChunkID:       c.ID,
			DocumentID:    c.DocumentID,
			Revision:      c.Revision,
			Index:         c.Index,
			Text:          c.Text,
			Score:         cosine(vector, c.Vector),
			Page:          c.Page,
			Start:         c.Start,
			End:           c.End,
			Source:        c.Source,
			KnowledgeBase: c.KnowledgeBase,
			Metadata:      c.Metadata,
		})
	}

	// Map iteration is random; order fully so equal scores are stable.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Len returns the number of stored chunks.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

// Close is a no-op.
func (m *MemoryIndex) Close() error { return nil }

// Ping always succeeds.
func (m *MemoryIndex) Ping(context.Context) error { return nil }

// cosine returns the cosine similarity of a and b, or 0 if either is zero.
func cosine(a, b []float32) float32 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := range n {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
