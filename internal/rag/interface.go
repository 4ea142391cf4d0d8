// Package rag defines the domain types of the ingestion and retrieval pipeline
// and the narrow interfaces of its external collaborators: embedding, vector
// storage, generation, blob storage, document metadata and caching.
// Concrete implementations (Qdrant, SQLite, Redis, etc.) satisfy these
// interfaces so the pipelines never depend on a specific backend.
package rag

import (
	"context"
	"time"
)

// Embedder converts text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice and every vector has
	// the same dimensionality.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex persists embedded chunks and serves similarity search.
// Implementations must be safe to call from multiple goroutines.
type VectorIndex interface {
	// Upsert stores or replaces chunks keyed by their chunk id.
	Upsert(ctx context.Context, chunks []EmbeddedChunk) error

	// Delete removes every chunk matching filter.
	Delete(ctx context.Context, filter Filter) error

	// Search returns up to topK chunks matching filter, most similar first.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]RetrievedCandidate, error)

	// Close releases any resources held by the index.
	Close() error
}

// Generator produces a text response for an assembled generation request.
// Implementations must be safe to call from multiple goroutines.
type Generator interface {
	// Generate returns the model response for req.
	Generate(ctx context.Context, req *GenerationRequest) (string, error)
}

// BlobStore supplies raw document bytes.
type BlobStore interface {
	// Fetch returns the bytes stored at uri, or an error wrapping ErrBlobNotFound.
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// RevisionView reports which document revision is currently served.
type RevisionView interface {
	// ActiveRevisions returns the served revision for each known id.
	// Ids without a served revision are absent from the map.
	ActiveRevisions(ctx context.Context, ids []string) (map[string]int64, error)

	// RevisionFingerprint digests the served revision set of a knowledge base
	// (every base when empty). It changes whenever any served revision in
	// scope changes.
	RevisionFingerprint(ctx context.Context, knowledgeBase string) (string, error)
}

// MetadataStore persists Document records with optimistic version checks.
// Implementations must be safe for concurrent use.
type MetadataStore interface {
	RevisionView

	// Get returns the record for id, or an error wrapping ErrDocumentNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// Put writes doc if the stored version equals doc.Version (zero inserts a
	// new record) and increments doc.Version on success. A lost race returns
	// an error wrapping ErrRevisionConflict.
	Put(ctx context.Context, doc *Document) error

	// List returns the records of a knowledge base ordered by id, or every
	// record when knowledgeBase is empty.
	List(ctx context.Context, knowledgeBase string) ([]Document, error)

	// Delete removes the record for id. The record's revision is retained
	// and reported by LastRevision.
	Delete(ctx context.Context, id string) error

	// LastRevision returns the highest revision ever started for id, including
	// deleted records, or 0 for an id never seen.
	LastRevision(ctx context.Context, id string) (int64, error)
}

// Cache is an optional key-value cache for query responses.
type Cache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
