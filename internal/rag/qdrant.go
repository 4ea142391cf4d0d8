package rag

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// Payload keys written with every point.
const (
	payloadContent    = "content"
	payloadSource     = "source"
	payloadDocumentID = "document_id"
	payloadRevision   = "revision"
	payloadIndex      = "chunk_index"
	payloadKB         = "kb"
	payloadPage       = "page"
	payloadStart      = "start"
	payloadEnd        = "end"
	payloadMetadata   = "metadata"
)

// upsertBatchSize caps the number of points sent per Upsert request.
const upsertBatchSize = 100

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements VectorIndex backed by a Qdrant instance.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this index.
	cfg *QdrantConfig
}

// NewQdrantIndex connects to Qdrant and ensures the target collection and its
// payload indexes exist.
func NewQdrantIndex(ctx context.Context, cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "ragpipe-chunks"
	}
	if cfg.VectorSize == 0 {
		return nil, fmt.Errorf("qdrant: vector size must be set")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return idx, nil
}

// Ping checks that Qdrant answers its HealthCheck RPC and still holds the
// collection.
func (s *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check failed: %w", err)
	}
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: collection check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("qdrant: collection %q is missing", s.cfg.Collection)
	}
	return nil
}

// ensureCollection creates the collection and keyword/integer payload indexes
// for the filterable fields if the collection does not already exist.
func (s *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	fields := []struct {
		name string
		typ  qdrant.FieldType
	}{
		{payloadDocumentID, qdrant.FieldType_FieldTypeKeyword},
		{payloadKB, qdrant.FieldType_FieldTypeKeyword},
		{payloadRevision, qdrant.FieldType_FieldTypeInteger},
	}
	for _, f := range fields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.cfg.Collection,
			FieldName:      f.name,
			FieldType:      f.typ.Enum(),
		})
		if err != nil {
			return fmt.Errorf("qdrant: failed to index payload field %q: %w", f.name, err)
		}
	}
	return nil
}

// Upsert writes chunks in batches and waits for each batch to be applied so a
// completed call means every point is searchable.
func (s *QdrantIndex) Upsert(ctx context.Context, chunks []EmbeddedChunk) error {
	for start := 0; start < len(chunks); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(chunks))

		points := make([]*qdrant.PointStruct, 0, end-start)
		for _, c := range chunks[start:end] {
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(c.ID),
				Vectors: qdrant.NewVectors(c.Vector...),
				Payload: qdrant.NewValueMap(chunkPayload(&c)),
			})
		}

		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.cfg.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("qdrant: upsert failed at batch %d: %w", start/upsertBatchSize, err)
		}
	}
	return nil
}

// chunkPayload flattens an EmbeddedChunk into a Qdrant payload map.
func chunkPayload(c *EmbeddedChunk) map[string]any {
	meta := make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return map[string]any{
		payloadContent:    c.Text,
		payloadSource:     c.Source,
		payloadDocumentID: c.DocumentID,
		payloadRevision:   c.Revision,
		payloadIndex:      int64(c.Index),
		payloadKB:         c.KnowledgeBase,
		payloadPage:       int64(c.Page),
		payloadStart:      int64(c.Start),
		payloadEnd:        int64(c.End),
		payloadMetadata:   meta,
	}
}

// Search performs a filtered cosine similarity search.
func (s *QdrantIndex) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]RetrievedCandidate, error) {
	limit := uint64(max(topK, 1)) //nolint:gosec // bounded by max
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         qdrantFilter(filter),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	out := make([]RetrievedCandidate, 0, len(results))
	for _, r := range results {
		c := RetrievedCandidate{
			ChunkID: r.GetId().GetUuid(),
			Score:   r.GetScore(),
		}
		p := r.GetPayload()
		c.Text = p[payloadContent].GetStringValue()
		c.Source = p[payloadSource].GetStringValue()
		c.DocumentID = p[payloadDocumentID].GetStringValue()
		c.KnowledgeBase = p[payloadKB].GetStringValue()
		c.Revision = p[payloadRevision].GetIntegerValue()
		c.Index = int(p[payloadIndex].GetIntegerValue())
		c.Page = int(p[payloadPage].GetIntegerValue())
		c.Start = int(p[payloadStart].GetIntegerValue())
		c.End = int(p[payloadEnd].GetIntegerValue())
		if fields := p[payloadMetadata].GetStructValue().GetFields(); len(fields) > 0 {
			c.Metadata = make(map[string]string, len(fields))
			for k, v := range fields {
				c.Metadata[k] = v.GetStringValue()
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// Delete removes every point matching filter and waits for completion.
func (s *QdrantIndex) Delete(ctx context.Context, filter Filter) error {
	f := qdrantFilter(filter)
	if f == nil {
		return fmt.Errorf("qdrant: refusing to delete with an empty filter")
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(f),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}
	return nil
}

// qdrantFilter translates a Filter into Qdrant conditions. Returns nil when
// the filter matches everything.
func qdrantFilter(f Filter) *qdrant.Filter {
	var must, mustNot []*qdrant.Condition
	if f.KnowledgeBase != "" {
		must = append(must, qdrant.NewMatch(payloadKB, f.KnowledgeBase))
	}
	if len(f.DocumentIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords(payloadDocumentID, f.DocumentIDs...))
	}
	if f.Revision != 0 {
		must = append(must, qdrant.NewMatchInt(payloadRevision, f.Revision))
	}
	if f.ExceptRevision != 0 {
		mustNot = append(mustNot, qdrant.NewMatchInt(payloadRevision, f.ExceptRevision))
	}
	for k, v := range f.Metadata {
		must = append(must, qdrant.NewMatch(payloadMetadata+"."+k, v))
	}
	if len(must) == 0 && len(mustNot) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must, MustNot: mustNot}
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantIndex) Close() error {
	return s.client.Close()
}
