package embedder

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiEmbedder implements rag.Embedder with the Gemini embedContent API.
type GeminiEmbedder struct {
	// client is the genai SDK client. Safe for concurrent use.
	client *genai.Client
	// model is the embedding model name (e.g. "text-embedding-004").
	model string
	// dimensions truncates output vectors when > 0.
	dimensions int
}

// GeminiConfig holds the settings for constructing a GeminiEmbedder.
type GeminiConfig struct {
	// APIKey is the Gemini API key.
	APIKey string
	// Model is the embedding model. Defaults to "text-embedding-004".
	Model string
	// Dimensions requests a reduced output dimensionality (0 = model default).
	Dimensions int
}

// NewGeminiEmbedder constructs a GeminiEmbedder.
func NewGeminiEmbedder(ctx context.Context, cfg *GeminiConfig) (*GeminiEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedder: gemini: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder: gemini: create client: %w", err)
	}
	return &GeminiEmbedder{client: client, model: cfg.Model, dimensions: cfg.Dimensions}, nil
}

// Embed converts a batch of texts into their embeddings, parallel to texts.
func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	cfg := &genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"}
	if e.dimensions > 0 {
		dims := int32(e.dimensions)
		cfg.OutputDimensionality = &dims
	}

	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder: gemini: embed content: %w", err)
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb != nil {
			vectors[i] = emb.Values
		}
	}
	if err := checkVectors(vectors, len(texts)); err != nil {
		return nil, fmt.Errorf("embedder: gemini: %w", err)
	}
	return vectors, nil
}
