//go:build integration

package embedder

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestOllamaEmbedder_Integration performs a real HTTP call to a locally running
// Ollama instance through the same wrappers the pipeline uses.
//
// Prerequisites:
//
//	ollama pull nomic-embed-text
//	ollama serve
//
// Run with:
//
//	go test -tags=integration -run TestOllamaEmbedder_Integration ./internal/embedder/
func TestOllamaEmbedder_Integration(t *testing.T) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = defaultOllamaModel
	}

	emb := NewBatched(NewOllamaEmbedder(&OllamaConfig{Host: host, Model: model}), 1, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	texts := []string{
		"Chunks are embedded and upserted before the served revision flips.",
		"The context assembler packs candidates greedily under a token budget.",
	}

	embeddings, err := emb.Embed(ctx, texts)
	if err != nil {
		t.Fatalf("Embed() failed: %v\n\nEnsure Ollama is running and %q is pulled:\n  ollama pull %s", err, model, model)
	}
	if len(embeddings) != len(texts) {
		t.Fatalf("expected %d embeddings, got %d", len(texts), len(embeddings))
	}

	identical := len(embeddings[0]) == len(embeddings[1])
	for j := 0; identical && j < len(embeddings[0]); j++ {
		identical = embeddings[0][j] == embeddings[1][j]
	}
	if identical {
		t.Error("embeddings[0] and embeddings[1] are identical; the model may not be working correctly")
	}

	t.Logf("model=%s dim=%d (set EMBEDDING_DIMENSIONS=%d)", model, len(embeddings[0]), len(embeddings[0]))
}
