package embedder

import (
	"fmt"
	"log/slog"
	"strings"
)

// knownChatModelPrefixes contains name fragments that identify chat/completion
// models which are NOT suitable for embedding.
var knownChatModelPrefixes = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"llama-2",
	"mistral",
	"mixtral",
	"gemma",
	"gemini-",
	"phi-",
	"phi3",
	"claude",
	"command-r",
	"deepseek",
	"qwen",
	"vicuna",
	"falcon",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat/completion model rather than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "embed") {
		return false
	}
	for _, prefix := range knownChatModelPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// Validate returns an error when the configuration cannot produce a working
// embedder, so operators get a clear error at startup rather than on the
// first ingestion.
func (c *Config) Validate() error {
	switch c.Provider {
	case "ollama":
		if c.Endpoint == "" {
			return fmt.Errorf("embedder: ollama requires OLLAMA_HOST or EMBEDDING_ENDPOINT")
		}
	case "openai":
		if c.APIKey == "" {
			return fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
	case "azure":
		if c.APIKey == "" {
			return fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		if c.Endpoint == "" {
			return fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		if c.Model == "" {
			return fmt.Errorf("embedder: azure requires EMBEDDING_MODEL set to the deployment name")
		}
	case "gemini":
		if c.APIKey == "" {
			return fmt.Errorf("embedder: gemini requires GOOGLE_API_KEY or EMBEDDING_API_KEY")
		}
	default:
		return errUnknownBackend(c.Provider)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("embedder: dimensions must be positive, got %d", c.Dimensions)
	}
	return nil
}

// WarnMisconfiguration logs configurations that work but are probably not
// what the operator intended.
func (c *Config) WarnMisconfiguration(log *slog.Logger, explicitProvider bool) {
	if !explicitProvider && c.Provider != "ollama" {
		log.Warn("embedder: EMBEDDING_PROVIDER is not set, inheriting MODEL_PROVIDER as embedding backend",
			slog.String("backend", c.Provider),
			slog.String("hint", "set EMBEDDING_PROVIDER=ollama (or openai/azure/gemini) to be explicit"),
		)
	}
	if c.Model != "" && looksLikeChatModel(c.Model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, not an embedding model",
			slog.String("model", c.Model),
			slog.String("hint", "use a dedicated embedding model e.g. nomic-embed-text, text-embedding-3-small"),
		)
	}
}
