package embedder

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// Default embedding models per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"
	defaultGeminiModel = "text-embedding-004"

	// defaultOllamaDimensions is the output dimension of nomic-embed-text.
	// Other Ollama models may differ; override with EMBEDDING_DIMENSIONS.
	defaultOllamaDimensions = 768
	// defaultOpenAIDimensions is the output dimension of text-embedding-3-small.
	defaultOpenAIDimensions = 1536
	// defaultGeminiDimensions is the output dimension of text-embedding-004.
	defaultGeminiDimensions = 768
)

// Config selects and tunes an embedding backend.
type Config struct {
	// Provider is one of ollama, openai, azure, gemini.
	Provider string
	// Model is the embedding model (deployment name on Azure).
	Model string
	// Endpoint is the backend base URL.
	Endpoint string
	// APIKey authenticates hosted backends.
	APIKey string
	// APIVersion is the Azure OpenAI API version.
	APIVersion string
	// Dimensions is the vector size the index is created with.
	Dimensions int
	// Timeout bounds each backend request.
	Timeout time.Duration
	// BatchSize is the maximum number of texts per backend call.
	BatchSize int
	// Concurrency caps in-flight batch calls.
	Concurrency int
	// RequestsPerSecond throttles backend calls (0 = unlimited).
	RequestsPerSecond float64
	// Burst is the rate limiter burst size.
	Burst int
}

// DefaultDimensions returns the default embedding vector size for the given
// backend name. EMBEDDING_DIMENSIONS always takes precedence when set.
func DefaultDimensions(backend string) int {
	if v := getEnvInt("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	switch backend {
	case "ollama":
		return defaultOllamaDimensions
	case "gemini":
		return defaultGeminiDimensions
	default:
		return defaultOpenAIDimensions
	}
}

// ConfigFromEnv resolves a Config using cascading defaults that inherit from
// the chat provider configuration when embedding-specific overrides are not
// set.
//
// Resolution order:
//
//  1. EMBEDDING_PROVIDER, else MODEL_PROVIDER, else ollama
//  2. Per-backend credentials inherited from the chat provider's env vars
//  3. EMBEDDING_MODEL, EMBEDDING_API_KEY, EMBEDDING_ENDPOINT override them
//  4. EMBEDDING_DIMENSIONS overrides the backend default
//  5. EMBEDDING_BATCH_SIZE, EMBEDDING_CONCURRENCY, EMBEDDING_RPS,
//     EMBEDDING_BURST and EMBEDDING_TIMEOUT tune throughput
func ConfigFromEnv() *Config {
	backend := getEnv("EMBEDDING_PROVIDER")
	if backend == "" {
		backend = getEnvOrDefault("MODEL_PROVIDER", "ollama")
	}

	cfg := &Config{
		Provider:          backend,
		Model:             getEnv("EMBEDDING_MODEL"),
		Endpoint:          getEnv("EMBEDDING_ENDPOINT"),
		APIKey:            getEnv("EMBEDDING_API_KEY"),
		Dimensions:        DefaultDimensions(backend),
		BatchSize:         getEnvInt("EMBEDDING_BATCH_SIZE", 64),
		Concurrency:       getEnvInt("EMBEDDING_CONCURRENCY", 4),
		RequestsPerSecond: getEnvFloat("EMBEDDING_RPS", 0),
		Burst:             getEnvInt("EMBEDDING_BURST", 1),
		Timeout:           getEnvDuration("EMBEDDING_TIMEOUT", 0),
	}

	switch backend {
	case "ollama":
		if cfg.Endpoint == "" {
			cfg.Endpoint = getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434")
		}
	case "openai":
		if cfg.APIKey == "" {
			cfg.APIKey = getEnv("OPENAI_API_KEY")
		}
		if cfg.Endpoint == "" {
			cfg.Endpoint = "https://api.openai.com/v1"
		}
	case "azure":
		if cfg.APIKey == "" {
			cfg.APIKey = getEnv("AZURE_OPENAI_API_KEY")
		}
		if cfg.Endpoint == "" {
			cfg.Endpoint = getEnv("AZURE_OPENAI_ENDPOINT")
		}
		cfg.APIVersion = getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2025-04-01-preview")
	case "gemini":
		if cfg.APIKey == "" {
			cfg.APIKey = getEnv("GOOGLE_API_KEY")
		}
	}
	return cfg
}

// New constructs the configured backend and wraps it with batching and, when
// RequestsPerSecond is set, rate limiting.
func New(ctx context.Context, cfg *Config) (rag.Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var backend rag.Embedder
	switch cfg.Provider {
	case "ollama":
		backend = NewOllamaEmbedder(&OllamaConfig{Host: cfg.Endpoint, Model: cfg.Model, Timeout: cfg.Timeout})
	case "openai":
		backend = NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    cfg.Endpoint,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
	case "azure":
		backend = NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    cfg.Endpoint + "/openai",
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Azure:      true,
			APIVersion: cfg.APIVersion,
			Timeout:    cfg.Timeout,
		})
	case "gemini":
		g, err := NewGeminiEmbedder(ctx, &GeminiConfig{APIKey: cfg.APIKey, Model: cfg.Model, Dimensions: cfg.Dimensions})
		if err != nil {
			return nil, err
		}
		backend = g
	}

	limited := NewRateLimited(backend, cfg.RequestsPerSecond, cfg.Burst)
	return NewBatched(limited, cfg.BatchSize, cfg.Concurrency), nil
}

// getEnv returns the value of the named environment variable, or empty string.
func getEnv(key string) string {
	return os.Getenv(key)
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// errUnknownBackend formats the error for an unsupported provider name.
func errUnknownBackend(name string) error {
	return fmt.Errorf("embedder: unknown backend %q, valid values: ollama, openai, azure, gemini", name)
}
