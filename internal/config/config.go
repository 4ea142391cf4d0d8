// Package config provides YAML-based configuration for ragpipe.
// Configuration is loaded with a layered precedence: defaults, then the YAML
// file, then env vars. Environment variables always win.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. RAGPIPE_CONFIG environment variable
//  3. ~/.ragpipe/config.yaml
//  4. ./ragpipe.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Model configures the LLM chat model provider.
	Model ModelConfig `yaml:"model"`

	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Qdrant configures the Qdrant vector index connection.
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Vector selects the vector index backend.
	Vector VectorConfig `yaml:"vector"`

	// Chunking configures the tokenizer and chunk sizes.
	Chunking ChunkingConfig `yaml:"chunking"`

	// Retrieval configures candidate search and ranking.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Assembly configures context packing.
	Assembly AssemblyConfig `yaml:"assembly"`

	// Ingestion configures retries and parallelism of ingestion runs.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Cache configures the Redis response cache.
	Cache CacheConfig `yaml:"cache"`

	// Store configures the SQLite metadata store.
	Store StoreConfig `yaml:"store"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures Langfuse and OpenTelemetry tracing.
	Tracing TracingConfig `yaml:"tracing"`
}

// ModelConfig holds LLM chat model settings.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, ark, gemini.
	Provider string `yaml:"provider"`

	// MaxTokens is the maximum number of tokens in the response.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls response randomness.
	Temperature float32 `yaml:"temperature"`

	// Ollama holds Ollama-specific settings.
	Ollama OllamaConfig `yaml:"ollama"`

	// OpenAI holds OpenAI-specific settings.
	OpenAI OpenAIConfig `yaml:"openai"`

	// Azure holds Azure OpenAI-specific settings.
	Azure AzureConfig `yaml:"azure"`

	// Ark holds Volcengine Ark-specific settings.
	Ark ArkConfig `yaml:"ark"`

	// Gemini holds Google Gemini-specific settings.
	Gemini GeminiConfig `yaml:"gemini"`
}

// OllamaConfig holds Ollama provider settings.
type OllamaConfig struct {
	// Host is the Ollama API endpoint.
	Host string `yaml:"host"`
	// Model is the Ollama model name.
	Model string `yaml:"model"`
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. Prefer env var OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the OpenAI model name.
	Model string `yaml:"model"`
	// BaseURL points at an OpenAI-compatible server.
	BaseURL string `yaml:"base_url"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	// APIKey is the Azure OpenAI API key. Prefer env var AZURE_OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the Azure OpenAI resource endpoint.
	Endpoint string `yaml:"endpoint"`
	// Deployment is the Azure OpenAI deployment name.
	Deployment string `yaml:"deployment"`
	// APIVersion is the Azure OpenAI API version.
	APIVersion string `yaml:"api_version"`
}

// ArkConfig holds Volcengine Ark provider settings.
type ArkConfig struct {
	// APIKey is the Ark API key. Prefer env var ARK_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the Ark endpoint or model id.
	Model string `yaml:"model"`
	// BaseURL overrides the regional endpoint.
	BaseURL string `yaml:"base_url"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	// APIKey is the Google API key. Prefer env var GOOGLE_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the Gemini model name.
	Model string `yaml:"model"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (ollama, openai, azure, gemini).
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions overrides the embedding vector size.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
	// BatchSize is the maximum number of texts per backend call.
	BatchSize int `yaml:"batch_size"`
	// Concurrency caps in-flight batch calls.
	Concurrency int `yaml:"concurrency"`
	// RequestsPerSecond throttles backend calls.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// Timeout bounds each backend request.
	Timeout time.Duration `yaml:"timeout"`
}

// QdrantConfig holds Qdrant vector index settings.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// Collection is the Qdrant collection name.
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls"`
}

// VectorConfig selects the vector index backend.
type VectorConfig struct {
	// Backend is qdrant or memory.
	Backend string `yaml:"backend"`
}

// ChunkingConfig holds tokenizer and chunker settings.
type ChunkingConfig struct {
	// Tokenizer is word or tiktoken.
	Tokenizer string `yaml:"tokenizer"`
	// Encoding is the tiktoken encoding name.
	Encoding string `yaml:"encoding"`
	// MaxTokens bounds every chunk.
	MaxTokens int `yaml:"max_tokens"`
	// OverlapTokens is carried between consecutive chunks.
	OverlapTokens int `yaml:"overlap_tokens"`
	// Segmenter is gse or runes; selects CJK word segmentation.
	Segmenter string `yaml:"segmenter"`
}

// RetrievalConfig holds retrieval settings.
type RetrievalConfig struct {
	// TopK is the default number of candidates.
	TopK int `yaml:"top_k"`
	// OverFetch multiplies top-k for the raw index search.
	OverFetch int `yaml:"over_fetch"`
	// Epsilon enables lexical reranking of near-equal scores.
	Epsilon float64 `yaml:"epsilon"`
}

// AssemblyConfig holds context assembly settings.
type AssemblyConfig struct {
	// TokenBudget is the default context budget.
	TokenBudget int `yaml:"token_budget"`
	// Overhead is the per-entry token cost.
	Overhead int `yaml:"overhead"`
	// DedupThreshold is the near-duplicate similarity cut-off.
	DedupThreshold float64 `yaml:"dedup_threshold"`
	// HistoryTokens is the budget for conversation history.
	HistoryTokens int `yaml:"history_tokens"`
}

// IngestionConfig holds ingestion retry and worker settings.
type IngestionConfig struct {
	// MaxAttempts bounds retries of blob, embedding, and index calls.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialDelay is the first backoff delay.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Concurrency is the number of documents ingested in parallel.
	Concurrency int `yaml:"concurrency"`
	// ParserWorkers sizes the decode pool.
	ParserWorkers int `yaml:"parser_workers"`
}

// CacheConfig holds Redis response cache settings.
type CacheConfig struct {
	// Addr is the Redis address; empty disables caching.
	Addr string `yaml:"addr"`
	// Password authenticates against Redis. Prefer env var REDIS_PASSWORD.
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// TTL is the lifetime of cached answers.
	TTL time.Duration `yaml:"ttl"`
	// Prefix namespaces the cache keys.
	Prefix string `yaml:"prefix"`
}

// StoreConfig holds metadata store settings.
type StoreConfig struct {
	// DBPath is the SQLite database path.
	DBPath string `yaml:"db_path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var RAGPIPE_API_KEY.
	APIKey string `yaml:"api_key"`
	// KnowledgeBaseKeys are "kb=token" pairs separated by commas. Prefer env
	// var RAGPIPE_KB_KEYS.
	KnowledgeBaseKeys string `yaml:"knowledge_base_keys"`
	// IngestRate is the per-caller ingestion rate per second.
	IngestRate float64 `yaml:"ingest_rate"`
	// IngestBurst is the per-caller ingestion burst.
	IngestBurst int `yaml:"ingest_burst"`
	// QueryRate is the per-caller query rate per second.
	QueryRate float64 `yaml:"query_rate"`
	// QueryBurst is the per-caller query burst.
	QueryBurst int `yaml:"query_burst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// TracingConfig holds Langfuse and OpenTelemetry settings.
type TracingConfig struct {
	// PublicKey is the Langfuse public key. Prefer env var LANGFUSE_PUBLIC_KEY.
	PublicKey string `yaml:"public_key"`
	// SecretKey is the Langfuse secret key. Prefer env var LANGFUSE_SECRET_KEY.
	SecretKey string `yaml:"secret_key"`
	// Host is the Langfuse API host.
	Host string `yaml:"host"`
	// OTLPEndpoint is the OTLP gRPC collector address.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// OTLPInsecure disables TLS to the collector.
	OTLPInsecure bool `yaml:"otlp_insecure"`
	// SampleRate is the trace sampling ratio.
	SampleRate float64 `yaml:"sample_rate"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return floatStr(float64(c.Model.Temperature)) }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"OPENAI_BASE_URL", func(c *Config) string { return c.Model.OpenAI.BaseURL }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"ARK_API_KEY", func(c *Config) string { return c.Model.Ark.APIKey }},
	{"ARK_MODEL", func(c *Config) string { return c.Model.Ark.Model }},
	{"ARK_BASE_URL", func(c *Config) string { return c.Model.Ark.BaseURL }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"EMBEDDING_BATCH_SIZE", func(c *Config) string { return intStr(c.Embedding.BatchSize) }},
	{"EMBEDDING_CONCURRENCY", func(c *Config) string { return intStr(c.Embedding.Concurrency) }},
	{"EMBEDDING_RPS", func(c *Config) string { return floatStr(c.Embedding.RequestsPerSecond) }},
	{"EMBEDDING_TIMEOUT", func(c *Config) string { return durationStr(c.Embedding.Timeout) }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"VECTOR_BACKEND", func(c *Config) string { return c.Vector.Backend }},
	{"CHUNK_TOKENIZER", func(c *Config) string { return c.Chunking.Tokenizer }},
	{"CHUNK_ENCODING", func(c *Config) string { return c.Chunking.Encoding }},
	{"CHUNK_MAX_TOKENS", func(c *Config) string { return intStr(c.Chunking.MaxTokens) }},
	{"CHUNK_OVERLAP_TOKENS", func(c *Config) string { return intStr(c.Chunking.OverlapTokens) }},
	{"CHUNK_SEGMENTER", func(c *Config) string { return c.Chunking.Segmenter }},
	{"RETRIEVAL_TOP_K", func(c *Config) string { return intStr(c.Retrieval.TopK) }},
	{"RETRIEVAL_OVER_FETCH", func(c *Config) string { return intStr(c.Retrieval.OverFetch) }},
	{"RETRIEVAL_EPSILON", func(c *Config) string { return floatStr(c.Retrieval.Epsilon) }},
	{"ASSEMBLY_TOKEN_BUDGET", func(c *Config) string { return intStr(c.Assembly.TokenBudget) }},
	{"ASSEMBLY_OVERHEAD", func(c *Config) string { return intStr(c.Assembly.Overhead) }},
	{"ASSEMBLY_DEDUP_THRESHOLD", func(c *Config) string { return floatStr(c.Assembly.DedupThreshold) }},
	{"ASSEMBLY_HISTORY_TOKENS", func(c *Config) string { return intStr(c.Assembly.HistoryTokens) }},
	{"INGEST_MAX_ATTEMPTS", func(c *Config) string { return intStr(c.Ingestion.MaxAttempts) }},
	{"INGEST_INITIAL_DELAY", func(c *Config) string { return durationStr(c.Ingestion.InitialDelay) }},
	{"INGEST_MAX_DELAY", func(c *Config) string { return durationStr(c.Ingestion.MaxDelay) }},
	{"INGEST_CONCURRENCY", func(c *Config) string { return intStr(c.Ingestion.Concurrency) }},
	{"PARSER_WORKERS", func(c *Config) string { return intStr(c.Ingestion.ParserWorkers) }},
	{"REDIS_ADDR", func(c *Config) string { return c.Cache.Addr }},
	{"REDIS_PASSWORD", func(c *Config) string { return c.Cache.Password }},
	{"REDIS_DB", func(c *Config) string { return intStr(c.Cache.DB) }},
	{"CACHE_TTL", func(c *Config) string { return durationStr(c.Cache.TTL) }},
	{"CACHE_PREFIX", func(c *Config) string { return c.Cache.Prefix }},
	{"RAGPIPE_DB", func(c *Config) string { return c.Store.DBPath }},
	{"RAGPIPE_HOST", func(c *Config) string { return c.Server.Host }},
	{"RAGPIPE_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"RAGPIPE_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"RAGPIPE_KB_KEYS", func(c *Config) string { return c.Server.KnowledgeBaseKeys }},
	{"RAGPIPE_INGEST_RATE", func(c *Config) string { return floatStr(c.Server.IngestRate) }},
	{"RAGPIPE_INGEST_BURST", func(c *Config) string { return intStr(c.Server.IngestBurst) }},
	{"RAGPIPE_QUERY_RATE", func(c *Config) string { return floatStr(c.Server.QueryRate) }},
	{"RAGPIPE_QUERY_BURST", func(c *Config) string { return intStr(c.Server.QueryBurst) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
	{"OTEL_EXPORTER_OTLP_ENDPOINT", func(c *Config) string { return c.Tracing.OTLPEndpoint }},
	{"OTEL_EXPORTER_OTLP_INSECURE", func(c *Config) string { return boolStr(c.Tracing.OTLPInsecure) }},
	{"OTEL_SAMPLE_RATE", func(c *Config) string { return floatStr(c.Tracing.SampleRate) }},
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path, err := resolveConfigPath(explicitPath)
	if err != nil {
		return "", err
	}
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set, do not override
		}
		if err := os.Setenv(m.envKey, yamlVal); err != nil {
			return "", fmt.Errorf("config: failed to set %s: %w", m.envKey, err)
		}
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// resolveConfigPath returns the first config file path that exists. An
// explicit path that does not exist is an error.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config: %w", err)
		}
		return explicit, nil
	}

	if envPath := os.Getenv("RAGPIPE_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".ragpipe", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if _, err := os.Stat("ragpipe.yaml"); err == nil {
		return "ragpipe.yaml", nil
	}

	return "", nil
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

// floatStr converts a float to string, returning "" for zero values.
func floatStr(v float64) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(strconv.FormatFloat(v, 'f', 4, 64), "0"), ".")
}

// durationStr converts a duration to string, returning "" for zero values.
func durationStr(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
