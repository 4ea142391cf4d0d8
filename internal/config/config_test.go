package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ExplicitMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load("/nonexistent/path/config.yaml", slog.Default())
	if err == nil {
		t.Fatal("expected error for a missing --config file")
	}
}

func TestLoad_NoFileFound(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RAGPIPE_CONFIG", "")
	t.Chdir(t.TempDir())

	path, err := Load("", slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`
model:
  provider: azure
  max_tokens: 8192
  temperature: 0.3
  azure:
    endpoint: https://my-resource.openai.azure.com
    deployment: gpt-4o
    api_version: "2025-04-01-preview"
embedding:
  provider: ollama
  model: nomic-embed-text
qdrant:
  host: qdrant.internal
  port: 6334
  collection: my-docs
chunking:
  tokenizer: tiktoken
  max_tokens: 500
  overlap_tokens: 50
retrieval:
  epsilon: 0.015
ingestion:
  max_attempts: 3
  initial_delay: 250ms
cache:
  addr: localhost:6379
  ttl: 30m
logging:
  level: debug
  format: text
`)

	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	checks := map[string]string{
		"MODEL_PROVIDER":           "azure",
		"MODEL_MAX_TOKENS":         "8192",
		"MODEL_TEMPERATURE":        "0.3",
		"AZURE_OPENAI_ENDPOINT":    "https://my-resource.openai.azure.com",
		"AZURE_OPENAI_DEPLOYMENT":  "gpt-4o",
		"AZURE_OPENAI_API_VERSION": "2025-04-01-preview",
		"EMBEDDING_PROVIDER":       "ollama",
		"EMBEDDING_MODEL":          "nomic-embed-text",
		"QDRANT_HOST":              "qdrant.internal",
		"QDRANT_PORT":              "6334",
		"QDRANT_COLLECTION":        "my-docs",
		"CHUNK_TOKENIZER":          "tiktoken",
		"CHUNK_MAX_TOKENS":         "500",
		"CHUNK_OVERLAP_TOKENS":     "50",
		"RETRIEVAL_EPSILON":        "0.015",
		"INGEST_MAX_ATTEMPTS":      "3",
		"INGEST_INITIAL_DELAY":     "250ms",
		"REDIS_ADDR":               "localhost:6379",
		"CACHE_TTL":                "30m0s",
		"LOG_LEVEL":                "debug",
		"LOG_FORMAT":               "text",
	}
	// Clear env vars that the YAML should set.
	for k := range checks {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	loaded, err := Load(cfgPath, slog.Default())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != cfgPath {
		t.Errorf("loaded path: got %q, want %q", loaded, cfgPath)
	}

	for k, want := range checks {
		if got := os.Getenv(k); got != want {
			t.Errorf("%s: got %q, want %q", k, got, want)
		}
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`
model:
  provider: ollama
`)
	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	// Set env var BEFORE loading; it must not be overwritten.
	t.Setenv("MODEL_PROVIDER", "azure")

	if _, err := Load(cfgPath, slog.Default()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := os.Getenv("MODEL_PROVIDER"); got != "azure" {
		t.Errorf("MODEL_PROVIDER: expected env override %q, got %q", "azure", got)
	}
}

func TestLoad_EnvVarPath(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(cfgPath, []byte("vector:\n  backend: memory\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RAGPIPE_CONFIG", cfgPath)
	t.Setenv("VECTOR_BACKEND", "")
	os.Unsetenv("VECTOR_BACKEND")

	loaded, err := Load("", slog.Default())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != cfgPath {
		t.Errorf("loaded path: got %q, want %q", loaded, cfgPath)
	}
	if got := os.Getenv("VECTOR_BACKEND"); got != "memory" {
		t.Errorf("VECTOR_BACKEND: got %q, want memory", got)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(cfgPath, []byte("{{invalid yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(cfgPath, slog.Default()); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestFloatStr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   float64
		want string
	}{
		{0.0, ""},
		{0.2, "0.2"},
		{float64(float32(0.3)), "0.3"},
		{1.0, "1"},
		{0.015, "0.015"},
	}
	for _, tt := range tests {
		if got := floatStr(tt.in); got != tt.want {
			t.Errorf("floatStr(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDurationStr(t *testing.T) {
	t.Parallel()
	if got := durationStr(0); got != "" {
		t.Errorf("durationStr(0) = %q, want empty", got)
	}
	if got := durationStr(1500 * time.Millisecond); got != "1.5s" {
		t.Errorf("durationStr(1.5s) = %q", got)
	}
}
