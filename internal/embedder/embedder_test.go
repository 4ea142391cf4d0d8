package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeVector returns a deterministic 3-dim vector for s.
func fakeVector(s string) []float32 {
	return []float32{float32(len(s)), float32(strings.Count(s, "a")), 1}
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-embed" {
			t.Errorf("model = %q", req.Model)
		}
		resp := ollamaEmbedResponse{}
		for _, in := range req.Input {
			resp.Embeddings = append(resp.Embeddings, fakeVector(in))
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "test-embed"})
	got, err := e.Embed(context.Background(), []string{"a", "banana"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != 2 || got[1][1] != 3 {
		t.Errorf("unexpected embeddings: %v", got)
	}

	empty, err := e.Embed(context.Background(), nil)
	if err != nil || empty != nil {
		t.Errorf("empty input: got %v, %v", empty, err)
	}
}

func TestOllamaEmbedder_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL}).Embed(context.Background(), []string{"x"})
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("want backend error message, got %v", err)
	}
}

func TestOpenAIEmbedder_OrdersByIndexAndAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		azure    bool
		wantPath string
		header   string
		want     string
	}{
		{"openai", false, "/v1/embeddings", "Authorization", "Bearer sk-test"},
		{"azure", true, "/openai/deployments/embed-dep/embeddings", "api-key", "sk-test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.wantPath {
					t.Errorf("path = %q, want %q", r.URL.Path, tt.wantPath)
				}
				if got := r.Header.Get(tt.header); got != tt.want {
					t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
				}
				// Reverse order to exercise index placement.
				_, _ = fmt.Fprint(w, `{"data":[{"index":1,"embedding":[2,2]},{"index":0,"embedding":[1,1]}]}`)
			}))
			t.Cleanup(srv.Close)

			base := srv.URL + "/v1"
			if tt.azure {
				base = srv.URL + "/openai"
			}
			e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: base, APIKey: "sk-test", Model: "embed-dep", Azure: tt.azure, APIVersion: "2025-04-01-preview"})
			got, err := e.Embed(context.Background(), []string{"first", "second"})
			if err != nil {
				t.Fatalf("Embed: %v", err)
			}
			if got[0][0] != 1 || got[1][0] != 2 {
				t.Errorf("embeddings not ordered by index: %v", got)
			}
		})
	}
}

func TestOpenAIEmbedder_RejectsShortResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1,1]}]}`)
	}))
	t.Cleanup(srv.Close)

	_, err := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "k"}).Embed(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("expected error for missing embedding")
	}
}

// countingEmbedder records batch sizes and peak concurrency.
type countingEmbedder struct {
	mu       sync.Mutex
	batches  []int
	inflight atomic.Int32
	peak     atomic.Int32
	failOn   string
}

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	c.mu.Lock()
	c.batches = append(c.batches, len(texts))
	c.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, s := range texts {
		if s == c.failOn {
			return nil, errors.New("backend down")
		}
		out[i] = fakeVector(s)
	}
	return out, nil
}

func TestBatched_PreservesOrderAndLimits(t *testing.T) {
	t.Parallel()

	inner := &countingEmbedder{}
	b := NewBatched(inner, 3, 2)

	texts := make([]string, 10)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}
	got, err := b.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i, v := range got {
		if v[0] != float32(i+1) {
			t.Errorf("vector %d out of order: %v", i, v)
		}
	}
	if len(inner.batches) != 4 {
		t.Errorf("want 4 batches, got %v", inner.batches)
	}
	if p := inner.peak.Load(); p > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", p)
	}
}

func TestBatched_FailsWhole(t *testing.T) {
	t.Parallel()

	b := NewBatched(&countingEmbedder{failOn: "bad"}, 2, 2)
	_, err := b.Embed(context.Background(), []string{"a", "b", "c", "bad", "e"})
	if err == nil {
		t.Fatal("expected error when one batch fails")
	}
}

func TestRateLimited_WaitsAndCancels(t *testing.T) {
	t.Parallel()

	inner := &countingEmbedder{}
	if got := NewRateLimited(inner, 0, 0); got != inner {
		t.Error("zero rps must return inner unwrapped")
	}

	r := NewRateLimited(inner, 1, 1)
	ctx := context.Background()
	if _, err := r.Embed(ctx, []string{"a"}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := r.Embed(ctx, []string{"b"}); err == nil {
		t.Fatal("second call should fail: bucket empty and deadline shorter than refill")
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ollama ok", Config{Provider: "ollama", Endpoint: "http://x", Dimensions: 768}, false},
		{"openai missing key", Config{Provider: "openai", Dimensions: 1536}, true},
		{"azure missing deployment", Config{Provider: "azure", APIKey: "k", Endpoint: "https://e", Dimensions: 1536}, true},
		{"gemini ok", Config{Provider: "gemini", APIKey: "k", Dimensions: 768}, false},
		{"unknown", Config{Provider: "bedrock", Dimensions: 1}, true},
		{"zero dims", Config{Provider: "ollama", Endpoint: "http://x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLooksLikeChatModel(t *testing.T) {
	t.Parallel()

	for model, want := range map[string]bool{
		"nomic-embed-text":       false,
		"text-embedding-3-small": false,
		"gpt-4o":                 true,
		"llama3:8b":              true,
		"mxbai-embed-large":      false,
	} {
		if got := looksLikeChatModel(model); got != want {
			t.Errorf("looksLikeChatModel(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestConfigFromEnv_InheritsChatProvider(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "")
	t.Setenv("MODEL_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-chat")
	t.Setenv("EMBEDDING_API_KEY", "")
	t.Setenv("EMBEDDING_ENDPOINT", "")
	t.Setenv("EMBEDDING_DIMENSIONS", "")
	t.Setenv("EMBEDDING_BATCH_SIZE", "16")

	cfg := ConfigFromEnv()
	if cfg.Provider != "openai" || cfg.APIKey != "sk-chat" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Endpoint != "https://api.openai.com/v1" || cfg.Dimensions != defaultOpenAIDimensions || cfg.BatchSize != 16 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
