package provider

import (
	"context"
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		// ── Ollama ────────────────────────────────────────────────────────────
		{
			name: "ollama/valid",
			cfg: Config{
				Backend: BackendOllama,
				Ollama:  ProviderOllama{Host: "http://localhost:11434", Model: "llama3"},
			},
		},
		{
			name:    "ollama/missing model",
			cfg:     Config{Backend: BackendOllama, Ollama: ProviderOllama{Host: "http://localhost:11434"}},
			wantErr: "OLLAMA_MODEL",
		},

		// ── OpenAI ────────────────────────────────────────────────────────────
		{
			name: "openai/valid",
			cfg: Config{
				Backend: BackendOpenAI,
				OpenAI:  ProviderOpenAI{APIKey: "sk-test", Model: "gpt-4o"},
			},
		},
		{
			name:    "openai/missing api key",
			cfg:     Config{Backend: BackendOpenAI, OpenAI: ProviderOpenAI{Model: "gpt-4o"}},
			wantErr: "OPENAI_API_KEY",
		},
		{
			name:    "openai/missing model",
			cfg:     Config{Backend: BackendOpenAI, OpenAI: ProviderOpenAI{APIKey: "sk-test"}},
			wantErr: "OPENAI_MODEL",
		},

		// ── Azure ─────────────────────────────────────────────────────────────
		{
			name: "azure/valid",
			cfg: Config{
				Backend: BackendAzure,
				AzureOpenAI: ProviderAzureOpenAI{
					APIKey:     "key",
					Endpoint:   "https://my.openai.azure.com",
					Deployment: "gpt-4o",
					APIVersion: "2024-02-01",
				},
			},
		},
		{
			name: "azure/missing endpoint and deployment",
			cfg: Config{
				Backend:     BackendAzure,
				AzureOpenAI: ProviderAzureOpenAI{APIKey: "key"},
			},
			wantErr: "AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT",
		},

		// ── Ark ───────────────────────────────────────────────────────────────
		{
			name: "ark/valid",
			cfg:  Config{Backend: BackendArk, Ark: ProviderArk{APIKey: "ak", Model: "ep-2024"}},
		},
		{
			name:    "ark/missing key",
			cfg:     Config{Backend: BackendArk, Ark: ProviderArk{Model: "ep-2024"}},
			wantErr: "ARK_API_KEY",
		},

		// ── Gemini ────────────────────────────────────────────────────────────
		{
			name: "gemini/valid",
			cfg: Config{
				Backend: BackendGemini,
				Gemini:  ProviderGemini{APIKey: "AIza-test", Model: "gemini-1.5-pro"},
			},
		},
		{
			name:    "gemini/missing api key",
			cfg:     Config{Backend: BackendGemini, Gemini: ProviderGemini{Model: "gemini-1.5-pro"}},
			wantErr: "GOOGLE_API_KEY",
		},

		// ── Shared ────────────────────────────────────────────────────────────
		{
			name: "temperature out of range",
			cfg: Config{
				Backend: BackendOllama,
				Ollama:  ProviderOllama{Host: "http://localhost:11434", Model: "llama3"},
				Tuning:  SharedTuning{Temperature: 3},
			},
			wantErr: "temperature",
		},
		{
			name:    "unknown backend",
			cfg:     Config{Backend: "unknown"},
			wantErr: "unknown backend",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), &Config{Backend: BackendOpenAI}); err == nil {
		t.Fatal("New() expected validation error, got nil")
	}
}

func TestNewBackend_RejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := newBackend(context.Background(), &Config{Backend: "bogus"})
	if err == nil || !strings.Contains(err.Error(), `unsupported backend "bogus"`) {
		t.Fatalf("newBackend() error = %v, want unsupported backend", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("MODEL_PROVIDER", "azure")
	t.Setenv("AZURE_OPENAI_DEPLOYMENT", "gpt-4.1")
	t.Setenv("MODEL_MAX_TOKENS", "not-a-number")
	t.Setenv("MODEL_TEMPERATURE", "0.7")

	cfg := ConfigFromEnv()
	if cfg.Backend != BackendAzure {
		t.Errorf("Backend = %q, want azure", cfg.Backend)
	}
	if got := cfg.ModelName(); got != "gpt-4.1" {
		t.Errorf("ModelName() = %q, want gpt-4.1", got)
	}
	if cfg.AzureOpenAI.APIVersion != "2024-02-01" {
		t.Errorf("APIVersion = %q, want default", cfg.AzureOpenAI.APIVersion)
	}
	if cfg.Tuning.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want fallback 1024", cfg.Tuning.MaxTokens)
	}
	if cfg.Tuning.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", cfg.Tuning.Temperature)
	}
}

func TestIsAzureReasoningModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		deployment string
		want       bool
	}{
		{"o1", true},
		{"o1-preview", true},
		{"o3-mini", true},
		{"o4-mini", true},
		{"O1-PREVIEW", true},
		{"codex-mini", true},
		{"gpt-5.2-codex", false},
		{"gpt-4o", false},
		{"gpt-4.1", false},
		{"my-custom-deployment", false},
		{"", false},
	}

	for _, tc := range tests {
		t.Run(tc.deployment, func(t *testing.T) {
			t.Parallel()
			got := isAzureReasoningModel(tc.deployment)
			if got != tc.want {
				t.Errorf("isAzureReasoningModel(%q) = %v, want %v", tc.deployment, got, tc.want)
			}
		})
	}
}
