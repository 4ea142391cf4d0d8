// Package provider selects and constructs the chat model that answers
// queries, and adapts it to the pipeline's generation capability.
// Supported backends: Ollama, OpenAI, Azure OpenAI, Volcengine Ark, Google Gemini.
package provider

import (
	"fmt"
	"strings"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendArk selects the Volcengine Ark model runtime.
	BackendArk Backend = "ark"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// ProviderOllama holds Ollama settings.
type ProviderOllama struct {
	// Host is the Ollama base URL.
	Host string
	// Model is the chat model tag (e.g. "llama3").
	Model string
}

// ProviderOpenAI holds OpenAI settings.
type ProviderOpenAI struct {
	// APIKey authenticates against the OpenAI API.
	APIKey string
	// Model is the model name (e.g. "gpt-4o").
	Model string
	// BaseURL overrides the API endpoint for OpenAI-compatible servers.
	BaseURL string
}

// ProviderAzureOpenAI holds Azure OpenAI settings.
type ProviderAzureOpenAI struct {
	// APIKey authenticates against the Azure resource.
	APIKey string
	// Endpoint is the resource URL (https://<name>.openai.azure.com).
	Endpoint string
	// Deployment is the deployment name, passed through unchanged.
	Deployment string
	// APIVersion is the Azure OpenAI REST API version.
	APIVersion string
}

// ProviderArk holds Volcengine Ark settings.
type ProviderArk struct {
	// APIKey authenticates against Ark.
	APIKey string
	// Model is the Ark endpoint or model id.
	Model string
	// BaseURL overrides the regional Ark endpoint.
	BaseURL string
}

// ProviderGemini holds Google Gemini settings.
type ProviderGemini struct {
	// APIKey is the AI Studio key.
	APIKey string
	// Model is the model name (e.g. "gemini-1.5-pro").
	Model string
}

// SharedTuning holds generation parameters common to every backend.
type SharedTuning struct {
	// MaxTokens caps the number of tokens generated per answer.
	MaxTokens int
	// Temperature controls response randomness (0.0 to 1.0).
	Temperature float32
}

// Config holds all provider configuration. Only the block matching Backend
// is read.
type Config struct {
	// Backend identifies which inference provider to use.
	Backend Backend
	// Ollama settings.
	Ollama ProviderOllama
	// OpenAI settings.
	OpenAI ProviderOpenAI
	// AzureOpenAI settings.
	AzureOpenAI ProviderAzureOpenAI
	// Ark settings.
	Ark ProviderArk
	// Gemini settings.
	Gemini ProviderGemini
	// Tuning applies to every backend.
	Tuning SharedTuning
}

// ModelName returns the model or deployment the selected backend will call.
func (c *Config) ModelName() string {
	switch c.Backend {
	case BackendOllama:
		return c.Ollama.Model
	case BackendOpenAI:
		return c.OpenAI.Model
	case BackendAzure:
		return c.AzureOpenAI.Deployment
	case BackendArk:
		return c.Ark.Model
	case BackendGemini:
		return c.Gemini.Model
	default:
		return ""
	}
}

// Validate checks that the selected backend has everything it needs. Error
// messages name the environment variable that supplies the missing value.
func (c *Config) Validate() error {
	var missing []string
	need := func(value, env string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, env)
		}
	}

	switch c.Backend {
	case BackendOllama:
		need(c.Ollama.Host, "OLLAMA_HOST")
		need(c.Ollama.Model, "OLLAMA_MODEL")
	case BackendOpenAI:
		need(c.OpenAI.APIKey, "OPENAI_API_KEY")
		need(c.OpenAI.Model, "OPENAI_MODEL")
	case BackendAzure:
		need(c.AzureOpenAI.APIKey, "AZURE_OPENAI_API_KEY")
		need(c.AzureOpenAI.Endpoint, "AZURE_OPENAI_ENDPOINT")
		need(c.AzureOpenAI.Deployment, "AZURE_OPENAI_DEPLOYMENT")
	case BackendArk:
		need(c.Ark.APIKey, "ARK_API_KEY")
		need(c.Ark.Model, "ARK_MODEL")
	case BackendGemini:
		need(c.Gemini.APIKey, "GOOGLE_API_KEY")
		need(c.Gemini.Model, "GEMINI_MODEL")
	default:
		return fmt.Errorf("provider: unknown backend %q (valid: ollama, openai, azure, ark, gemini)", c.Backend)
	}

	if len(missing) > 0 {
		return fmt.Errorf("provider: %s backend requires %s", c.Backend, strings.Join(missing, ", "))
	}
	if c.Tuning.Temperature < 0 || c.Tuning.Temperature > 2 {
		return fmt.Errorf("provider: temperature %.2f out of range [0, 2]", c.Tuning.Temperature)
	}
	return nil
}

// isAzureReasoningModel reports whether an Azure deployment is an o-series or
// codex-class model. Those reject temperature and max_tokens.
func isAzureReasoningModel(deployment string) bool {
	d := strings.ToLower(deployment)
	for _, prefix := range []string{"o1", "o3", "o4", "codex"} {
		if strings.HasPrefix(d, prefix) {
			return true
		}
	}
	return false
}
