// Package tracing wires the two trace sinks of ragpipe: Langfuse callbacks for
// generation calls made through eino, and OpenTelemetry spans around the
// ingestion stages and query steps.
package tracing

import (
	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// LangfuseConfig holds Langfuse credentials.
type LangfuseConfig struct {
	// Host is the Langfuse base URL. Defaults to http://localhost:3000.
	Host string
	// PublicKey is the project public key.
	PublicKey string
	// SecretKey is the project secret key.
	SecretKey string
	// Release tags every trace with the binary version.
	Release string
}

// LangfuseConfigFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY.
func LangfuseConfigFromEnv() LangfuseConfig {
	return LangfuseConfig{
		Host:      getenv("LANGFUSE_HOST"),
		PublicKey: getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: getenv("LANGFUSE_SECRET_KEY"),
	}
}

// SetupLangfuse returns the Langfuse callback handler when both keys are set,
// a flush function that must run before exit, and whether it is enabled.
// Without keys all return values are zero and generation is not traced.
func SetupLangfuse(cfg LangfuseConfig) (callbacks.Handler, func(), bool) {
	if cfg.PublicKey == "" || cfg.SecretKey == "" {
		return nil, nil, false
	}
	if cfg.Host == "" {
		cfg.Host = "http://localhost:3000"
	}

	handler, flusher := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      cfg.Host,
		PublicKey: cfg.PublicKey,
		SecretKey: cfg.SecretKey,
		Name:      "ragpipe.generate",
		Release:   cfg.Release,
	})
	return handler, flusher, true
}
