// Package audit provides a structured audit logger for CLI command
// invocations and document mutations. It logs the resolved configuration as
// sanitised environment state so operators can trace what happened without
// exposing secret values.
//
// Secrets are logged as presence/absence only, never their values.
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// auditEntry defines an env var to include in the audit log.
type auditEntry struct {
	// key is the environment variable name.
	key string
	// secret indicates the value should be redacted to presence/absence.
	secret bool
}

// auditKeys is the ordered list of env vars included in every command record.
var auditKeys = []auditEntry{
	{"MODEL_PROVIDER", false},
	{"OLLAMA_HOST", false},
	{"OLLAMA_MODEL", false},
	{"OPENAI_API_KEY", true},
	{"OPENAI_MODEL", false},
	{"AZURE_OPENAI_API_KEY", true},
	{"AZURE_OPENAI_ENDPOINT", false},
	{"AZURE_OPENAI_DEPLOYMENT", false},
	{"ARK_API_KEY", true},
	{"ARK_MODEL", false},
	{"GOOGLE_API_KEY", true},
	{"GEMINI_MODEL", false},
	{"EMBEDDING_PROVIDER", false},
	{"EMBEDDING_MODEL", false},
	{"EMBEDDING_API_KEY", true},
	{"VECTOR_BACKEND", false},
	{"QDRANT_HOST", false},
	{"QDRANT_PORT", false},
	{"QDRANT_COLLECTION", false},
	{"QDRANT_API_KEY", true},
	{"CHUNK_TOKENIZER", false},
	{"CHUNK_MAX_TOKENS", false},
	{"CHUNK_OVERLAP_TOKENS", false},
	{"REDIS_ADDR", false},
	{"REDIS_PASSWORD", true},
	{"RAGPIPE_DB", false},
	{"RAGPIPE_API_KEY", true},
	{"RAGPIPE_KB_KEYS", true},
	{"RAGPIPE_INGEST_RATE", false},
	{"RAGPIPE_QUERY_RATE", false},
	{"LOG_LEVEL", false},
	{"LOG_FORMAT", false},
	{"LANGFUSE_PUBLIC_KEY", true},
	{"LANGFUSE_SECRET_KEY", true},
	{"OTEL_EXPORTER_OTLP_ENDPOINT", false},
}

// secretEnvKeys is the set of audited keys whose values are never logged.
var secretEnvKeys = func() map[string]bool {
	m := make(map[string]bool)
	for _, e := range auditKeys {
		if e.secret {
			m[e.key] = true
		}
	}
	return m
}()

// LogCommandStart emits a structured audit log entry when a CLI command begins.
// It records the command name, config file source, and sanitised environment.
func LogCommandStart(ctx context.Context, log *slog.Logger, command string, configPath string) {
	attrs := []slog.Attr{
		slog.String("command", command),
		slog.String("config_file", sanitiseConfigPath(configPath)),
	}
	for _, entry := range auditKeys {
		val := os.Getenv(entry.key)
		if entry.secret {
			attrs = append(attrs, slog.String(entry.key, presence(val)))
		} else {
			attrs = append(attrs, slog.String(entry.key, valOrUnset(val)))
		}
	}
	log.LogAttrs(ctx, slog.LevelInfo, "audit: command start", attrs...)
}

// Action names a document mutation.
type Action string

const (
	// ActionIngest records an ingestion request.
	ActionIngest Action = "ingest"
	// ActionDelete records a document removal.
	ActionDelete Action = "delete"
	// ActionConversationDelete records the removal of one conversation.
	ActionConversationDelete Action = "conversation_delete"
	// ActionConversationClear records the removal of a knowledge base's conversations.
	ActionConversationClear Action = "conversation_clear"
	// ActionCacheClear records a query cache flush.
	ActionCacheClear Action = "cache_clear"
)

// Event describes one document mutation.
type Event struct {
	// Action is the mutation performed.
	Action Action
	// DocumentID is the affected document.
	DocumentID string
	// KnowledgeBase scopes the document.
	KnowledgeBase string
	// Revision is the resulting revision (0 when not applicable).
	Revision int64
	// Outcome is the resulting status or "error".
	Outcome string
	// Source identifies the caller: "cli" or the client address.
	Source string
	// Principal is the authenticated caller, when known.
	Principal string
}

// LogDocumentEvent emits a structured audit log entry for a document mutation.
func LogDocumentEvent(ctx context.Context, log *slog.Logger, e Event) {
	log.LogAttrs(ctx, slog.LevelInfo, "audit: document "+string(e.Action),
		slog.String("action", string(e.Action)),
		slog.String("document_id", e.DocumentID),
		slog.String("knowledge_base", e.KnowledgeBase),
		slog.Int64("revision", e.Revision),
		slog.String("outcome", valOrUnset(e.Outcome)),
		slog.String("source", valOrUnset(e.Source)),
		slog.String("principal", valOrUnset(e.Principal)),
	)
}

// AdminEvent describes a maintenance operation on conversations or the cache.
type AdminEvent struct {
	// Action is the operation performed.
	Action Action
	// KnowledgeBase scopes the operation. Empty for the cache.
	KnowledgeBase string
	// Target is the affected conversation id, if any.
	Target string
	// Removed is the number of rows or keys removed.
	Removed int
	// Outcome is "ok" or "error".
	Outcome string
	// Source identifies the caller: "cli" or the client address.
	Source string
	// Principal is the authenticated caller, when known.
	Principal string
}

// LogAdminEvent emits a structured audit log entry for a maintenance operation.
func LogAdminEvent(ctx context.Context, log *slog.Logger, e AdminEvent) {
	log.LogAttrs(ctx, slog.LevelInfo, "audit: admin "+string(e.Action),
		slog.String("action", string(e.Action)),
		slog.String("knowledge_base", e.KnowledgeBase),
		slog.String("target", e.Target),
		slog.Int("removed", e.Removed),
		slog.String("outcome", valOrUnset(e.Outcome)),
		slog.String("source", valOrUnset(e.Source)),
		slog.String("principal", valOrUnset(e.Principal)),
	)
}

// Denial describes a rejected API request.
type Denial struct {
	// Principal is the caller, or empty when no credential was accepted.
	Principal string
	// KnowledgeBase is the knowledge base the caller tried to reach.
	KnowledgeBase string
	// Route is the matched route pattern.
	Route string
	// Reason is a stable machine-readable cause, e.g. "invalid_token".
	Reason string
	// Source is the client address.
	Source string
}

// LogAccessDenied emits a WARN audit entry for a rejected request. Tokens are
// never part of the record.
func LogAccessDenied(ctx context.Context, log *slog.Logger, d Denial) {
	log.LogAttrs(ctx, slog.LevelWarn, "audit: access denied",
		slog.String("principal", valOrUnset(d.Principal)),
		slog.String("knowledge_base", d.KnowledgeBase),
		slog.String("route", d.Route),
		slog.String("reason", d.Reason),
		slog.String("source", valOrUnset(d.Source)),
	)
}

// SanitiseKey returns "set" or "unset" for known secret keys, or the actual
// value for non-secret keys. This is safe to use in log messages.
func SanitiseKey(key, value string) string {
	if secretEnvKeys[key] {
		return presence(value)
	}
	return valOrUnset(value)
}

// presence returns "set" if the value is non-empty, "unset" otherwise.
func presence(v string) string {
	if v != "" {
		return "set"
	}
	return "unset"
}

// valOrUnset returns the value if non-empty, "unset" otherwise.
func valOrUnset(v string) string {
	if v != "" {
		return v
	}
	return "unset"
}

// sanitiseConfigPath returns the config path or "none" if empty.
func sanitiseConfigPath(p string) string {
	if p == "" {
		return "none"
	}
	// Redact home directory for privacy in logs.
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}
