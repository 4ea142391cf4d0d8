package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestSanitiseKey_Secret(t *testing.T) {
	t.Parallel()
	for _, key := range []string{"OPENAI_API_KEY", "REDIS_PASSWORD", "RAGPIPE_API_KEY", "RAGPIPE_KB_KEYS"} {
		if got := SanitiseKey(key, "sk-abc123"); got != "set" {
			t.Errorf("%s: expected 'set', got %q", key, got)
		}
		if got := SanitiseKey(key, ""); got != "unset" {
			t.Errorf("%s: expected 'unset', got %q", key, got)
		}
	}
}

func TestSanitiseKey_NonSecret(t *testing.T) {
	t.Parallel()
	if got := SanitiseKey("MODEL_PROVIDER", "azure"); got != "azure" {
		t.Errorf("expected 'azure', got %q", got)
	}
	if got := SanitiseKey("MODEL_PROVIDER", ""); got != "unset" {
		t.Errorf("expected 'unset', got %q", got)
	}
}

func TestSanitiseConfigPath(t *testing.T) {
	t.Parallel()
	if got := sanitiseConfigPath(""); got != "none" {
		t.Errorf("expected 'none', got %q", got)
	}
	if got := sanitiseConfigPath("/tmp/config.yaml"); got != "/tmp/config.yaml" {
		t.Errorf("expected '/tmp/config.yaml', got %q", got)
	}
	home, err := os.UserHomeDir()
	if err == nil {
		p := home + "/.ragpipe/config.yaml"
		if got := sanitiseConfigPath(p); got != "~/.ragpipe/config.yaml" {
			t.Errorf("expected '~/.ragpipe/config.yaml', got %q", got)
		}
	}
}

func TestLogCommandStart_RedactsSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-very-secret")
	t.Setenv("MODEL_PROVIDER", "openai")

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	LogCommandStart(context.Background(), log, "query", "")

	out := buf.String()
	if strings.Contains(out, "sk-very-secret") {
		t.Fatalf("secret value leaked into audit log: %s", out)
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["OPENAI_API_KEY"] != "set" || rec["MODEL_PROVIDER"] != "openai" || rec["command"] != "query" {
		t.Errorf("unexpected audit record: %v", rec)
	}
}

func TestLogDocumentEvent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	LogDocumentEvent(context.Background(), log, Event{Action: ActionDelete, DocumentID: "doc-1", Revision: 3, Outcome: "deleted"})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["msg"] != "audit: document delete" || rec["document_id"] != "doc-1" || rec["source"] != "unset" {
		t.Errorf("unexpected audit record: %v", rec)
	}
	if rec["revision"] != float64(3) {
		t.Errorf("revision = %v, want 3", rec["revision"])
	}
}

func TestLogAdminEvent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	LogAdminEvent(context.Background(), log, AdminEvent{
		Action: ActionConversationClear, KnowledgeBase: "hr", Removed: 4, Outcome: "ok", Principal: "kb:hr",
	})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["msg"] != "audit: admin conversation_clear" || rec["knowledge_base"] != "hr" || rec["principal"] != "kb:hr" {
		t.Errorf("unexpected audit record: %v", rec)
	}
	if rec["removed"] != float64(4) {
		t.Errorf("removed = %v, want 4", rec["removed"])
	}
}

func TestLogAccessDenied_IsWarning(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	LogAccessDenied(context.Background(), log, Denial{
		KnowledgeBase: "finance", Route: "POST /api/query", Reason: "knowledge_base_out_of_scope", Source: "10.0.0.1",
	})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["level"] != "WARN" || rec["reason"] != "knowledge_base_out_of_scope" || rec["principal"] != "unset" {
		t.Errorf("unexpected audit record: %v", rec)
	}
}
