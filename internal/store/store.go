// Package store provides SQLite-backed persistence for document metadata and
// conversation history. Document records carry the served revision used to
// cut queries over between revisions; conversation messages are scoped by
// knowledge base and conversation id and replayed as query history.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is a question asked by the caller.
	RoleUser Role = "user"
	// RoleAssistant is an answer produced by the generator.
	RoleAssistant Role = "assistant"
)

// ConversationKey scopes a conversation thread.
type ConversationKey struct {
	// KnowledgeBase is the knowledge base the conversation queries.
	KnowledgeBase string
	// ID identifies the thread within the knowledge base.
	ID string
}

// Message is a single turn in a conversation.
type Message struct {
	// Role is the author of the message.
	Role Role
	// Content is the text of the message.
	Content string
	// Sources lists the chunk ids an answer was grounded on. Empty for questions.
	Sources []string
	// Duration is how long the answer took to produce. Zero for questions.
	Duration time.Duration
	// CreatedAt is when the message was persisted.
	CreatedAt time.Time
}

// ConversationStore persists and retrieves conversation history.
// Implementations must be safe for concurrent use.
type ConversationStore interface {
	// Append persists a single message to the thread.
	Append(ctx context.Context, key ConversationKey, msg Message) error
	// Recent returns the most recent n messages of the thread, ordered
	// oldest-first so they can be replayed directly as history.
	// If fewer than n messages exist, all are returned.
	Recent(ctx context.Context, key ConversationKey, n int) ([]Message, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a ConversationStore and rag.MetadataStore backed by a local
// SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the database.
// It resolves to ~/.ragpipe/ragpipe.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ragpipe")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "ragpipe.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversations (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    knowledge_base  TEXT    NOT NULL,
    conversation    TEXT    NOT NULL,
    role            TEXT    NOT NULL CHECK(role IN ('user','assistant')),
    content         TEXT    NOT NULL,
    sources         TEXT    NOT NULL DEFAULT '[]',
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_conversations_thread_created
    ON conversations (knowledge_base, conversation, created_at);

CREATE TABLE IF NOT EXISTS documents (
    id                TEXT    PRIMARY KEY,
    knowledge_base    TEXT    NOT NULL DEFAULT '',
    uri               TEXT    NOT NULL DEFAULT '',
    mime_type         TEXT    NOT NULL DEFAULT '',
    status            TEXT    NOT NULL,
    revision          INTEGER NOT NULL DEFAULT 0,
    indexed_revision  INTEGER NOT NULL DEFAULT 0,
    content_hash      TEXT    NOT NULL DEFAULT '',
    error             TEXT    NOT NULL DEFAULT '',
    metadata          TEXT    NOT NULL DEFAULT '{}',
    version           INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL  -- Unix timestamp (nanoseconds)
);
CREATE INDEX IF NOT EXISTS idx_documents_kb
    ON documents (knowledge_base, id);

CREATE TABLE IF NOT EXISTS revision_floors (
    id        TEXT    PRIMARY KEY,
    revision  INTEGER NOT NULL
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Append persists a single message to the thread.
func (s *SQLiteStore) Append(ctx context.Context, key ConversationKey, msg Message) error {
	sources := msg.Sources
	if sources == nil {
		sources = []string{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("store: append: encode sources: %w", err)
	}

	const q = `INSERT INTO conversations (knowledge_base, conversation, role, content, sources, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, key.KnowledgeBase, key.ID, string(msg.Role), msg.Content,
		string(raw), msg.Duration.Milliseconds(), time.Now().Unix()); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	return nil
}

// Recent returns the most recent n messages of the thread, ordered
// oldest-first. Uses a subquery to select the tail then re-order for replay.
func (s *SQLiteStore) Recent(ctx context.Context, key ConversationKey, n int) ([]Message, error) {
	const q = `
SELECT role, content, sources, duration_ms, created_at FROM (
    SELECT id, role, content, sources, duration_ms, created_at
    FROM   conversations
    WHERE  knowledge_base = ? AND conversation = ?
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, key.KnowledgeBase, key.ID, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	return msgs, nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
