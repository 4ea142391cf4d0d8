package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrConversationNotFound is returned when a thread has no stored messages.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationSummary describes one stored thread.
type ConversationSummary struct {
	// KnowledgeBase is the knowledge base the thread queries.
	KnowledgeBase string `json:"knowledge_base"`
	// ID identifies the thread within the knowledge base.
	ID string `json:"id"`
	// Messages is the number of stored messages.
	Messages int `json:"messages"`
	// StartedAt is the time of the first message.
	StartedAt time.Time `json:"started_at"`
	// LastAt is the time of the latest message.
	LastAt time.Time `json:"last_at"`
}

// Conversations lists the threads of a knowledge base, most recently active
// first. An empty knowledge base lists every thread.
func (s *SQLiteStore) Conversations(ctx context.Context, knowledgeBase string) ([]ConversationSummary, error) {
	q := `SELECT knowledge_base, conversation, COUNT(*), MIN(created_at), MAX(created_at)
FROM conversations`
	var args []any
	if knowledgeBase != "" {
		q += ` WHERE knowledge_base = ?`
		args = append(args, knowledgeBase)
	}
	q += ` GROUP BY knowledge_base, conversation ORDER BY MAX(created_at) DESC, MAX(id) DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var (
			c             ConversationSummary
			first, latest int64
		)
		if err := rows.Scan(&c.KnowledgeBase, &c.ID, &c.Messages, &first, &latest); err != nil {
			return nil, fmt.Errorf("store: conversations scan: %w", err)
		}
		c.StartedAt = time.Unix(first, 0).UTC()
		c.LastAt = time.Unix(latest, 0).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: conversations rows: %w", err)
	}
	return out, nil
}

// History returns up to limit messages of the thread, oldest first. A limit
// <= 0 returns every message. A thread without messages returns an error
// wrapping ErrConversationNotFound.
func (s *SQLiteStore) History(ctx context.Context, key ConversationKey, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	const q = `SELECT role, content, sources, duration_ms, created_at
FROM   conversations
WHERE  knowledge_base = ? AND conversation = ?
ORDER  BY created_at ASC, id ASC
LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, key.KnowledgeBase, key.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("store: history %s/%s: %w", key.KnowledgeBase, key.ID, ErrConversationNotFound)
	}
	return msgs, nil
}

// DeleteConversation removes every message of the thread and returns how
// many were removed. A thread without messages returns an error wrapping
// ErrConversationNotFound.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, key ConversationKey) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE knowledge_base = ? AND conversation = ?`, key.KnowledgeBase, key.ID)
	n, err := affected(res, err)
	if err != nil {
		return 0, fmt.Errorf("store: delete conversation %s/%s: %w", key.KnowledgeBase, key.ID, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("store: delete conversation %s/%s: %w", key.KnowledgeBase, key.ID, ErrConversationNotFound)
	}
	return n, nil
}

// ClearConversations removes every thread of a knowledge base and returns
// the number of messages removed.
func (s *SQLiteStore) ClearConversations(ctx context.Context, knowledgeBase string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE knowledge_base = ?`, knowledgeBase)
	n, err := affected(res, err)
	if err != nil {
		return 0, fmt.Errorf("store: clear conversations of %q: %w", knowledgeBase, err)
	}
	return n, nil
}

func affected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// scanMessages reads (role, content, sources, duration_ms, created_at) rows
// and closes them.
func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		var (
			m          Message
			role, srcs string
			durMS, ts  int64
		)
		if err := rows.Scan(&role, &m.Content, &srcs, &durMS, &ts); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal([]byte(srcs), &m.Sources); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
		m.Role = Role(role)
		m.Duration = time.Duration(durMS) * time.Millisecond
		m.CreatedAt = time.Unix(ts, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return msgs, nil
}
