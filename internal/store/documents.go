package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// maxINArgs keeps IN (...) lists below SQLite's host parameter limit.
const maxINArgs = 500

const documentColumns = `id, knowledge_base, uri, mime_type, status, revision, indexed_revision,
content_hash, error, metadata, version, updated_at`

// Get returns the record for id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*rag.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: get %s: %w", id, rag.ErrDocumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	return doc, nil
}

// Put writes doc under an optimistic version check. A zero doc.Version
// inserts; otherwise the stored version must equal doc.Version. On success
// doc.Version and doc.UpdatedAt are advanced in place.
func (s *SQLiteStore) Put(ctx context.Context, doc *rag.Document) error {
	meta := doc.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("store: put %s: encode metadata: %w", doc.ID, err)
	}
	now := time.Now().UTC()

	var res sql.Result
	if doc.Version == 0 {
		const q = `INSERT INTO documents (` + documentColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
ON CONFLICT(id) DO NOTHING`
		res, err = s.db.ExecContext(ctx, q, doc.ID, doc.KnowledgeBase, doc.URI, doc.MIMEType, string(doc.Status),
			doc.Revision, doc.IndexedRevision, doc.ContentHash, doc.Error, string(raw), now.UnixNano())
	} else {
		const q = `UPDATE documents SET
    knowledge_base = ?, uri = ?, mime_type = ?, status = ?, revision = ?, indexed_revision = ?,
    content_hash = ?, error = ?, metadata = ?, version = version + 1, updated_at = ?
WHERE id = ? AND version = ?`
		res, err = s.db.ExecContext(ctx, q, doc.KnowledgeBase, doc.URI, doc.MIMEType, string(doc.Status),
			doc.Revision, doc.IndexedRevision, doc.ContentHash, doc.Error, string(raw), now.UnixNano(),
			doc.ID, doc.Version)
	}
	if err != nil {
		return fmt.Errorf("store: put %s: %w", doc.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: put %s: rows affected: %w", doc.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("store: put %s at version %d: %w", doc.ID, doc.Version, rag.ErrRevisionConflict)
	}
	doc.Version++
	doc.UpdatedAt = now
	return nil
}

// List returns the records of a knowledge base ordered by id. An empty
// knowledge base lists every record.
func (s *SQLiteStore) List(ctx context.Context, knowledgeBase string) ([]rag.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents`
	var args []any
	if knowledgeBase != "" {
		q += ` WHERE knowledge_base = ?`
		args = append(args, knowledgeBase)
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var docs []rag.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list rows: %w", err)
	}
	return docs, nil
}

// Delete removes the record for id and records its revision in
// revision_floors, in one transaction.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var rev int64
	err = tx.QueryRowContext(ctx, `SELECT revision FROM documents WHERE id = ?`, id).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: delete %s: %w", id, rag.ErrDocumentNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}

	const floor = `INSERT INTO revision_floors (id, revision) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET revision = MAX(revision, excluded.revision)`
	if _, err := tx.ExecContext(ctx, floor, id, rev); err != nil {
		return fmt.Errorf("store: delete %s: record revision: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: delete %s: commit: %w", id, err)
	}
	return nil
}

// LastRevision returns the highest revision started for id, whether the
// record is live or deleted. Unknown ids return 0.
func (s *SQLiteStore) LastRevision(ctx context.Context, id string) (int64, error) {
	const q = `SELECT MAX(
    COALESCE((SELECT revision FROM documents WHERE id = ?), 0),
    COALESCE((SELECT revision FROM revision_floors WHERE id = ?), 0))`
	var rev int64
	if err := s.db.QueryRowContext(ctx, q, id, id).Scan(&rev); err != nil {
		return 0, fmt.Errorf("store: last revision of %s: %w", id, err)
	}
	return rev, nil
}

// ActiveRevisions returns the served revision of each id that has one.
func (s *SQLiteStore) ActiveRevisions(ctx context.Context, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	for len(ids) > 0 {
		batch := ids[:min(len(ids), maxINArgs)]
		ids = ids[len(batch):]

		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		q := `SELECT id, indexed_revision FROM documents
WHERE indexed_revision > 0 AND id IN (?` + strings.Repeat(",?", len(batch)-1) + `)`

		if err := s.scanRevisions(ctx, q, args, func(id string, rev int64) { out[id] = rev }); err != nil {
			return nil, fmt.Errorf("store: active revisions: %w", err)
		}
	}
	return out, nil
}

// RevisionFingerprint returns a sha256 hex digest over the sorted (id,
// served revision) pairs of a knowledge base. An empty knowledge base digests
// every record. Any cutover, deletion or first indexing changes the digest.
func (s *SQLiteStore) RevisionFingerprint(ctx context.Context, knowledgeBase string) (string, error) {
	q := `SELECT id, indexed_revision FROM documents WHERE indexed_revision > 0`
	var args []any
	if knowledgeBase != "" {
		q += ` AND knowledge_base = ?`
		args = append(args, knowledgeBase)
	}
	q += ` ORDER BY id`

	h := sha256.New()
	if err := s.scanRevisions(ctx, q, args, func(id string, rev int64) {
		fmt.Fprintf(h, "%s:%d\n", id, rev)
	}); err != nil {
		return "", fmt.Errorf("store: revision fingerprint: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *SQLiteStore) scanRevisions(ctx context.Context, q string, args []any, fn func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  string
			rev int64
		)
		if err := rows.Scan(&id, &rev); err != nil {
			return err
		}
		fn(id, rev)
	}
	return rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (*rag.Document, error) {
	var (
		doc     rag.Document
		status  string
		rawMeta string
		updated int64
	)
	if err := r.Scan(&doc.ID, &doc.KnowledgeBase, &doc.URI, &doc.MIMEType, &status, &doc.Revision,
		&doc.IndexedRevision, &doc.ContentHash, &doc.Error, &rawMeta, &doc.Version, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawMeta), &doc.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(doc.Metadata) == 0 {
		doc.Metadata = nil
	}
	doc.Status = rag.Status(status)
	doc.UpdatedAt = time.Unix(0, updated).UTC()
	return &doc, nil
}
