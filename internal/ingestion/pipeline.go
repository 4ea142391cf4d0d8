// Package ingestion drives documents through parse, chunk, embed and index.
// Every transition is recorded on the document's metadata record, and the
// served revision is swapped only after the new revision's chunks are stored,
// so queries see either the previous revision or the new one, never a mix.
// This pipeline is invoked by the `ragpipe ingest` command and the
// POST /api/documents handler.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ragpipe-go/internal/chunker"
	"github.com/54b3r/ragpipe-go/internal/logging"
	"github.com/54b3r/ragpipe-go/internal/metrics"
	"github.com/54b3r/ragpipe-go/internal/parser"
	"github.com/54b3r/ragpipe-go/internal/rag"
	"github.com/54b3r/ragpipe-go/internal/retry"
	"github.com/54b3r/ragpipe-go/internal/tracing"
)

// Parser decodes raw bytes into text blocks. *parser.Pool satisfies it.
type Parser interface {
	Parse(ctx context.Context, data []byte, mimeType string) ([]rag.TextBlock, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(ctx context.Context, data []byte, mimeType string) ([]rag.TextBlock, error)

// Parse calls f.
func (f ParserFunc) Parse(ctx context.Context, data []byte, mimeType string) ([]rag.TextBlock, error) {
	return f(ctx, data, mimeType)
}

// DirectParser parses on the calling goroutine.
var DirectParser = ParserFunc(func(_ context.Context, data []byte, mimeType string) ([]rag.TextBlock, error) {
	return parser.Parse(data, mimeType)
})

// Request describes one document to ingest.
type Request struct {
	// ID is the stable document identifier. When empty it is derived from
	// the content hash, so identical bytes map to the same document.
	ID string

	// KnowledgeBase scopes the document for retrieval.
	KnowledgeBase string

	// URI is the blob reference. Required unless Content is set.
	URI string

	// MIMEType is the declared media type. Detected from URI and content
	// when empty.
	MIMEType string

	// Content holds the raw bytes inline. When non-nil, URI is not fetched.
	Content []byte

	// Metadata holds caller labels. They override labels inferred from the URI.
	Metadata map[string]string
}

func (r *Request) validate() error {
	if r == nil {
		return fmt.Errorf("ingestion: request must not be nil")
	}
	if r.URI == "" && r.Content == nil {
		return fmt.Errorf("ingestion: document %q: uri or content is required", r.ID)
	}
	return nil
}

// contentID names a document submitted without an id after its bytes.
func contentID(hash string) string {
	return "sha256-" + hash[:32]
}

// Result reports the outcome of one ingestion run.
type Result struct {
	// DocumentID is the ingested document.
	DocumentID string `json:"document_id"`

	// Revision is the latest revision attempted.
	Revision int64 `json:"revision"`

	// IndexedRevision is the revision served after the run.
	IndexedRevision int64 `json:"indexed_revision"`

	// Status is the terminal state of the run.
	Status rag.Status `json:"status"`

	// Chunks is the number of chunks indexed by this run.
	Chunks int `json:"chunks"`

	// Unchanged is true when the content matched the served revision and no
	// work was done.
	Unchanged bool `json:"unchanged"`

	// Error holds the failure reason when Status is failed.
	Error string `json:"error,omitempty"`
}

// Config tunes a Pipeline. Zero fields take defaults.
type Config struct {
	// Retry bounds blob, embedding and index calls. Defaults to retry.DefaultPolicy.
	Retry retry.Policy

	// Concurrency caps parallel documents in IngestAll. Defaults to 4.
	Concurrency int

	// ConflictRetries is the number of fresh-read retries after losing an
	// optimistic write when starting a revision. Defaults to 5.
	ConflictRetries int

	// CleanupTimeout bounds the failure bookkeeping that runs after the
	// caller's context has ended. Defaults to 10s.
	CleanupTimeout time.Duration

	// Metrics records outcomes, stage durations and retries. Nil disables recording.
	Metrics *metrics.Metrics
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	// Blobs fetches raw bytes by URI. May be nil when every request carries Content.
	Blobs rag.BlobStore
	// Parser decodes bytes. Defaults to DirectParser.
	Parser Parser
	// Chunker splits blocks. Required.
	Chunker *chunker.Chunker
	// Embedder embeds chunk text. Required.
	Embedder rag.Embedder
	// Index stores embedded chunks. Required.
	Index rag.VectorIndex
	// Store persists document records. Required.
	Store rag.MetadataStore
}

// Pipeline ingests documents. It is safe for concurrent use: runs for the
// same document id are serialized, runs for different ids proceed in parallel.
type Pipeline struct {
	// blobs fetches raw bytes.
	blobs rag.BlobStore

	// parser decodes bytes into blocks.
	parser Parser

	// chunker splits blocks into token-bounded chunks.
	chunker *chunker.Chunker

	// embedder converts chunk text into vectors.
	embedder rag.Embedder

	// index stores embedded chunks.
	index rag.VectorIndex

	// store persists document records.
	store rag.MetadataStore

	// cfg holds the resolved configuration.
	cfg Config

	// locks serializes runs per document id.
	locks keyedMutex
}

// NewPipeline constructs a Pipeline from deps and cfg.
func NewPipeline(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Chunker == nil {
		return nil, fmt.Errorf("ingestion: chunker must not be nil")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if deps.Index == nil {
		return nil, fmt.Errorf("ingestion: vector index must not be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("ingestion: metadata store must not be nil")
	}
	if deps.Parser == nil {
		deps.Parser = DirectParser
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 5
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 10 * time.Second
	}

	return &Pipeline{
		blobs:    deps.Blobs,
		parser:   deps.Parser,
		chunker:  deps.Chunker,
		embedder: deps.Embedder,
		index:    deps.Index,
		store:    deps.Store,
		cfg:      cfg,
	}, nil
}

// Ingest runs one document through the pipeline.
//
// Content identical to the served revision returns an Unchanged result
// without touching the index. Otherwise a new revision is started, every
// stage runs, the new chunks are upserted, the served revision is swapped in
// one metadata write, and chunks of older revisions are deleted.
//
// Parse and chunk failures are terminal. Blob, embedding and index failures
// are retried per Config.Retry and then fail the document; the previously
// served revision keeps serving. A failed run returns both a Result with
// status failed and an error. Fetch and validation errors return a nil Result
// and leave the record untouched.
func (p *Pipeline) Ingest(ctx context.Context, req *Request) (res *Result, err error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx, span := tracing.Start(ctx, "ingestion.ingest",
		attribute.String("document.knowledge_base", req.KnowledgeBase),
	)
	defer func() { tracing.End(span, err) }()

	data, err := p.fetch(ctx, req)
	if err != nil {
		p.cfg.Metrics.IngestionFinished(string(rag.StatusFailed))
		return nil, err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if req.ID == "" {
		derived := *req
		derived.ID = contentID(hash)
		req = &derived
	}
	span.SetAttributes(attribute.String("document.id", req.ID))

	log := logging.FromContext(ctx).With(slog.String("document_id", req.ID))
	ctx = logging.WithLogger(ctx, log)

	unlock, err := p.locks.Lock(ctx, req.ID)
	if err != nil {
		p.cfg.Metrics.IngestionFinished(string(rag.StatusFailed))
		return nil, err
	}
	defer unlock()

	mimeType := req.MIMEType
	if mimeType == "" {
		mimeType = parser.DetectMIME(req.URI, data)
	}

	doc, unchanged, err := p.begin(ctx, req, mimeType, hash)
	if err != nil {
		p.cfg.Metrics.IngestionFinished(string(rag.StatusFailed))
		return nil, err
	}
	if unchanged {
		p.cfg.Metrics.IngestionFinished("unchanged")
		log.Info("ingestion: content unchanged, skipping", slog.Int64("revision", doc.Revision))
		return resultOf(doc, 0, true), nil
	}

	span.SetAttributes(attribute.Int64("document.revision", doc.Revision))
	log = log.With(slog.Int64("revision", doc.Revision))
	ctx = logging.WithLogger(ctx, log)

	n, err := p.run(ctx, doc, data)
	if err != nil {
		return p.fail(ctx, doc, err)
	}

	p.cfg.Metrics.IngestionFinished(string(rag.StatusIndexed))
	log.Info("ingestion: indexed", slog.Int("chunks", n))
	return resultOf(doc, n, false), nil
}

// IngestAll ingests reqs with at most Config.Concurrency documents in flight.
// Every request runs regardless of the others' outcome. results is parallel
// to reqs; the error joins every per-document error.
func (p *Pipeline) IngestAll(ctx context.Context, reqs []*Request) ([]*Result, error) {
	results := make([]*Result, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			results[i], errs[i] = p.Ingest(ctx, req)
			if results[i] == nil && errs[i] != nil {
				id := ""
				if req != nil {
					id = req.ID
				}
				results[i] = &Result{DocumentID: id, Status: rag.StatusFailed, Error: errs[i].Error()}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Status returns the metadata record of a document.
func (p *Pipeline) Status(ctx context.Context, id string) (*rag.Document, error) {
	return p.store.Get(ctx, id)
}

// List returns the records of a knowledge base, or of every base when empty.
func (p *Pipeline) List(ctx context.Context, knowledgeBase string) ([]rag.Document, error) {
	return p.store.List(ctx, knowledgeBase)
}

// Delete removes every chunk of a document from the index, then its record.
// A failed index delete leaves the record in place so the call can be
// repeated. The store keeps the last revision of a deleted record, and a
// later ingest of the same id continues above it, so chunks orphaned by any
// earlier run can never match a served revision again.
func (p *Pipeline) Delete(ctx context.Context, id string) (err error) {
	ctx, span := tracing.Start(ctx, "ingestion.delete", attribute.String("document.id", id))
	defer func() { tracing.End(span, err) }()

	unlock, err := p.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := p.store.Get(ctx, id); err != nil {
		return fmt.Errorf("ingestion: delete %s: %w", id, err)
	}

	err = retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		return p.index.Delete(ctx, rag.Filter{DocumentIDs: []string{id}})
	}, p.onRetry(ctx, "index"))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ingestion: delete chunks of %s: %w", id, ctxErr)
		}
		return fmt.Errorf("ingestion: delete chunks of %s: %w: %w", id, rag.ErrIndexUnavailable, err)
	}

	if err := p.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("ingestion: delete %s: %w", id, err)
	}
	logging.FromContext(ctx).Info("ingestion: deleted", slog.String("document_id", id))
	return nil
}

// fetch returns the request's bytes, from Content or the blob store.
func (p *Pipeline) fetch(ctx context.Context, req *Request) ([]byte, error) {
	if req.Content != nil {
		return req.Content, nil
	}
	if p.blobs == nil {
		return nil, fmt.Errorf("ingestion: no blob store configured to fetch %s", req.URI)
	}

	start := time.Now()
	var data []byte
	err := retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		b, err := p.blobs.Fetch(ctx, req.URI)
		if errors.Is(err, rag.ErrBlobNotFound) {
			return retry.Permanent(err)
		}
		data = b
		return err
	}, p.onRetry(ctx, "blob"))
	p.cfg.Metrics.StageDone("fetching", start)
	if err != nil {
		return nil, fmt.Errorf("ingestion: fetch %s: %w", req.URI, err)
	}
	return data, nil
}

// begin loads the record and either reports it unchanged or stores a new
// pending revision. Lost optimistic writes are retried with a fresh read.
func (p *Pipeline) begin(ctx context.Context, req *Request, mimeType, hash string) (*rag.Document, bool, error) {
	log := logging.FromContext(ctx)

	for attempt := 0; ; attempt++ {
		doc, err := p.store.Get(ctx, req.ID)
		switch {
		case errors.Is(err, rag.ErrDocumentNotFound):
			last, lastErr := p.store.LastRevision(ctx, req.ID)
			if lastErr != nil {
				return nil, false, fmt.Errorf("ingestion: load %s: %w", req.ID, lastErr)
			}
			doc = &rag.Document{ID: req.ID, Revision: last}
		case err != nil:
			return nil, false, fmt.Errorf("ingestion: load %s: %w", req.ID, err)
		}

		if doc.Status == rag.StatusIndexed &&
			doc.ContentHash == hash &&
			doc.KnowledgeBase == req.KnowledgeBase &&
			doc.IndexedRevision == doc.Revision {
			return doc, true, nil
		}

		// A record left in flight by a crashed run is closed as failed first.
		if doc.Status != "" && !doc.Status.Terminal() {
			log.Warn("ingestion: restarting interrupted run",
				slog.String("status", string(doc.Status)),
				slog.Int64("revision", doc.Revision),
			)
			if err := transition(doc, rag.StatusFailed); err != nil {
				return nil, false, err
			}
		}
		if err := transition(doc, rag.StatusPending); err != nil {
			return nil, false, err
		}
		doc.Revision++
		doc.KnowledgeBase = req.KnowledgeBase
		doc.URI = req.URI
		doc.MIMEType = mimeType
		doc.ContentHash = hash
		doc.Error = ""
		doc.Metadata = mergeMetadata(InferMetadata(req.URI, mimeType), req.Metadata)

		err = p.store.Put(ctx, doc)
		if err == nil {
			log.Info("ingestion: revision started",
				slog.Int64("revision", doc.Revision),
				slog.Int64("indexed_revision", doc.IndexedRevision),
			)
			return doc, false, nil
		}
		if !errors.Is(err, rag.ErrRevisionConflict) || attempt >= p.cfg.ConflictRetries {
			return nil, false, fmt.Errorf("ingestion: start revision of %s: %w", req.ID, err)
		}
		log.Debug("ingestion: revision conflict, retrying with fresh record", slog.Int("attempt", attempt+1))
	}
}

// run executes the stages of one revision and swaps the served revision.
// It returns the number of chunks indexed.
func (p *Pipeline) run(ctx context.Context, doc *rag.Document, data []byte) (int, error) {
	var blocks []rag.TextBlock
	err := p.stage(ctx, doc, rag.StatusParsing, func(ctx context.Context) error {
		var err error
		blocks, err = p.parser.Parse(ctx, data, doc.MIMEType)
		return err
	})
	if err != nil {
		return 0, err
	}

	var chunks []rag.Chunk
	err = p.stage(ctx, doc, rag.StatusChunking, func(context.Context) error {
		var err error
		chunks, err = p.chunker.Split(doc.ID, doc.Revision, blocks)
		return err
	})
	if err != nil {
		return 0, err
	}

	var vectors [][]float32
	err = p.stage(ctx, doc, rag.StatusEmbedding, func(ctx context.Context) error {
		var err error
		vectors, err = p.embed(ctx, chunks)
		return err
	})
	if err != nil {
		return 0, err
	}

	err = p.stage(ctx, doc, rag.StatusIndexing, func(ctx context.Context) error {
		return p.upsert(ctx, doc, chunks, vectors)
	})
	if err != nil {
		return 0, err
	}

	if err := p.swap(ctx, doc); err != nil {
		return 0, err
	}
	p.dropStale(ctx, doc)
	return len(chunks), nil
}

// stage records the transition to status, then runs fn inside a span.
func (p *Pipeline) stage(ctx context.Context, doc *rag.Document, status rag.Status, fn func(context.Context) error) (err error) {
	if err := transition(doc, status); err != nil {
		return err
	}
	if err := p.store.Put(ctx, doc); err != nil {
		return fmt.Errorf("ingestion: record %s: %w", status, err)
	}

	ctx, span := tracing.Start(ctx, "ingestion."+string(status))
	defer func() { tracing.End(span, err) }()

	logging.FromContext(ctx).Info("ingestion: stage", slog.String("status", string(status)))
	start := time.Now()
	err = fn(ctx)
	p.cfg.Metrics.StageDone(string(status), start)
	return err
}

// embed embeds every chunk text with retries.
func (p *Pipeline) embed(ctx context.Context, chunks []rag.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var vectors [][]float32
	err := retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		v, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		if len(v) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d chunks", len(v), len(texts))
		}
		vectors = v
		return nil
	}, p.onRetry(ctx, "embedding"))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("embed chunks: %w", ctxErr)
		}
		return nil, fmt.Errorf("embed chunks: %w: %w", rag.ErrEmbeddingUnavailable, err)
	}
	return vectors, nil
}

// upsert writes the revision's chunks with retries.
func (p *Pipeline) upsert(ctx context.Context, doc *rag.Document, chunks []rag.Chunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	points := make([]rag.EmbeddedChunk, len(chunks))
	for i, c := range chunks {
		points[i] = rag.EmbeddedChunk{
			Chunk:         c,
			Vector:        vectors[i],
			KnowledgeBase: doc.KnowledgeBase,
			Source:        doc.URI,
			Metadata:      doc.Metadata,
		}
	}

	err := retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		return p.index.Upsert(ctx, points)
	}, p.onRetry(ctx, "index"))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("upsert chunks: %w", ctxErr)
		}
		return fmt.Errorf("upsert chunks: %w: %w", rag.ErrIndexUnavailable, err)
	}
	p.cfg.Metrics.ChunksIndexed(len(points))
	return nil
}

// swap makes the document's current revision the served one in a single
// optimistic write. On failure the in-memory record is restored to indexing.
func (p *Pipeline) swap(ctx context.Context, doc *rag.Document) error {
	prev := doc.IndexedRevision
	if err := transition(doc, rag.StatusIndexed); err != nil {
		return err
	}
	doc.IndexedRevision = doc.Revision
	if err := p.store.Put(ctx, doc); err != nil {
		doc.Status = rag.StatusIndexing
		doc.IndexedRevision = prev
		return fmt.Errorf("ingestion: swap served revision: %w", err)
	}
	return nil
}

// dropStale deletes chunks of every other revision of the document. Failures
// are logged only: retrieval already ignores revisions that are not served.
func (p *Pipeline) dropStale(ctx context.Context, doc *rag.Document) {
	filter := rag.Filter{DocumentIDs: []string{doc.ID}, ExceptRevision: doc.Revision}
	err := retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		return p.index.Delete(ctx, filter)
	}, p.onRetry(ctx, "index"))
	if err != nil {
		logging.FromContext(ctx).Warn("ingestion: stale chunk cleanup failed", slog.Any("error", err))
	}
}

// fail records the failure on the document and removes any chunk the failed
// revision may have written. It runs on a context detached from the caller so
// a cancelled request still leaves a consistent record.
func (p *Pipeline) fail(ctx context.Context, doc *rag.Document, cause error) (*Result, error) {
	log := logging.FromContext(ctx)
	failedAt := doc.Status

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CleanupTimeout)
	defer cancel()

	if err := transition(doc, rag.StatusFailed); err == nil {
		doc.Error = cause.Error()
		if err := p.store.Put(cleanupCtx, doc); err != nil {
			log.Error("ingestion: could not record failure", slog.Any("error", err))
		}
	}

	if failedAt == rag.StatusIndexing && doc.Revision != doc.IndexedRevision {
		filter := rag.Filter{DocumentIDs: []string{doc.ID}, Revision: doc.Revision}
		if err := p.index.Delete(cleanupCtx, filter); err != nil {
			log.Warn("ingestion: failed revision cleanup", slog.Any("error", err))
		}
	}

	p.cfg.Metrics.IngestionFinished(string(rag.StatusFailed))
	log.Error("ingestion: failed",
		slog.String("stage", string(failedAt)),
		slog.Bool("terminal", rag.IsTerminal(cause)),
		slog.Int64("indexed_revision", doc.IndexedRevision),
		slog.Any("error", cause),
	)
	return resultOf(doc, 0, false), fmt.Errorf("ingestion: %s failed at %s: %w", doc.ID, failedAt, cause)
}

// onRetry logs and counts a retried call.
func (p *Pipeline) onRetry(ctx context.Context, capability string) retry.OnRetry {
	log := logging.FromContext(ctx)
	return func(attempt int, err error) {
		p.cfg.Metrics.Retry(capability)
		log.Warn("ingestion: retrying call",
			slog.String("capability", capability),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
}

// transition moves doc to next if the state machine allows it.
func transition(doc *rag.Document, next rag.Status) error {
	if !doc.Status.CanTransition(next) {
		return fmt.Errorf("ingestion: illegal transition %q -> %q for %s", doc.Status, next, doc.ID)
	}
	doc.Status = next
	return nil
}

func resultOf(doc *rag.Document, chunks int, unchanged bool) *Result {
	return &Result{
		DocumentID:      doc.ID,
		Revision:        doc.Revision,
		IndexedRevision: doc.IndexedRevision,
		Status:          doc.Status,
		Chunks:          chunks,
		Unchanged:       unchanged,
		Error:           doc.Error,
	}
}
