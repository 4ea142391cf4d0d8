// Package server implements the HTTP API over the ingestion and query
// pipelines. The server is started by the `ragpipe serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/ragpipe-go/internal/audit"
	"github.com/54b3r/ragpipe-go/internal/ingestion"
	"github.com/54b3r/ragpipe-go/internal/logging"
	"github.com/54b3r/ragpipe-go/internal/query"
	"github.com/54b3r/ragpipe-go/internal/rag"
	"github.com/54b3r/ragpipe-go/internal/store"
)

// New constructs a Server over the given pipelines and config.
func New(docs *ingestion.Pipeline, q *query.Pipeline, cfg *Config) (*Server, error) {
	if docs == nil {
		return nil, fmt.Errorf("server: ingestion pipeline must not be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("server: query pipeline must not be nil")
	}
	return newServer(docs, q, cfg), nil
}

// newServer wires routes and middleware around any documents/querier pair.
func newServer(docs documents, q querier, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		docs:          docs,
		querier:       q,
		cfg:           cfg,
		log:           cfg.Logger,
		checks:        cfg.Checks,
		conversations: cfg.Conversations,
		cache:         cfg.Cache,
		metrics:       newServerMetrics(cfg.MetricsRegistry),
	}

	auth := newAuthenticator(cfg.APIKey, cfg.KnowledgeBaseKeys)
	if !auth.enabled() {
		s.log.Warn("auth: neither RAGPIPE_API_KEY nor RAGPIPE_KB_KEYS is set, API authentication disabled")
	}

	rl, stop := newRateLimiter(map[routeClass]RateLimit{
		classIngest: cfg.IngestLimit.orDefault(defaultIngestLimit),
		classQuery:  cfg.QueryLimit.orDefault(defaultQueryLimit),
	}, s.metrics.rateLimitedTotal)
	s.stopRL = stop

	protect := func(h http.HandlerFunc) http.Handler { return auth.middleware(h) }
	limited := func(class routeClass, h http.HandlerFunc) http.Handler {
		return auth.middleware(rl.limit(class, h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/documents", limited(classIngest, s.handleIngest))
	mux.Handle("GET /api/documents", protect(s.handleListDocuments))
	mux.Handle("GET /api/documents/{id}", protect(s.handleGetDocument))
	mux.Handle("DELETE /api/documents/{id}", protect(s.handleDeleteDocument))
	mux.Handle("POST /api/query", limited(classQuery, s.handleQuery))
	mux.Handle("GET /api/conversations", protect(s.handleListConversations))
	mux.Handle("GET /api/conversations/{id}", protect(s.handleConversationHistory))
	mux.Handle("DELETE /api/conversations/{id}", protect(s.handleDeleteConversation))
	mux.Handle("DELETE /api/knowledge-bases/{kb}/conversations", protect(s.handleClearConversations))
	mux.Handle("DELETE /api/cache", protect(s.handleClearCache))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(s.log, s.metrics.instrument(mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleIngest handles POST /api/documents. It runs the ingestion to
// completion and returns the Result. A failed run still returns its Result,
// with the status code of the failure class.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var body ingestRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.Content == nil && body.Text != "" {
		body.Content = []byte(body.Text)
		if body.MIMEType == "" {
			body.MIMEType = "text/plain"
		}
	}
	if body.URI == "" && body.Content == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "one of uri, content or text is required")
		return
	}
	kb, ok := scope(w, r, body.KnowledgeBase)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	caller := principalFrom(ctx)
	if caller.scoped() && body.ID != "" {
		if existing, err := s.docs.Status(ctx, body.ID); err == nil && !permit(w, r, existing.KnowledgeBase) {
			return
		}
	}

	res, err := s.docs.Ingest(ctx, &ingestion.Request{
		ID:            body.ID,
		KnowledgeBase: kb,
		URI:           body.URI,
		MIMEType:      body.MIMEType,
		Content:       body.Content,
		Metadata:      body.Metadata,
	})

	ev := audit.Event{
		Action:        audit.ActionIngest,
		DocumentID:    body.ID,
		KnowledgeBase: kb,
		Source:        clientIP(r),
		Principal:     caller.Name,
		Outcome:       "error",
	}
	status := http.StatusOK
	if err != nil {
		status, _ = classify(err)
	}
	if res != nil {
		ev.DocumentID = res.DocumentID
		ev.Revision = res.Revision
		ev.Outcome = string(res.Status)
		if res.Unchanged {
			ev.Outcome = "unchanged"
		}
	}
	audit.LogDocumentEvent(ctx, logging.FromContext(ctx), ev)
	s.metrics.ingestRequestsTotal.WithLabelValues(ev.Outcome).Inc()

	if res == nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, status, res)
}

// handleListDocuments handles GET /api/documents?knowledge_base=kb.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	kb, ok := scope(w, r, r.URL.Query().Get("knowledge_base"))
	if !ok {
		return
	}
	docs, err := s.docs.List(r.Context(), kb)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if docs == nil {
		docs = []rag.Document{}
	}
	writeJSON(w, http.StatusOK, documentList{Documents: docs})
}

// handleGetDocument handles GET /api/documents/{id}.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.docs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !permit(w, r, doc.KnowledgeBase) {
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleDeleteDocument handles DELETE /api/documents/{id}. Callers holding a
// knowledge-base key may only delete documents of that knowledge base.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	caller := principalFrom(r.Context())
	if caller.scoped() {
		doc, err := s.docs.Status(r.Context(), id)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		if !permit(w, r, doc.KnowledgeBase) {
			return
		}
	}
	err := s.docs.Delete(r.Context(), id)

	outcome := "deleted"
	if err != nil {
		outcome = "error"
	}
	audit.LogDocumentEvent(r.Context(), logging.FromContext(r.Context()), audit.Event{
		Action:        audit.ActionDelete,
		DocumentID:    id,
		KnowledgeBase: caller.KnowledgeBase,
		Outcome:       outcome,
		Source:        clientIP(r),
		Principal:     caller.Name,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleQuery handles POST /api/query.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if !s.decode(w, r, &req) {
		return
	}
	kb, ok := scope(w, r, req.KnowledgeBase)
	if !ok {
		return
	}
	req.KnowledgeBase = kb

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.querier.Query(ctx, &req)
	outcome := "ok"
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	case resp.Cached:
		outcome = "cached"
	}
	s.metrics.queryRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.queryDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

// writeErr maps err to a status code and writes it, logging server faults.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed", slog.String("code", code), slog.Any("error", err))
	}
	writeError(w, status, code, err.Error())
}

// classify maps the error taxonomy onto HTTP status codes.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, query.ErrEmptyQuery):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, rag.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "unsupported_format"
	case errors.Is(err, rag.ErrCorruptDocument):
		return http.StatusUnprocessableEntity, "corrupt_document"
	case errors.Is(err, rag.ErrDocumentNotFound):
		return http.StatusNotFound, "document_not_found"
	case errors.Is(err, store.ErrConversationNotFound):
		return http.StatusNotFound, "conversation_not_found"
	case errors.Is(err, rag.ErrBlobNotFound):
		return http.StatusNotFound, "blob_not_found"
	case errors.Is(err, rag.ErrRevisionConflict):
		return http.StatusConflict, "revision_conflict"
	case errors.Is(err, rag.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable, "embedding_unavailable"
	case errors.Is(err, rag.ErrIndexUnavailable):
		return http.StatusServiceUnavailable, "index_unavailable"
	case errors.Is(err, rag.ErrGenerationUnavailable):
		return http.StatusServiceUnavailable, "generation_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an errorResponse.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
