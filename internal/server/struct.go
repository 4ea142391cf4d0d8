package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragpipe-go/internal/ingestion"
	"github.com/54b3r/ragpipe-go/internal/query"
	"github.com/54b3r/ragpipe-go/internal/rag"
	"github.com/54b3r/ragpipe-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// RequestTimeout bounds a single ingest or query request (default: 2m).
	RequestTimeout time.Duration
	// MaxBodyBytes caps request bodies, inline document content included
	// (default: 32 MiB).
	MaxBodyBytes int64
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Checks are the dependencies verified by GET /api/ready. If empty,
	// /api/ready always answers 200.
	Checks []Check
	// IngestLimit is the per-caller budget for POST /api/documents.
	// Zero fields default to 2 requests/second with a burst of 5.
	IngestLimit RateLimit
	// QueryLimit is the per-caller budget for POST /api/query.
	// Zero fields default to 10 requests/second with a burst of 20.
	QueryLimit RateLimit
	// APIKey is the admin Bearer token, valid for every knowledge base.
	APIKey string
	// KnowledgeBaseKeys maps Bearer tokens to the one knowledge base they
	// may read and write. Authentication is disabled when both this and
	// APIKey are empty.
	KnowledgeBaseKeys map[string]string
	// Conversations backs the conversation endpoints. Nil answers 501.
	Conversations ConversationStore
	// Cache backs DELETE /api/cache. Nil answers 501.
	Cache CacheClearer
	// MetricsRegistry receives the server metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer is served on GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// documents is the document lifecycle surface. *ingestion.Pipeline
// satisfies it; tests inject a fake.
type documents interface {
	Ingest(ctx context.Context, req *ingestion.Request) (*ingestion.Result, error)
	Status(ctx context.Context, id string) (*rag.Document, error)
	List(ctx context.Context, knowledgeBase string) ([]rag.Document, error)
	Delete(ctx context.Context, id string) error
}

// querier answers questions. *query.Pipeline satisfies it.
type querier interface {
	Query(ctx context.Context, req *query.Request) (*query.Response, error)
}

// ConversationStore reads and prunes stored conversations.
// *store.SQLiteStore satisfies it.
type ConversationStore interface {
	Conversations(ctx context.Context, knowledgeBase string) ([]store.ConversationSummary, error)
	History(ctx context.Context, key store.ConversationKey, limit int) ([]store.Message, error)
	DeleteConversation(ctx context.Context, key store.ConversationKey) (int, error)
	ClearConversations(ctx context.Context, knowledgeBase string) (int, error)
}

// CacheClearer flushes the query cache. *cache.Redis satisfies it.
type CacheClearer interface {
	Clear(ctx context.Context) (int, error)
}

// Server is the HTTP front end of the ingestion and query pipelines.
type Server struct {
	// docs handles ingestion, status and deletion.
	docs documents
	// querier answers POST /api/query.
	querier querier
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// checks are the dependencies verified by GET /api/ready.
	checks []Check
	// conversations is nil when conversation endpoints are not configured.
	conversations ConversationStore
	// cache is nil when no query cache is configured.
	cache CacheClearer
	// metrics holds the Prometheus collectors owned by the server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// ingestRequest is the JSON body for POST /api/documents.
type ingestRequest struct {
	// ID is the stable document id. Derived from the content hash when empty.
	ID string `json:"id"`
	// KnowledgeBase scopes the document.
	KnowledgeBase string `json:"knowledge_base"`
	// URI is the blob reference to fetch. Ignored when content is given.
	URI string `json:"uri"`
	// MIMEType is the declared media type. Detected when empty.
	MIMEType string `json:"mime_type"`
	// Content is the raw document, base64-encoded in JSON.
	Content []byte `json:"content"`
	// Text is a plain-text document, used when Content is empty.
	Text string `json:"text"`
	// Metadata holds caller labels.
	Metadata map[string]string `json:"metadata"`
}

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	// Error is a human-readable message.
	Error string `json:"error"`
	// Code is a stable machine-readable error class.
	Code string `json:"code"`
}

// documentList is the JSON response for GET /api/documents.
type documentList struct {
	// Documents are the matching records.
	Documents []rag.Document `json:"documents"`
}

// conversationList is the JSON response for GET /api/conversations.
type conversationList struct {
	// Conversations are the matching threads, most recently active first.
	Conversations []store.ConversationSummary `json:"conversations"`
}

// messageView is one conversation turn as returned by the API.
type messageView struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
	// Sources lists the chunk ids an answer was grounded on.
	Sources []string `json:"sources,omitempty"`
	// DurationMS is how long the answer took to produce.
	DurationMS int64 `json:"duration_ms,omitempty"`
	// CreatedAt is when the message was stored.
	CreatedAt time.Time `json:"created_at"`
}

// conversationHistory is the JSON response for GET /api/conversations/{id}.
type conversationHistory struct {
	// KnowledgeBase scopes the thread.
	KnowledgeBase string `json:"knowledge_base"`
	// ID identifies the thread.
	ID string `json:"id"`
	// Messages are ordered oldest first.
	Messages []messageView `json:"messages"`
}

// removedResponse reports how many rows or keys a maintenance call removed.
type removedResponse struct {
	// Removed is the count of deleted messages or cache entries.
	Removed int `json:"removed"`
}
