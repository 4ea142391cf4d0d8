// Package query answers questions against the indexed knowledge bases:
// retrieve, assemble a token-bounded context, trim conversation history,
// generate, and return the answer with the sources it was grounded on.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/54b3r/ragpipe-go/internal/assembler"
	"github.com/54b3r/ragpipe-go/internal/budget"
	"github.com/54b3r/ragpipe-go/internal/logging"
	"github.com/54b3r/ragpipe-go/internal/metrics"
	"github.com/54b3r/ragpipe-go/internal/rag"
	"github.com/54b3r/ragpipe-go/internal/retry"
	"github.com/54b3r/ragpipe-go/internal/store"
	"github.com/54b3r/ragpipe-go/internal/tracing"
)

// DefaultSystemPrompt instructs the model to answer from the supplied context only.
const DefaultSystemPrompt = `You answer questions using only the numbered context passages provided.
Cite passages by their number in square brackets, e.g. [1].
If the context does not contain the answer, say that you do not know.`

const (
	defaultTopK         = 5
	defaultTokenBudget  = 2000
	defaultHistoryTurns = 10
	defaultCacheTTL     = time.Hour
)

// ErrEmptyQuery is returned for a blank question.
var ErrEmptyQuery = errors.New("query: question must not be empty")

// Retriever returns ranked candidates. *retrieval.Retriever satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, filter rag.Filter) ([]rag.RetrievedCandidate, error)
}

// Conversations persists and replays question/answer turns.
// *store.SQLiteStore satisfies it.
type Conversations interface {
	Append(ctx context.Context, key store.ConversationKey, msg store.Message) error
	Recent(ctx context.Context, key store.ConversationKey, n int) ([]store.Message, error)
}

// Request is one question.
type Request struct {
	// Query is the question, passed to the generator verbatim.
	Query string `json:"query"`

	// KnowledgeBase restricts retrieval to one knowledge base.
	KnowledgeBase string `json:"knowledge_base,omitempty"`

	// TopK is the number of candidates retrieved. Zero uses the default.
	TopK int `json:"top_k,omitempty"`

	// TokenBudget bounds the assembled context. Zero uses the default.
	TokenBudget int `json:"token_budget,omitempty"`

	// Filter narrows retrieval further. Its KnowledgeBase is overridden by
	// the request's when set.
	Filter rag.Filter `json:"filter"`

	// ConversationID loads prior turns as history and records this exchange.
	ConversationID string `json:"conversation_id,omitempty"`

	// History supplies prior turns directly when no ConversationID is given.
	History []rag.Turn `json:"history,omitempty"`
}

// Source attributes part of an answer to an indexed chunk.
type Source struct {
	// Number is the 1-based passage number used for citations.
	Number int `json:"number"`
	// ChunkID identifies the chunk.
	ChunkID string `json:"chunk_id"`
	// DocumentID is the owning document.
	DocumentID string `json:"document_id"`
	// Revision is the document revision the chunk belongs to.
	Revision int64 `json:"revision"`
	// Index is the chunk position within its revision.
	Index int `json:"index"`
	// URI is the document's blob reference.
	URI string `json:"uri,omitempty"`
	// Page is the first page of the chunk (0 = none).
	Page int `json:"page,omitempty"`
	// Score is the similarity score.
	Score float32 `json:"score"`
}

// Response is the answer to a Request.
type Response struct {
	// Answer is the generator output, verbatim.
	Answer string `json:"answer"`
	// Sources are the passages placed in the context, in prompt order.
	Sources []Source `json:"sources"`
	// ContextTokens is the token cost of the assembled context.
	ContextTokens int `json:"context_tokens"`
	// Cached is true when the answer came from the response cache.
	Cached bool `json:"cached"`
	// Duration is the processing time of this request.
	Duration time.Duration `json:"duration"`
}

// Config tunes a Pipeline. Zero fields take defaults.
type Config struct {
	// SystemPrompt leads every generation request. Defaults to DefaultSystemPrompt.
	SystemPrompt string
	// DefaultTopK is used when a request has none. Defaults to 5.
	DefaultTopK int
	// DefaultTokenBudget is used when a request has none. Defaults to 2000.
	DefaultTokenBudget int
	// HistoryTokens is the budget for prior turns. Defaults to budget.DefaultHistoryTokens.
	HistoryTokens int
	// HistoryTurns is the number of stored turns loaded per conversation. Defaults to 10.
	HistoryTurns int
	// CacheTTL is the lifetime of cached responses. Defaults to 1h.
	CacheTTL time.Duration
	// Retry bounds generation calls. Defaults to retry.DefaultPolicy.
	Retry retry.Policy
	// Metrics records outcomes and latency. Nil disables recording.
	Metrics *metrics.Metrics
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	// Retriever supplies candidates. Required.
	Retriever Retriever
	// Assembler packs the context. Required.
	Assembler *assembler.Assembler
	// Generator produces answers. Required.
	Generator rag.Generator
	// Revisions supplies the served revision fingerprint for cache keys.
	// Nil disables caching.
	Revisions rag.RevisionView
	// Cache stores responses. Nil disables caching.
	Cache rag.Cache
	// Conversations persists history. Nil ignores ConversationID.
	Conversations Conversations
	// Counter measures history turns. Defaults to the word tokenizer.
	Counter *budget.Counter
}

// Pipeline answers queries. It holds no locks and is safe for concurrent use.
type Pipeline struct {
	// deps holds the collaborators.
	deps Deps
	// cfg holds the resolved configuration.
	cfg Config
}

// New constructs a Pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Retriever == nil {
		return nil, fmt.Errorf("query: retriever must not be nil")
	}
	if deps.Assembler == nil {
		return nil, fmt.Errorf("query: assembler must not be nil")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("query: generator must not be nil")
	}
	if deps.Counter == nil {
		deps.Counter = budget.NewCounter(nil)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = defaultTopK
	}
	if cfg.DefaultTokenBudget <= 0 {
		cfg.DefaultTokenBudget = defaultTokenBudget
	}
	if cfg.HistoryTokens <= 0 {
		cfg.HistoryTokens = budget.DefaultHistoryTokens
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Pipeline{deps: deps, cfg: cfg}, nil
}

// Query answers req.
//
// Stateless requests (no history) are served from the cache when the
// normalized question, served revision set, top-k, budget and filter all
// match a previous answer. Cache failures never fail the query. Retrieval
// errors are returned as-is; exhausted generation retries wrap
// rag.ErrGenerationUnavailable. When nothing fits the budget the generator is
// still called with an empty context so it can say it does not know.
func (p *Pipeline) Query(ctx context.Context, req *Request) (resp *Response, err error) {
	start := time.Now()
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}

	topK := req.TopK
	if topK <= 0 {
		topK = p.cfg.DefaultTopK
	}
	tokenBudget := req.TokenBudget
	if tokenBudget <= 0 {
		tokenBudget = p.cfg.DefaultTokenBudget
	}
	filter := req.Filter
	if req.KnowledgeBase != "" {
		filter.KnowledgeBase = req.KnowledgeBase
	}

	ctx, span := tracing.Start(ctx, "query.query",
		attribute.String("query.knowledge_base", filter.KnowledgeBase),
		attribute.Int("query.top_k", topK),
		attribute.Int("query.token_budget", tokenBudget),
	)
	outcome := "ok"
	defer func() {
		if err != nil {
			outcome = "error"
		}
		p.cfg.Metrics.QueryFinished(outcome, start)
		tracing.End(span, err)
	}()

	log := logging.FromContext(ctx)

	history, err := p.history(ctx, req, filter.KnowledgeBase)
	if err != nil {
		return nil, err
	}

	cacheKey := ""
	if len(history) == 0 {
		cacheKey = p.cacheKey(ctx, req.Query, topK, tokenBudget, filter)
	}
	if cached := p.lookup(ctx, cacheKey); cached != nil {
		outcome = "cached"
		span.SetAttributes(attribute.Bool("query.cached", true))
		cached.Cached = true
		cached.Duration = time.Since(start)
		p.record(ctx, req, filter.KnowledgeBase, cached)
		return cached, nil
	}

	candidates, err := p.deps.Retriever.Retrieve(ctx, req.Query, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	// A cutover between the lookup and retrieval means the candidates may
	// belong to a revision set other than the one the key names.
	if cacheKey != "" && p.cacheKey(ctx, req.Query, topK, tokenBudget, filter) != cacheKey {
		log.Debug("query: served revisions changed during retrieval, not caching")
		cacheKey = ""
	}

	assembled := p.deps.Assembler.Assemble(candidates, tokenBudget)
	history = p.deps.Counter.TrimHistory(history, p.cfg.HistoryTokens)

	genReq := &rag.GenerationRequest{
		System:  p.cfg.SystemPrompt,
		Context: assembled,
		History: history,
		Query:   req.Query,
	}
	answer, err := p.generate(ctx, genReq)
	if err != nil {
		return nil, err
	}

	resp = &Response{
		Answer:        answer,
		Sources:       sourcesOf(assembled),
		ContextTokens: assembled.TotalTokens,
		Duration:      time.Since(start),
	}
	log.Info("query: answered",
		slog.Int("candidates", len(candidates)),
		slog.Int("sources", len(resp.Sources)),
		slog.Int("context_tokens", assembled.TotalTokens),
		slog.Int("history_turns", len(history)),
		slog.Duration("duration", resp.Duration),
	)

	p.save(ctx, cacheKey, resp)
	p.record(ctx, req, filter.KnowledgeBase, resp)
	return resp, nil
}

// history returns the prior turns of the request, oldest first.
func (p *Pipeline) history(ctx context.Context, req *Request, knowledgeBase string) ([]rag.Turn, error) {
	if req.ConversationID == "" || p.deps.Conversations == nil {
		return req.History, nil
	}
	msgs, err := p.deps.Conversations.Recent(ctx, store.ConversationKey{KnowledgeBase: knowledgeBase, ID: req.ConversationID}, p.cfg.HistoryTurns)
	if err != nil {
		return nil, fmt.Errorf("query: load history: %w", err)
	}
	turns := make([]rag.Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = rag.Turn{Role: string(m.Role), Content: m.Content}
	}
	return turns, nil
}

// generate calls the generator with retries.
func (p *Pipeline) generate(ctx context.Context, req *rag.GenerationRequest) (string, error) {
	ctx, span := tracing.Start(ctx, "query.generate", attribute.Int("generate.context_entries", len(req.Context.Entries)))
	log := logging.FromContext(ctx)

	var answer string
	err := retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		out, err := p.deps.Generator.Generate(ctx, req)
		if err != nil {
			return err
		}
		answer = out
		return nil
	}, func(attempt int, err error) {
		p.cfg.Metrics.Retry("generation")
		log.Warn("query: retrying generation", slog.Int("attempt", attempt), slog.Any("error", err))
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("query: generate: %w", ctxErr)
		} else {
			err = fmt.Errorf("query: generate: %w: %w", rag.ErrGenerationUnavailable, err)
		}
	}
	tracing.End(span, err)
	return answer, err
}

// cacheKey returns the cache key for the request, or "" when caching is off
// or the revision fingerprint is unavailable.
func (p *Pipeline) cacheKey(ctx context.Context, query string, topK, tokenBudget int, filter rag.Filter) string {
	if p.deps.Cache == nil || p.deps.Revisions == nil {
		return ""
	}
	fp, err := p.deps.Revisions.RevisionFingerprint(ctx, filter.KnowledgeBase)
	if err != nil {
		logging.FromContext(ctx).Warn("query: revision fingerprint unavailable, bypassing cache", slog.Any("error", err))
		return ""
	}
	return CacheKey(Normalize(query), fp, topK, tokenBudget, filter)
}

// lookup returns the cached response for key, or nil.
func (p *Pipeline) lookup(ctx context.Context, key string) *Response {
	if key == "" {
		return nil
	}
	raw, ok, err := p.deps.Cache.Get(ctx, key)
	if err != nil {
		logging.FromContext(ctx).Warn("query: cache read failed", slog.Any("error", err))
		return nil
	}
	if !ok {
		return nil
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		logging.FromContext(ctx).Warn("query: discarding undecodable cache entry", slog.Any("error", err))
		return nil
	}
	return &resp
}

// save caches resp under key, best effort.
func (p *Pipeline) save(ctx context.Context, key string, resp *Response) {
	if key == "" {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := p.deps.Cache.Set(ctx, key, raw, p.cfg.CacheTTL); err != nil {
		logging.FromContext(ctx).Warn("query: cache write failed", slog.Any("error", err))
	}
}

// record persists the question and answer of a conversation, best effort.
func (p *Pipeline) record(ctx context.Context, req *Request, knowledgeBase string, resp *Response) {
	if req.ConversationID == "" || p.deps.Conversations == nil {
		return
	}
	key := store.ConversationKey{KnowledgeBase: knowledgeBase, ID: req.ConversationID}
	ids := make([]string, len(resp.Sources))
	for i, s := range resp.Sources {
		ids[i] = s.ChunkID
	}

	log := logging.FromContext(ctx)
	if err := p.deps.Conversations.Append(ctx, key, store.Message{Role: store.RoleUser, Content: req.Query}); err != nil {
		log.Warn("query: could not persist question", slog.Any("error", err))
		return
	}
	msg := store.Message{Role: store.RoleAssistant, Content: resp.Answer, Sources: ids, Duration: resp.Duration}
	if err := p.deps.Conversations.Append(ctx, key, msg); err != nil {
		log.Warn("query: could not persist answer", slog.Any("error", err))
	}
}

// sourcesOf lists the accepted context entries in prompt order.
func sourcesOf(c rag.AssembledContext) []Source {
	out := make([]Source, len(c.Entries))
	for i, e := range c.Entries {
		out[i] = Source{
			Number:     i + 1,
			ChunkID:    e.Candidate.ChunkID,
			DocumentID: e.Candidate.DocumentID,
			Revision:   e.Candidate.Revision,
			Index:      e.Candidate.Index,
			URI:        e.Candidate.Source,
			Page:       e.Candidate.Page,
			Score:      e.Candidate.Score,
		}
	}
	return out
}
