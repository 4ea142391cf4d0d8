package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragpipe-go/internal/assembler"
	"github.com/54b3r/ragpipe-go/internal/blob"
	"github.com/54b3r/ragpipe-go/internal/budget"
	"github.com/54b3r/ragpipe-go/internal/cache"
	"github.com/54b3r/ragpipe-go/internal/chunker"
	"github.com/54b3r/ragpipe-go/internal/embedder"
	"github.com/54b3r/ragpipe-go/internal/ingestion"
	"github.com/54b3r/ragpipe-go/internal/metrics"
	"github.com/54b3r/ragpipe-go/internal/parser"
	"github.com/54b3r/ragpipe-go/internal/provider"
	"github.com/54b3r/ragpipe-go/internal/query"
	"github.com/54b3r/ragpipe-go/internal/rag"
	"github.com/54b3r/ragpipe-go/internal/retrieval"
	"github.com/54b3r/ragpipe-go/internal/retry"
	"github.com/54b3r/ragpipe-go/internal/server"
	"github.com/54b3r/ragpipe-go/internal/store"
	"github.com/54b3r/ragpipe-go/internal/tokenizer"
	"github.com/54b3r/ragpipe-go/internal/tracing"
	"github.com/54b3r/ragpipe-go/internal/version"
)

// components holds the process-wide collaborators shared by the ingestion
// and query pipelines. Build it once per command with buildComponents and
// release it with close.
type components struct {
	// log is the command logger.
	log *slog.Logger
	// tok measures chunks and assembled context.
	tok tokenizer.Tokenizer
	// store persists document records and conversations.
	store *store.SQLiteStore
	// index is the vector index in use.
	index rag.VectorIndex
	// embedder embeds chunks and queries.
	embedder rag.Embedder
	// cache is nil when REDIS_ADDR is unset.
	cache *cache.Redis
	// metrics is nil for one-shot commands.
	metrics *metrics.Metrics
	// parsers decodes documents off the calling goroutine.
	parsers *parser.Pool
	// otel flushes exported spans on close.
	otel *tracing.Provider
	// closers run in reverse order on close.
	closers []func()
}

// buildComponents constructs every shared collaborator from the environment.
// reg receives pipeline metrics; nil disables them.
func buildComponents(ctx context.Context, log *slog.Logger, reg prometheus.Registerer) (_ *components, err error) {
	c := &components{log: log}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	otelCfg := tracing.OTelConfigFromEnv()
	otelCfg.ServiceVersion = version.Version
	c.otel, err = tracing.SetupOTel(ctx, otelCfg)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.otel.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing: shutdown failed", slog.Any("error", err))
		}
	})
	if c.otel.Enabled() {
		log.Info("otel tracing enabled", slog.String("endpoint", otelCfg.Endpoint))
	}

	if reg != nil {
		c.metrics = metrics.New(reg)
	}

	if c.tok, err = buildTokenizer(log); err != nil {
		return nil, err
	}

	if c.store, err = openStore(); err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() { _ = c.store.Close() })

	embCfg := embedder.ConfigFromEnv()
	embCfg.WarnMisconfiguration(log, os.Getenv("EMBEDDING_PROVIDER") != "")
	if c.embedder, err = embedder.New(ctx, embCfg); err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	log.Info("embedder initialised", slog.String("provider", embCfg.Provider), slog.Int("dimensions", embCfg.Dimensions))

	if err = c.buildIndex(ctx, embCfg.Dimensions); err != nil {
		return nil, err
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		if c.cache, err = openCache(); err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = c.cache.Close() })
		log.Info("query cache enabled", slog.String("addr", addr))
	}

	if c.parsers, err = parser.NewPool(&parser.PoolConfig{Size: getEnvInt("PARSER_WORKERS", 0)}); err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.parsers.Close)

	return c, nil
}

// openCache connects the Redis query cache described by REDIS_* and CACHE_*.
func openCache() (*cache.Redis, error) {
	if os.Getenv("REDIS_ADDR") == "" {
		return nil, fmt.Errorf("REDIS_ADDR is not set, no query cache is configured")
	}
	return cache.NewRedis(&cache.Config{
		Addr:      os.Getenv("REDIS_ADDR"),
		Password:  os.Getenv("REDIS_PASSWORD"),
		DB:        getEnvInt("REDIS_DB", 0),
		KeyPrefix: os.Getenv("CACHE_PREFIX"),
		TTL:       getEnvDuration("CACHE_TTL", 0),
	})
}

// buildIndex connects the vector index named by VECTOR_BACKEND.
func (c *components) buildIndex(ctx context.Context, dimensions int) error {
	switch backend := getEnvOrDefault("VECTOR_BACKEND", "qdrant"); backend {
	case "memory":
		c.index = rag.NewMemoryIndex()
		c.log.Warn("vector index is in-memory, chunks are lost on exit")
	case "qdrant":
		host := getEnvOrDefault("QDRANT_HOST", "localhost")
		port := getEnvInt("QDRANT_PORT", 6334)
		q, err := rag.NewQdrantIndex(ctx, &rag.QdrantConfig{
			Host:       host,
			Port:       port,
			Collection: getEnvOrDefault("QDRANT_COLLECTION", "ragpipe-chunks"),
			VectorSize: uint64(dimensions), //nolint:gosec // dimensions are bounded
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		})
		if err != nil {
			return fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
		}
		c.index = q
		c.log.Info("qdrant index ready", slog.String("host", host), slog.Int("port", port))
	default:
		return fmt.Errorf("unknown VECTOR_BACKEND %q (want qdrant or memory)", backend)
	}
	c.closers = append(c.closers, func() { _ = c.index.Close() })
	return nil
}

// buildTokenizer selects the chunk tokenizer and CJK segmenter.
func buildTokenizer(log *slog.Logger) (tokenizer.Tokenizer, error) {
	var seg tokenizer.Segmenter = tokenizer.Runes{}
	if getEnvOrDefault("CHUNK_SEGMENTER", "gse") == "gse" {
		g, err := tokenizer.NewGse()
		if err != nil {
			log.Warn("gse dictionary unavailable, segmenting CJK per rune", slog.Any("error", err))
		} else {
			seg = g
		}
	}

	encoding := "word"
	if getEnvOrDefault("CHUNK_TOKENIZER", "word") == "tiktoken" {
		encoding = getEnvOrDefault("CHUNK_ENCODING", "cl100k_base")
	}
	tok, err := tokenizer.New(encoding, seg)
	if err != nil {
		return nil, err
	}
	log.Debug("tokenizer ready", slog.String("encoding", encoding))
	return tok, nil
}

// close releases every opened resource in reverse order.
func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// retryPolicy overlays INGEST_* settings on the default policy.
func retryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	if v := getEnvInt("INGEST_MAX_ATTEMPTS", 0); v > 0 {
		p.MaxAttempts = v
	}
	if v := getEnvDuration("INGEST_INITIAL_DELAY", 0); v > 0 {
		p.InitialDelay = v
	}
	if v := getEnvDuration("INGEST_MAX_DELAY", 0); v > 0 {
		p.MaxDelay = v
	}
	return p
}

// ingestionPipeline builds the ingestion pipeline over the shared components.
// A concurrency of zero falls back to INGEST_CONCURRENCY.
func (c *components) ingestionPipeline(concurrency int) (*ingestion.Pipeline, error) {
	if concurrency <= 0 {
		concurrency = getEnvInt("INGEST_CONCURRENCY", 0)
	}
	ch, err := chunker.New(c.tok, chunker.Options{
		MaxTokens:     getEnvInt("CHUNK_MAX_TOKENS", 500),
		OverlapTokens: getEnvInt("CHUNK_OVERLAP_TOKENS", 50),
	})
	if err != nil {
		return nil, err
	}

	blobs := blob.NewRouter(
		blob.NewFileStore(os.Getenv("RAGPIPE_BLOB_ROOT")),
		blob.NewHTTPStore(&blob.HTTPConfig{UserAgent: version.String()}),
	)

	return ingestion.NewPipeline(ingestion.Deps{
		Blobs:    blobs,
		Parser:   c.parsers,
		Chunker:  ch,
		Embedder: c.embedder,
		Index:    c.index,
		Store:    c.store,
	}, ingestion.Config{
		Retry:       retryPolicy(),
		Concurrency: concurrency,
		Metrics:     c.metrics,
	})
}

// queryPipeline builds the query pipeline around gen.
func (c *components) queryPipeline(gen rag.Generator) (*query.Pipeline, error) {
	r, err := retrieval.New(c.embedder, c.index, c.store, retrieval.Config{
		DefaultTopK: getEnvInt("RETRIEVAL_TOP_K", 0),
		OverFetch:   getEnvInt("RETRIEVAL_OVER_FETCH", 0),
		Epsilon:     float32(getEnvFloat("RETRIEVAL_EPSILON", 0)),
		Retry:       retryPolicy(),
		Metrics:     c.metrics,
	})
	if err != nil {
		return nil, err
	}

	asm, err := assembler.New(c.tok, assembler.Config{
		Overhead:       getEnvInt("ASSEMBLY_OVERHEAD", 0),
		DedupThreshold: getEnvFloat("ASSEMBLY_DEDUP_THRESHOLD", 0),
	})
	if err != nil {
		return nil, err
	}

	deps := query.Deps{
		Retriever:     r,
		Assembler:     asm,
		Generator:     gen,
		Conversations: c.store,
		Counter:       budget.NewCounter(c.tok),
	}
	if c.cache != nil {
		deps.Cache = c.cache
		deps.Revisions = c.store
	}

	return query.New(deps, query.Config{
		DefaultTopK:        getEnvInt("RETRIEVAL_TOP_K", 0),
		DefaultTokenBudget: getEnvInt("ASSEMBLY_TOKEN_BUDGET", 0),
		HistoryTokens:      getEnvInt("ASSEMBLY_HISTORY_TOKENS", 0),
		CacheTTL:           getEnvDuration("CACHE_TTL", 0),
		Retry:              retryPolicy(),
		Metrics:            c.metrics,
	})
}

// readinessChecks returns the dependency checks run by GET /api/ready. The
// metadata store and the vector index are critical; the query cache only
// degrades service when it is down.
func (c *components) readinessChecks() []server.Check {
	checks := []server.Check{server.Critical(server.NewFuncPinger("sqlite", c.store.Ping))}
	if p, ok := c.index.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, server.Critical(server.NewFuncPinger("vector-index", p.Ping)))
	}
	if c.cache != nil {
		checks = append(checks, server.Degradable(server.NewFuncPinger("redis", c.cache.Ping)))
	}
	return checks
}

func buildGenerator(ctx context.Context, log *slog.Logger) (rag.Generator, func(), error) {
	cfg := provider.ConfigFromEnv()
	cm, err := provider.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}
	log.Info("provider initialised", slog.String("provider", string(cfg.Backend)), slog.String("model", cfg.ModelName()))

	var handlers []callbacks.Handler
	flush := func() {}
	lfCfg := tracing.LangfuseConfigFromEnv()
	lfCfg.Release = version.Version
	if handler, lfFlush, ok := tracing.SetupLangfuse(lfCfg); ok {
		handlers = append(handlers, handler)
		flush = lfFlush
		log.Info("langfuse tracing enabled")
	} else {
		log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
	}

	gen, err := provider.NewGenerator(cm, string(cfg.Backend), handlers...)
	if err != nil {
		flush()
		return nil, nil, err
	}
	return gen, flush, nil
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
