package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragpipe-go/internal/logging"
	"github.com/54b3r/ragpipe-go/internal/server"
)

// NewServeCmd constructs the `ragpipe serve` command, which starts the HTTP
// API over the ingestion and query pipelines.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ragpipe HTTP API",
		Long: `Start the ragpipe HTTP server.

Endpoints:
  POST   /api/documents        ingest a document (uri, content or text)
  GET    /api/documents        list documents (?knowledge_base=)
  GET    /api/documents/{id}   document status
  DELETE /api/documents/{id}   remove a document and its chunks
  POST   /api/query            answer a question
  GET    /api/conversations    list conversations (?knowledge_base=)
  GET    /api/conversations/{id}
                               conversation history (?knowledge_base=&limit=)
  DELETE /api/conversations/{id}
                               delete one conversation (?knowledge_base=)
  DELETE /api/knowledge-bases/{kb}/conversations
                               delete every conversation of a knowledge base
  DELETE /api/cache            flush the query cache (admin key only)
  GET    /api/health           liveness
  GET    /api/ready            dependency readiness
  GET    /metrics              Prometheus metrics

Set RAGPIPE_API_KEY to require "Authorization: Bearer <key>" on /api/*
routes other than health and readiness. RAGPIPE_KB_KEYS adds keys confined
to one knowledge base, as "kb=token" pairs separated by commas.

Ingestion and query requests are rate limited per caller with separate
budgets: RAGPIPE_INGEST_RATE / RAGPIPE_INGEST_BURST and
RAGPIPE_QUERY_RATE / RAGPIPE_QUERY_BURST.

Examples:
  ragpipe serve
  ragpipe serve --port 9090
  VECTOR_BACKEND=memory ragpipe serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.FromContext(ctx)

			c, err := buildComponents(ctx, log, prometheus.DefaultRegisterer)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer c.close()

			gen, flush, err := buildGenerator(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer flush()

			ingest, err := c.ingestionPipeline(0)
			if err != nil {
				return fmt.Errorf("serve: failed to create ingestion pipeline: %w", err)
			}
			q, err := c.queryPipeline(gen)
			if err != nil {
				return fmt.Errorf("serve: failed to create query pipeline: %w", err)
			}

			if !cmd.Flags().Changed("host") {
				host = getEnvOrDefault("RAGPIPE_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = getEnvInt("RAGPIPE_PORT", port)
			}

			kbKeys, err := server.ParseKnowledgeBaseKeys(getEnvOrDefault("RAGPIPE_KB_KEYS", ""))
			if err != nil {
				return fmt.Errorf("serve: RAGPIPE_KB_KEYS: %w", err)
			}

			cfg := &server.Config{
				Host:   host,
				Port:   port,
				Logger: log,
				Checks: c.readinessChecks(),
				IngestLimit: server.RateLimit{
					PerSecond: getEnvFloat("RAGPIPE_INGEST_RATE", 0),
					Burst:     getEnvInt("RAGPIPE_INGEST_BURST", 0),
				},
				QueryLimit: server.RateLimit{
					PerSecond: getEnvFloat("RAGPIPE_QUERY_RATE", 0),
					Burst:     getEnvInt("RAGPIPE_QUERY_BURST", 0),
				},
				APIKey:            getEnvOrDefault("RAGPIPE_API_KEY", ""),
				KnowledgeBaseKeys: kbKeys,
				Conversations:     c.store,
			}
			if c.cache != nil {
				cfg.Cache = c.cache
			}

			srv, err := server.New(ingest, q, cfg)
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			log.Info("serve starting", slog.String("host", host), slog.Int("port", port))
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (env: RAGPIPE_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (env: RAGPIPE_PORT)")

	return cmd
}
