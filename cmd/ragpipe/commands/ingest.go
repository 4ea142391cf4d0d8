package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragpipe-go/internal/audit"
	"github.com/54b3r/ragpipe-go/internal/ingestion"
	"github.com/54b3r/ragpipe-go/internal/logging"
	"github.com/54b3r/ragpipe-go/internal/rag"
)

// NewIngestCmd constructs the `ragpipe ingest` command, which runs documents
// through parsing, chunking, embedding and indexing.
func NewIngestCmd() *cobra.Command {
	var (
		id            string
		knowledgeBase string
		mimeType      string
		metadata      map[string]string
		concurrency   int
	)

	cmd := &cobra.Command{
		Use:   "ingest <path-or-uri>...",
		Short: "Ingest documents into the vector index",
		Long: `Fetch, parse, chunk, embed and index one or more documents.

Arguments are local paths or file://, http:// and https:// URIs. Each
document is identified by --id, or by its absolute path or URI when omitted,
so re-ingesting the same source replaces its previous revision. Content that
is byte-identical to the served revision is skipped.

Relevant environment variables:
  EMBEDDING_PROVIDER     Embedding backend: ollama, openai, azure, gemini
  VECTOR_BACKEND         qdrant (default) or memory
  QDRANT_HOST/PORT       Qdrant gRPC endpoint (default: localhost:6334)
  CHUNK_MAX_TOKENS       Chunk size in tokens (default: 500)
  CHUNK_OVERLAP_TOKENS   Overlap between chunks (default: 50)
  RAGPIPE_DB             SQLite metadata path (default: ~/.ragpipe/ragpipe.db)

Examples:
  ragpipe ingest ./handbook.pdf
  ragpipe ingest --kb hr --meta team=people docs/*.md
  ragpipe ingest --id release-notes https://example.com/changelog.html`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			if id != "" && len(args) > 1 {
				return fmt.Errorf("ingest: --id can only be used with a single document")
			}

			c, err := buildComponents(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer c.close()

			pipeline, err := c.ingestionPipeline(concurrency)
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			reqs := make([]*ingestion.Request, 0, len(args))
			for _, arg := range args {
				uri, err := sourceURI(arg)
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				docID := id
				if docID == "" {
					docID = uri
				}
				reqs = append(reqs, &ingestion.Request{
					ID:            docID,
					KnowledgeBase: knowledgeBase,
					URI:           uri,
					MIMEType:      mimeType,
					Metadata:      metadata,
				})
			}

			log.Info("starting ingestion", slog.Int("documents", len(reqs)))
			results, ingestErr := pipeline.IngestAll(ctx, reqs)

			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(out, "DOCUMENT\tSTATUS\tREVISION\tSERVED\tCHUNKS\tERROR")
			failed := 0
			for i, res := range results {
				outcome := string(res.Status)
				if res.Unchanged {
					outcome = "unchanged"
				}
				if res.Status == rag.StatusFailed {
					failed++
				}
				audit.LogDocumentEvent(ctx, log, audit.Event{
					Action:        audit.ActionIngest,
					DocumentID:    res.DocumentID,
					KnowledgeBase: reqs[i].KnowledgeBase,
					Revision:      res.Revision,
					Outcome:       outcome,
					Source:        "cli",
				})
				fmt.Fprintf(out, "%s\t%s\t%d\t%d\t%d\t%s\n",
					res.DocumentID, outcome, res.Revision, res.IndexedRevision, res.Chunks, res.Error)
			}
			if err := out.Flush(); err != nil {
				return err
			}

			if ingestErr != nil {
				log.Error("ingestion finished with failures", slog.Int("failed", failed), slog.Any("error", ingestErr))
				return errors.New("ingest: one or more documents failed")
			}
			log.Info("ingestion complete", slog.Int("documents", len(results)))
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Document id (single document only; defaults to its path or URI)")
	cmd.Flags().StringVar(&knowledgeBase, "kb", "", "Knowledge base to ingest into")
	cmd.Flags().StringVar(&mimeType, "mime", "", "Media type override (detected when omitted)")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Metadata label key=value (repeatable)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Documents ingested in parallel (default: INGEST_CONCURRENCY or 4)")

	return cmd
}

// sourceURI turns a CLI argument into a stable blob URI. Local paths become
// absolute file:// URIs; anything with a scheme is kept as-is.
func sourceURI(arg string) (string, error) {
	if u, err := url.Parse(arg); err == nil && len(u.Scheme) > 1 {
		return arg, nil
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", arg, err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}
