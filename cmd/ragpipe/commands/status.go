package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragpipe-go/internal/store"
)

// NewStatusCmd constructs the `ragpipe status` command, which reports the
// lifecycle state of ingested documents.
func NewStatusCmd() *cobra.Command {
	var knowledgeBase string

	cmd := &cobra.Command{
		Use:   "status [document-id]",
		Short: "Show the ingestion status of documents",
		Long: `Without arguments, list every document (optionally within --kb) with its
status, latest revision and served revision. With a document id, print that
document's full record as JSON.

Only the metadata store is opened; no embedding or index backend is needed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, err := openStore()
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			defer func() { _ = db.Close() }()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				doc, err := db.Get(ctx, args[0])
				if err != nil {
					return fmt.Errorf("status: %w", err)
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}

			docs, err := db.List(ctx, knowledgeBase)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DOCUMENT\tKB\tSTATUS\tREVISION\tSERVED\tUPDATED")
			for _, d := range docs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					d.ID, d.KnowledgeBase, d.Status, d.Revision, d.IndexedRevision, d.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&knowledgeBase, "kb", "", "Only list documents in this knowledge base")
	return cmd
}

// openStore opens the metadata store at RAGPIPE_DB or the default path.
func openStore() (*store.SQLiteStore, error) {
	path := getEnvOrDefault("RAGPIPE_DB", "")
	if path == "" {
		var err error
		if path, err = store.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	return store.Open(path)
}
