package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragpipe-go/internal/audit"
	"github.com/54b3r/ragpipe-go/internal/logging"
)

// NewDeleteCmd constructs the `ragpipe delete` command, which removes
// documents from the metadata store and the vector index.
func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>...",
		Short: "Remove documents and their chunks",
		Long: `Delete the metadata record and every indexed chunk of each document.

Chunks are removed from the vector index first. If the index is unreachable
the record is kept, so the command can simply be rerun. The document's
revision number is retained, so a later re-ingestion never reuses it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			c, err := buildComponents(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			defer c.close()

			pipeline, err := c.ingestionPipeline(0)
			if err != nil {
				return fmt.Errorf("delete: failed to create pipeline: %w", err)
			}

			for _, id := range args {
				err := pipeline.Delete(ctx, id)
				outcome := "deleted"
				if err != nil {
					outcome = "error"
				}
				audit.LogDocumentEvent(ctx, log, audit.Event{
					Action:     audit.ActionDelete,
					DocumentID: id,
					Outcome:    outcome,
					Source:     "cli",
				})
				if err != nil {
					return fmt.Errorf("delete: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}
}
