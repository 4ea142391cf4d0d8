package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragpipe-go/internal/audit"
	"github.com/54b3r/ragpipe-go/internal/logging"
)

// NewCacheCmd constructs the `ragpipe cache` command group.
func NewCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the Redis query cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every cached answer under CACHE_PREFIX",
		Long: `Flush the query cache. Cached answers are already keyed by the served
revisions of their knowledge base, so this is only needed after changing
prompts or models without re-ingesting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			c, err := openCache()
			if err != nil {
				return fmt.Errorf("cache: %w", err)
			}
			defer func() { _ = c.Close() }()

			n, err := c.Clear(ctx)
			ev := audit.AdminEvent{Action: audit.ActionCacheClear, Removed: n, Outcome: "ok", Source: "cli"}
			if err != nil {
				ev.Outcome = "error"
			}
			audit.LogAdminEvent(ctx, logging.FromContext(ctx), ev)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d cached answers\n", n)
			return nil
		},
	})
	return cmd
}
