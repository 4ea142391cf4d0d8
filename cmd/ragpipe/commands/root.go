// Package commands defines all Cobra CLI commands for the ragpipe binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/ragpipe-go/internal/audit"
	"github.com/54b3r/ragpipe-go/internal/config"
	"github.com/54b3r/ragpipe-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragpipe",
		Short: "ragpipe: document ingestion and grounded question answering",
		Long: `ragpipe parses documents (text, markdown, HTML, PDF, DOCX), cuts them into
token-bounded chunks, embeds them into a vector index and answers questions
from the most relevant chunks.

Backends are selected via environment variables or a YAML config file
(~/.ragpipe/config.yaml). Environment variables always win over the file.
See 'ragpipe --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Load YAML config first so LOG_LEVEL/LOG_FORMAT from the file
			// apply to the logger built below.
			path, err := config.Load(configPath, logging.New())
			if err != nil {
				return err
			}

			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)
			cmd.SetContext(ctx)

			audit.LogCommandStart(ctx, log, cmd.Name(), path)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.ragpipe/config.yaml)")

	root.AddCommand(
		NewIngestCmd(),
		NewQueryCmd(),
		NewStatusCmd(),
		NewDeleteCmd(),
		NewConversationsCmd(),
		NewCacheCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
