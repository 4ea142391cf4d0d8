package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragpipe-go/internal/audit"
	"github.com/54b3r/ragpipe-go/internal/logging"
	"github.com/54b3r/ragpipe-go/internal/store"
)

// NewConversationsCmd constructs the `ragpipe conversations` command group,
// which inspects and prunes stored conversation history.
func NewConversationsCmd() *cobra.Command {
	var knowledgeBase string

	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "Inspect and prune stored conversations",
		Long: `Conversations are the question and answer threads recorded by
'ragpipe query --conversation'. They are scoped by knowledge base.

Only the metadata store is opened.`,
	}
	cmd.PersistentFlags().StringVar(&knowledgeBase, "kb", "", "Knowledge base the conversations belong to")

	cmd.AddCommand(
		newConversationsListCmd(&knowledgeBase),
		newConversationsShowCmd(&knowledgeBase),
		newConversationsDeleteCmd(&knowledgeBase),
		newConversationsClearCmd(&knowledgeBase),
	)
	return cmd
}

func newConversationsListCmd(knowledgeBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStore()
			if err != nil {
				return fmt.Errorf("conversations: %w", err)
			}
			defer func() { _ = db.Close() }()

			list, err := db.Conversations(cmd.Context(), *knowledgeBase)
			if err != nil {
				return fmt.Errorf("conversations: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CONVERSATION\tKB\tMESSAGES\tSTARTED\tLAST")
			for _, c := range list {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", c.ID, c.KnowledgeBase, c.Messages,
					c.StartedAt.Format("2006-01-02 15:04:05"), c.LastAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
}

func newConversationsShowCmd(knowledgeBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print a conversation, oldest message first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return fmt.Errorf("conversations: %w", err)
			}
			defer func() { _ = db.Close() }()

			msgs, err := db.History(cmd.Context(), store.ConversationKey{KnowledgeBase: *knowledgeBase, ID: args[0]}, limit)
			if err != nil {
				return fmt.Errorf("conversations: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m.Role, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Show at most this many messages (0 = all)")
	return cmd
}

func newConversationsDeleteCmd(knowledgeBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>...",
		Short: "Delete conversations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			db, err := openStore()
			if err != nil {
				return fmt.Errorf("conversations: %w", err)
			}
			defer func() { _ = db.Close() }()

			for _, id := range args {
				n, err := db.DeleteConversation(ctx, store.ConversationKey{KnowledgeBase: *knowledgeBase, ID: id})
				ev := audit.AdminEvent{
					Action:        audit.ActionConversationDelete,
					KnowledgeBase: *knowledgeBase,
					Target:        id,
					Removed:       n,
					Outcome:       "ok",
					Source:        "cli",
				}
				if err != nil {
					ev.Outcome = "error"
				}
				audit.LogAdminEvent(ctx, log, ev)
				if err != nil {
					return fmt.Errorf("conversations: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%d messages)\n", id, n)
			}
			return nil
		},
	}
}

func newConversationsClearCmd(knowledgeBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every conversation of the --kb knowledge base",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			db, err := openStore()
			if err != nil {
				return fmt.Errorf("conversations: %w", err)
			}
			defer func() { _ = db.Close() }()

			n, err := db.ClearConversations(ctx, *knowledgeBase)
			ev := audit.AdminEvent{
				Action:        audit.ActionConversationClear,
				KnowledgeBase: *knowledgeBase,
				Removed:       n,
				Outcome:       "ok",
				Source:        "cli",
			}
			if err != nil {
				ev.Outcome = "error"
			}
			audit.LogAdminEvent(ctx, logging.FromContext(ctx), ev)
			if err != nil {
				return fmt.Errorf("conversations: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d messages\n", n)
			return nil
		},
	}
}
