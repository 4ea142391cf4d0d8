package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragpipe-go/internal/logging"
	"github.com/54b3r/ragpipe-go/internal/query"
	"github.com/54b3r/ragpipe-go/internal/rag"
)

// NewQueryCmd constructs the `ragpipe query` command, which answers a
// question from the indexed documents.
func NewQueryCmd() *cobra.Command {
	var (
		knowledgeBase  string
		topK           int
		tokenBudget    int
		conversationID string
		documentIDs    []string
		metadata       map[string]string
		asJSON         bool
	)

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question from the indexed documents",
		Long: `Retrieve the chunks most relevant to a question, pack them into a
token-bounded context and ask the configured model to answer from it.

The answer is printed followed by the numbered sources it was given. With
--conversation the question and answer are stored and earlier turns of the
same conversation are replayed as history.

Examples:
  ragpipe query "How many vacation days do new hires get?"
  ragpipe query --kb hr --top-k 8 "What is the parental leave policy?"
  ragpipe query --conversation onboarding-42 "And for contractors?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			c, err := buildComponents(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			defer c.close()

			gen, flush, err := buildGenerator(ctx, log)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			defer flush()

			pipeline, err := c.queryPipeline(gen)
			if err != nil {
				return fmt.Errorf("query: failed to create pipeline: %w", err)
			}

			resp, err := pipeline.Query(ctx, &query.Request{
				Query:          strings.Join(args, " "),
				KnowledgeBase:  knowledgeBase,
				TopK:           topK,
				TokenBudget:    tokenBudget,
				ConversationID: conversationID,
				Filter: rag.Filter{
					DocumentIDs: documentIDs,
					Metadata:    metadata,
				},
			})
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			fmt.Fprintln(out, resp.Answer)
			if len(resp.Sources) > 0 {
				fmt.Fprintln(out, "\nSources:")
				for _, s := range resp.Sources {
					ref := s.URI
					if ref == "" {
						ref = s.DocumentID
					}
					if s.Page > 0 {
						ref = fmt.Sprintf("%s (page %d)", ref, s.Page)
					}
					fmt.Fprintf(out, "  [%d] %s  score=%.3f\n", s.Number, ref, s.Score)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&knowledgeBase, "kb", "", "Knowledge base to search")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of candidates to retrieve (default: RETRIEVAL_TOP_K or 5)")
	cmd.Flags().IntVar(&tokenBudget, "budget", 0, "Context token budget (default: ASSEMBLY_TOKEN_BUDGET or 2000)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id for multi-turn history")
	cmd.Flags().StringSliceVar(&documentIDs, "doc", nil, "Restrict retrieval to these document ids")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Require metadata label key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full response as JSON")

	return cmd
}
