package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"ctxbudget/internal/content"
	"ctxbudget/internal/engine"
	"ctxbudget/internal/relevance"
)

// NewAnalyzeCmd creates the analyze command.
func NewAnalyzeCmd() *cobra.Command {
	var opts selectOptions

	cmd := &cobra.Command{
		Use:   "analyze <dir>",
		Short: "Report how a directory fits the token budget",
		Long: `Scan a directory and report token totals per relevance category and
kind, the condensed size, and the cheapest way to fit the budget.
Nothing is selected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := cliContext(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			scan, err := cliCtx.Scan(ctx, args[0])
			if err != nil {
				return err
			}
			session, err := cliCtx.NewSession(ctx, Ephemeral, cmd.ErrOrStderr(), opts.apply)
			if err != nil {
				return err
			}
			defer func() { _ = session.Close(ctx) }()

			report := session.Analyze(scan.Units, relevance.Query{Text: opts.query, Now: time.Now()})
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd, report, len(scan.Skipped))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.query, "query", "", "task text the files are scored against")
	cmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 0, "token budget (overrides config)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "output as JSON")

	return cmd
}

var categoryOrder = []content.Category{
	content.CategoryPrimary,
	content.CategorySecondary,
	content.CategorySupporting,
	content.CategoryNoise,
}

func printReport(cmd *cobra.Command, r engine.Report, skipped int) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Files:      %d (%d skipped)\n", r.Units, skipped)
	fmt.Fprintf(out, "Tokens:     %s (condensed %s), budget %s\n",
		tokens(r.OriginalTokens), tokens(r.CondensedTokens), tokens(r.BudgetTokens))
	fmt.Fprintf(out, "Input cost: %s\n", money(r.EstimatedCost))
	if r.Approximate {
		fmt.Fprintln(out, "            token counts are approximate")
	}
	if r.Degraded > 0 {
		fmt.Fprintf(out, "            %d files fell back to generic condensing\n", r.Degraded)
	}

	fmt.Fprintln(out)
	tw := newTable(out)
	fmt.Fprintln(tw, "CATEGORY\tFILES\tTOKENS")
	for _, c := range categoryOrder {
		s := r.Categories[c]
		fmt.Fprintf(tw, "%s\t%d\t%s\n", c, s.Units, tokens(s.Tokens))
	}
	_ = tw.Flush()

	kinds := make([]content.Kind, 0, len(r.Kinds))
	for k := range r.Kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return r.Kinds[kinds[i]].Tokens > r.Kinds[kinds[j]].Tokens })

	fmt.Fprintln(out)
	tw = newTable(out)
	fmt.Fprintln(tw, "KIND\tFILES\tTOKENS")
	for _, k := range kinds {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", k, r.Kinds[k].Units, tokens(r.Kinds[k].Tokens))
	}
	_ = tw.Flush()

	fmt.Fprintf(out, "\nSelection quality: %.2f\n", r.Quality)
	fmt.Fprintf(out, "Recommendation: %s\n", r.Recommendation)
}
