package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ctxbudget/internal/engine"
	"ctxbudget/internal/relevance"
	"ctxbudget/internal/selector"
)

type selectOptions struct {
	query        string
	maxTokens    int
	maxUnits     int
	threshold    float64
	jsonOutput   bool
	showRejected bool
}

// NewSelectCmd creates the select command.
func NewSelectCmd() *cobra.Command {
	var opts selectOptions

	cmd := &cobra.Command{
		Use:   "select <dir>",
		Short: "Select the most relevant files under a token budget",
		Long: `Scan a directory, score every file against the query and admit the
highest scoring files until the token or file budget is reached.`,
		Example: `  ctxbudget select . --query "fix the config loader"
  ctxbudget select ./internal --max-tokens 20000 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelect(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.query, "query", "", "task text the files are scored against")
	cmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 0, "token budget (overrides config)")
	cmd.Flags().IntVar(&opts.maxUnits, "max-units", 0, "file budget (overrides config)")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", -1, "minimum relevance score (overrides config)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&opts.showRejected, "rejected", false, "also list rejected files")

	return cmd
}

func (o selectOptions) apply(ec *engine.Config) {
	if o.maxTokens > 0 {
		ec.Selector.MaxTokens = o.maxTokens
	}
	if o.maxUnits > 0 {
		ec.Selector.MaxUnits = o.maxUnits
	}
	if o.threshold >= 0 {
		ec.Selector.RelevanceThreshold = o.threshold
	}
}

func runSelect(cmd *cobra.Command, dir string, opts selectOptions) error {
	cliCtx, err := cliContext(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	scan, err := cliCtx.Scan(ctx, dir)
	if err != nil {
		return err
	}
	session, err := cliCtx.NewSession(ctx, Ephemeral, cmd.ErrOrStderr(), opts.apply)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close(ctx) }()

	sel := session.Select(scan.Units, relevance.Query{Text: opts.query, Now: time.Now()})

	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		return writeJSON(out, sel)
	}
	printSelection(cmd, sel, session.Config().Selector, opts.showRejected)
	if scan.Truncated {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: scan stopped at %d files\n", len(scan.Units))
	}
	return nil
}

func printSelection(cmd *cobra.Command, sel selector.Selection, cfg selector.Config, showRejected bool) {
	out := cmd.OutOrStdout()

	tw := newTable(out)
	fmt.Fprintln(tw, "FILE\tKIND\tSCORE\tCATEGORY\tTOKENS\tSIZE\tNOTE")
	for _, a := range sel.Selected {
		note := ""
		if a.Condensed {
			note = fmt.Sprintf("%s from %s", a.Method, tokens(a.OriginalTokens))
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\t%s\t%s\n",
			a.ID, a.Kind, a.RelevanceScore, a.Category, tokens(a.EstimatedTokens),
			humanize.IBytes(uint64(a.SizeBytes)), note)
	}
	_ = tw.Flush()

	fmt.Fprintf(out, "\nSelected %d of %d files: %s / %s tokens (%s), %s, confidence %.2f, quality %.2f\n",
		len(sel.Selected), len(sel.Selected)+len(sel.Rejected),
		tokens(sel.TotalTokens), tokens(cfg.MaxTokens), percent(sel.TokenUtilization),
		money(sel.TotalCost), sel.ConfidenceScore, sel.Quality)

	if !showRejected || len(sel.Rejected) == 0 {
		return
	}
	fmt.Fprintln(out, "\nRejected:")
	tw = newTable(out)
	for _, r := range sel.Rejected {
		fmt.Fprintf(tw, "  %s\t%s\t%.2f\t%s\n", r.ID, r.Reason, r.RelevanceScore, tokens(r.EstimatedTokens))
	}
	_ = tw.Flush()
}
