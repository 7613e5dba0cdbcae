package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ctxbudget/internal/content"
	"ctxbudget/internal/engine"
	"ctxbudget/internal/relevance"
)

// NewCondenseCmd creates the condense command.
func NewCondenseCmd() *cobra.Command {
	var (
		kind       string
		stats      bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "condense <file>",
		Short: "Print the structurally condensed form of a file",
		Long: `Condense a file with the strategy for its kind: signatures for source,
depth-limited skeletons for structured data, headings for prose. The
condensed text goes to stdout; --stats reports sizes on stderr.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := cliContext(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			unit, err := readUnit(args[0], kind)
			if err != nil {
				return err
			}
			session, err := cliCtx.NewSession(ctx, Ephemeral, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = session.Close(ctx) }()

			res := session.Condense(unit)
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprint(cmd.OutOrStdout(), res.Text)
			if stats {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s -> %s tokens (ratio %.2f, %s)\n",
					unit.ID, tokens(res.OriginalTokens), tokens(res.CondensedTokens), res.CompressionRatio, res.Method)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "content kind (source, message, structured-data, prose, config)")
	cmd.Flags().BoolVar(&stats, "stats", false, "report sizes on stderr")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

// EstimateResult is the output of the estimate command.
type EstimateResult struct {
	File        string  `json:"file"`
	Kind        string  `json:"kind"`
	Model       string  `json:"model"`
	Estimator   string  `json:"estimator"`
	Tokens      int     `json:"tokens"`
	InputCost   float64 `json:"input_cost"`
	Approximate bool    `json:"approximate"`
}

// NewEstimateCmd creates the estimate command.
func NewEstimateCmd() *cobra.Command {
	var (
		model      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "estimate <file>...",
		Short: "Estimate the token count and input cost of files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := cliContext(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			session, err := cliCtx.NewSession(ctx, Ephemeral, cmd.ErrOrStderr(), func(ec *engine.Config) {
				if model != "" {
					ec.ModelID = model
				}
			})
			if err != nil {
				return err
			}
			defer func() { _ = session.Close(ctx) }()

			var results []EstimateResult
			for _, path := range args {
				unit, err := readUnit(path, "")
				if err != nil {
					return err
				}
				scored := session.Score([]content.Unit{unit}, relevance.Query{})[0]
				results = append(results, EstimateResult{
					File:        path,
					Kind:        string(unit.Kind),
					Model:       session.Config().ModelID,
					Estimator:   session.Estimator().Name(),
					Tokens:      scored.EstimatedTokens,
					InputCost:   scored.EstimatedCost,
					Approximate: scored.Approximate,
				})
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, results)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "FILE\tKIND\tTOKENS\tINPUT COST")
			total, totalCost := 0, 0.0
			for _, r := range results {
				approx := ""
				if r.Approximate {
					approx = "~"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s%s\t%s\n", r.File, r.Kind, approx, tokens(r.Tokens), money(r.InputCost))
				total += r.Tokens
				totalCost += r.InputCost
			}
			if len(results) > 1 {
				fmt.Fprintf(tw, "total\t\t%s\t%s\n", tokens(total), money(totalCost))
			}
			_ = tw.Flush()
			fmt.Fprintf(out, "\nmodel %s, estimator %s\n", session.Config().ModelID, session.Estimator().Name())
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "model to price against (overrides config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}
