package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ctxbudget/internal/cost"
)

// NewUsageCmd creates the usage command.
func NewUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Record and review model usage and spend",
		Long: `Record model calls against the current session and review spend
against the daily budget. Records are kept in the local store.`,
	}

	cmd.AddCommand(newUsageRecordCmd())
	cmd.AddCommand(newUsageDailyCmd())
	cmd.AddCommand(newUsageHistoryCmd())
	cmd.AddCommand(newUsageModelsCmd())

	return cmd
}

func newUsageRecordCmd() *cobra.Command {
	var (
		rec        cost.UsageRecord
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one model call",
		Example: `  ctxbudget usage record --model claude-3-5-sonnet --prompt 12000 --completion 800
  ctxbudget usage record --prompt 12000 --cached 10000 --completion 800`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := cliContext(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			// Warnings are printed from the totals below.
			session, err := cliCtx.NewSession(ctx, Persistent, nil, nil)
			if err != nil {
				return err
			}
			defer func() { _ = session.Close(ctx) }()

			totals, err := session.RecordUsage(ctx, rec)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, totals)
			}
			budget := session.Config().Cost.DailyBudget
			fmt.Fprintf(out, "Recorded. Today: %s", money(totals.DailyCost))
			if budget > 0 {
				fmt.Fprintf(out, " of %s (%s)", money(budget), percent(totals.DailyCost/budget))
			}
			fmt.Fprintln(out)
			for _, w := range totals.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", w.Severity, w.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rec.ModelID, "model", "", "model ID (default: the configured model)")
	cmd.Flags().IntVar(&rec.PromptTokens, "prompt", 0, "prompt tokens")
	cmd.Flags().IntVar(&rec.CompletionTokens, "completion", 0, "completion tokens")
	cmd.Flags().IntVar(&rec.CachedTokens, "cached", 0, "prompt tokens served from cache")
	cmd.Flags().Float64Var(&rec.Cost, "cost", 0, "actual cost when known (default: priced from the table)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func newUsageDailyCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Show today's spend against the daily budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := cliContext(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			session, err := cliCtx.NewSession(ctx, Persistent, nil, nil)
			if err != nil {
				return err
			}
			defer func() { _ = session.Close(ctx) }()

			daily := session.DailyCost()
			budget := session.Config().Cost.DailyBudget
			now := time.Now()
			models := session.ByModel(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()))

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, map[string]any{
					"daily_cost": daily,
					"budget":     budget,
					"models":     models,
				})
			}

			fmt.Fprintf(out, "Today:  %s", money(daily))
			if budget > 0 {
				fmt.Fprintf(out, " of %s (%s), %s left", money(budget), percent(daily/budget), money(max(budget-daily, 0)))
			}
			fmt.Fprintln(out)
			if len(models) > 0 {
				fmt.Fprintln(out)
				printModels(cmd, models)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func newUsageHistoryCmd() *cobra.Command {
	var (
		count      int
		days       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent usage records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := cliContext(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			db, err := cliCtx.GetStorage(ctx)
			if err != nil {
				return err
			}
			var records []cost.UsageRecord
			if db != nil {
				records, err = db.ListUsage(ctx, time.Now().AddDate(0, 0, -days), count)
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if records == nil {
					records = []cost.UsageRecord{}
				}
				return writeJSON(out, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No usage records.")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "WHEN\tMODEL\tPROMPT\tCACHED\tCOMPLETION\tCOST")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(r.Timestamp), r.ModelID, tokens(r.PromptTokens),
					tokens(r.CachedTokens), tokens(r.CompletionTokens), money(r.Cost))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 20, "number of records to show")
	cmd.Flags().IntVar(&days, "days", 30, "how many days back to look")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func newUsageModelsCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "models",
		Short: "Show spend per model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := cliContext(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			db, err := cliCtx.GetStorage(ctx)
			if err != nil {
				return err
			}
			if db == nil {
				return fmt.Errorf("storage is disabled")
			}
			since := time.Now().AddDate(0, 0, -days)
			records, err := db.ListUsage(ctx, since, 0)
			if err != nil {
				return err
			}

			ec, err := cliCtx.Config.Engine()
			if err != nil {
				return err
			}
			ec.Cost.MaxHistory = max(ec.Cost.MaxHistory, len(records))
			acct, err := cost.New(ec.Cost, cost.WithLogger(cliCtx.Log("cost")))
			if err != nil {
				return err
			}
			acct.Seed(records)

			models := acct.ByModel(since)
			if len(models) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No usage records.")
				return nil
			}
			printModels(cmd, models)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "how many days back to look")

	return cmd
}

func printModels(cmd *cobra.Command, models []cost.ModelSummary) {
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "MODEL\tCALLS\tPROMPT\tCOMPLETION\tCOST")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			m.ModelID, m.Calls, humanize.Comma(m.PromptTokens), humanize.Comma(m.CompletionTokens), money(m.Cost))
	}
	_ = tw.Flush()
}
