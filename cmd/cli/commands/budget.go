package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inferloop/ehrprivacy/internal/export"
	"github.com/inferloop/ehrprivacy/internal/privacy"
)

type BudgetOptions struct {
	Session string
	Queries int
	Format  string
}

// BudgetOutput is the JSON form of budget status.
type BudgetOutput struct {
	Status       privacy.BudgetStatus        `json:"status"`
	Transactions []privacy.BudgetTransaction `json:"transactions"`
}

func NewBudgetCmd(globals *GlobalOptions) *cobra.Command {
	opts := &BudgetOptions{}

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect, plan or reset a session's privacy budget",
	}
	cmd.PersistentFlags().StringVar(&opts.Session, "session", "", "Analyst session (required)")
	cmd.MarkPersistentFlagRequired("session")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the epsilon spent and the query ledger of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBudgetStatus(cmd, globals, opts)
		},
	}
	status.Flags().StringVar(&opts.Format, "format", "text", "Output format (text, json)")

	analysis := &cobra.Command{
		Use:     "analysis",
		Short:   "Split the remaining budget over a number of planned queries",
		Example: `  ehrprivacy budget analysis --session analyst-1 --queries 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBudgetAnalysis(cmd, globals, opts)
		},
	}
	analysis.Flags().IntVar(&opts.Queries, "queries", 1, "Number of planned queries")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Restore a session's full budget and clear its ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBudgetReset(cmd, globals, opts)
		},
	}

	cmd.AddCommand(status, analysis, reset)
	return cmd
}

func runBudgetStatus(cmd *cobra.Command, globals *GlobalOptions, opts *BudgetOptions) error {
	cfg, logger, err := globals.load(cmd)
	if err != nil {
		return err
	}
	budgets, store, err := openBudgets(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	budget, err := budgets.Budget(cmd.Context(), opts.Session)
	if err != nil {
		return err
	}
	out := BudgetOutput{Status: budget.Status(), Transactions: budget.Transactions()}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return export.WriteJSON(w, out)
	}

	s := out.Status
	fmt.Fprintf(w, "Session: %s\n", s.Session)
	fmt.Fprintf(w, "- Total: %.4f\n", s.Total)
	fmt.Fprintf(w, "- Spent: %.4f\n", s.Spent)
	fmt.Fprintf(w, "- Remaining: %.4f\n", s.Remaining)
	fmt.Fprintf(w, "- Utilization: %.1f%%\n", s.Utilization*100)
	fmt.Fprintf(w, "- Queries: %d\n", s.QueryCount)
	if s.Exhausted {
		fmt.Fprintln(w, "- Budget exhausted")
	}
	for _, tx := range out.Transactions {
		fmt.Fprintf(w, "  %s %-12s %-16s eps=%.4f\n", tx.Timestamp.Format("2006-01-02T15:04:05Z07:00"), tx.Query, tx.Column, tx.Epsilon)
	}
	return nil
}

func runBudgetAnalysis(cmd *cobra.Command, globals *GlobalOptions, opts *BudgetOptions) error {
	cfg, logger, err := globals.load(cmd)
	if err != nil {
		return err
	}
	budgets, store, err := openBudgets(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	budget, err := budgets.Budget(cmd.Context(), opts.Session)
	if err != nil {
		return err
	}
	engine, err := privacy.NewDifferentialPrivacyEngine(cfg.Privacy.ToPrivacyConfig(), budget, logger)
	if err != nil {
		return err
	}
	analysis, err := engine.PrivacyBudgetAnalysis(opts.Queries)
	if err != nil {
		return err
	}
	return export.WriteJSON(cmd.OutOrStdout(), analysis)
}

func runBudgetReset(cmd *cobra.Command, globals *GlobalOptions, opts *BudgetOptions) error {
	cfg, logger, err := globals.load(cmd)
	if err != nil {
		return err
	}
	budgets, store, err := openBudgets(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := budgets.Reset(cmd.Context(), opts.Session); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Budget for %s reset to %.4f\n", opts.Session, cfg.Privacy.TotalEpsilon)
	return nil
}
