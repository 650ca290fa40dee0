package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inferloop/ehrprivacy/internal/export"
	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/pkg/errors"
)

type QueryOptions struct {
	InputOptions
	Session string
	Epsilon float64
	Column  string
	Column2 string
	Lower   float64
	Upper   float64
	Bins    int
	Where   []string
}

func NewQueryCmd(globals *GlobalOptions) *cobra.Command {
	opts := &QueryOptions{}

	cmd := &cobra.Command{
		Use:   "query {count|mean|histogram|correlation}",
		Short: "Answer a differentially private query against a session's budget",
		Long: `Release a Laplace-noised count, mean, histogram or correlation of a CSV
extract. The epsilon spent is charged to the session's budget in the configured
store; queries beyond the budget are refused.`,
		Example: `  # Noisy count of female admissions
  ehrprivacy query count -i admissions.csv --session analyst-1 --where gender=F --epsilon 0.1

  # Noisy mean length of stay, clipped to [0, 30]
  ehrprivacy query mean -i admissions.csv --session analyst-1 --column los --lower 0 --upper 30`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(privacy.QueryTypeCount), string(privacy.QueryTypeMean), string(privacy.QueryTypeHistogram), string(privacy.QueryTypeCorrelation)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, globals, opts, privacy.QueryType(args[0]))
		},
	}

	opts.InputOptions.addFlags(cmd)
	cmd.Flags().StringVar(&opts.Session, "session", "", "Analyst session charged for the query (required)")
	cmd.Flags().Float64Var(&opts.Epsilon, "epsilon", 0, "Epsilon to spend (default privacy.query_epsilon)")
	cmd.Flags().StringVar(&opts.Column, "column", "", "Column for mean and histogram, first column for correlation")
	cmd.Flags().StringVar(&opts.Column2, "column2", "", "Second column for correlation")
	cmd.Flags().Float64Var(&opts.Lower, "lower", 0, "Lower clipping bound")
	cmd.Flags().Float64Var(&opts.Upper, "upper", 0, "Upper clipping bound")
	cmd.Flags().IntVar(&opts.Bins, "bins", 0, "Histogram bins for numeric columns, binned over --lower and --upper")
	cmd.Flags().StringSliceVar(&opts.Where, "where", nil, "column=value filters for count")
	cmd.MarkFlagRequired("session")

	return cmd
}

func runQuery(cmd *cobra.Command, globals *GlobalOptions, opts *QueryOptions, query privacy.QueryType) error {
	ctx := cmd.Context()

	var bounds *privacy.Bounds
	if cmd.Flags().Changed("lower") || cmd.Flags().Changed("upper") {
		bounds = &privacy.Bounds{Lower: opts.Lower, Upper: opts.Upper}
	}
	predicate, err := parseWhere(opts.Where)
	if err != nil {
		return err
	}

	cfg, logger, err := globals.load(cmd)
	if err != nil {
		return err
	}
	table, err := opts.readTable(cmd)
	if err != nil {
		return err
	}

	budgets, store, err := openBudgets(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	budget, err := budgets.Budget(ctx, opts.Session)
	if err != nil {
		return err
	}
	engine, err := privacy.NewDifferentialPrivacyEngine(cfg.Privacy.ToPrivacyConfig(), budget, logger)
	if err != nil {
		return err
	}

	var result interface{}
	switch query {
	case privacy.QueryTypeCount:
		result, err = engine.PrivateCount(ctx, table, predicate, opts.Epsilon)
	case privacy.QueryTypeMean:
		result, err = engine.PrivateMean(ctx, table, opts.Column, bounds, opts.Epsilon)
	case privacy.QueryTypeHistogram:
		result, err = engine.PrivateHistogram(ctx, table, opts.Column, opts.Bins, bounds, opts.Epsilon)
	case privacy.QueryTypeCorrelation:
		result, err = engine.PrivateCorrelation(ctx, table, opts.Column, opts.Column2, opts.Epsilon)
	default:
		err = errors.InvalidParameter("query", string(query), "unknown query type")
	}
	if err != nil {
		return err
	}

	if err := budgets.Sync(ctx, opts.Session); err != nil {
		logger.WithError(err).Warn("Failed to refresh budget after query")
	}

	if err := export.WriteJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Remaining budget for %s: %.4f\n", opts.Session, budget.Remaining())
	return nil
}
