package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/inferloop/ehrprivacy/internal/config"
	"github.com/inferloop/ehrprivacy/internal/export"
	"github.com/inferloop/ehrprivacy/internal/pipeline"
	"github.com/inferloop/ehrprivacy/internal/privacy"
)

type AnonymizeOptions struct {
	InputOptions
	OutputFile           string
	ReportFile           string
	Steps                []string
	K                    int
	L                    int
	T                    float64
	SuppressionThreshold float64
	QuasiIdentifiers     []string
	SensitiveAttributes  []string
	Pseudonymize         bool
	Name                 string
	Publish              bool
}

func NewAnonymizeCmd(globals *GlobalOptions) *cobra.Command {
	opts := &AnonymizeOptions{}

	cmd := &cobra.Command{
		Use:   "anonymize",
		Short: "Release a k-anonymous, l-diverse or t-close version of a patient table",
		Long: `Generalize and suppress the quasi-identifiers of a CSV extract until every
configured privacy model holds, then write the released table and a JSON report.
Steps run in order, each on the previous step's output.`,
		Example: `  # k-anonymity with the configured hierarchies
  ehrprivacy anonymize --input admissions.csv --output released.csv --k 5

  # k-anonymity then l-diversity, with a report
  ehrprivacy anonymize -i admissions.csv -o released.csv --steps k_anonymity,l_diversity --report report.json

  # Publish the release to the configured S3 bucket
  ehrprivacy anonymize -i admissions.csv -o released.csv --publish --name q3-admissions`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnonymize(cmd, globals, opts)
		},
	}

	opts.InputOptions.addFlags(cmd)
	cmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "-", "Output CSV file (- for stdout)")
	cmd.Flags().StringVar(&opts.ReportFile, "report", "", "Write the release report as JSON to this file")
	cmd.Flags().StringSliceVarP(&opts.Steps, "steps", "s", nil, "Steps to run (k_anonymity, l_diversity, t_closeness, dp_noise)")
	cmd.Flags().IntVar(&opts.K, "k", 0, "Minimum equivalence class size")
	cmd.Flags().IntVar(&opts.L, "l", 0, "Minimum sensitive value diversity per class")
	cmd.Flags().Float64Var(&opts.T, "t", 0, "Maximum EMD between class and table distributions")
	cmd.Flags().Float64Var(&opts.SuppressionThreshold, "suppression-threshold", 0, "Maximum fraction of rows to suppress")
	cmd.Flags().StringSliceVar(&opts.QuasiIdentifiers, "qi", nil, "Quasi-identifier columns")
	cmd.Flags().StringSliceVar(&opts.SensitiveAttributes, "sensitive", nil, "Sensitive attribute columns")
	cmd.Flags().BoolVar(&opts.Pseudonymize, "pseudonymize", false, "Replace direct identifiers before anonymizing")
	cmd.Flags().StringVar(&opts.Name, "name", "release", "Release name used in the report and S3 keys")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "Upload the release to S3")

	return cmd
}

// apply copies the flags given on the command line over the file settings.
func (o *AnonymizeOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("steps") {
		cfg.Pipeline.Steps = o.Steps
	}
	if flags.Changed("k") {
		cfg.Anonymization.K = o.K
	}
	if flags.Changed("l") {
		cfg.Anonymization.L = o.L
	}
	if flags.Changed("t") {
		cfg.Anonymization.T = o.T
	}
	if flags.Changed("suppression-threshold") {
		cfg.Anonymization.SuppressionThreshold = o.SuppressionThreshold
	}
	if flags.Changed("qi") {
		cfg.Anonymization.QuasiIdentifiers = o.QuasiIdentifiers
	}
	if flags.Changed("sensitive") {
		cfg.Anonymization.SensitiveAttributes = o.SensitiveAttributes
	}
	if o.Pseudonymize {
		cfg.Pseudonymization.Enabled = true
	}
	if o.Publish {
		cfg.Export.S3.Enabled = true
	}
}

func runAnonymize(cmd *cobra.Command, globals *GlobalOptions, opts *AnonymizeOptions) error {
	ctx := cmd.Context()

	cfg, logger, err := globals.load(cmd)
	if err != nil {
		return err
	}
	opts.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	table, err := opts.readTable(cmd)
	if err != nil {
		return err
	}

	pcfg, err := pipeline.FromConfig(cfg)
	if err != nil {
		return err
	}

	var budgets *privacy.BudgetManager
	if pcfg.Summary != nil || pcfg.Noise != nil {
		manager, store, err := openBudgets(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		budgets = manager
	}

	p, err := pipeline.New(pcfg, budgets, logger)
	if err != nil {
		return err
	}
	result, err := p.Run(ctx, table)
	if err != nil {
		return err
	}

	out, closeOut, err := openOutput(cmd, opts.OutputFile)
	if err != nil {
		return err
	}
	if err := export.WriteCSV(ctx, out, result.Table, opts.csvOptions()); err != nil {
		closeOut()
		return err
	}
	if err := closeOut(); err != nil {
		return err
	}

	release := &export.Release{
		ID:        uuid.New().String(),
		Name:      opts.Name,
		CreatedAt: time.Now().UTC(),
		Technique: strings.Join(cfg.Pipeline.Steps, "+"),
		Rows:      result.Table.Len(),
		Columns:   result.Table.Columns,
		Report:    result,
	}

	if opts.ReportFile != "" {
		w, closeReport, err := openOutput(cmd, opts.ReportFile)
		if err != nil {
			return err
		}
		if err := export.WriteJSON(w, release); err != nil {
			closeReport()
			return err
		}
		if err := closeReport(); err != nil {
			return err
		}
	}

	if cfg.Export.S3.Enabled {
		publisher, err := export.NewS3Publisher(&export.S3Config{
			Region:         cfg.Export.S3.Region,
			Bucket:         cfg.Export.S3.Bucket,
			Prefix:         cfg.Export.S3.Prefix,
			Endpoint:       cfg.Export.S3.Endpoint,
			ForcePathStyle: cfg.Export.S3.Endpoint != "",
		}, logger)
		if err != nil {
			return err
		}
		published, err := publisher.Publish(ctx, result.Table, release, opts.csvOptions())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Published %s\n", published)
	}

	printPipelineSummary(cmd, table.Len(), result)
	return nil
}

func printPipelineSummary(cmd *cobra.Command, input int, result *pipeline.Result) {
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "Released %d of %d records (%s)\n", result.Table.Len(), input, result.Compliance)
	for _, step := range result.Steps {
		fmt.Fprintf(w, "  %-12s %-15s retained=%d suppressed=%d\n",
			step.Technique, step.Compliance, step.Retained, step.Suppressed)
	}
	if result.Halted {
		fmt.Fprintln(w, "  pipeline halted: a step retained no records")
	}
	if result.Utility != nil {
		fmt.Fprintf(w, "  utility score: %.3f\n", result.Utility.UtilityScore)
	}
}
