package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/ehrprivacy/internal/config"
	"github.com/inferloop/ehrprivacy/internal/export"
	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/internal/storage"
	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

// GlobalOptions are the persistent flags of the root command.
type GlobalOptions struct {
	ConfigFile string
	Verbose    bool
}

// InputOptions select and parse the CSV extract a command reads.
type InputOptions struct {
	InputFile   string
	Delimiter   string
	NullValue   string
	Categorical []string
}

func (o *InputOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.InputFile, "input", "i", "", "Input CSV file, - for stdin (required)")
	cmd.Flags().StringVar(&o.Delimiter, "delimiter", ",", "CSV delimiter")
	cmd.Flags().StringVar(&o.NullValue, "null-value", "", "Cell value read as null")
	cmd.Flags().StringSliceVar(&o.Categorical, "categorical", nil, "Columns read as text even when numeric")
	cmd.MarkFlagRequired("input")
}

func (o *InputOptions) csvOptions() export.CSVOptions {
	return export.CSVOptions{Delimiter: o.Delimiter, NullValue: o.NullValue, Categorical: o.Categorical}
}

func (o *InputOptions) readTable(cmd *cobra.Command) (*models.Table, error) {
	if o.InputFile == "-" {
		return export.ReadCSV(cmd.InOrStdin(), o.csvOptions())
	}
	f, err := os.Open(o.InputFile)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeDataNotFound, "cannot open input file").
			WithContext("path", o.InputFile)
	}
	defer f.Close()
	return export.ReadCSV(f, o.csvOptions())
}

// load reads the configuration and builds the logger. Logs go to the
// command's stderr so stdout stays clean for data.
func (g *GlobalOptions) load(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(g.ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Logging.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	if g.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else if logger.GetLevel() > logrus.WarnLevel {
		logger.SetLevel(logrus.WarnLevel)
	}
	return cfg, logger, nil
}

// openBudgets connects the configured budget store. The caller closes the
// returned store.
func openBudgets(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*privacy.BudgetManager, storage.BudgetStore, error) {
	store, err := storage.NewFactory(logger).CreateStore(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	budgets, err := privacy.NewBudgetManager(cfg.Privacy.TotalEpsilon, cfg.Privacy.AllowOverspend, store, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return budgets, store, nil
}

// openOutput returns stdout for "-" or an empty path, else a created file.
func openOutput(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, f.Close, nil
}

// parseWhere turns column=value pairs into a conjunctive predicate. A cell
// matches when it renders exactly as value does in CSV output; nulls never
// match.
func parseWhere(pairs []string) (privacy.Predicate, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	want := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		column, raw, ok := strings.Cut(pair, "=")
		if !ok || column == "" {
			return nil, errors.InvalidParameter("where", pair, "expected column=value")
		}
		want[column] = raw
	}
	return func(r models.Record) bool {
		for column, raw := range want {
			v := r.Get(column)
			if v.IsNull() || v.String() != raw {
				return false
			}
		}
		return true
	}, nil
}
