package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inferloop/ehrprivacy/cmd/cli/commands"
)

func main() {
	if err := createRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createRootCommand() *cobra.Command {
	globals := &commands.GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "ehrprivacy",
		Short: "Privacy-preserving release of electronic health records",
		Long: `A command-line interface for anonymizing patient tables with k-anonymity,
l-diversity and t-closeness, and for answering differentially private
queries against per-session privacy budgets.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&globals.ConfigFile, "config", "", "config file (default is ./ehrprivacy.yaml or $HOME/.ehrprivacy/ehrprivacy.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&globals.Verbose, "verbose", "v", false, "verbose output")

	// Add commands
	rootCmd.AddCommand(commands.NewAnonymizeCmd(globals))
	rootCmd.AddCommand(commands.NewAnalyzeCmd(globals))
	rootCmd.AddCommand(commands.NewQueryCmd(globals))
	rootCmd.AddCommand(commands.NewBudgetCmd(globals))

	return rootCmd
}
