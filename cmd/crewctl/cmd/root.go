package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "crewctl",
	Short: "Developer CLI for crewline crews",
	Long: `Crewctl scaffolds and validates crewline crew definitions.

Examples:
  # Scaffold a new flow
  crewctl create-flow ResearchCrew --description "Research and summarize a topic"

  # Validate an existing crew definition
  crewctl validate crew.yaml`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
