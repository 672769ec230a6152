package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crewline/crewline/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate <crew.yaml>",
	Short: "Validate a crew definition file",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	file, err := config.LoadCrewFile(args[0])
	if err != nil {
		return err
	}
	tasks, err := file.ResolveTasks()
	if err != nil {
		return err
	}
	if len(file.Agents) == 0 {
		return fmt.Errorf("%s: no agents defined", args[0])
	}
	if len(tasks) == 0 {
		return fmt.Errorf("%s: no tasks defined", args[0])
	}

	cmd.Printf("%s: ok (%d agents, %d tasks)\n", args[0], len(file.Agents), len(tasks))
	return nil
}
