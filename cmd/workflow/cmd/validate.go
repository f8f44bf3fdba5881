package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aromcp/workflow-engine/internal/logging"
	"github.com/aromcp/workflow-engine/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow|file.yaml>",
	Short: "Validate a workflow definition without running it",
	Long: `Validate parses a definition and checks it: step types and their
required fields, unique step ids, sub-agent task references, and the
computed-field dependency graph. The argument is a workflow name resolved
against the workflow directory, or a path ending in .yaml/.yml.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	target := args[0]

	if strings.HasSuffix(target, ".yaml") || strings.HasSuffix(target, ".yml") {
		def, err := workflow.LoadFile(target)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d steps)\n", def.Name, len(def.Steps))
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	def, err := workflow.NewLoader(cfg.Paths.WorkflowDir, logging.NewDefault()).Get(target)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d steps)\n", def.Name, len(def.Steps))
	return nil
}
