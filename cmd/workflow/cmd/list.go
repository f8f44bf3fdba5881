package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aromcp/workflow-engine/internal/logging"
	"github.com/aromcp/workflow-engine/internal/workflow"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available workflow definitions",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "emit JSON instead of a table")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	loader := workflow.NewLoader(cfg.Paths.WorkflowDir, logging.NewDefault())
	summaries := loader.List()

	if listJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	if len(summaries) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no workflows in %s\n", loader.Dir())
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tDESCRIPTION")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Version, s.Description)
	}
	return w.Flush()
}
