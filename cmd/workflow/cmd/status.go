package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aromcp/workflow-engine/internal/engine"
	"github.com/aromcp/workflow-engine/internal/ipc"
	"github.com/aromcp/workflow-engine/internal/status"
)

var (
	statusSocket  string
	statusSubs    bool
	statusTrace   bool
	statusJSON    bool
	statusNoColor bool
)

var statusCmd = &cobra.Command{
	Use:   "status <instance-id>",
	Short: "Query a running engine for an instance's status",
	Long: `Status connects to a serving engine over its Unix socket and
prints the instance's status record. --sub-agents adds the fan-out roster;
--trace dumps the recorded execution events; --json emits the raw records.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusSocket, "socket", "", "socket path (default from config)")
	statusCmd.Flags().BoolVar(&statusSubs, "sub-agents", false, "include sub-agent roster")
	statusCmd.Flags().BoolVar(&statusTrace, "trace", false, "include execution events")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit JSON instead of a summary")
	statusCmd.Flags().BoolVar(&statusNoColor, "no-color", false, "disable ANSI colors")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	socket := statusSocket
	if socket == "" {
		socket = cfg.Paths.SocketPath
	}

	client := ipc.NewClient(socket)
	id := args[0]

	rec, err := client.Status(id)
	if err != nil {
		return err
	}

	var subs []engine.SubAgentSummary
	if statusSubs {
		if subs, err = client.ListSubAgents(id); err != nil {
			return err
		}
	}
	var events []engine.Event
	if statusTrace {
		if events, err = client.Trace(id, ""); err != nil {
			return err
		}
	}

	if statusJSON {
		out := map[string]any{"status": rec}
		if statusSubs {
			out["sub_agents"] = subs
		}
		if statusTrace {
			out["events"] = events
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	opts := status.FormatOptions{NoColor: statusNoColor}
	fmt.Fprint(cmd.OutOrStdout(), status.FormatInstance(rec, subs, events, opts))
	return nil
}
