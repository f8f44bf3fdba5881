package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aromcp/workflow-engine/internal/engine"
	"github.com/aromcp/workflow-engine/internal/ipc"
	"github.com/aromcp/workflow-engine/internal/logging"
	"github.com/aromcp/workflow-engine/internal/workflow"
)

var serveSocket string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine as a daemon on a Unix socket",
	Long: `Serve workflows over newline-delimited JSON on a Unix domain
socket until interrupted. Agent clients connect to start instances, poll
for steps, and report results.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSocket, "socket", "", "socket path (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closer, err := logging.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	socket := serveSocket
	if socket == "" {
		socket = cfg.Paths.SocketPath
	}

	loader := workflow.NewLoader(cfg.Paths.WorkflowDir, log)
	eng := engine.New(cfg, log, loader)
	srv := ipc.NewServer(socket, eng, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("serving workflows", "dir", loader.Dir(), "socket", socket)
	return srv.Start(ctx)
}
