// Package cmd implements the workflow CLI.
package cmd

import (
	stderrors "errors"

	"github.com/spf13/cobra"

	"github.com/aromcp/workflow-engine/internal/config"
	"github.com/aromcp/workflow-engine/internal/errors"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Workflow orchestration engine for AI agents",
	Long: `workflow runs declarative YAML workflows with typed steps, a
three-tier state store, and parallel sub-agent fan-out.

Agent clients poll for steps over a Unix socket; the engine interprets
control flow, evaluates expressions, and tracks state server-side.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ~/.aromcp/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("workflow {{.Version}}\n")
}

// loadConfig reads the effective configuration. File values lose to
// environment overrides.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, errors.CodeWorkflowInvalid,
			"loading config")
	}
	if verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}
	return cfg, nil
}

// ExitCode maps an error to the process exit code: 0 success, 1 workflow
// failed, 2 validation or configuration error, 3 internal.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *errors.EngineError
	if stderrors.As(err, &ee) {
		switch ee.Kind {
		case errors.KindValidation:
			return 2
		case errors.KindInternal:
			return 3
		default:
			return 1
		}
	}
	return 3
}
