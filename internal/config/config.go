// Package config holds engine configuration loaded from TOML with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables recognized by the engine.
const (
	EnvWorkflowDir   = "AROMCP_WORKFLOW_DIR"
	EnvDebugMode     = "AROMCP_WORKFLOW_DEBUG"
	EnvMaxIterations = "AROMCP_MAX_ITERATIONS"
)

// DebugSerialValue is the EnvDebugMode value that collapses parallel_foreach
// into sequential execution.
const DebugSerialValue = "serial"

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// PathsConfig holds path configuration.
type PathsConfig struct {
	// WorkflowDir is where workflow YAML definitions live.
	WorkflowDir string `toml:"workflow_dir"`

	// SocketPath is the Unix domain socket the server listens on.
	SocketPath string `toml:"socket_path"`
}

// EngineConfig holds execution engine settings.
type EngineConfig struct {
	// MaxIterations is the default per-loop iteration cap.
	MaxIterations int `toml:"max_iterations"`

	// FailOnIterationCap fails the workflow instead of warning when a loop
	// exceeds max_iterations.
	FailOnIterationCap bool `toml:"fail_on_iteration_cap"`

	// EvalTimeout bounds a single expression evaluation.
	EvalTimeout time.Duration `toml:"eval_timeout"`

	// EvalMaxDepth caps expression recursion.
	EvalMaxDepth int `toml:"eval_max_depth"`

	// ShellTimeout is the default shell_command timeout.
	ShellTimeout time.Duration `toml:"shell_timeout"`

	// MaxParallel is the default sub-agent concurrency cap.
	MaxParallel int `toml:"max_parallel"`

	// TrackerCapacity is the per-instance tracker ring buffer size.
	TrackerCapacity int `toml:"tracker_capacity"`

	// RetainTerminal is how long terminal instances stay queryable.
	RetainTerminal time.Duration `toml:"retain_terminal"`

	// DebugSerial serializes parallel_foreach while preserving semantics.
	DebugSerial bool `toml:"debug_serial"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// Config is the main configuration struct for the workflow engine.
type Config struct {
	Version string        `toml:"version"`
	Paths   PathsConfig   `toml:"paths"`
	Engine  EngineConfig  `toml:"engine"`
	Logging LoggingConfig `toml:"logging"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Paths: PathsConfig{
			WorkflowDir: "./workflows",
			SocketPath:  "/tmp/aromcp-workflow.sock",
		},
		Engine: EngineConfig{
			MaxIterations:   100,
			EvalTimeout:     time.Second,
			EvalMaxDepth:    100,
			ShellTimeout:    30 * time.Second,
			MaxParallel:     10,
			TrackerCapacity: 1000,
			RetainTerminal:  time.Hour,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
	}
}

// Load reads configuration from path, falling back to defaults for fields not
// present. A missing file is not an error. Environment variables are applied
// last and win over file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".aromcp", "config.toml")
}

// applyEnv overrides config values from the environment.
func (c *Config) applyEnv() {
	if dir := os.Getenv(EnvWorkflowDir); dir != "" {
		c.Paths.WorkflowDir = dir
	}
	if mode := os.Getenv(EnvDebugMode); mode == DebugSerialValue {
		c.Engine.DebugSerial = true
	}
	if raw := os.Getenv(EnvMaxIterations); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			c.Engine.MaxIterations = n
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Engine.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be positive, got %d", c.Engine.MaxIterations)
	}
	if c.Engine.MaxParallel <= 0 {
		return fmt.Errorf("engine.max_parallel must be positive, got %d", c.Engine.MaxParallel)
	}
	if c.Engine.TrackerCapacity <= 0 {
		return fmt.Errorf("engine.tracker_capacity must be positive, got %d", c.Engine.TrackerCapacity)
	}
	if c.Engine.EvalTimeout <= 0 {
		return fmt.Errorf("engine.eval_timeout must be positive, got %s", c.Engine.EvalTimeout)
	}
	switch c.Logging.Level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, "":
	default:
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case LogFormatJSON, LogFormatText, "":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}
