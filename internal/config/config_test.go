package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Engine.MaxIterations != 100 {
		t.Errorf("MaxIterations = %d, want 100", cfg.Engine.MaxIterations)
	}
	if cfg.Engine.MaxParallel != 10 {
		t.Errorf("MaxParallel = %d, want 10", cfg.Engine.MaxParallel)
	}
	if cfg.Engine.EvalTimeout != time.Second {
		t.Errorf("EvalTimeout = %s, want 1s", cfg.Engine.EvalTimeout)
	}
	if cfg.Engine.DebugSerial {
		t.Error("DebugSerial should default to false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
version = "1"

[paths]
workflow_dir = "/opt/workflows"

[engine]
max_iterations = 50
max_parallel = 4

[logging]
level = "debug"
format = "text"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.WorkflowDir != "/opt/workflows" {
		t.Errorf("WorkflowDir = %s, want /opt/workflows", cfg.Paths.WorkflowDir)
	}
	if cfg.Engine.MaxIterations != 50 {
		t.Errorf("MaxIterations = %d, want 50", cfg.Engine.MaxIterations)
	}
	// Unspecified fields keep defaults
	if cfg.Engine.TrackerCapacity != 1000 {
		t.Errorf("TrackerCapacity = %d, want default 1000", cfg.Engine.TrackerCapacity)
	}
	if cfg.Logging.Level != LogLevelDebug {
		t.Errorf("Level = %s, want debug", cfg.Logging.Level)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() with missing file should use defaults, got error: %v", err)
	}
	if cfg.Engine.MaxIterations != 100 {
		t.Errorf("MaxIterations = %d, want 100", cfg.Engine.MaxIterations)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvWorkflowDir, "/env/workflows")
	t.Setenv(EnvDebugMode, DebugSerialValue)
	t.Setenv(EnvMaxIterations, "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.WorkflowDir != "/env/workflows" {
		t.Errorf("WorkflowDir = %s, want /env/workflows", cfg.Paths.WorkflowDir)
	}
	if !cfg.Engine.DebugSerial {
		t.Error("DebugSerial should be true with AROMCP_WORKFLOW_DEBUG=serial")
	}
	if cfg.Engine.MaxIterations != 7 {
		t.Errorf("MaxIterations = %d, want 7", cfg.Engine.MaxIterations)
	}
}

func TestLoad_BadEnvMaxIterations(t *testing.T) {
	t.Setenv(EnvMaxIterations, "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.MaxIterations != 100 {
		t.Errorf("MaxIterations = %d, want default 100 on unparseable env", cfg.Engine.MaxIterations)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero max_iterations", func(c *Config) { c.Engine.MaxIterations = 0 }, true},
		{"negative max_parallel", func(c *Config) { c.Engine.MaxParallel = -1 }, true},
		{"zero tracker capacity", func(c *Config) { c.Engine.TrackerCapacity = 0 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
