package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aromcp/workflow-engine/internal/config"
	"github.com/aromcp/workflow-engine/internal/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"validation", errors.New(errors.KindValidation, errors.CodeWorkflowInvalid, "bad"), 2},
		{"internal", errors.New(errors.KindInternal, errors.CodeInternal, "boom"), 3},
		{"step failure", errors.New(errors.KindStepExecution, errors.CodeShellFailed, "exit 1"), 1},
		{"timeout", errors.New(errors.KindTimeout, errors.CodeStepTimeout, "slow"), 1},
		{"cancelled", errors.New(errors.KindCancelled, errors.CodeCancelled, "stopped"), 1},
		{"plain error", os.ErrPermission, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs([]string{"env=prod", "region=us-east-1"}, `{"count": 3, "env": "dev"}`)
	if err != nil {
		t.Fatalf("parseInputs: %v", err)
	}
	// Pairs win over the JSON blob.
	if inputs["env"] != "prod" || inputs["region"] != "us-east-1" || inputs["count"] != float64(3) {
		t.Errorf("inputs = %+v", inputs)
	}

	if _, err := parseInputs([]string{"no-equals"}, ""); err == nil {
		t.Error("expected error for malformed pair")
	}
	if _, err := parseInputs(nil, "{broken"); err == nil {
		t.Error("expected error for bad JSON")
	}

	inputs, err = parseInputs(nil, "")
	if err != nil || inputs != nil {
		t.Errorf("empty inputs = %+v, %v; want nil, nil", inputs, err)
	}
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateCommandOnFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "ok.yaml")
	if err := os.WriteFile(good, []byte("name: ok\nsteps:\n  - type: user_message\n    message: hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "", "validate", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "ok (1 steps)") {
		t.Errorf("output = %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("name: bad\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = execute(t, "", "validate", bad)
	if ExitCode(err) != 2 {
		t.Errorf("exit = %d (%v), want 2", ExitCode(err), err)
	}
}

func TestRunCommandDrivesWorkflow(t *testing.T) {
	dir := t.TempDir()
	def := `
name: hello
steps:
  - type: user_message
    message: "what is your name?"
  - type: user_input
    prompt: "name:"
    variable: state.name
  - type: user_message
    message: "hello {{ state.name }}"
`
	if err := os.WriteFile(filepath.Join(dir, "hello.yaml"), []byte(def), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvWorkflowDir, dir)

	out, err := execute(t, "ada\n", "run", "hello")
	if err != nil {
		t.Fatalf("run: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "hello ada") {
		t.Errorf("output missing greeting: %q", out)
	}
	if !strings.Contains(out, "completed") {
		t.Errorf("output missing terminal status: %q", out)
	}
}

func TestRunCommandFailurePropagates(t *testing.T) {
	dir := t.TempDir()
	def := `
name: doomed
steps:
  - type: shell_command
    command: "exit 9"
    fail_on_error: true
`
	if err := os.WriteFile(filepath.Join(dir, "doomed.yaml"), []byte(def), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvWorkflowDir, dir)

	_, err := execute(t, "", "run", "doomed")
	if ExitCode(err) != 1 {
		t.Errorf("exit = %d (%v), want 1", ExitCode(err), err)
	}
}
