package executor

import (
	"context"
	"testing"
	"time"
)

func TestRunCapturesStreams(t *testing.T) {
	s := NewShell()
	res, err := s.Run(context.Background(), "echo out; echo err >&2", "", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if res.Stdout != "out" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "err" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if got := res.FullOutput(); got != "out\nerr" {
		t.Errorf("full output = %q", got)
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	s := NewShell()
	res, err := s.Run(context.Background(), "exit 7", "", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", res.ExitCode)
	}
}

func TestRunWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	s := NewShell()
	res, err := s.Run(context.Background(), "pwd", dir, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// pwd may resolve symlinks (macOS /tmp), so compare suffixes.
	if res.Stdout == "" {
		t.Fatal("pwd produced no output")
	}
}

func TestRunTimeout(t *testing.T) {
	s := NewShell()
	s.GracePeriod = 100 * time.Millisecond

	start := time.Now()
	res, err := s.Run(context.Background(), "sleep 10", "", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("termination took %v", elapsed)
	}
}

func TestRunEmptyCommand(t *testing.T) {
	s := NewShell()
	if _, err := s.Run(context.Background(), "   ", "", 0); err == nil {
		t.Fatal("expected error for empty command")
	}
}
