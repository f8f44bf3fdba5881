// Package executor provides shell command execution with cancellation support.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Result captures one shell command's observable outputs.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

// FullOutput is stdout and stderr interleaved by stream, stdout first.
func (r *Result) FullOutput() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Shell runs commands through a shell with graceful termination.
type Shell struct {
	// DefaultShell is the shell used to execute commands.
	// Defaults to "/bin/sh".
	DefaultShell string

	// GracePeriod is how long a SIGTERM'd process gets before SIGKILL.
	GracePeriod time.Duration
}

// NewShell creates a Shell with default settings.
func NewShell() *Shell {
	return &Shell{
		DefaultShell: "/bin/sh",
		GracePeriod:  3 * time.Second,
	}
}

// Run executes command under the shell with the given working directory and
// timeout (0 means no timeout). On context cancellation or timeout the whole
// process group is terminated: SIGTERM first, SIGKILL after the grace period.
// A non-zero exit code is not an error; the caller decides what it means.
func (s *Shell) Run(ctx context.Context, command, cwd string, timeout time.Duration) (*Result, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command is empty")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell := s.DefaultShell
	if shell == "" {
		shell = "/bin/sh"
	}

	// Not exec.CommandContext: cancellation is handled manually so the
	// process gets SIGTERM before SIGKILL.
	cmd := exec.Command(shell, "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Own process group so the entire tree can be killed.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	res := &Result{}

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

			grace := s.GracePeriod
			if grace <= 0 {
				grace = 3 * time.Second
			}
			select {
			case <-done:
			case <-time.After(grace):
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
				<-done
			}
		}
		res.ExitCode = -1
		res.TimedOut = ctx.Err() == context.DeadlineExceeded

	case err := <-done:
		if err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				return nil, fmt.Errorf("running command: %w", err)
			}
			res.ExitCode = exitErr.ExitCode()
		}
	}

	res.Stdout = strings.TrimSuffix(stdout.String(), "\n")
	res.Stderr = strings.TrimSuffix(stderr.String(), "\n")
	return res, nil
}
