// Package rt drives the external environment tool as a subprocess.
//
// Two operations cross this boundary: discovery (`list --json`) and
// build (`switch <hash>`). Both honor cooperative cancellation - when
// the caller's context is cancelled the subprocess is sent SIGTERM,
// given a grace period, then SIGKILLed, and the call settles with the
// context's error rather than a tool failure.
package rt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/envgate/internal/log"
)

const (
	// maxStderrBytes caps the amount of stderr captured from tool execution.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Runner executes the environment tool.
type Runner struct {
	path   string
	args   []string
	grace  time.Duration
	logger *slog.Logger
}

// NewRunner creates a Runner for the tool at path. Extra base arguments
// are prepended to every invocation.
func NewRunner(path string, args []string) *Runner {
	return &Runner{
		path:   path,
		args:   args,
		grace:  terminationGracePeriod,
		logger: log.WithComponent("rt"),
	}
}

// WithGrace overrides the SIGTERM grace period. Non-positive values
// keep the default.
func (r *Runner) WithGrace(d time.Duration) *Runner {
	if d > 0 {
		r.grace = d
	}
	return r
}

// List runs the discovery command in dir and returns the parsed catalog.
func (r *Runner) List(ctx context.Context, dir string) ([]Descriptor, error) {
	stdout, stderr, err := r.run(ctx, dir, "list", "--json")
	if err != nil {
		return nil, toolError("list", err, stderr)
	}

	descriptors, err := DecodeCatalog(bytes.NewReader(stdout))
	if err != nil {
		return nil, fmt.Errorf("discovery output: %w", err)
	}
	return descriptors, nil
}

// Build runs the build command for one context identity in dir.
// Success is exit code 0; any other exit surfaces stderr as the message.
func (r *Runner) Build(ctx context.Context, dir, contextHash string, forceReinstall bool) error {
	args := []string{"switch", contextHash}
	if forceReinstall {
		args = append(args, "--force-reinstall")
	}

	_, stderr, err := r.run(ctx, dir, args...)
	if err != nil {
		return toolError("build", err, stderr)
	}
	return nil
}

// Version probes the tool binary. Used by doctor checks.
func (r *Runner) Version(ctx context.Context) (string, error) {
	stdout, stderr, err := r.run(ctx, "", "--version")
	if err != nil {
		return "", toolError("version", err, stderr)
	}
	return strings.TrimSpace(string(stdout)), nil
}

// run spawns the tool, waits for completion, and enforces termination on
// context cancellation. Returns stdout, truncated stderr, and any error.
func (r *Runner) run(ctx context.Context, dir string, args ...string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	full := append(append([]string{}, r.args...), args...)

	// Don't use CommandContext - we manage termination ourselves so the
	// tool gets a chance to exit cleanly before being killed.
	cmd := exec.Command(r.path, full...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("spawning tool", "path", r.path, "args", full, "dir", dir)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		r.logger.Debug("tool invocation cancelled, sending SIGTERM")
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				r.logger.Error("failed to send SIGTERM", "error", err)
			}
		}

		grace := time.NewTimer(r.grace)
		defer grace.Stop()

		select {
		case <-waitErr:
			r.logger.Debug("tool exited after SIGTERM")
		case <-grace.C:
			r.logger.Warn("tool did not exit after SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				if err := cmd.Process.Kill(); err != nil {
					r.logger.Error("failed to send SIGKILL", "error", err)
				}
			}
			<-waitErr // Wait for process to die
		}

		return nil, truncateStderr(stderr.String()), ctx.Err()

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return nil, stderrStr, fmt.Errorf("exit status %d", exitErr.ExitCode())
			}
			return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
		}
		return stdout.Bytes(), stderrStr, nil
	}
}

// toolError folds stderr into the returned error unless the underlying
// cause is cancellation, which must stay distinguishable for callers.
func toolError(op string, err error, stderr string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %s", op, err, msg)
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
