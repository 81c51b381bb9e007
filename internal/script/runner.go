// Package script runs the startup and shutdown scripts of the observatory as
// local processes. A script is started once and its outcome polled, matching
// the way the scheduler drives devices.
package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
)

// State is the lifecycle of a script run.
type State string

const (
	StateIdle      State = "IDLE"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Result is the outcome of the last run.
type Result struct {
	State    State
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// ErrBusy is returned when a script is started while another is running.
var ErrBusy = errors.New("script already running")

// Runner runs one script at a time in the background.
type Runner struct {
	logger *slog.Logger

	mu     sync.Mutex
	result Result
	cancel context.CancelFunc
}

// NewRunner creates an idle runner.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		logger: logger.With("component", "script"),
		result: Result{State: StateIdle},
	}
}

// Start launches path with args. It returns as soon as the process is
// spawned; use Poll to follow it.
func (r *Runner) Start(ctx context.Context, path string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result.State == StateRunning {
		return ErrBusy
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		r.result = Result{State: StateFailed, ExitCode: -1, Err: fmt.Errorf("start %s: %w", path, err)}
		return r.result.Err
	}

	r.cancel = cancel
	r.result = Result{State: StateRunning}
	r.logger.Info("script started", "path", path, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		cancel()

		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			res.State = StateSucceeded
		case errors.As(err, &exitErr):
			res.State = StateFailed
			res.ExitCode = exitErr.ExitCode()
			res.Err = fmt.Errorf("script %s exited with code %d", path, res.ExitCode)
		default:
			res.State = StateFailed
			res.ExitCode = -1
			res.Err = fmt.Errorf("script %s: %w", path, err)
		}

		r.mu.Lock()
		r.result = res
		r.cancel = nil
		r.mu.Unlock()

		if res.State == StateSucceeded {
			r.logger.Info("script finished", "path", path)
		} else {
			r.logger.Error("script failed", "path", path, "exit_code", res.ExitCode, "stderr", res.Stderr)
		}
	}()
	return nil
}

// Poll returns the state of the current or last run.
func (r *Runner) Poll() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Cancel kills a running script.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Reset forgets the last result. A running script is left alone.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result.State != StateRunning {
		r.result = Result{State: StateIdle}
	}
}
