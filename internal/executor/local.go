package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/me/docket/pkg/program"
)

// LocalExecutor runs process and shell programs as child processes of the
// scheduler. Stdin is empty; stderr is merged into stdout.
type LocalExecutor struct {
	logger   *slog.Logger
	hostname string
	username string

	mu    sync.Mutex
	procs map[string]*os.Process
}

// NewLocalExecutor creates a LocalExecutor.
func NewLocalExecutor(logger *slog.Logger) *LocalExecutor {
	hostname, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return &LocalExecutor{
		logger:   logger.With("component", "local-executor"),
		hostname: hostname,
		username: username,
		procs:    make(map[string]*os.Process),
	}
}

// Kinds returns the process and shell kinds.
func (e *LocalExecutor) Kinds() []program.Kind {
	return []program.Kind{program.KindProcess, program.KindShell}
}

// Start launches the program and waits for it in the background.
func (e *LocalExecutor) Start(ctx context.Context, runID string, prog program.Program) (*Running, error) {
	argv := prog.Argv()
	if len(argv) == 0 {
		return nil, program.Errorf("run %s: empty argv", runID)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		pe := program.Errorf("can't run %s: %w", argv[0], err)
		pe.Meta = map[string]any{"hostname": e.hostname, "username": e.username}
		return nil, pe
	}
	pid := cmd.Process.Pid

	e.mu.Lock()
	e.procs[runID] = cmd.Process
	e.mu.Unlock()

	meta := map[string]any{
		"hostname": e.hostname,
		"username": e.username,
		"pid":      pid,
		"start":    start,
	}
	e.logger.Debug("process started", "run_id", runID, "argv", argv, "pid", pid)

	done := make(chan program.Result, 1)
	go func() {
		defer close(done)
		err := cmd.Wait()

		e.mu.Lock()
		delete(e.procs, runID)
		e.mu.Unlock()

		end := time.Now().UTC()
		final := map[string]any{
			"hostname": e.hostname,
			"username": e.username,
			"pid":      pid,
			"start":    start,
			"end":      end,
			"elapsed":  end.Sub(start).Seconds(),
		}
		res := e.result(err, cmd.ProcessState, out.String(), final)
		e.logger.Debug("process finished", "run_id", runID, "outcome", res.Outcome)
		done <- res
	}()

	return &Running{
		State: map[string]any{"pid": pid, "hostname": e.hostname},
		Meta:  meta,
		Done:  done,
	}, nil
}

func (e *LocalExecutor) result(err error, ps *os.ProcessState, output string, meta map[string]any) program.Result {
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return program.ResultOf(&program.ProgramError{
			Message: fmt.Sprintf("wait: %v", err),
			Output:  output,
			Meta:    meta,
			Err:     err,
		})
	}

	code := ps.ExitCode()
	meta["return_code"] = code
	if code == 0 {
		return program.Success(output, meta)
	}

	msg := fmt.Sprintf("program failed: return code %d", code)
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		name := unix.SignalName(ws.Signal())
		meta["signal"] = name
		msg = "program killed by " + name
	}
	return program.ResultOf(&program.ProgramFailure{Message: msg, Output: output, Meta: meta})
}

// Reconnect fails: a local child does not survive its parent in a form
// that can be waited on.
func (e *LocalExecutor) Reconnect(ctx context.Context, runID string, prog program.Program, state map[string]any) (*Running, error) {
	return nil, program.Errorf("cannot reconnect to local process for run %s", runID)
}

// Signal sends sig to the run's process.
func (e *LocalExecutor) Signal(ctx context.Context, runID string, prog program.Program, state map[string]any, sig syscall.Signal) error {
	e.mu.Lock()
	proc, ok := e.procs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running process for run %s", runID)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal run %s: %w", runID, err)
	}
	e.logger.Info("signalled process", "run_id", runID, "signal", unix.SignalName(sig))
	return nil
}
