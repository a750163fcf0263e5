package executor

import (
	"context"
	"errors"
	"syscall"

	"github.com/me/docket/pkg/program"
)

// ErrCancelled is the cause a scheduler gives when it cancels the context
// of a single run. Executors then discard the execution instead of leaving
// it for a later reconnect.
var ErrCancelled = errors.New("cancelled")

// Running is a started execution. State is the opaque data Reconnect and
// Signal need; it is persisted on the run. Done delivers exactly one
// Result and is then closed. If the context passed to Start or Reconnect
// is cancelled first, Done is closed without a value and the execution is
// left alone so a later process can reconnect to it, unless the cause is
// ErrCancelled.
type Running struct {
	State map[string]any
	Meta  map[string]any
	Done  <-chan program.Result
}

// Executor is a pluggable backend that runs bound Programs.
type Executor interface {
	// Kinds returns the program kinds this executor runs.
	Kinds() []program.Kind

	// Start begins executing prog for a run. It returns once the execution
	// has been placed; a start failure is a *program.ProgramError.
	Start(ctx context.Context, runID string, prog program.Program) (*Running, error)

	// Reconnect resumes observing an execution started by an earlier
	// process, using the State it returned. It never starts prog again.
	Reconnect(ctx context.Context, runID string, prog program.Program, state map[string]any) (*Running, error)

	// Signal delivers sig to a running execution.
	Signal(ctx context.Context, runID string, prog program.Program, state map[string]any, sig syscall.Signal) error
}
