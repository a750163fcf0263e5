package executor

import (
	"fmt"
	"log/slog"

	"github.com/me/docket/pkg/program"
)

// Registry maps program kinds to the Executor that runs them.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	executors map[program.Kind]Executor
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		executors: make(map[program.Kind]Executor),
		logger:    logger.With("component", "executor-registry"),
	}
}

// Register adds an Executor for each kind it reports.
func (r *Registry) Register(exec Executor) {
	for _, k := range exec.Kinds() {
		r.executors[k] = exec
		r.logger.Info("executor registered", "kind", k)
	}
}

// Get returns the Executor for the given kind or an error if none is registered.
func (r *Registry) Get(k program.Kind) (Executor, error) {
	exec, ok := r.executors[k]
	if !ok {
		return nil, fmt.Errorf("no executor registered for program kind %q", k)
	}
	return exec, nil
}

// For returns the Executor for prog's kind.
func (r *Registry) For(prog program.Program) (Executor, error) {
	return r.Get(prog.Kind())
}
