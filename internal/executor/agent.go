package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"github.com/me/docket/internal/agent"
	"github.com/me/docket/pkg/program"
)

// AgentExecutor runs agent programs on remote agents through the agent
// connection registry. The run id is used as the proc id.
type AgentExecutor struct {
	server       *agent.Server
	startTimeout time.Duration
	logger       *slog.Logger
}

// NewAgentExecutor creates an AgentExecutor. startTimeout bounds the wait
// for an agent in the program's group to be connected.
func NewAgentExecutor(server *agent.Server, startTimeout time.Duration, logger *slog.Logger) *AgentExecutor {
	return &AgentExecutor{
		server:       server,
		startTimeout: startTimeout,
		logger:       logger.With("component", "agent-executor"),
	}
}

// Kinds returns the agent kind.
func (e *AgentExecutor) Kinds() []program.Kind {
	return []program.Kind{program.KindAgent}
}

// Start dispatches the program to an agent and waits for its first result.
func (e *AgentExecutor) Start(ctx context.Context, runID string, prog program.Program) (*Running, error) {
	ap, ok := prog.(*program.Agent)
	if !ok {
		return nil, program.Errorf("run %s: %s program is not an agent program", runID, prog.Kind())
	}
	group := ap.Group()
	procID := runID

	p, err := e.server.Start(ctx, procID, group, agent.NewProcSpec(ap.Argv()), e.startTimeout)
	if err != nil {
		return nil, program.Errorf("dispatch to group %s: %w", group, err)
	}

	first, err := p.Next(ctx)
	if err != nil {
		e.delete(procID)
		if errors.Is(context.Cause(ctx), ErrCancelled) {
			err = ErrCancelled
		}
		return nil, program.Errorf("await first result: %w", err)
	}
	if first.State == agent.ProcError {
		e.delete(procID)
		return nil, &program.ProgramError{
			Message: "agent error: " + strings.Join(first.Errors, "; "),
			Output:  first.Output,
			Meta:    first.Meta(),
		}
	}

	e.logger.Info("proc dispatched", "run_id", runID, "conn_id", p.ConnID, "group_id", group)
	return &Running{
		State: map[string]any{"conn_id": p.ConnID, "proc_id": procID},
		Meta:  first.Meta(),
		Done:  e.follow(ctx, runID, p, first),
	}, nil
}

// Reconnect re-subscribes to the proc named in state without dispatching
// it again.
func (e *AgentExecutor) Reconnect(ctx context.Context, runID string, prog program.Program, state map[string]any) (*Running, error) {
	connID, procID, err := procState(state)
	if err != nil {
		return nil, program.Errorf("run %s: %w", runID, err)
	}
	p, err := e.server.Reconnect(ctx, connID, procID)
	if err != nil {
		return nil, program.Errorf("reconnect to %s: %w", connID, err)
	}
	e.logger.Info("proc reconnected", "run_id", runID, "conn_id", connID, "proc_id", procID)
	return &Running{
		State: state,
		Done:  e.follow(ctx, runID, p, nil),
	}, nil
}

// Signal asks the agent to signal the proc.
func (e *AgentExecutor) Signal(ctx context.Context, runID string, prog program.Program, state map[string]any, sig syscall.Signal) error {
	_, procID, err := procState(state)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	if err := e.server.Signal(ctx, procID, int(sig)); err != nil {
		return fmt.Errorf("signal run %s: %w", runID, err)
	}
	return nil
}

func procState(state map[string]any) (connID, procID string, err error) {
	connID, _ = state["conn_id"].(string)
	procID, _ = state["proc_id"].(string)
	if connID == "" || procID == "" {
		return "", "", errors.New("missing conn_id or proc_id in run state")
	}
	return connID, procID, nil
}

// follow consumes results from res onward until the proc terminates or
// errors, then deletes it and delivers the outcome. A run cancelled through
// ctx has its proc deleted, which kills it on the agent.
func (e *AgentExecutor) follow(ctx context.Context, runID string, p *agent.Proc, res *agent.ProcResult) <-chan program.Result {
	done := make(chan program.Result, 1)
	go func() {
		defer close(done)
		var last *agent.ProcResult
		for {
			if res != nil {
				last = res
				switch res.State {
				case agent.ProcTerminated:
					e.delete(p.ID)
					done <- terminated(res)
					return
				case agent.ProcError:
					e.delete(p.ID)
					done <- program.ResultOf(&program.ProgramError{
						Message: "agent error: " + strings.Join(res.Errors, "; "),
						Output:  res.Output,
						Meta:    res.Meta(),
					})
					return
				}
			}

			var err error
			res, err = p.Next(ctx)
			if err != nil {
				if ctx.Err() != nil && !errors.Is(context.Cause(ctx), ErrCancelled) {
					return
				}
				e.delete(p.ID)
				if ctx.Err() != nil {
					err = ErrCancelled
				} else {
					e.logger.Warn("lost proc", "run_id", runID, "proc_id", p.ID, "error", err)
				}
				pe := program.Errorf("agent proc %s: %w", p.ID, err)
				if last != nil {
					pe.Output = last.Output
					pe.Meta = last.Meta()
				}
				done <- program.ResultOf(pe)
				return
			}
		}
	}()
	return done
}

func terminated(res *agent.ProcResult) program.Result {
	meta := res.Meta()
	st := res.Status
	if st == nil {
		return program.ResultOf(&program.ProgramError{Message: "terminated without status", Output: res.Output, Meta: meta})
	}
	if st.ExitCode == 0 && st.Signal == "" {
		return program.Success(res.Output, meta)
	}
	msg := fmt.Sprintf("program failed: exit code %d", st.ExitCode)
	if st.Signal != "" {
		msg = "program killed by " + st.Signal
	}
	return program.ResultOf(&program.ProgramFailure{Message: msg, Output: res.Output, Meta: meta})
}

// delete asks the agent to discard a proc. Failure is logged only; the
// agent collects orphans itself.
func (e *AgentExecutor) delete(procID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.server.Delete(ctx, procID)
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrUnknownProc), errors.Is(err, agent.ErrNoConnection):
		e.logger.Debug("proc already gone", "proc_id", procID, "error", err)
	default:
		e.logger.Warn("delete proc failed", "proc_id", procID, "error", err)
	}
}
