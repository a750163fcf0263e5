// Package agent implements remote execution agents: the wire protocol, the
// scheduler-side connection registry that agents dial into, and the agent
// process that runs programs on the scheduler's behalf.
package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types.
const (
	// Agent to server.
	MsgRegister    = "Register"
	MsgProcResult  = "ProcResult"
	MsgProcUnknown = "ProcUnknown"
	MsgProcDeleted = "ProcDeleted"

	// Server to agent.
	MsgRegistered        = "Registered"
	MsgProcStart         = "ProcStart"
	MsgProcResultRequest = "ProcResultRequest"
	MsgProcSignal        = "ProcSignal"
	MsgProcDelete        = "ProcDelete"
)

// Message is a protocol message. Type selects which other fields are set.
type Message struct {
	Type string `json:"type"`

	// Register, Registered
	ConnID   string `json:"conn_id,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Username string `json:"username,omitempty"`
	PID      int    `json:"pid,omitempty"`

	// Proc messages
	ProcID string      `json:"proc_id,omitempty"`
	Spec   *ProcSpec   `json:"spec,omitempty"`
	Signal int         `json:"signal,omitempty"`
	Result *ProcResult `json:"res,omitempty"`
}

func (m *Message) validate() error {
	switch m.Type {
	case MsgRegister:
		if m.ConnID == "" {
			return fmt.Errorf("%s: missing conn_id", m.Type)
		}
	case MsgRegistered:
	case MsgProcStart:
		if m.ProcID == "" || m.Spec == nil || len(m.Spec.Argv) == 0 {
			return fmt.Errorf("%s: missing proc_id or spec", m.Type)
		}
	case MsgProcResult:
		if m.ProcID == "" || m.Result == nil {
			return fmt.Errorf("%s: missing proc_id or res", m.Type)
		}
	case MsgProcUnknown, MsgProcDeleted, MsgProcResultRequest, MsgProcDelete:
		if m.ProcID == "" {
			return fmt.Errorf("%s: missing proc_id", m.Type)
		}
	case MsgProcSignal:
		if m.ProcID == "" || m.Signal <= 0 {
			return fmt.Errorf("%s: missing proc_id or signal", m.Type)
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

func decodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// EnvSpec controls a process's environment.
type EnvSpec struct {
	Inherit bool              `json:"inherit"`
	Vars    map[string]string `json:"vars,omitempty"`
}

// FdSpec controls one of a process's file descriptors. Capture "memory"
// collects the output; Dup makes the fd a copy of another.
type FdSpec struct {
	Capture  string `json:"capture,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Dup      int    `json:"dup,omitempty"`
}

// ProcSpec describes a process for an agent to start.
type ProcSpec struct {
	Argv []string          `json:"argv"`
	Env  EnvSpec           `json:"env"`
	Fds  map[string]FdSpec `json:"fds,omitempty"`
}

// NewProcSpec returns a spec that inherits the agent's environment,
// captures stdout in memory, and merges stderr into stdout.
func NewProcSpec(argv []string) *ProcSpec {
	return &ProcSpec{
		Argv: argv,
		Env:  EnvSpec{Inherit: true},
		Fds: map[string]FdSpec{
			"stdout": {Capture: "memory", Encoding: "utf-8"},
			"stderr": {Dup: 1},
		},
	}
}

// ProcState is the state reported in a ProcResult.
type ProcState string

const (
	ProcRunning    ProcState = "running"
	ProcTerminated ProcState = "terminated"
	ProcError      ProcState = "error"
)

// ExitStatus is how a terminated process ended.
type ExitStatus struct {
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
}

// ProcTimes records a process's wall-clock times.
type ProcTimes struct {
	Start   time.Time  `json:"start"`
	Stop    *time.Time `json:"stop,omitempty"`
	Elapsed float64    `json:"elapsed"`
}

// Rusage is resource usage of a terminated process, in seconds and KiB.
type Rusage struct {
	UTime  float64 `json:"utime"`
	STime  float64 `json:"stime"`
	MaxRSS int64   `json:"maxrss,omitempty"`
}

// ConnInfo identifies the agent that reported a result.
type ConnInfo struct {
	ConnID   string `json:"conn_id"`
	GroupID  string `json:"group_id"`
	Hostname string `json:"hostname"`
}

// ProcResult is an agent's report on a process. Output holds everything
// captured so far.
type ProcResult struct {
	ProcID string      `json:"proc_id"`
	State  ProcState   `json:"state"`
	Errors []string    `json:"errors,omitempty"`
	PID    int         `json:"pid,omitempty"`
	Status *ExitStatus `json:"status,omitempty"`
	Times  ProcTimes   `json:"times"`
	Rusage *Rusage     `json:"rusage,omitempty"`
	Output string      `json:"output"`
	Conn   ConnInfo    `json:"conn"`
}

// Meta flattens the result into run metadata.
func (r *ProcResult) Meta() map[string]any {
	meta := map[string]any{
		"proc_id":  r.ProcID,
		"conn_id":  r.Conn.ConnID,
		"group_id": r.Conn.GroupID,
		"hostname": r.Conn.Hostname,
		"start":    r.Times.Start,
		"elapsed":  r.Times.Elapsed,
	}
	if r.PID != 0 {
		meta["pid"] = r.PID
	}
	if r.Times.Stop != nil {
		meta["stop"] = *r.Times.Stop
	}
	if r.Status != nil {
		meta["exit_code"] = r.Status.ExitCode
		if r.Status.Signal != "" {
			meta["signal"] = r.Status.Signal
		}
	}
	if r.Rusage != nil {
		meta["utime"] = r.Rusage.UTime
		meta["stime"] = r.Rusage.STime
		meta["maxrss"] = r.Rusage.MaxRSS
	}
	if len(r.Errors) > 0 {
		meta["errors"] = r.Errors
	}
	return meta
}
