package model

import "fmt"

// RunState represents the lifecycle state of a Run.
type RunState string

const (
	RunStateNew       RunState = "new"
	RunStateScheduled RunState = "scheduled"
	RunStateWaiting   RunState = "waiting"
	RunStateRunning   RunState = "running"
	RunStateSuccess   RunState = "success"
	RunStateFailure   RunState = "failure"
	RunStateError     RunState = "error"
)

// RunStates lists every state in lifecycle order.
var RunStates = []RunState{
	RunStateNew,
	RunStateScheduled,
	RunStateWaiting,
	RunStateRunning,
	RunStateSuccess,
	RunStateFailure,
	RunStateError,
}

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal returns true if the run is in a final state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateSuccess, RunStateFailure, RunStateError:
		return true
	}
	return false
}

// ValidRunTransitions defines the allowed state transitions for Runs.
// Every non-terminal state may move to error.
var ValidRunTransitions = map[RunState][]RunState{
	RunStateNew:       {RunStateScheduled, RunStateError},
	RunStateScheduled: {RunStateWaiting, RunStateRunning, RunStateError},
	RunStateWaiting:   {RunStateRunning, RunStateError},
	RunStateRunning:   {RunStateSuccess, RunStateFailure, RunStateError},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s RunState) CanTransitionTo(next RunState) bool {
	for _, allowed := range ValidRunTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseRunState parses a state name.
func ParseRunState(s string) (RunState, error) {
	for _, st := range RunStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown run state %q", s)
}

// AgentConnState represents whether an agent connection is live.
type AgentConnState string

const (
	AgentConnConnected    AgentConnState = "connected"
	AgentConnDisconnected AgentConnState = "disconnected"
)

// ValidAgentConnTransitions defines the allowed state transitions for agent connections.
var ValidAgentConnTransitions = map[AgentConnState][]AgentConnState{
	AgentConnConnected:    {AgentConnDisconnected},
	AgentConnDisconnected: {AgentConnConnected},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s AgentConnState) CanTransitionTo(next AgentConnState) bool {
	for _, allowed := range ValidAgentConnTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
