package program

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// DefaultGroup is the agent group used when a program names none.
const DefaultGroup = "default"

// Agent runs on a remote agent from a group. Exactly one of Args and
// Command is set; Command runs under ShellPath -c on the agent.
type Agent struct {
	Args    []string
	Command string
	GroupID string
}

func (*Agent) isProgram() {}

// Kind returns KindAgent.
func (*Agent) Kind() Kind { return KindAgent }

// Group returns the target group, or DefaultGroup.
func (a *Agent) Group() string {
	if a.GroupID == "" {
		return DefaultGroup
	}
	return a.GroupID
}

// Argv returns the argv the agent runs.
func (a *Agent) Argv() []string {
	if a.Command != "" {
		return []string{ShellPath, "-c", a.Command}
	}
	return slices.Clone(a.Args)
}

// Bind expands argv or command and the group id.
func (a *Agent) Bind(args map[string]string) (Program, error) {
	b := &Agent{}
	var err error
	if a.Args != nil {
		if b.Args, err = expandAll(a.Args, args); err != nil {
			return nil, err
		}
	}
	if b.Command, err = Expand(a.Command, args); err != nil {
		return nil, err
	}
	if b.GroupID, err = Expand(a.GroupID, args); err != nil {
		return nil, err
	}
	return b, nil
}

func (a *Agent) String() string {
	if a.Command != "" {
		return fmt.Sprintf("%s on %s", a.Command, a.Group())
	}
	return fmt.Sprintf("%s on %s", strings.Join(a.Args, " "), a.Group())
}

type agentJSON struct {
	Type    Kind     `json:"type"`
	Argv    []string `json:"argv,omitempty"`
	Command string   `json:"command,omitempty"`
	GroupID string   `json:"group_id"`
}

// MarshalJSON implements json.Marshaler.
func (a *Agent) MarshalJSON() ([]byte, error) {
	return json.Marshal(agentJSON{Type: KindAgent, Argv: a.Args, Command: a.Command, GroupID: a.Group()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Agent) UnmarshalJSON(data []byte) error {
	var j agentJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("agent program: %w", err)
	}
	switch {
	case len(j.Argv) == 0 && j.Command == "":
		return fmt.Errorf("agent program: argv or command required")
	case len(j.Argv) > 0 && j.Command != "":
		return fmt.Errorf("agent program: argv and command are exclusive")
	}
	*a = Agent{Args: j.Argv, Command: j.Command, GroupID: j.GroupID}
	return nil
}
