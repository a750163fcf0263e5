package program

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// ShellPath is the shell that runs Shell programs.
var ShellPath = "/bin/sh"

// Process runs argv directly. Each argv element is a template.
type Process struct {
	Args []string
}

// NewProcess returns a process program.
func NewProcess(argv ...string) *Process {
	return &Process{Args: slices.Clone(argv)}
}

func (*Process) isProgram() {}

// Kind returns KindProcess.
func (*Process) Kind() Kind { return KindProcess }

// Argv returns the process argv.
func (p *Process) Argv() []string { return slices.Clone(p.Args) }

// Bind expands each argv element.
func (p *Process) Bind(args map[string]string) (Program, error) {
	argv, err := expandAll(p.Args, args)
	if err != nil {
		return nil, err
	}
	return &Process{Args: argv}, nil
}

func (p *Process) String() string {
	return strings.Join(p.Args, " ")
}

type processJSON struct {
	Type Kind     `json:"type"`
	Argv []string `json:"argv"`
}

// MarshalJSON implements json.Marshaler.
func (p *Process) MarshalJSON() ([]byte, error) {
	return json.Marshal(processJSON{Type: KindProcess, Argv: p.Args})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Process) UnmarshalJSON(data []byte) error {
	var j processJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("process program: %w", err)
	}
	if len(j.Argv) == 0 {
		return fmt.Errorf("process program: empty argv")
	}
	p.Args = j.Argv
	return nil
}

// Shell runs a command string with ShellPath -c. The whole command is one
// template.
type Shell struct {
	Command string
}

// NewShell returns a shell program.
func NewShell(command string) *Shell {
	return &Shell{Command: command}
}

func (*Shell) isProgram() {}

// Kind returns KindShell.
func (*Shell) Kind() Kind { return KindShell }

// Argv returns the shell invocation.
func (s *Shell) Argv() []string { return []string{ShellPath, "-c", s.Command} }

// Bind expands the command string.
func (s *Shell) Bind(args map[string]string) (Program, error) {
	cmd, err := Expand(s.Command, args)
	if err != nil {
		return nil, err
	}
	return &Shell{Command: cmd}, nil
}

func (s *Shell) String() string { return s.Command }

type shellJSON struct {
	Type    Kind   `json:"type"`
	Command string `json:"command"`
}

// MarshalJSON implements json.Marshaler.
func (s *Shell) MarshalJSON() ([]byte, error) {
	return json.Marshal(shellJSON{Type: KindShell, Command: s.Command})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Shell) UnmarshalJSON(data []byte) error {
	var j shellJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("shell program: %w", err)
	}
	if j.Command == "" {
		return fmt.Errorf("shell program: empty command")
	}
	s.Command = j.Command
	return nil
}
