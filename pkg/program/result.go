package program

import (
	"errors"
	"fmt"
)

// Outcome is how a run of a program ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeError   Outcome = "error"
)

// Result is the terminal outcome of running a program.
type Result struct {
	Outcome Outcome        `json:"outcome"`
	Message string         `json:"message,omitempty"`
	Output  string         `json:"output,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Success returns a success result.
func Success(output string, meta map[string]any) Result {
	return Result{Outcome: OutcomeSuccess, Output: output, Meta: meta}
}

// ResultOf maps an execution error to a failure or error result.
func ResultOf(err error) Result {
	var pf *ProgramFailure
	if errors.As(err, &pf) {
		return Result{Outcome: OutcomeFailure, Message: pf.Message, Output: pf.Output, Meta: pf.Meta}
	}
	var pe *ProgramError
	if errors.As(err, &pe) {
		return Result{Outcome: OutcomeError, Message: pe.Message, Output: pe.Output, Meta: pe.Meta}
	}
	return Result{Outcome: OutcomeError, Message: err.Error()}
}

// TemplateError reports a placeholder with no matching argument.
type TemplateError struct {
	Name     string
	Template string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("unknown template argument %q in %q", e.Name, e.Template)
}

// ProgramError means a program could not be started or observed. Message
// includes the text of Err, if any.
type ProgramError struct {
	Message string
	Output  string
	Meta    map[string]any
	Err     error
}

func (e *ProgramError) Error() string {
	return e.Message
}

func (e *ProgramError) Unwrap() error { return e.Err }

// Errorf returns a ProgramError. A %w verb sets Err.
func Errorf(format string, args ...any) *ProgramError {
	err := fmt.Errorf(format, args...)
	return &ProgramError{Message: err.Error(), Err: errors.Unwrap(err)}
}

// ProgramFailure means a program ran to completion and reported failure.
type ProgramFailure struct {
	Message string
	Output  string
	Meta    map[string]any
}

func (e *ProgramFailure) Error() string {
	return e.Message
}
