// Package condition defines predicates that hold a run in the waiting state
// until they are satisfied.
package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Kind identifies a condition variant in its JSON representation.
type Kind string

const (
	KindDependency Kind = "dependency"
	KindMaxRunning Kind = "max_running"
	KindExpr       Kind = "expr"
)

// Env gives conditions read access to other runs.
type Env interface {
	// CountRuns counts runs of jobID whose args include all of args and
	// whose state is one of states. excludeRunID is never counted.
	CountRuns(ctx context.Context, jobID string, args map[string]string, states []string, excludeRunID string) (int, error)
}

// Target identifies the run a condition is bound to.
type Target struct {
	RunID string
	JobID string
	Args  map[string]string
	Time  time.Time
}

// Condition gates a run's start.
type Condition interface {
	Kind() Kind

	// Bind returns a copy specialized for target. Unset fields default
	// from the target and templates in string fields are expanded.
	Bind(target Target) (Condition, error)

	// Check reports whether the condition is satisfied. Check is called on
	// bound conditions only.
	Check(ctx context.Context, env Env) (bool, error)

	String() string

	isCondition()
}

// ConditionError means a condition could not be evaluated.
type ConditionError struct {
	Condition string
	Err       error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition %s: %v", e.Condition, e.Err)
}

func (e *ConditionError) Unwrap() error { return e.Err }

// Marshal encodes a condition with its "type" tag.
func Marshal(c Condition) ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal decodes a condition from its tagged JSON form.
func Unmarshal(data []byte) (Condition, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}

	var c Condition
	switch head.Type {
	case KindDependency:
		c = &Dependency{}
	case KindMaxRunning:
		c = &MaxRunning{}
	case KindExpr:
		c = &Expr{}
	case "":
		return nil, fmt.Errorf("condition: missing type")
	default:
		return nil, fmt.Errorf("condition: unknown type %q", head.Type)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// UnmarshalList decodes a JSON array of conditions.
func UnmarshalList(data []byte) ([]Condition, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("conditions: %w", err)
	}
	conds := make([]Condition, 0, len(raws))
	for _, raw := range raws {
		c, err := Unmarshal(raw)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, nil
}

// BindAll binds each condition to target.
func BindAll(conds []Condition, target Target) ([]Condition, error) {
	out := make([]Condition, 0, len(conds))
	for _, c := range conds {
		b, err := c.Bind(target)
		if err != nil {
			return nil, fmt.Errorf("bind condition %s: %w", c, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func cloneArgs(args map[string]string) map[string]string {
	if args == nil {
		return nil
	}
	return maps.Clone(args)
}
