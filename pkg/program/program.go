// Package program defines the programs a job runs, how template arguments
// are bound into them, and the outcome of running one.
//
// Program is a closed set of variants. The code that actually executes a
// program lives in internal/executor, keyed by Kind.
package program

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies a program variant in its JSON representation.
type Kind string

const (
	KindProcess Kind = "process"
	KindShell   Kind = "shell"
	KindAgent   Kind = "agent"
)

// Program is an executable description, possibly containing {name}
// placeholders.
type Program interface {
	Kind() Kind

	// Bind returns a copy with placeholders replaced by args. The receiver
	// is unchanged.
	Bind(args map[string]string) (Program, error)

	// Argv returns the command line the program runs.
	Argv() []string

	String() string

	isProgram()
}

// Marshal encodes a program with its "type" tag.
func Marshal(p Program) ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal decodes a program from its tagged JSON form.
func Unmarshal(data []byte) (Program, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	switch head.Type {
	case KindProcess:
		var p Process
		if err := p.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return &p, nil
	case KindShell:
		var p Shell
		if err := p.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return &p, nil
	case KindAgent:
		var p Agent
		if err := p.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return &p, nil
	case "":
		return nil, fmt.Errorf("program: missing type")
	}
	return nil, fmt.Errorf("program: unknown type %q", head.Type)
}

// Expand replaces each {name} placeholder in tmpl with args[name]. A
// placeholder is a brace-enclosed identifier not preceded by '$', so shell
// ${VAR} references and other braces pass through untouched.
func Expand(tmpl string, args map[string]string) (string, error) {
	if !strings.Contains(tmpl, "{") {
		return tmpl, nil
	}
	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); {
		name, n := placeholderAt(tmpl, i)
		if n == 0 {
			b.WriteByte(tmpl[i])
			i++
			continue
		}
		val, ok := args[name]
		if !ok {
			return "", &TemplateError{Name: name, Template: tmpl}
		}
		b.WriteString(val)
		i += n
	}
	return b.String(), nil
}

// Placeholders returns the distinct placeholder names in tmpl, in order of
// first appearance.
func Placeholders(tmpl string) []string {
	var names []string
	seen := map[string]bool{}
	for i := 0; i < len(tmpl); i++ {
		name, n := placeholderAt(tmpl, i)
		if n == 0 {
			continue
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		i += n - 1
	}
	return names
}

// placeholderAt returns the identifier and total length of a placeholder
// starting at s[i], or n == 0 if there is none.
func placeholderAt(s string, i int) (name string, n int) {
	if s[i] != '{' || (i > 0 && s[i-1] == '$') {
		return "", 0
	}
	j := i + 1
	for j < len(s) && isIdent(s[j], j == i+1) {
		j++
	}
	if j == i+1 || j >= len(s) || s[j] != '}' {
		return "", 0
	}
	return s[i+1 : j], j - i + 1
}

func isIdent(c byte, first bool) bool {
	switch {
	case c == '_', 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		return true
	case '0' <= c && c <= '9':
		return !first
	}
	return false
}

func expandAll(tmpls []string, args map[string]string) ([]string, error) {
	out := make([]string, len(tmpls))
	for i, t := range tmpls {
		s, err := Expand(t, args)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
