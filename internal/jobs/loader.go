// Package jobs loads job definitions from a directory of YAML files and
// watches it for changes.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/me/docket/pkg/condition"
	"github.com/me/docket/pkg/model"
	"github.com/me/docket/pkg/program"
	"github.com/me/docket/pkg/schedule"
)

// Pattern matches job files below the job directory.
const Pattern = "**/*.yaml"

// JobSpecificationError reports a job file that cannot be turned into a job.
type JobSpecificationError struct {
	JobID string
	Err   error
}

func (e *JobSpecificationError) Error() string {
	return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
}

func (e *JobSpecificationError) Unwrap() error { return e.Err }

// LoadDir loads every job file under dir. A job's id is its path relative
// to dir without the .yaml suffix. All bad files are reported together.
func LoadDir(dir string) ([]*model.Job, error) {
	return LoadFS(os.DirFS(dir))
}

// LoadFS loads every job file in fsys.
func LoadFS(fsys fs.FS) ([]*model.Job, error) {
	names, err := doublestar.Glob(fsys, Pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("find job files: %w", err)
	}
	slices.Sort(names)

	var (
		jobs []*model.Job
		errs []error
	)
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", name, err))
			continue
		}
		job, err := Parse(data, strings.TrimSuffix(name, path.Ext(name)))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		jobs = append(jobs, job)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return jobs, nil
}

// LoadFile loads one job file. The job id is the file's base name.
func LoadFile(filename string) (*model.Job, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	base := path.Base(filename)
	return Parse(data, strings.TrimSuffix(base, path.Ext(base)))
}

// Parse decodes a YAML job document and validates it.
func Parse(data []byte, jobID string) (*model.Job, error) {
	specErr := func(format string, args ...any) error {
		return &JobSpecificationError{JobID: jobID, Err: fmt.Errorf(format, args...)}
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, specErr("YAML parse error: %w", err)
	}
	if raw == nil {
		return nil, specErr("empty job file")
	}
	raw = normalize(raw).(map[string]any)

	if id, ok := raw["job_id"]; ok {
		if fmt.Sprint(id) != jobID {
			return nil, specErr("job_id %v does not match file name", id)
		}
		delete(raw, "job_id")
	}

	job := &model.Job{ID: jobID}
	var err error

	if job.Params, err = stringList(pop(raw, "params")); err != nil {
		return nil, specErr("params: %w", err)
	}

	scheds := popEither(raw, "schedule", "schedules")
	for i, s := range oneOrMany(scheds) {
		js, err := parseJobSchedule(s)
		if err != nil {
			return nil, specErr("schedule %d: %w", i, err)
		}
		job.Schedules = append(job.Schedules, js)
	}

	progRaw, ok := raw["program"]
	if !ok {
		return nil, specErr("missing program")
	}
	delete(raw, "program")
	if job.Program, err = parseProgram(progRaw); err != nil {
		return nil, specErr("%w", err)
	}

	for i, c := range oneOrMany(popEither(raw, "condition", "conditions")) {
		cond, err := decode(c, condition.Unmarshal)
		if err != nil {
			return nil, specErr("condition %d: %w", i, err)
		}
		job.Conditions = append(job.Conditions, cond)
	}

	if r := pop(raw, "reruns"); r != nil {
		if err := remarshal(r, &job.Reruns); err != nil {
			return nil, specErr("%w", err)
		}
	}

	for i, a := range oneOrMany(popEither(raw, "action", "actions")) {
		act, err := parseAction(a)
		if err != nil {
			return nil, specErr("action %d: %w", i, err)
		}
		job.Actions = append(job.Actions, act)
	}

	if m := pop(raw, "metadata"); m != nil {
		meta, ok := m.(map[string]any)
		if !ok {
			return nil, specErr("metadata must be a mapping")
		}
		job.Meta = meta
	}

	if a := pop(raw, "ad_hoc"); a != nil {
		adHoc, ok := a.(bool)
		if !ok {
			return nil, specErr("ad_hoc must be a boolean")
		}
		job.AdHoc = adHoc
	}

	if len(raw) > 0 {
		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return nil, specErr("unknown keys: %s", strings.Join(keys, ", "))
	}

	if err := job.Validate(); err != nil {
		return nil, &JobSpecificationError{JobID: jobID, Err: err}
	}
	return job, nil
}

// parseProgram accepts a shell command string, an argv list, or a mapping
// with a type.
func parseProgram(v any) (program.Program, error) {
	switch p := v.(type) {
	case string:
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("program: empty command")
		}
		return program.NewShell(p), nil
	case []any:
		argv, err := stringList(p)
		if err != nil {
			return nil, fmt.Errorf("program: %w", err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("program: empty argv")
		}
		return program.NewProcess(argv...), nil
	case map[string]any:
		if argv, ok := p["argv"].([]any); ok {
			args, err := stringList(argv)
			if err != nil {
				return nil, fmt.Errorf("program argv: %w", err)
			}
			p["argv"] = args
		}
		return decode(p, program.Unmarshal)
	case nil:
		return nil, fmt.Errorf("missing program")
	}
	return nil, fmt.Errorf("program: unexpected %T", v)
}

func parseJobSchedule(v any) (model.JobSchedule, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return model.JobSchedule{}, fmt.Errorf("expected a mapping, got %T", v)
	}
	js := model.JobSchedule{Enabled: true}
	if e := pop(m, "enabled"); e != nil {
		enabled, ok := e.(bool)
		if !ok {
			return js, fmt.Errorf("enabled must be a boolean")
		}
		js.Enabled = enabled
	}
	args, err := stringMap(pop(m, "args"))
	if err != nil {
		return js, fmt.Errorf("args: %w", err)
	}
	js.Args = args
	if dt, ok := m["daytime"].(string); ok {
		m["daytime"] = []any{dt}
	}
	if js.Schedule, err = decode(m, schedule.Unmarshal); err != nil {
		return js, err
	}
	return js, nil
}

func parseAction(v any) (model.Action, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return model.Action{}, fmt.Errorf("expected a mapping, got %T", v)
	}
	if s, ok := m["states"].(string); ok {
		m["states"] = []any{s}
	}
	var a model.Action
	if err := remarshal(m, &a); err != nil {
		return a, err
	}
	return a, a.Validate()
}

// decode re-encodes a YAML value as JSON for a tagged JSON decoder.
func decode[T any](v any, unmarshal func([]byte) (T, error)) (T, error) {
	var zero T
	data, err := json.Marshal(v)
	if err != nil {
		return zero, err
	}
	return unmarshal(data)
}

func remarshal(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// normalize converts YAML mappings with non-string keys so the value can
// be encoded as JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	}
	return v
}

func pop(m map[string]any, key string) any {
	v := m[key]
	delete(m, key)
	return v
}

func popEither(m map[string]any, a, b string) any {
	va, vb := pop(m, a), pop(m, b)
	if va != nil {
		return va
	}
	return vb
}

// oneOrMany treats a single mapping as a one-element list.
func oneOrMany(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	}
	return []any{v}
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, err := scalar(e)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a string or list, got %T", v)
}

func stringMap(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a mapping, got %T", v)
	}
	out := make(map[string]string, len(m))
	for k, e := range m {
		s, err := scalar(e)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}

func scalar(v any) (string, error) {
	switch v.(type) {
	case string, int, int64, uint64, float64, bool:
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("expected a scalar, got %T", v)
}
