package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/docket/pkg/model"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatArgs renders args as "k=v k=v" in key order.
func formatArgs(args map[string]string) string {
	if len(args) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(args))
	for _, k := range slices.Sorted(maps.Keys(args)) {
		parts = append(parts, k+"="+args[k])
	}
	return strings.Join(parts, " ")
}

// parseArgs parses "name=value" words.
func parseArgs(words []string) (map[string]string, error) {
	args := map[string]string{}
	for _, w := range words {
		k, v, ok := strings.Cut(w, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q: want name=value", w)
		}
		args[k] = v
	}
	return args, nil
}

// formatWhen renders t with a relative hint, e.g.
// "2026-05-04 12:00:00 (3 minutes ago)".
func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format(time.DateTime), humanize.Time(t))
}

func printRunTable(w io.Writer, runs []*model.Run) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "RUN\tJOB\tARGS\tSTATE\tTIME")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Inst.JobID, formatArgs(run.Inst.Args), run.State, humanize.Time(run.Inst.Time))
	}
	return tw.Flush()
}

func printRun(w io.Writer, run *model.Run) {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "  Job:    %s\n", run.Inst.JobID)
	fmt.Fprintf(w, "  Args:   %s\n", formatArgs(run.Inst.Args))
	fmt.Fprintf(w, "  State:  %s\n", run.State)
	fmt.Fprintf(w, "  Time:   %s\n", formatWhen(run.Inst.Time))
	if run.Rerun != "" && run.Rerun != run.ID {
		fmt.Fprintf(w, "  Rerun of: %s\n", run.Rerun)
	}
	if run.Program != nil {
		fmt.Fprintf(w, "  Program: %s\n", run.Program)
	}
	if run.Message != "" {
		fmt.Fprintf(w, "  Message: %s\n", run.Message)
	}
	if len(run.Times) > 0 {
		fmt.Fprintln(w, "  Times:")
		names := slices.SortedFunc(maps.Keys(run.Times), func(a, b string) int {
			return run.Times[a].Compare(run.Times[b])
		})
		for _, name := range names {
			fmt.Fprintf(w, "    %-10s %s\n", name, formatWhen(run.Times[name]))
		}
	}
	if res := run.Result; res != nil {
		fmt.Fprintf(w, "  Outcome: %s\n", res.Outcome)
		fmt.Fprintf(w, "  Output:  %s\n", humanize.Bytes(uint64(len(res.Output))))
	}
}

func printJob(w io.Writer, job *model.Job) {
	fmt.Fprintf(w, "Job:      %s\n", job.ID)
	if len(job.Params) > 0 {
		fmt.Fprintf(w, "  Params: %s\n", strings.Join(job.Params, ", "))
	}
	if job.Program != nil {
		fmt.Fprintf(w, "  Program: %s (%s)\n", job.Program, job.Program.Kind())
	}
	for _, s := range job.Schedules {
		state := ""
		if !s.Enabled {
			state = " [disabled]"
		}
		fmt.Fprintf(w, "  Schedule: %s %s%s\n", s.Schedule, formatArgs(s.Args), state)
	}
	for _, c := range job.Conditions {
		fmt.Fprintf(w, "  Condition: %s\n", c)
	}
	if job.Reruns.Count > 0 {
		fmt.Fprintf(w, "  Reruns: %d, delay %s\n", job.Reruns.Count, job.Reruns.Delay)
	}
	for _, a := range job.Actions {
		fmt.Fprintf(w, "  Action: %s on %v\n", a.Type, a.States)
	}
	if job.AdHoc {
		fmt.Fprintln(w, "  Ad hoc: yes")
	}
}

func printJSON(w io.Writer, data json.RawMessage) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
