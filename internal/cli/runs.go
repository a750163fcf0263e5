package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/docket/pkg/model"
)

func newRunsCmd() *cobra.Command {
	var (
		jobID  string
		states string
		args   []string
		since  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if jobID != "" {
				q.Set("job_id", jobID)
			}
			if states != "" {
				q.Set("state", states)
			}
			for _, a := range args {
				q.Add("arg", a)
			}
			if since != "" {
				t, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				q.Set("since", t.UTC().Format(time.RFC3339))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			path := "/api/v1/runs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			resp, err := client.Get(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			runs, err := decodeData[[]*model.Run](resp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs found.")
				return nil
			}
			if err := printRunTable(out, runs); err != nil {
				return err
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(runs), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&jobID, "job", "j", "", "Only runs of this job")
	cmd.Flags().StringVarP(&states, "state", "s", "", "Only runs in these states (comma separated)")
	cmd.Flags().StringArrayVarP(&args, "arg", "a", nil, "Only runs with this arg (name=value, repeatable)")
	cmd.Flags().StringVar(&since, "since", "", "Only runs scheduled after this time (RFC 3339 or a duration such as 24h)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum runs to show")
	return cmd
}

// parseSince accepts an RFC 3339 time or a duration before now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since %q: want RFC 3339 time or duration", s)
	}
	return t, nil
}

func getRun(ctx context.Context, id string) (*model.Run, error) {
	resp, err := client.Get(ctx, "/api/v1/runs/"+url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return decodeData[*model.Run](resp)
}

func newRunCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run <run_id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				resp, err := client.Get(cmd.Context(), "/api/v1/runs/"+url.PathEscape(args[0]))
				if err != nil {
					return fmt.Errorf("get run: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), resp.Data)
			}
			run, err := getRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), run)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run as JSON")
	return cmd
}

func newOutputCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "output <run_id>",
		Short: "Print the output of a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := client.GetRaw(cmd.Context(), "/api/v1/runs/"+url.PathEscape(args[0])+"/output?format=raw")
			if err != nil {
				return fmt.Errorf("get output: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run_id>",
		Short: "Follow a run's state until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := watchRun(cmd.Context(), cmd.OutOrStdout(), args[0])
			if err != nil {
				return err
			}
			if run.State != model.RunStateSuccess {
				return fmt.Errorf("run %s finished %s", run.ID, run.State)
			}
			return nil
		},
	}
}

// watchRun prints each state the run enters and returns the run once it
// is finished.
func watchRun(ctx context.Context, w io.Writer, id string) (*model.Run, error) {
	body, err := client.Stream(ctx, "/api/v1/sse/runs/"+url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("watch run: %w", err)
	}
	defer body.Close()

	var (
		event string
		last  model.RunState
	)
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || event == "heartbeat" {
			continue
		}
		var run model.Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("parse %s event: %w", event, err)
		}
		if run.State != last {
			last = run.State
			msg := ""
			if run.Message != "" {
				msg = ": " + run.Message
			}
			fmt.Fprintf(w, "%s %s %s%s\n", time.Now().Format(time.TimeOnly), run.ID, run.State, msg)
		}
		if event == "complete" {
			return &run, nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("watch run: %w", err)
	}
	return nil, fmt.Errorf("watch run: stream ended before run %s finished", id)
}
