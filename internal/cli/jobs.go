package cli

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/docket/internal/jobs"
	"github.com/me/docket/pkg/model"
)

func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/jobs")
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			list, err := decodeData[[]*model.Job](resp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "JOB\tPARAMS\tSCHEDULES\tPROGRAM")
			for _, job := range list {
				params := strings.Join(job.Params, ",")
				if params == "" {
					params = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", job.ID, params, len(job.Schedules), job.Program.Kind())
			}
			return tw.Flush()
		},
	}
}

func newJobCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "job <job_id>",
		Short: "Show a job definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/jobs/"+escapeJobID(args[0]))
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), resp.Data)
			}
			job, err := decodeData[*model.Job](resp)
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the job as JSON")
	return cmd
}

// escapeJobID escapes each segment of a job ID, keeping the slashes that
// separate nested job directories.
func escapeJobID(id string) string {
	segs := strings.Split(id, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func newCheckJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-job <file>...",
		Short: "Validate job files without contacting the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var errs []error
			for _, path := range args {
				job, err := jobs.LoadFile(path)
				if err != nil {
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s (%s)\n", path, job.ID)
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d of %d job files invalid: %w", len(errs), len(args), errors.Join(errs...))
			}
			return nil
		},
	}
}
