package cli

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/me/docket/pkg/model"
	"github.com/me/docket/pkg/program"
)

func newScheduleCmd() *cobra.Command {
	var (
		at      string
		shell   string
		process bool
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "schedule <job_id> [name=value...]",
		Short: "Schedule a run of a job, or of an ad hoc program",
		Long: `Schedule a run of a job with the given arguments.

With --shell or --process, schedule an ad hoc program instead:
  docket schedule --shell 'make -C /srv/site deploy'
  docket schedule --process -- rsync -a src/ dst/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.ScheduleRequest{Time: at}

			var prog program.Program
			switch {
			case shell != "" && process:
				return errors.New("--shell and --process are exclusive")
			case shell != "":
				if len(args) > 0 {
					return errors.New("--shell takes no positional arguments")
				}
				prog = program.NewShell(shell)
			case process:
				if len(args) == 0 {
					return errors.New("--process needs a command line")
				}
				prog = program.NewProcess(args...)
			default:
				if len(args) == 0 {
					return errors.New("job ID required")
				}
				jobArgs, err := parseArgs(args[1:])
				if err != nil {
					return err
				}
				req.JobID = args[0]
				req.Args = jobArgs
			}
			if prog != nil {
				data, err := program.Marshal(prog)
				if err != nil {
					return err
				}
				req.Program = data
			}

			resp, err := client.Post(cmd.Context(), "/api/v1/runs", req)
			if err != nil {
				return fmt.Errorf("schedule: %w", err)
			}
			run, err := decodeData[*model.Run](resp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run scheduled: %s (%s %s at %s)\n",
				run.ID, run.Inst.JobID, formatArgs(run.Inst.Args), formatWhen(run.Inst.Time))
			if !wait {
				return nil
			}
			final, err := watchRun(cmd.Context(), out, run.ID)
			if err != nil {
				return err
			}
			if final.State != model.RunStateSuccess {
				return fmt.Errorf("run %s finished %s", final.ID, final.State)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&at, "time", "t", "", "When to run (RFC 3339; default now)")
	cmd.Flags().StringVar(&shell, "shell", "", "Run this shell command ad hoc")
	cmd.Flags().BoolVar(&process, "process", false, "Run the positional arguments as an ad hoc command line")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Follow the run until it finishes")
	return cmd
}

func newRerunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rerun <run_id>",
		Short: "Rerun a finished run now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post(cmd.Context(), "/api/v1/runs/"+url.PathEscape(args[0])+"/rerun", nil)
			if err != nil {
				return fmt.Errorf("rerun: %w", err)
			}
			run, err := decodeData[*model.Run](resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rerun scheduled: %s (rerun of %s)\n", run.ID, args[0])
			return nil
		},
	}
}

func newSignalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal <run_id> <signal>",
		Short: "Send a signal to a running run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := client.Post(cmd.Context(), "/api/v1/runs/"+url.PathEscape(args[0])+"/signal",
				model.SignalRequest{Signal: args[1]})
			if err != nil {
				return fmt.Errorf("signal: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", args[1], args[0])
			return nil
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a run that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post(cmd.Context(), "/api/v1/runs/"+url.PathEscape(args[0])+"/cancel", nil)
			if err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			run, err := decodeData[*model.Run](resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s\n", run.ID, run.State)
			return nil
		},
	}
}
