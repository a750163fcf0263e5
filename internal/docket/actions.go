package docket

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/me/docket/pkg/model"
	"github.com/me/docket/pkg/program"
)

// actionTimeout bounds a command action.
const actionTimeout = 5 * time.Minute

// fireActions runs the job's actions that match the run's new state.
// Command actions run in the background. Caller holds d.mu.
func (d *Docket) fireActions(run *model.Run) {
	job := d.jobs[run.Inst.JobID]
	if job == nil {
		return
	}
	for _, a := range job.Actions {
		if !a.Matches(run.State) {
			continue
		}
		switch a.Type {
		case model.ActionLog:
			d.logger.Info("run action",
				"run_id", run.ID,
				"job_id", run.Inst.JobID,
				"state", run.State,
				"message", run.Message,
			)
		case model.ActionCommand:
			env := append(os.Environ(),
				"DOCKET_RUN_ID="+run.ID,
				"DOCKET_JOB_ID="+run.Inst.JobID,
				"DOCKET_STATE="+string(run.State),
			)
			d.actions.Add(1)
			go d.runCommand(run.ID, a.Command, env)
		}
	}
}

func (d *Docket) runCommand(runID, command string, env []string) {
	defer d.actions.Done()
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, program.ShellPath, "-c", command)
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		d.logger.Warn("action command failed", "run_id", runID, "command", command, "error", err, "output", string(out))
		return
	}
	d.logger.Debug("action command done", "run_id", runID, "command", command)
}
