// Package lsf implements the scheduler.Adapter interface over the LSF
// CLI (bsub/bjobs), per spec §4.6. Pause/Resume/Delete are not
// supported by the back-end and fail explicitly, as required.
package lsf

import (
	"context"
	"fmt"
	"strings"

	"github.com/kuintessence/agentd/internal/command"
	"github.com/kuintessence/agentd/internal/config"
	"github.com/kuintessence/agentd/internal/scheduler"
)

// Adapter is the LSF back-end.
type Adapter struct {
	scheduler.Backend
	Queue string
}

func New(runner command.Runner, scp *command.SCP, sshProxy *config.SSHProxyConfig, savePath, queue string) *Adapter {
	return &Adapter{Backend: scheduler.Backend{Runner: runner, SCP: scp, SSHProxy: sshProxy, SavePath: savePath}, Queue: queue}
}

func (a *Adapter) SubmitJobScript(ctx context.Context, info scheduler.ScriptInfo) (string, error) {
	_, info.SubmitDir = a.SubmitDirs(info.NodeID)
	directives := renderDirectives(info, a.Queue)
	content := scheduler.RenderScript(directives, info)

	execDir, execPath, err := a.DeployScript(ctx, info.NodeID, "run.sh", content)
	if err != nil {
		return "", err
	}

	res, err := a.RunIn(ctx, execDir, "bsub", "-q", a.Queue, "-o", "STDOUT", execPath)
	if err != nil {
		return "", fmt.Errorf("lsf: bsub: %w", err)
	}
	return parseBsubOutput(res.Stdout)
}

func (a *Adapter) SubmitJob(ctx context.Context, path string) (string, error) {
	res, err := a.Runner.Run(ctx, "bsub", "-q", a.Queue, "-o", "STDOUT", path)
	if err != nil {
		return "", fmt.Errorf("lsf: bsub: %w", err)
	}
	return parseBsubOutput(res.Stdout)
}

// parseBsubOutput extracts the job id from "Job <42> is submitted to queue <q>.".
func parseBsubOutput(stdout string) (string, error) {
	start := strings.Index(stdout, "<")
	end := strings.Index(stdout, ">")
	if start < 0 || end < 0 || end <= start {
		return "", fmt.Errorf("lsf: unrecognized bsub output %q", stdout)
	}
	return stdout[start+1 : end], nil
}

func (a *Adapter) GetJob(ctx context.Context, id string) (scheduler.Job, error) {
	res, err := a.Runner.Run(ctx, "bjobs", "-a", id)
	if err != nil {
		return scheduler.Job{}, fmt.Errorf("lsf: bjobs: %w", err)
	}
	jobs, err := parseBjobs(res.Stdout)
	if err != nil {
		return scheduler.Job{}, err
	}
	if len(jobs) == 0 {
		return scheduler.Job{}, fmt.Errorf("lsf: job %s not found", id)
	}
	return jobs[0], nil
}

func (a *Adapter) GetJobs(ctx context.Context) ([]scheduler.Job, error) {
	res, err := a.Runner.Run(ctx, "bjobs", "-a")
	if err != nil {
		return nil, fmt.Errorf("lsf: bjobs: %w", err)
	}
	return parseBjobs(res.Stdout)
}

var errUnsupported = fmt.Errorf("unimplemented")

func (a *Adapter) DeleteJob(ctx context.Context, id string) error  { return errUnsupported }
func (a *Adapter) PauseJob(ctx context.Context, id string) error   { return errUnsupported }
func (a *Adapter) ContinueJob(ctx context.Context, id string) error { return errUnsupported }

func renderDirectives(info scheduler.ScriptInfo, queue string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#BSUB -q %s\n", queue)
	fmt.Fprintf(&b, "#BSUB -J %s\n", info.Name)
	fmt.Fprintf(&b, "#BSUB -o %s/STDOUT\n", info.SubmitDir)
	fmt.Fprintf(&b, "#BSUB -e %s/STDERR\n", info.SubmitDir)
	return b.String()
}

// decodeState maps an LSF STAT column to the uniform JobState (spec
// §4.6 condensed table).
func decodeState(raw string) scheduler.JobState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "EXIT":
		return scheduler.StateFailed
	case "DONE":
		return scheduler.StateCompleted
	case "RUN", "EXITING":
		return scheduler.StateRunning
	default:
		return scheduler.StateUnknown
	}
}

// parseBjobs parses `bjobs -a` column output:
// JOBID   USER    STAT  QUEUE ... JOB_NAME ...
func parseBjobs(stdout string) ([]scheduler.Job, error) {
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	if len(lines) == 0 {
		return nil, nil
	}
	jobs := make([]scheduler.Job, 0, len(lines))
	for _, line := range lines[1:] { // skip header
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}
		jobs = append(jobs, scheduler.Job{
			ID:    fields[0],
			Owner: fields[1],
			State: decodeState(fields[2]),
			Name:  fields[6],
		})
	}
	return jobs, nil
}
