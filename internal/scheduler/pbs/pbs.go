// Package pbs implements the scheduler.Adapter interface over the PBS
// CLI (qsub/qstat/qdel/qhold/qrls), per spec §4.6.
package pbs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"context"

	"github.com/kuintessence/agentd/internal/command"
	"github.com/kuintessence/agentd/internal/config"
	"github.com/kuintessence/agentd/internal/scheduler"
)

// Adapter is the PBS back-end.
type Adapter struct {
	scheduler.Backend
}

func New(runner command.Runner, scp *command.SCP, sshProxy *config.SSHProxyConfig, savePath string) *Adapter {
	return &Adapter{scheduler.Backend{Runner: runner, SCP: scp, SSHProxy: sshProxy, SavePath: savePath}}
}

func (a *Adapter) SubmitJobScript(ctx context.Context, info scheduler.ScriptInfo) (string, error) {
	_, info.SubmitDir = a.SubmitDirs(info.NodeID)
	directives := renderDirectives(info)
	content := scheduler.RenderScript(directives, info)

	execDir, execPath, err := a.DeployScript(ctx, info.NodeID, "run.sh", content)
	if err != nil {
		return "", err
	}

	res, err := a.RunIn(ctx, execDir, "qsub", execPath)
	if err != nil {
		return "", fmt.Errorf("pbs: qsub: %w", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (a *Adapter) SubmitJob(ctx context.Context, path string) (string, error) {
	res, err := a.Runner.Run(ctx, "qsub", path)
	if err != nil {
		return "", fmt.Errorf("pbs: qsub: %w", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (a *Adapter) GetJob(ctx context.Context, id string) (scheduler.Job, error) {
	res, err := a.Runner.Run(ctx, "qstat", "-xfF", "json", id)
	if err == nil {
		if job, parseErr := parseQstatJSON(res.Stdout, id); parseErr == nil {
			return job, nil
		}
	}

	// Fall back to line-oriented parsing (spec §4.6).
	res, err = a.Runner.Run(ctx, "qstat", "-xfw", id)
	if err != nil {
		return scheduler.Job{}, fmt.Errorf("pbs: qstat: %w", err)
	}
	return parseQstatLines(res.Stdout, id)
}

func (a *Adapter) GetJobs(ctx context.Context) ([]scheduler.Job, error) {
	res, err := a.Runner.Run(ctx, "qstat", "-xfF", "json")
	if err != nil {
		return nil, fmt.Errorf("pbs: qstat: %w", err)
	}
	return parseQstatJSONAll(res.Stdout)
}

func (a *Adapter) DeleteJob(ctx context.Context, id string) error {
	if _, err := a.Runner.Run(ctx, "qdel", "-x", id); err != nil {
		return fmt.Errorf("pbs: qdel: %w", err)
	}
	return nil
}

func (a *Adapter) PauseJob(ctx context.Context, id string) error {
	if _, err := a.Runner.Run(ctx, "qhold", id); err != nil {
		return fmt.Errorf("pbs: qhold: %w", err)
	}
	return nil
}

func (a *Adapter) ContinueJob(ctx context.Context, id string) error {
	if _, err := a.Runner.Run(ctx, "qrls", id); err != nil {
		return fmt.Errorf("pbs: qrls: %w", err)
	}
	return nil
}

func renderDirectives(info scheduler.ScriptInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#PBS -N %s\n", info.Name)
	fmt.Fprintf(&b, "#PBS -o %s/STDOUT\n", info.SubmitDir)
	fmt.Fprintf(&b, "#PBS -e %s/STDERR\n", info.SubmitDir)
	if req := info.Requirements; req.NodeCount != nil && req.CPUCores != nil {
		fmt.Fprintf(&b, "#PBS -l select=%d:ncpus=%d\n", *req.NodeCount, *req.CPUCores)
	}
	return b.String()
}

// decodeState maps a PBS job_state to the uniform JobState, consulting
// exit_status for the E/F ambiguity (spec §4.6 condensed table).
func decodeState(jobState string, exitStatus int, hasExit bool) scheduler.JobState {
	switch jobState {
	case "R":
		return scheduler.StateRunning
	case "Q":
		return scheduler.StateQueuing
	case "S", "U", "H":
		return scheduler.StateSuspended
	case "E", "F":
		if hasExit && exitStatus != 0 && exitStatus != 254 {
			return scheduler.StateFailed
		}
		if jobState == "E" {
			return scheduler.StateCompleting
		}
		return scheduler.StateCompleted
	default:
		return scheduler.StateUnknown
	}
}

type qstatDoc struct {
	Jobs map[string]qstatJob `json:"Jobs"`
}

type qstatJob struct {
	JobName    string `json:"Job_Name"`
	JobOwner   string `json:"Job_Owner"`
	JobState   string `json:"job_state"`
	ExitStatus *int   `json:"Exit_status"`
	ErrorPath  string `json:"Error_Path"`
}

func parseQstatJSON(stdout, id string) (scheduler.Job, error) {
	var doc qstatDoc
	if err := json.Unmarshal([]byte(stdout), &doc); err != nil {
		return scheduler.Job{}, err
	}
	for k, j := range doc.Jobs {
		if strings.HasPrefix(k, id) {
			return toJob(k, j), nil
		}
	}
	return scheduler.Job{}, fmt.Errorf("pbs: job %s not in qstat output", id)
}

func parseQstatJSONAll(stdout string) ([]scheduler.Job, error) {
	var doc qstatDoc
	if err := json.Unmarshal([]byte(stdout), &doc); err != nil {
		return nil, err
	}
	jobs := make([]scheduler.Job, 0, len(doc.Jobs))
	for k, j := range doc.Jobs {
		jobs = append(jobs, toJob(k, j))
	}
	return jobs, nil
}

func toJob(id string, j qstatJob) scheduler.Job {
	exitCode := 0
	hasExit := j.ExitStatus != nil
	if hasExit {
		exitCode = *j.ExitStatus
	}
	return scheduler.Job{
		ID:     id,
		Name:   j.JobName,
		Owner:  j.JobOwner,
		State:  decodeState(j.JobState, exitCode, hasExit),
		ExitCode: exitCode,
	}
}

// parseQstatLines parses `qstat -xfw` fallback line output of the shape
// "Job Id: <id>\n    job_state = R\n    ...".
func parseQstatLines(stdout, id string) (scheduler.Job, error) {
	var job scheduler.Job
	job.ID = id
	var jobState string
	var exitCode int
	var hasExit bool

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "job_state ="):
			jobState = strings.TrimSpace(strings.TrimPrefix(line, "job_state ="))
		case strings.HasPrefix(line, "Job_Name ="):
			job.Name = strings.TrimSpace(strings.TrimPrefix(line, "Job_Name ="))
		case strings.HasPrefix(line, "Job_Owner ="):
			job.Owner = strings.TrimSpace(strings.TrimPrefix(line, "Job_Owner ="))
		case strings.HasPrefix(line, "Exit_status ="):
			exitCode, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Exit_status =")))
			hasExit = true
		}
	}

	if jobState == "" {
		return scheduler.Job{}, fmt.Errorf("pbs: job %s not found in qstat output", id)
	}
	job.State = decodeState(jobState, exitCode, hasExit)
	job.ExitCode = exitCode
	return job, nil
}
