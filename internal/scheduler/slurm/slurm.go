// Package slurm implements the scheduler.Adapter interface over the
// Slurm CLI (sbatch/sacct/scancel/scontrol), per spec §4.6.
package slurm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kuintessence/agentd/internal/command"
	"github.com/kuintessence/agentd/internal/config"
	"github.com/kuintessence/agentd/internal/scheduler"
)

const sacctFields = "JobID,JobName,User,State,ExitCode,AveRSS,MaxRSS,CPUTime,Elapsed,NNodes,Start,End"

// Adapter is the Slurm back-end.
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

	res, err := a.RunIn(ctx, execDir, "sbatch", execPath)
	if err != nil {
		return "", fmt.Errorf("slurm: sbatch: %w", err)
	}
	return parseSbatchOutput(res.Stdout)
}

func (a *Adapter) SubmitJob(ctx context.Context, path string) (string, error) {
	res, err := a.Runner.Run(ctx, "sbatch", path)
	if err != nil {
		return "", fmt.Errorf("slurm: sbatch: %w", err)
	}
	return parseSbatchOutput(res.Stdout)
}

func parseSbatchOutput(stdout string) (string, error) {
	// "Submitted batch job 42\n"
	fields := strings.Fields(stdout)
	if len(fields) < 4 {
		return "", fmt.Errorf("slurm: unrecognized sbatch output %q", stdout)
	}
	return fields[3], nil
}

func (a *Adapter) GetJob(ctx context.Context, id string) (scheduler.Job, error) {
	res, err := a.Runner.Run(ctx, "sacct", "-P", "-X", "-o", sacctFields, "-j", id)
	if err != nil {
		return scheduler.Job{}, fmt.Errorf("slurm: sacct: %w", err)
	}
	jobs, err := parseSacct(res.Stdout)
	if err != nil {
		return scheduler.Job{}, err
	}
	if len(jobs) == 0 {
		return scheduler.Job{}, fmt.Errorf("slurm: job %s not found", id)
	}
	return jobs[0], nil
}

func (a *Adapter) GetJobs(ctx context.Context) ([]scheduler.Job, error) {
	res, err := a.Runner.Run(ctx, "sacct", "-P", "-X", "-o", sacctFields)
	if err != nil {
		return nil, fmt.Errorf("slurm: sacct: %w", err)
	}
	return parseSacct(res.Stdout)
}

func (a *Adapter) DeleteJob(ctx context.Context, id string) error {
	if _, err := a.Runner.Run(ctx, "scancel", id); err != nil {
		return fmt.Errorf("slurm: scancel: %w", err)
	}
	return nil
}

func (a *Adapter) PauseJob(ctx context.Context, id string) error {
	if _, err := a.Runner.Run(ctx, "scontrol", "suspend", id); err != nil {
		return fmt.Errorf("slurm: scontrol suspend: %w", err)
	}
	return nil
}

func (a *Adapter) ContinueJob(ctx context.Context, id string) error {
	if _, err := a.Runner.Run(ctx, "scontrol", "resume", id); err != nil {
		return fmt.Errorf("slurm: scontrol resume: %w", err)
	}
	return nil
}

func renderDirectives(info scheduler.ScriptInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#SBATCH -J %s\n", info.Name)
	fmt.Fprintf(&b, "#SBATCH -o %s/STDOUT\n", info.SubmitDir)
	fmt.Fprintf(&b, "#SBATCH -e %s/STDERR\n", info.SubmitDir)
	if req := info.Requirements; req.CPUCores != nil {
		fmt.Fprintf(&b, "#SBATCH -n %d\n", *req.CPUCores)
	}
	if req := info.Requirements; req.NodeCount != nil {
		fmt.Fprintf(&b, "#SBATCH -N %d\n", *req.NodeCount)
	}
	if req := info.Requirements; req.MaxWallTime != nil {
		fmt.Fprintf(&b, "#SBATCH -t %d\n", *req.MaxWallTime)
	}
	return b.String()
}

// decodeState maps a Slurm state string to the uniform JobState (spec
// §4.6 condensed table).
func decodeState(raw string) scheduler.JobState {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.SplitN(s, " ", 2)[0] // strips trailing " CANCELLED by ..." etc.
	switch {
	case s == "BOOT_FAIL" || s == "FAILED" || s == "NODE_FAIL" || s == "OUT_OF_MEMORY" || s == "TIMEOUT" || s == "DEADLINE":
		return scheduler.StateFailed
	case strings.HasPrefix(s, "CANCELLED"):
		return scheduler.StateSuspended
	case s == "COMPLETED":
		return scheduler.StateCompleted
	case s == "PENDING":
		return scheduler.StateQueuing
	case s == "COMPLETING":
		return scheduler.StateCompleting
	case s == "RUNNING":
		return scheduler.StateRunning
	default:
		return scheduler.StateUnknown
	}
}

func parseSacct(stdout string) ([]scheduler.Job, error) {
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	jobs := make([]scheduler.Job, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 12 {
			continue
		}

		exitCode := 0
		if parts := strings.SplitN(fields[4], ":", 2); len(parts) > 0 {
			exitCode, _ = strconv.Atoi(parts[0])
		}
		maxMem, _ := parseMemField(fields[6])
		avgMem, _ := parseMemField(fields[5])
		nodeCount, _ := strconv.Atoi(fields[9])
		cpuTime := parseSlurmDuration(fields[7])
		wallTime := parseSlurmDuration(fields[8])
		start, _ := time.Parse("2006-01-02T15:04:05", fields[10])
		end, _ := time.Parse("2006-01-02T15:04:05", fields[11])

		jobs = append(jobs, scheduler.Job{
			ID:        fields[0],
			Name:      fields[1],
			Owner:     fields[2],
			State:     decodeState(fields[3]),
			ExitCode:  exitCode,
			AvgMem:    avgMem,
			MaxMem:    maxMem,
			CPUTime:   cpuTime,
			WallTime:  wallTime,
			NodeCount: nodeCount,
			StartTime: start,
			EndTime:   end,
		})
	}
	return jobs, nil
}

func parseMemField(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return uint64(v * float64(mult)), nil
}

// parseSlurmDuration parses Slurm's [DD-]HH:MM:SS elapsed/cputime format.
func parseSlurmDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	var days int
	if idx := strings.Index(s, "-"); idx >= 0 {
		days, _ = strconv.Atoi(s[:idx])
		s = s[idx+1:]
	}
	parts := strings.Split(s, ":")
	var h, m, sec int
	switch len(parts) {
	case 3:
		h, _ = strconv.Atoi(parts[0])
		m, _ = strconv.Atoi(parts[1])
		sec, _ = strconv.Atoi(parts[2])
	case 2:
		m, _ = strconv.Atoi(parts[0])
		sec, _ = strconv.Atoi(parts[1])
	}
	return time.Duration(days)*24*time.Hour + time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
}
