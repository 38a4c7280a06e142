// Package scheduler defines the uniform HPC scheduler adapter interface
// (spec §4.6) implemented by the pbs, slurm, and lsf subpackages, each a
// thin CLI-wrapper over internal/command.Runner.
package scheduler

import (
	"context"
	"time"
)

// JobState is the scheduler-reported lifecycle state, normalized across
// backends (spec §3, §4.6).
type JobState string

const (
	StateQueuing   JobState = "Queuing"
	StateRunning   JobState = "Running"
	StateSuspended JobState = "Suspended"
	StateCompleting JobState = "Completing"
	StateCompleted JobState = "Completed"
	StateFailed    JobState = "Failed"
	StateUnknown   JobState = "Unknown"
)

// Job is the uniform scheduler job record (spec §3).
type Job struct {
	ID        string
	Name      string
	Owner     string
	State     JobState
	ExitCode  int
	Stderr    string
	CPU       float64
	AvgMem    uint64
	MaxMem    uint64
	Storage   uint64
	WallTime  time.Duration
	CPUTime   time.Duration
	NodeCount int
	StartTime time.Time
	EndTime   time.Time
}

// ScriptInfo carries everything a back-end's script renderer needs
// (spec §6.4).
type ScriptInfo struct {
	TaskID         string
	NodeID         string
	SubmitDir      string
	Name           string
	Arguments      []string
	Environments   map[string]string
	StdinText      string // non-empty when the payload reads from a heredoc
	StdinPath      string // non-empty when the payload reads from a file
	IncludeEnv     string
	SoftwarePreamble string
	MPI            bool
	Requirements   Requirements
}

// Requirements mirrors task.Requirements; kept independent of the task
// package so scheduler has no upward dependency.
type Requirements struct {
	CPUCores    *int
	NodeCount   *int
	MaxWallTime *int
	MaxCPUTime  *int
	StopTime    *int
}

// Adapter is the narrow interface the job executor drives (spec §4.6).
type Adapter interface {
	// SubmitJobScript renders info into a script at submitDir/run.sh,
	// uploads/mkdir's it when SSH is configured, and submits it,
	// returning the scheduler-local job id.
	SubmitJobScript(ctx context.Context, info ScriptInfo) (string, error)

	// SubmitJob submits an existing script already present at path.
	SubmitJob(ctx context.Context, path string) (string, error)

	GetJob(ctx context.Context, id string) (Job, error)
	GetJobs(ctx context.Context) ([]Job, error)

	DeleteJob(ctx context.Context, id string) error
	PauseJob(ctx context.Context, id string) error
	ContinueJob(ctx context.Context, id string) error
}
