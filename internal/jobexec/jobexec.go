// Package jobexec implements the job executor (spec §4.5): software
// preamble resolution via internal/deployer, script render + submit via
// a internal/scheduler.Adapter, and the state-machine that periodic
// refresh drives against the scheduler's polled job record.
//
// Grounded on
// original_source/app/src/background_service/{task_scheduler_runner,refresh_jobs}.rs.
package jobexec

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kuintessence/agentd/internal/config"
	"github.com/kuintessence/agentd/internal/deployer"
	"github.com/kuintessence/agentd/internal/metrics"
	"github.com/kuintessence/agentd/internal/scheduler"
	"github.com/kuintessence/agentd/internal/status"
	"github.com/kuintessence/agentd/internal/task"
)

// errSoftwareNotFound is reported verbatim as the task's failure message
// (spec §4.5 step 1).
var errSoftwareNotFound = errors.New("Software not found")

// jobEntry is the in-memory record for one submitted job (spec §5's
// "the scheduler-job map is a concurrent map mutated by the job
// executor only").
type jobEntry struct {
	schedulerID string
	lastState   scheduler.JobState
}

// Executor runs ExecuteUsecase tasks.
type Executor struct {
	Adapter   scheduler.Adapter
	Spack     deployer.Backend // nil when not configured
	Apptainer deployer.Backend // nil when not configured
	Status    status.Reporter
	Cfg       *config.Config

	mu   sync.Mutex
	jobs map[string]*jobEntry
}

func New(adapter scheduler.Adapter, spack, apptainer deployer.Backend, reporter status.Reporter, cfg *config.Config) *Executor {
	return &Executor{
		Adapter:   adapter,
		Spack:     spack,
		Apptainer: apptainer,
		Status:    reporter,
		Cfg:       cfg,
		jobs:      make(map[string]*jobEntry),
	}
}

// Start renders and submits the task's script, then polls once for the
// initial job state (spec §4.5 steps 1-3).
func (e *Executor) Start(ctx context.Context, t task.Task) error {
	body, ok := t.Body.(*task.ExecuteUsecaseBody)
	if !ok {
		return fmt.Errorf("jobexec: unexpected body type %T", t.Body)
	}

	preamble, err := e.resolvePreamble(ctx, body.FacilityKind)
	if err != nil {
		e.Status.Report(t.ID, task.StatusFailed, err.Error())
		return err
	}

	info := scheduler.ScriptInfo{
		TaskID:           t.ID,
		NodeID:           t.NodeID,
		Name:             body.Name,
		Arguments:        body.Arguments,
		Environments:     body.Environments,
		IncludeEnv:       e.Cfg.IncludeEnvSnippet(),
		SoftwarePreamble: preamble,
		MPI:              e.Cfg.MPI,
		Requirements:     toSchedulerRequirements(body.Requirements),
	}
	if body.StdIn != nil {
		switch body.StdIn.Type {
		case "Text":
			info.StdinText = body.StdIn.Text
		case "File":
			info.StdinPath = body.StdIn.Path
		}
	}

	schedulerID, err := e.Adapter.SubmitJobScript(ctx, info)
	if err != nil {
		e.Status.Report(t.ID, task.StatusFailed, err.Error())
		return err
	}
	metrics.JobsSubmittedTotal.WithLabelValues(string(e.Cfg.Scheduler.Type)).Inc()

	entry := &jobEntry{schedulerID: schedulerID}
	e.mu.Lock()
	e.jobs[t.ID] = entry
	e.mu.Unlock()

	job, err := e.pollJob(ctx, schedulerID)
	if err != nil {
		e.Status.Report(t.ID, task.StatusFailed, err.Error())
		e.removeJob(t.ID)
		return err
	}
	entry.lastState = job.State

	st, msg := initialStatus(job)
	e.reportTerminalAware(t.ID, st, msg)
	if st == task.StatusCompleted || st == task.StatusFailed {
		e.removeJob(t.ID)
	}
	return nil
}

// pollJob wraps Adapter.GetJob with the scheduler-poll-latency histogram
// (spec §2's "Job executor" line item implies the scheduler round-trip
// is the dominant per-refresh cost worth timing).
func (e *Executor) pollJob(ctx context.Context, schedulerID string) (scheduler.Job, error) {
	timer := metrics.NewTimer()
	job, err := e.Adapter.GetJob(ctx, schedulerID)
	timer.ObserveDurationVec(metrics.SchedulerPollDuration, string(e.Cfg.Scheduler.Type))
	return job, err
}

// reportTerminalAware reports st and, when it is a terminal status,
// also increments the terminal-outcome counter.
func (e *Executor) reportTerminalAware(taskID string, st task.Status, msg string) {
	e.Status.Report(taskID, st, msg)
	if st == task.StatusCompleted || st == task.StatusFailed {
		metrics.JobsTerminalTotal.WithLabelValues(string(st)).Inc()
	}
}

// resolvePreamble looks up an installed package matching kind and
// returns the deployer's load-script snippet (spec §4.5 step 1).
func (e *Executor) resolvePreamble(ctx context.Context, kind task.FacilityKind) (string, error) {
	var backend deployer.Backend
	var name string
	var args []string

	switch kind.Type {
	case "":
		return "", nil
	case "Spack":
		if e.Spack == nil {
			return "", nil
		}
		backend, name, args = e.Spack, kind.Name, kind.ArgumentList
	case "Singularity":
		if e.Apptainer == nil {
			return "", nil
		}
		backend, name, args = e.Apptainer, kind.Image, []string{kind.Tag}
	default:
		return "", fmt.Errorf("jobexec: unrecognized facility kind %q", kind.Type)
	}

	hash, found, err := backend.Find(ctx, name, args)
	if err != nil {
		return "", err
	}
	if !found {
		return "", errSoftwareNotFound
	}
	return backend.GenLoadScript(hash), nil
}

func toSchedulerRequirements(r *task.Requirements) scheduler.Requirements {
	if r == nil {
		return scheduler.Requirements{}
	}
	return scheduler.Requirements{
		CPUCores:    r.CPUCores,
		NodeCount:   r.NodeCount,
		MaxWallTime: r.MaxWallTime,
		MaxCPUTime:  r.MaxCPUTime,
		StopTime:    r.StopTime,
	}
}

// initialStatus maps a just-submitted job's polled state to a
// TaskStatus (spec §4.5 step 3).
func initialStatus(job scheduler.Job) (task.Status, string) {
	switch job.State {
	case scheduler.StateQueuing:
		return task.StatusQueued, ""
	case scheduler.StateRunning, scheduler.StateCompleting:
		return task.StatusStarted, ""
	case scheduler.StateSuspended:
		return task.StatusPaused, ""
	case scheduler.StateCompleted:
		return task.StatusCompleted, resourceSummary(job)
	default: // Failed, Unknown
		return task.StatusFailed, failureMessage(job)
	}
}

func failureMessage(job scheduler.Job) string {
	return fmt.Sprintf("exit %d: %s", job.ExitCode, job.Stderr)
}

func resourceSummary(job scheduler.Job) string {
	return fmt.Sprintf("cpu=%.2f avgMem=%d maxMem=%d storage=%d wallTime=%s cpuTime=%s nodeCount=%d",
		job.CPU, job.AvgMem, job.MaxMem, job.Storage, job.WallTime, job.CPUTime, job.NodeCount)
}

// RefreshAll polls every tracked job in turn, sequentially, and applies
// the periodic-refresh transition table (spec §4.5, §5 "the tick fires
// only after the previous iteration returns").
func (e *Executor) RefreshAll(ctx context.Context) {
	e.mu.Lock()
	taskIDs := make([]string, 0, len(e.jobs))
	for id := range e.jobs {
		taskIDs = append(taskIDs, id)
	}
	e.mu.Unlock()

	for _, id := range taskIDs {
		e.refreshOne(ctx, id)
	}
}

func (e *Executor) refreshOne(ctx context.Context, taskID string) {
	e.mu.Lock()
	entry, ok := e.jobs[taskID]
	e.mu.Unlock()
	if !ok {
		return
	}

	job, err := e.pollJob(ctx, entry.schedulerID)
	if err != nil {
		e.reportTerminalAware(taskID, task.StatusFailed, err.Error())
		e.removeJob(taskID)
		return
	}
	e.applyTransition(taskID, entry, job)
}

// applyTransition reports the status transition implied by moving from
// entry.lastState to job.State and updates entry.lastState, suppressing
// repeated transitions to the same state (spec §4.5's idempotence rule).
func (e *Executor) applyTransition(taskID string, entry *jobEntry, job scheduler.Job) {
	if job.State == entry.lastState {
		return
	}
	prev := entry.lastState
	entry.lastState = job.State

	switch job.State {
	case scheduler.StateFailed, scheduler.StateUnknown:
		e.reportTerminalAware(taskID, task.StatusFailed, failureMessage(job))
		e.removeJob(taskID)
	case scheduler.StateCompleted:
		e.reportTerminalAware(taskID, task.StatusCompleted, resourceSummary(job))
		e.removeJob(taskID)
	case scheduler.StateSuspended:
		e.Status.Report(taskID, task.StatusPaused, "")
	case scheduler.StateRunning, scheduler.StateCompleting:
		switch prev {
		case scheduler.StateQueuing:
			e.Status.Report(taskID, task.StatusStarted, "")
		case scheduler.StateSuspended:
			e.Status.Report(taskID, task.StatusResumed, "")
		}
	}
}

func (e *Executor) removeJob(taskID string) {
	e.mu.Lock()
	delete(e.jobs, taskID)
	e.mu.Unlock()
}

func (e *Executor) lookup(taskID string) (*jobEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.jobs[taskID]
	if !ok {
		return nil, fmt.Errorf("jobexec: no such task %s", taskID)
	}
	return entry, nil
}

// Pause calls pause_job on the adapter then immediately refreshes (spec
// §4.5 "Lifecycle operations").
func (e *Executor) Pause(ctx context.Context, taskID string) error {
	entry, err := e.lookup(taskID)
	if err != nil {
		return err
	}
	if err := e.Adapter.PauseJob(ctx, entry.schedulerID); err != nil {
		e.Status.Report(taskID, task.StatusFailed, err.Error())
		return err
	}
	e.refreshOne(ctx, taskID)
	return nil
}

// Resume calls continue_job on the adapter then immediately refreshes.
func (e *Executor) Resume(ctx context.Context, taskID string) error {
	entry, err := e.lookup(taskID)
	if err != nil {
		return err
	}
	if err := e.Adapter.ContinueJob(ctx, entry.schedulerID); err != nil {
		e.Status.Report(taskID, task.StatusFailed, err.Error())
		return err
	}
	e.refreshOne(ctx, taskID)
	return nil
}

// Cancel calls delete_job on the adapter and reports Cancelled (spec §7:
// "Cancellation: not an error").
func (e *Executor) Cancel(ctx context.Context, taskID string) error {
	entry, err := e.lookup(taskID)
	if err != nil {
		return err
	}
	if err := e.Adapter.DeleteJob(ctx, entry.schedulerID); err != nil {
		e.Status.Report(taskID, task.StatusFailed, err.Error())
		return err
	}
	e.removeJob(taskID)
	e.Status.Report(taskID, task.StatusCancelled, "")
	metrics.JobsTerminalTotal.WithLabelValues(string(task.StatusCancelled)).Inc()
	return nil
}
