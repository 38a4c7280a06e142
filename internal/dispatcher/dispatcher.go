// Package dispatcher implements the task dispatcher (spec §4.7): decode
// an inbound message, route it by task kind to one of five executors,
// and spawn the dispatch as an independent goroutine so message
// processing never blocks on executor work.
//
// Grounded on cmd/get.go's tag-to-handler routing shape, adapted to
// route by task.Kind instead of a CLI subcommand.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kuintessence/agentd/internal/log"
	"github.com/kuintessence/agentd/internal/status"
	"github.com/kuintessence/agentd/internal/task"
)

// starter is what every executor's Start looks like.
type starter interface {
	Start(ctx context.Context, t task.Task) error
}

// downloadExecutor is downloadexec.Executor's lifecycle surface. Resume
// takes the original task back (used for its log line) and a logger,
// unlike the other four executors' plain Resume(taskID).
type downloadExecutor interface {
	starter
	Pause(taskID string) error
	Resume(taskID string, t task.Task, logger zerolog.Logger) error
	Cancel(taskID string) error
}

// plainLifecycleExecutor covers upload/deploy/collect: Pause/Resume/Cancel
// take only the task id.
type plainLifecycleExecutor interface {
	starter
	Pause(taskID string) error
	Resume(taskID string) error
	Cancel(taskID string) error
}

// jobExecutor covers jobexec.Executor: every lifecycle op takes an
// explicit context, since each is a blocking scheduler CLI round-trip
// rather than a signal to an already-running goroutine.
type jobExecutor interface {
	starter
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
}

// Dispatcher routes decoded messages to the five task executors (spec
// §4.7).
type Dispatcher struct {
	Download downloadExecutor
	Upload   plainLifecycleExecutor
	Job      jobExecutor
	Deploy   plainLifecycleExecutor
	Collect  plainLifecycleExecutor

	// mu guards tasks, the record of every task started but not yet
	// terminal. Needed because Resume(download) must reconstruct the
	// original task.Task; kept for all kinds for symmetry.
	mu    sync.Mutex
	tasks map[string]task.Task

	// reporter is set by WrapReporter and drives the running-task
	// counter folded into the hourly UpdateUsedResource report.
	reporter status.Reporter
}

func New(download downloadExecutor, upload, deploy, collect plainLifecycleExecutor, job jobExecutor) *Dispatcher {
	return &Dispatcher{
		Download: download,
		Upload:   upload,
		Job:      job,
		Deploy:   deploy,
		Collect:  collect,
		tasks:    make(map[string]task.Task),
	}
}

// Handle decodes one inbound message and spawns its dispatch (spec
// §4.7: "message processing does not block"). It returns only decode
// errors; executor errors surface through the status reporter, not the
// caller.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) error {
	var env task.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("dispatcher: decode envelope: %w", err)
	}

	switch env.Command {
	case task.CommandStart:
		body, err := decodeBody(env.Type, env.Body)
		if err != nil {
			return fmt.Errorf("dispatcher: decode start body: %w", err)
		}
		t := task.Task{ID: env.ID, NodeID: env.NodeID, Kind: env.Type, Body: body}
		d.mu.Lock()
		d.tasks[t.ID] = t
		d.mu.Unlock()
		go d.dispatchStart(ctx, t)

	case task.CommandPause:
		go d.dispatchPause(ctx, env.Type, env.ID)

	case task.CommandResume:
		go d.dispatchResume(ctx, env.Type, env.ID)

	case task.CommandCancel:
		go d.dispatchCancel(ctx, env.Type, env.ID)

	default:
		return fmt.Errorf("dispatcher: unrecognized command %q", env.Command)
	}
	return nil
}

func decodeBody(kind task.Kind, raw json.RawMessage) (any, error) {
	var body any
	switch kind {
	case task.KindDeploySoftware:
		body = &task.DeploySoftwareBody{}
	case task.KindDownloadFile:
		body = &task.DownloadFileBody{}
	case task.KindExecuteUsecase:
		body = &task.ExecuteUsecaseBody{}
	case task.KindUploadFile:
		body = &task.UploadFileBody{}
	case task.KindCollectOutput:
		body = &task.CollectOutputBody{}
	default:
		return nil, fmt.Errorf("unrecognized task kind %q", kind)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (d *Dispatcher) dispatchStart(ctx context.Context, t task.Task) {
	logger := log.WithTaskID(t.ID)
	if d.reporter != nil {
		d.reporter.TaskStarted()
	}
	var err error
	switch t.Kind {
	case task.KindDownloadFile:
		err = d.Download.Start(ctx, t)
	case task.KindUploadFile:
		err = d.Upload.Start(ctx, t)
	case task.KindExecuteUsecase:
		err = d.Job.Start(ctx, t)
	case task.KindDeploySoftware:
		err = d.Deploy.Start(ctx, t)
	case task.KindCollectOutput:
		err = d.Collect.Start(ctx, t)
	default:
		err = fmt.Errorf("no executor registered for kind %q", t.Kind)
	}
	if err != nil {
		logger.Error().Err(err).Str("command", string(task.CommandStart)).Msg("dispatch task")
	}
}

func (d *Dispatcher) dispatchPause(ctx context.Context, kind task.Kind, taskID string) {
	logger := log.WithTaskID(taskID)
	var err error
	switch kind {
	case task.KindDownloadFile:
		err = d.Download.Pause(taskID)
	case task.KindUploadFile:
		err = d.Upload.Pause(taskID)
	case task.KindExecuteUsecase:
		err = d.Job.Pause(ctx, taskID)
	case task.KindDeploySoftware:
		err = d.Deploy.Pause(taskID)
	case task.KindCollectOutput:
		err = d.Collect.Pause(taskID)
	default:
		err = fmt.Errorf("no executor registered for kind %q", kind)
	}
	if err != nil {
		logger.Error().Err(err).Str("command", string(task.CommandPause)).Msg("dispatch task")
	}
}

func (d *Dispatcher) dispatchResume(ctx context.Context, kind task.Kind, taskID string) {
	logger := log.WithTaskID(taskID)
	var err error
	switch kind {
	case task.KindDownloadFile:
		d.mu.Lock()
		t, ok := d.tasks[taskID]
		d.mu.Unlock()
		if !ok {
			err = fmt.Errorf("no tracked task %s to resume", taskID)
			break
		}
		err = d.Download.Resume(taskID, t, logger)
	case task.KindUploadFile:
		err = d.Upload.Resume(taskID)
	case task.KindExecuteUsecase:
		err = d.Job.Resume(ctx, taskID)
	case task.KindDeploySoftware:
		err = d.Deploy.Resume(taskID)
	case task.KindCollectOutput:
		err = d.Collect.Resume(taskID)
	default:
		err = fmt.Errorf("no executor registered for kind %q", kind)
	}
	if err != nil {
		logger.Error().Err(err).Str("command", string(task.CommandResume)).Msg("dispatch task")
	}
}

func (d *Dispatcher) dispatchCancel(ctx context.Context, kind task.Kind, taskID string) {
	logger := log.WithTaskID(taskID)
	var err error
	switch kind {
	case task.KindDownloadFile:
		err = d.Download.Cancel(taskID)
	case task.KindUploadFile:
		err = d.Upload.Cancel(taskID)
	case task.KindExecuteUsecase:
		err = d.Job.Cancel(ctx, taskID)
	case task.KindDeploySoftware:
		err = d.Deploy.Cancel(taskID)
	case task.KindCollectOutput:
		err = d.Collect.Cancel(taskID)
	default:
		err = fmt.Errorf("no executor registered for kind %q", kind)
	}
	d.forget(taskID)
	if err != nil {
		logger.Error().Err(err).Str("command", string(task.CommandCancel)).Msg("dispatch task")
	}
}

func (d *Dispatcher) forget(taskID string) {
	d.mu.Lock()
	_, tracked := d.tasks[taskID]
	delete(d.tasks, taskID)
	d.mu.Unlock()
	if tracked && d.reporter != nil {
		d.reporter.TaskEnded()
	}
}

// reportingReporter decorates a status.Reporter so the dispatcher can
// drop its tracked task record once a terminal transition is reported
// (spec §3: "destroyed when any terminal reporter transition is sent"),
// without every executor needing to know the dispatcher exists.
type reportingReporter struct {
	status.Reporter
	d *Dispatcher
}

func (r reportingReporter) Report(taskID string, st task.Status, message string) {
	r.Reporter.Report(taskID, st, message)
	switch st {
	case task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
		r.d.forget(taskID)
	}
}

// WrapReporter returns a status.Reporter that behaves exactly like
// inner, except that it also frees the dispatcher's record of a task
// once inner.Report is called with a terminal status.
func (d *Dispatcher) WrapReporter(inner status.Reporter) status.Reporter {
	d.reporter = inner
	return reportingReporter{Reporter: inner, d: d}
}
