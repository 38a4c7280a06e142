// Package deployexec implements the deploy-software executor (spec
// §4.10): bounded concurrency over a deployer.Backend, selected by
// facility kind.
package deployexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/kuintessence/agentd/internal/deployer"
	"github.com/kuintessence/agentd/internal/metrics"
	"github.com/kuintessence/agentd/internal/status"
	"github.com/kuintessence/agentd/internal/task"
)

// maxConcurrentInstalls bounds simultaneous package installs (spec §4.10).
const maxConcurrentInstalls = 5

// Executor runs DeploySoftware tasks.
type Executor struct {
	Spack     deployer.Backend // nil when not configured
	Apptainer deployer.Backend // nil when not configured
	Status    status.Reporter

	permits chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(spack, apptainer deployer.Backend, reporter status.Reporter) *Executor {
	return &Executor{
		Spack:     spack,
		Apptainer: apptainer,
		Status:    reporter,
		permits:   make(chan struct{}, maxConcurrentInstalls),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Start acquires a permit, resolves or installs the package, and
// reports Completed (spec §4.10).
func (e *Executor) Start(ctx context.Context, t task.Task) error {
	body, ok := t.Body.(*task.DeploySoftwareBody)
	if !ok {
		return fmt.Errorf("deployexec: unexpected body type %T", t.Body)
	}

	e.Status.Report(t.ID, task.StatusQueued, "")

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[t.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, t.ID)
		e.mu.Unlock()
	}()

	select {
	case e.permits <- struct{}{}:
		defer func() { <-e.permits }()
	case <-runCtx.Done():
		e.Status.Report(t.ID, task.StatusCancelled, "")
		return nil
	}

	e.Status.Report(t.ID, task.StatusStarted, "")

	backend, name, args, err := e.resolveBackend(body.FacilityKind)
	if err != nil {
		e.Status.Report(t.ID, task.StatusFailed, err.Error())
		return err
	}
	if backend == nil {
		// Neither deployer configured: empty preamble, nothing to do.
		e.Status.Report(t.ID, task.StatusCompleted, "")
		return nil
	}

	if _, found, err := backend.Find(runCtx, name, args); err == nil && found {
		metrics.DeployInstallsTotal.WithLabelValues(body.FacilityKind.Type, "found").Inc()
		e.Status.Report(t.ID, task.StatusCompleted, "")
		return nil
	}

	if _, err := backend.Install(runCtx, name, args); err != nil {
		if runCtx.Err() != nil {
			e.Status.Report(t.ID, task.StatusCancelled, "")
			return nil
		}
		metrics.DeployInstallsTotal.WithLabelValues(body.FacilityKind.Type, "failed").Inc()
		e.Status.Report(t.ID, task.StatusFailed, err.Error())
		return err
	}

	metrics.DeployInstallsTotal.WithLabelValues(body.FacilityKind.Type, "installed").Inc()
	e.Status.Report(t.ID, task.StatusCompleted, "")
	return nil
}

func (e *Executor) resolveBackend(kind task.FacilityKind) (deployer.Backend, string, []string, error) {
	switch kind.Type {
	case "Spack":
		if e.Spack == nil {
			return nil, "", nil, nil
		}
		return e.Spack, kind.Name, kind.ArgumentList, nil
	case "Singularity":
		if e.Apptainer == nil {
			return nil, "", nil, nil
		}
		return e.Apptainer, kind.Image, []string{kind.Tag}, nil
	default:
		return nil, "", nil, fmt.Errorf("deployexec: unrecognized facility kind %q", kind.Type)
	}
}

// Cancel fires the task's cancel token (spec §4.10).
func (e *Executor) Cancel(taskID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[taskID]
	delete(e.cancels, taskID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("deployexec: no such task %s", taskID)
	}
	cancel()
	return nil
}

// Pause is a no-op (spec §4.10).
func (e *Executor) Pause(taskID string) error { return nil }

// Resume is a no-op (spec §4.10).
func (e *Executor) Resume(taskID string) error { return nil }
