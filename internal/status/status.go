// Package status reports task-status transitions and periodic resource
// usage to the controller (spec §6.2), the one funnel every executor
// writes user-visible state through.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kuintessence/agentd/internal/log"
	"github.com/kuintessence/agentd/internal/resources"
	"github.com/kuintessence/agentd/internal/task"
)

// Reporter is the narrow interface every executor depends on. HTTPReporter
// is its only production implementation; tests substitute a recording
// stub.
type Reporter interface {
	// Report sends a bare status transition, optionally with a message
	// (failure detail, informational text).
	Report(taskID string, status task.Status, message string)

	// TaskStarted/TaskEnded adjust the running-task counter folded into
	// the hourly UpdateUsedResource report. Nothing adjusts the queuing
	// counter, so that report's queuingTaskCount is always 0.
	TaskStarted()
	TaskEnded()
}

type taskStatusRequest struct {
	ID            string `json:"id"`
	Status        task.Status `json:"status"`
	Message       string      `json:"message,omitempty"`
	UsedResources any         `json:"usedResources,omitempty"`
}

type usedResourceRequest struct {
	AllocatedMemory  uint64 `json:"allocatedMemory"`
	AllocatedCPUCount int   `json:"allocatedCpuCount"`
	UsedStorage      uint64 `json:"usedStorage"`
	QueuingTaskCount int    `json:"queuingTaskCount"`
	RunningTaskCount int    `json:"runningTaskCount"`
	UsedNodeCount    int    `json:"usedNodeCount"`
}

// HTTPReporter POSTs task-status transitions to workflow-engine/ReceiveTaskStatus
// and resource reports to agent/UpdateUsedResource, grounded on the
// retry+auth+timeout client built in internal/httpclient.
type HTTPReporter struct {
	Client *http.Client
	Server string
	Prober resources.Prober

	mu      sync.Mutex
	running int
	queuing int
}

// New returns an HTTPReporter. Call Run in a goroutine to start the
// hourly UpdateUsedResource tick; call Register once at startup.
func New(client *http.Client, server string, prober resources.Prober) *HTTPReporter {
	return &HTTPReporter{Client: client, Server: server, Prober: prober}
}

func (r *HTTPReporter) Report(taskID string, st task.Status, message string) {
	body := taskStatusRequest{ID: taskID, Status: st, Message: message}
	if err := r.post(context.Background(), "workflow-engine/ReceiveTaskStatus", taskID, body); err != nil {
		log.WithTaskID(taskID).Warn().Err(err).Msg("report task status")
	}
}

func (r *HTTPReporter) TaskStarted() {
	r.mu.Lock()
	r.running++
	r.mu.Unlock()
}

func (r *HTTPReporter) TaskEnded() {
	r.mu.Lock()
	if r.running > 0 {
		r.running--
	}
	r.mu.Unlock()
}

// Register POSTs the node's total resources once at startup (spec §6.2).
func (r *HTTPReporter) Register(ctx context.Context) error {
	totals, err := r.Prober.Total()
	if err != nil {
		return fmt.Errorf("status: probe resources for register: %w", err)
	}
	body := usedResourceRequest{
		AllocatedMemory:   totals.MemoryBytes,
		AllocatedCPUCount: totals.CPUCount,
		UsedStorage:       totals.StorageBytes,
	}
	return r.post(ctx, "agent/Register", "", body)
}

// Run ticks UpdateUsedResource hourly until ctx is cancelled (spec §6.2).
func (r *HTTPReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reportUsedResource(ctx); err != nil {
				log.Logger.Warn().Err(err).Msg("update used resource")
			}
		}
	}
}

func (r *HTTPReporter) reportUsedResource(ctx context.Context) error {
	totals, err := r.Prober.Total()
	if err != nil {
		return err
	}

	r.mu.Lock()
	running, queuing := r.running, r.queuing
	r.mu.Unlock()

	body := usedResourceRequest{
		AllocatedMemory:   totals.MemoryBytes,
		AllocatedCPUCount: totals.CPUCount,
		UsedStorage:       totals.StorageBytes,
		QueuingTaskCount:  queuing,
		RunningTaskCount:  running,
		UsedNodeCount:     1,
	}
	return r.post(ctx, "agent/UpdateUsedResource", "", body)
}

func (r *HTTPReporter) post(ctx context.Context, path, taskID string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Server+"/"+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if taskID != "" {
		req.Header.Set("TASK_ID", taskID)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status: %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}
