// Package collectexec implements the collect-output executor (spec
// §4.9): read a source via internal/fileload, apply exactly one rule,
// write the result back.
package collectexec

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/kuintessence/agentd/internal/fileload"
	"github.com/kuintessence/agentd/internal/status"
	"github.com/kuintessence/agentd/internal/task"
)

// Executor runs CollectOutput tasks.
type Executor struct {
	FileLoad *fileload.Service
	Status   status.Reporter

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(fl *fileload.Service, reporter status.Reporter) *Executor {
	return &Executor{FileLoad: fl, Status: reporter, cancels: make(map[string]context.CancelFunc)}
}

// Start reads, applies the rule, and writes back (spec §4.9).
func (e *Executor) Start(ctx context.Context, t task.Task) error {
	body, ok := t.Body.(*task.CollectOutputBody)
	if !ok {
		return fmt.Errorf("collectexec: unexpected body type %T", t.Body)
	}

	e.Status.Report(t.ID, task.StatusStarted, "")

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[t.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, t.ID)
		e.mu.Unlock()
	}()

	input, err := e.FileLoad.Load(t.NodeID, body.From)
	if err != nil {
		if body.Optional {
			e.Status.Report(t.ID, task.StatusCompleted, "File not found but it is optional")
			return nil
		}
		e.Status.Report(t.ID, task.StatusFailed, err.Error())
		return err
	}

	if runCtx.Err() != nil {
		e.Status.Report(t.ID, task.StatusCancelled, "")
		return nil
	}

	output, err := applyRule(body.Rule, input)
	if err != nil {
		e.Status.Report(t.ID, task.StatusFailed, err.Error())
		return err
	}

	if err := e.FileLoad.Save(t.ID, t.NodeID, body.To, output); err != nil {
		e.Status.Report(t.ID, task.StatusFailed, err.Error())
		return err
	}

	e.Status.Report(t.ID, task.StatusCompleted, "")
	return nil
}

func applyRule(rule task.CollectRule, input []byte) ([]byte, error) {
	switch rule.Type {
	case "Regex":
		re, err := regexp.Compile(rule.Content)
		if err != nil {
			return nil, fmt.Errorf("collectexec: compile regex %q: %w", rule.Content, err)
		}
		matches := re.FindAllString(string(input), -1)
		return []byte(strings.Join(matches, "")), nil
	case "BottomLines":
		n, err := strconv.Atoi(rule.Content)
		if err != nil {
			return nil, fmt.Errorf("collectexec: parse BottomLines count: %w", err)
		}
		return []byte(lastLines(string(input), n)), nil
	case "TopLines":
		n, err := strconv.Atoi(rule.Content)
		if err != nil {
			return nil, fmt.Errorf("collectexec: parse TopLines count: %w", err)
		}
		return []byte(firstLines(string(input), n)), nil
	default:
		return nil, fmt.Errorf("collectexec: unrecognized rule type %q", rule.Type)
	}
}

func firstLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if n > len(lines) {
		n = len(lines)
	}
	return strings.Join(lines[:n], "\n")
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if n > len(lines) {
		n = len(lines)
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// Pause is a no-op (spec §4.9).
func (e *Executor) Pause(taskID string) error { return nil }

// Resume is a no-op (spec §4.9).
func (e *Executor) Resume(taskID string) error { return nil }

// Cancel fires the task's cancel token.
func (e *Executor) Cancel(taskID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[taskID]
	delete(e.cancels, taskID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("collectexec: no such task %s", taskID)
	}
	cancel()
	e.Status.Report(taskID, task.StatusCancelled, "")
	return nil
}
