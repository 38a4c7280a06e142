package collectexec

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuintessence/agentd/internal/config"
	"github.com/kuintessence/agentd/internal/fileload"
	"github.com/kuintessence/agentd/internal/task"
)

type recordingReporter struct {
	mu   sync.Mutex
	last task.Status
}

func (r *recordingReporter) Report(taskID string, st task.Status, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = st
}
func (r *recordingReporter) TaskStarted() {}
func (r *recordingReporter) TaskEnded()   {}

func newExecutor(t *testing.T) (*Executor, string, *recordingReporter) {
	t.Helper()
	dir := t.TempDir()
	fl := fileload.New(http.DefaultClient, "", &config.Config{SavePath: dir}, nil, nil)
	reporter := &recordingReporter{}
	return New(fl, reporter), dir, reporter
}

func TestStartRegexRuleExtractsMatches(t *testing.T) {
	e, dir, reporter := newExecutor(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node-a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node-a", "STDOUT"), []byte("a=1 b=2 c=3"), 0o644))

	tk := task.Task{
		ID:     "t1",
		NodeID: "node-a",
		Body: &task.CollectOutputBody{
			From: task.CollectFrom{Type: "Stdout"},
			Rule: task.CollectRule{Type: "Regex", Content: `\d+`},
			To:   task.CollectTo{Type: "File", Path: "nums.txt"},
		},
	}

	require.NoError(t, e.Start(context.Background(), tk))

	data, err := os.ReadFile(filepath.Join(dir, "node-a", "nums.txt"))
	require.NoError(t, err)
	assert.Equal(t, "123", string(data))
	assert.Equal(t, task.StatusCompleted, reporter.last)
}

func TestStartTopLines(t *testing.T) {
	e, dir, _ := newExecutor(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node-a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node-a", "STDOUT"), []byte("l1\nl2\nl3\nl4"), 0o644))

	tk := task.Task{
		ID:     "t2",
		NodeID: "node-a",
		Body: &task.CollectOutputBody{
			From: task.CollectFrom{Type: "Stdout"},
			Rule: task.CollectRule{Type: "TopLines", Content: "2"},
			To:   task.CollectTo{Type: "File", Path: "top.txt"},
		},
	}
	require.NoError(t, e.Start(context.Background(), tk))

	data, err := os.ReadFile(filepath.Join(dir, "node-a", "top.txt"))
	require.NoError(t, err)
	assert.Equal(t, "l1\nl2", string(data))
}

func TestStartOptionalMissingFileCompletesWithMessage(t *testing.T) {
	e, _, reporter := newExecutor(t)

	tk := task.Task{
		ID:     "t3",
		NodeID: "node-a",
		Body: &task.CollectOutputBody{
			From:     task.CollectFrom{Type: "Stdout"},
			Rule:     task.CollectRule{Type: "TopLines", Content: "1"},
			To:       task.CollectTo{Type: "File", Path: "missing.txt"},
			Optional: true,
		},
	}
	require.NoError(t, e.Start(context.Background(), tk))
	assert.Equal(t, task.StatusCompleted, reporter.last)
}
