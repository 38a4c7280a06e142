package jobexec

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuintessence/agentd/internal/config"
	"github.com/kuintessence/agentd/internal/scheduler"
	"github.com/kuintessence/agentd/internal/task"
)

type recordingReporter struct {
	mu       sync.Mutex
	statuses []task.Status
	messages []string
}

func (r *recordingReporter) Report(taskID string, st task.Status, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
	r.messages = append(r.messages, message)
}
func (r *recordingReporter) TaskStarted() {}
func (r *recordingReporter) TaskEnded()   {}

func (r *recordingReporter) last() task.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[len(r.statuses)-1]
}

func (r *recordingReporter) lastMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[len(r.messages)-1]
}

type fakeAdapter struct {
	submitID string
	submitErr error
	jobs     map[string]scheduler.Job
	deleteErr error
	pauseErr  error
	continueErr error
}

func (f *fakeAdapter) SubmitJobScript(ctx context.Context, info scheduler.ScriptInfo) (string, error) {
	return f.submitID, f.submitErr
}
func (f *fakeAdapter) SubmitJob(ctx context.Context, path string) (string, error) { return "", nil }
func (f *fakeAdapter) GetJob(ctx context.Context, id string) (scheduler.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return scheduler.Job{}, assertErr("no such job")
	}
	return j, nil
}
func (f *fakeAdapter) GetJobs(ctx context.Context) ([]scheduler.Job, error) { return nil, nil }
func (f *fakeAdapter) DeleteJob(ctx context.Context, id string) error       { return f.deleteErr }
func (f *fakeAdapter) PauseJob(ctx context.Context, id string) error        { return f.pauseErr }
func (f *fakeAdapter) ContinueJob(ctx context.Context, id string) error     { return f.continueErr }

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakeDeployer struct {
	hash  string
	found bool
}

func (f *fakeDeployer) Find(ctx context.Context, name string, args []string) (string, bool, error) {
	return f.hash, f.found, nil
}
func (f *fakeDeployer) Install(ctx context.Context, name string, args []string) (string, error) {
	return f.hash, nil
}
func (f *fakeDeployer) GenLoadScript(hash string) string { return "spack load " + hash + "\n" }

func TestStartQueuingReportsQueued(t *testing.T) {
	adapter := &fakeAdapter{submitID: "42", jobs: map[string]scheduler.Job{"42": {ID: "42", State: scheduler.StateQueuing}}}
	reporter := &recordingReporter{}
	e := New(adapter, nil, nil, reporter, &config.Config{})

	tk := task.Task{ID: "t1", NodeID: "n1", Body: &task.ExecuteUsecaseBody{Name: "prog"}}
	require.NoError(t, e.Start(context.Background(), tk))
	assert.Equal(t, task.StatusQueued, reporter.last())
}

func TestStartCompletedImmediatelyReportsCompletedAndDropsJob(t *testing.T) {
	adapter := &fakeAdapter{submitID: "42", jobs: map[string]scheduler.Job{"42": {ID: "42", State: scheduler.StateCompleted}}}
	reporter := &recordingReporter{}
	e := New(adapter, nil, nil, reporter, &config.Config{})

	tk := task.Task{ID: "t2", NodeID: "n1", Body: &task.ExecuteUsecaseBody{Name: "prog"}}
	require.NoError(t, e.Start(context.Background(), tk))
	assert.Equal(t, task.StatusCompleted, reporter.last())

	_, err := e.lookup("t2")
	assert.Error(t, err)
}

func TestStartFailedReportsExitCodeAndStderr(t *testing.T) {
	adapter := &fakeAdapter{submitID: "42", jobs: map[string]scheduler.Job{"42": {ID: "42", State: scheduler.StateFailed, ExitCode: 1, Stderr: "boom"}}}
	reporter := &recordingReporter{}
	e := New(adapter, nil, nil, reporter, &config.Config{})

	tk := task.Task{ID: "t3", NodeID: "n1", Body: &task.ExecuteUsecaseBody{Name: "prog"}}
	require.NoError(t, e.Start(context.Background(), tk))
	assert.Equal(t, task.StatusFailed, reporter.last())
	assert.Contains(t, reporter.lastMessage(), "boom")
}

func TestStartWithSpackNotFoundFailsWithSoftwareNotFound(t *testing.T) {
	adapter := &fakeAdapter{}
	spack := &fakeDeployer{found: false}
	reporter := &recordingReporter{}
	e := New(adapter, spack, nil, reporter, &config.Config{})

	tk := task.Task{ID: "t4", NodeID: "n1", Body: &task.ExecuteUsecaseBody{
		Name:         "prog",
		FacilityKind: task.FacilityKind{Type: "Spack", Name: "gcc"},
	}}
	err := e.Start(context.Background(), tk)
	require.Error(t, err)
	assert.Equal(t, task.StatusFailed, reporter.last())
	assert.Contains(t, reporter.lastMessage(), "Software not found")
}

func TestRefreshQueuingToRunningReportsStarted(t *testing.T) {
	adapter := &fakeAdapter{submitID: "42", jobs: map[string]scheduler.Job{"42": {ID: "42", State: scheduler.StateQueuing}}}
	reporter := &recordingReporter{}
	e := New(adapter, nil, nil, reporter, &config.Config{})

	tk := task.Task{ID: "t5", NodeID: "n1", Body: &task.ExecuteUsecaseBody{Name: "prog"}}
	require.NoError(t, e.Start(context.Background(), tk))
	assert.Equal(t, task.StatusQueued, reporter.last())

	adapter.jobs["42"] = scheduler.Job{ID: "42", State: scheduler.StateRunning}
	e.RefreshAll(context.Background())
	assert.Equal(t, task.StatusStarted, reporter.last())
}

func TestRefreshSameStateSuppressesRepeatedReport(t *testing.T) {
	adapter := &fakeAdapter{submitID: "42", jobs: map[string]scheduler.Job{"42": {ID: "42", State: scheduler.StateRunning}}}
	reporter := &recordingReporter{}
	e := New(adapter, nil, nil, reporter, &config.Config{})

	tk := task.Task{ID: "t6", NodeID: "n1", Body: &task.ExecuteUsecaseBody{Name: "prog"}}
	require.NoError(t, e.Start(context.Background(), tk))
	countAfterStart := len(reporter.statuses)

	e.RefreshAll(context.Background())
	e.RefreshAll(context.Background())
	assert.Len(t, reporter.statuses, countAfterStart)
}

func TestCancelReportsCancelledAndDropsJob(t *testing.T) {
	adapter := &fakeAdapter{submitID: "42", jobs: map[string]scheduler.Job{"42": {ID: "42", State: scheduler.StateRunning}}}
	reporter := &recordingReporter{}
	e := New(adapter, nil, nil, reporter, &config.Config{})

	tk := task.Task{ID: "t7", NodeID: "n1", Body: &task.ExecuteUsecaseBody{Name: "prog"}}
	require.NoError(t, e.Start(context.Background(), tk))

	require.NoError(t, e.Cancel(context.Background(), "t7"))
	assert.Equal(t, task.StatusCancelled, reporter.last())
	_, err := e.lookup("t7")
	assert.Error(t, err)
}

func TestPauseThenRefreshReportsPaused(t *testing.T) {
	adapter := &fakeAdapter{submitID: "42", jobs: map[string]scheduler.Job{"42": {ID: "42", State: scheduler.StateRunning}}}
	reporter := &recordingReporter{}
	e := New(adapter, nil, nil, reporter, &config.Config{})

	tk := task.Task{ID: "t8", NodeID: "n1", Body: &task.ExecuteUsecaseBody{Name: "prog"}}
	require.NoError(t, e.Start(context.Background(), tk))

	adapter.jobs["42"] = scheduler.Job{ID: "42", State: scheduler.StateSuspended}
	require.NoError(t, e.Pause(context.Background(), "t8"))
	assert.Equal(t, task.StatusPaused, reporter.last())
}
