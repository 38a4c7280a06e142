package slurm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuintessence/agentd/internal/command"
	"github.com/kuintessence/agentd/internal/scheduler"
)

type fakeRunner struct {
	calls [][]string
	stdout map[string]string // keyed by args[0]
	err    error
}

func (f *fakeRunner) IsSSH() bool { return false }

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (*command.Result, error) {
	all := append([]string{name}, args...)
	f.calls = append(f.calls, all)
	if f.err != nil {
		return nil, f.err
	}
	return &command.Result{Stdout: f.stdout[name]}, nil
}

func TestSubmitJobScriptReturnsJobID(t *testing.T) {
	runner := &fakeRunner{stdout: map[string]string{"sh": "Submitted batch job 42\n"}}
	a := New(runner, nil, nil, t.TempDir())

	id, err := a.SubmitJobScript(context.Background(), scheduler.ScriptInfo{
		NodeID: "node-a", SubmitDir: "/tmp/node-a", Name: "job1", Arguments: []string{"--flag"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestDecodeStateMapsSlurmStates(t *testing.T) {
	cases := map[string]scheduler.JobState{
		"FAILED":    scheduler.StateFailed,
		"TIMEOUT":   scheduler.StateFailed,
		"CANCELLED": scheduler.StateSuspended,
		"COMPLETED": scheduler.StateCompleted,
		"PENDING":   scheduler.StateQueuing,
		"COMPLETING": scheduler.StateCompleting,
		"RUNNING":   scheduler.StateRunning,
		"WEIRD":     scheduler.StateUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, decodeState(raw), raw)
	}
}

func TestParseSacctExtractsFields(t *testing.T) {
	stdout := "42|myjob|alice|RUNNING|0:0|100K|200K|00:01:00|00:02:00|2|2024-01-01T00:00:00|2024-01-01T00:05:00\n"
	jobs, err := parseSacct(stdout)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "42", jobs[0].ID)
	assert.Equal(t, scheduler.StateRunning, jobs[0].State)
	assert.Equal(t, 2, jobs[0].NodeCount)
}

func TestDeleteJobRunsScancel(t *testing.T) {
	runner := &fakeRunner{}
	a := New(runner, nil, nil, t.TempDir())
	require.NoError(t, a.DeleteJob(context.Background(), "42"))
	assert.Equal(t, []string{"scancel", "42"}, runner.calls[0])
}
