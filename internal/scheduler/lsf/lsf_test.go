package lsf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuintessence/agentd/internal/command"
	"github.com/kuintessence/agentd/internal/scheduler"
)

type fakeRunner struct {
	stdout map[string]string
}

func (f *fakeRunner) IsSSH() bool { return false }

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (*command.Result, error) {
	return &command.Result{Stdout: f.stdout[name]}, nil
}

func TestParseBsubOutputExtractsJobID(t *testing.T) {
	id, err := parseBsubOutput("Job <42> is submitted to queue <normal>.\n")
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestDecodeStateMapsLSFStates(t *testing.T) {
	assert.Equal(t, scheduler.StateFailed, decodeState("EXIT"))
	assert.Equal(t, scheduler.StateCompleted, decodeState("DONE"))
	assert.Equal(t, scheduler.StateRunning, decodeState("RUN"))
	assert.Equal(t, scheduler.StateRunning, decodeState("EXITING"))
	assert.Equal(t, scheduler.StateUnknown, decodeState("PEND"))
}

func TestParseBjobsSkipsHeaderRow(t *testing.T) {
	stdout := "JOBID   USER    STAT  QUEUE      FROM_HOST   EXEC_HOST   JOB_NAME\n" +
		"42      alice   RUN   normal     host1       host2       myjob\n"
	jobs, err := parseBjobs(stdout)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "42", jobs[0].ID)
	assert.Equal(t, "myjob", jobs[0].Name)
	assert.Equal(t, scheduler.StateRunning, jobs[0].State)
}

func TestPauseContinueDeleteAreUnimplemented(t *testing.T) {
	a := New(&fakeRunner{}, nil, nil, t.TempDir(), "normal")
	assert.Error(t, a.PauseJob(context.Background(), "1"))
	assert.Error(t, a.ContinueJob(context.Background(), "1"))
	assert.Error(t, a.DeleteJob(context.Background(), "1"))
}
