package pbs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuintessence/agentd/internal/command"
	"github.com/kuintessence/agentd/internal/scheduler"
)

type fakeRunner struct {
	responses map[string]*command.Result
	errs      map[string]error
	calls     [][]string
}

func (f *fakeRunner) IsSSH() bool { return false }

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (*command.Result, error) {
	all := append([]string{name}, args...)
	f.calls = append(f.calls, all)
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	if res, ok := f.responses[name]; ok {
		return res, nil
	}
	return &command.Result{}, nil
}

func TestDecodeStateHandlesExitAmbiguity(t *testing.T) {
	assert.Equal(t, scheduler.StateRunning, decodeState("R", 0, false))
	assert.Equal(t, scheduler.StateQueuing, decodeState("Q", 0, false))
	assert.Equal(t, scheduler.StateSuspended, decodeState("H", 0, false))
	assert.Equal(t, scheduler.StateFailed, decodeState("E", 1, true))
	assert.Equal(t, scheduler.StateCompleting, decodeState("E", 0, true))
	assert.Equal(t, scheduler.StateCompleted, decodeState("F", 0, true))
}

func TestDecodeState254IsNotFailed(t *testing.T) {
	// Exit 254 is PBS's "killed by scheduler" sentinel, not a real
	// program failure (spec §4.6).
	assert.Equal(t, scheduler.StateCompleted, decodeState("F", 254, true))
}

func TestParseQstatLinesExtractsJob(t *testing.T) {
	stdout := `Job Id: 42.server
    Job_Name = myjob
    Job_Owner = alice@host
    job_state = R
`
	job, err := parseQstatLines(stdout, "42")
	require.NoError(t, err)
	assert.Equal(t, "myjob", job.Name)
	assert.Equal(t, scheduler.StateRunning, job.State)
}

type sequencedRunner struct {
	step int
}

func (s *sequencedRunner) IsSSH() bool { return false }

func (s *sequencedRunner) Run(ctx context.Context, name string, args ...string) (*command.Result, error) {
	s.step++
	if name == "qstat" && args[0] == "-xfF" {
		return nil, errTest("json form unsupported by this pbs build")
	}
	return &command.Result{Stdout: "Job Id: 42.server\n    job_state = Q\n"}, nil
}

func TestGetJobFallsBackToLineParsingOnJSONFailure(t *testing.T) {
	runner := &sequencedRunner{}
	a := New(runner, nil, nil, t.TempDir())

	job, err := a.GetJob(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, scheduler.StateQueuing, job.State)
	assert.Equal(t, 2, runner.step) // one failed json attempt, one fallback
}

type errTest string

func (e errTest) Error() string { return string(e) }
