package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuintessence/agentd/internal/resources"
	"github.com/kuintessence/agentd/internal/task"
)

type stubProber struct{}

func (stubProber) Total() (resources.Totals, error) {
	return resources.Totals{MemoryBytes: 1024, CPUCount: 4, StorageBytes: 2048}, nil
}

func TestReportPostsTaskStatus(t *testing.T) {
	var gotPath string
	var gotTaskHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTaskHeader = r.Header.Get("TASK_ID")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(srv.Client(), srv.URL, stubProber{})
	r.Report("T1", task.StatusCompleted, "")

	assert.Equal(t, "/workflow-engine/ReceiveTaskStatus", gotPath)
	assert.Equal(t, "T1", gotTaskHeader)
}

func TestRegisterPostsTotals(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(srv.Client(), srv.URL, stubProber{})
	require.NoError(t, r.Register(context.Background()))
	assert.Equal(t, "/agent/Register", gotPath)
}

func TestTaskStartedEndedTracksRunningCount(t *testing.T) {
	var calls int32
	var got usedResourceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(srv.Client(), srv.URL, stubProber{})
	r.TaskStarted()
	r.TaskStarted()
	r.TaskEnded()

	require.NoError(t, r.reportUsedResource(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, got.RunningTaskCount)
}
