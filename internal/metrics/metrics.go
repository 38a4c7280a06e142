// Package metrics defines the agent's in-process Prometheus counters and
// one histogram: jobs submitted/completed, bytes transferred, retry
// counts, deploy installs, and scheduler poll durations. They are
// registered against the default registry; cmd/agentd does not read or
// expose them, and they are not served over HTTP — telemetry export is an external
// collaborator's concern (spec §1 Non-goals).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_jobs_submitted_total",
			Help: "Total number of ExecuteUsecase jobs submitted to a scheduler backend",
		},
		[]string{"backend"},
	)

	JobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_jobs_terminal_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	BytesTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_bytes_transferred_total",
			Help: "Total bytes moved by the download/upload executors",
		},
		[]string{"direction"}, // "download" | "upload"
	)

	BlocksTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_blocks_transferred_total",
			Help: "Total chunk-queue blocks completed by the download/upload executors",
		},
		[]string{"direction"},
	)

	HTTPRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_http_retries_total",
			Help: "Total retry attempts made by the auth+retry HTTP stack",
		},
		[]string{"reason"}, // "401" | "timeout" | "transport_error" | "server_error"
	)

	DeployInstallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_deploy_installs_total",
			Help: "Total deploy-executor package installs by backend and outcome",
		},
		[]string{"backend", "outcome"}, // outcome: "found" | "installed" | "failed"
	)

	SchedulerPollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentd_scheduler_poll_duration_seconds",
			Help:    "Time taken for a single get_job round-trip against the scheduler CLI",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsSubmittedTotal,
		JobsTerminalTotal,
		BytesTransferredTotal,
		BlocksTransferredTotal,
		HTTPRetriesTotal,
		DeployInstallsTotal,
		SchedulerPollDuration,
	)
}

// Timer times an operation for later recording against a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
