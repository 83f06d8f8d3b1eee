// Package metrics exposes the agent's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/modoterra/mediagent/pkg/core"
)

var (
	pipelineState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mediagent_pipeline_state",
		Help: "Current state of each pipeline (1 for the active state, 0 otherwise)",
	}, []string{"pipeline", "state"})

	pipelineFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediagent_pipeline_failures_total",
		Help: "Total number of pipeline failures that led to a reconnect, by phase",
	}, []string{"pipeline", "phase"})

	logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediagent_logins_total",
		Help: "Total number of login attempts by result",
	}, []string{"result"})

	tailForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediagent_tail_records_forwarded_total",
		Help: "Total number of completion records forwarded to the backend",
	})

	tailMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediagent_tail_malformed_lines_total",
		Help: "Total number of distinct completion lines skipped because they did not parse",
	})

	tailCheckpoint = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediagent_tail_checkpoint_timestamp_seconds",
		Help: "Completion time of the last forwarded record as a Unix timestamp",
	})

	uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediagent_uploads_total",
		Help: "Total number of finished uploads by result",
	}, []string{"result"})

	uploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediagent_upload_bytes_total",
		Help: "Total number of payload bytes written to upload sockets",
	})

	uploadsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediagent_uploads_active",
		Help: "Number of uploads currently in progress",
	})

	uploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mediagent_upload_duration_seconds",
		Help:    "Duration of finished uploads",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	browseRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediagent_browse_requests_total",
		Help: "Total number of directory browse requests by result",
	}, []string{"result"})
)

var states = []core.State{
	core.StateDisconnected,
	core.StateAuthenticating,
	core.StateConnecting,
	core.StateJoining,
	core.StateActive,
	core.StateFatal,
}

// SetPipelineState records the current state of a pipeline.
func SetPipelineState(pipeline string, state core.State) {
	for _, s := range states {
		value := 0.0
		if s == state {
			value = 1.0
		}
		pipelineState.WithLabelValues(pipeline, string(s)).Set(value)
	}
}

// RecordPipelineFailure counts a failure in the given phase.
func RecordPipelineFailure(pipeline string, phase core.State) {
	pipelineFailures.WithLabelValues(pipeline, string(phase)).Inc()
}

// RecordLogin counts a login attempt.
func RecordLogin(err error) {
	logins.WithLabelValues(result(err)).Inc()
}

// RecordForwarded counts one forwarded record and moves the checkpoint gauge.
func RecordForwarded(cp core.Checkpoint) {
	tailForwarded.Inc()
	tailCheckpoint.Set(float64(cp.Time().Unix()))
}

// RecordMalformed counts newly seen malformed completion lines.
func RecordMalformed(n int) {
	tailMalformed.Add(float64(n))
}

// UploadStarted marks an upload as in progress.
func UploadStarted() {
	uploadsActive.Inc()
}

// UploadFinished records the outcome of an upload.
func UploadFinished(bytes int64, d time.Duration, err error) {
	uploadsActive.Dec()
	uploads.WithLabelValues(result(err)).Inc()
	uploadBytes.Add(float64(bytes))
	uploadDuration.Observe(d.Seconds())
}

// RecordBrowse counts a browse request.
func RecordBrowse(err error) {
	browseRequests.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
