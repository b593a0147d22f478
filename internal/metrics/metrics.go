// Package metrics provides Prometheus metrics for deploy runs.
//
// A CLI run is short-lived, so nothing is served over HTTP. Each Recorder
// owns its registry and the collected values are written to a node-exporter
// textfile when a run ends.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// File results
const (
	ResultSent         = "sent"
	ResultSizeMismatch = "size_mismatch"
	ResultError        = "error"
)

// Recorder collects the metrics of deploy runs.
type Recorder struct {
	registry *prometheus.Registry

	filesTotal      *prometheus.CounterVec
	bytesSent       prometheus.Counter
	rawModeAttempts *prometheus.CounterVec
	deployDuration  prometheus.Histogram
	lastSuccess     prometheus.Gauge
}

// New creates a Recorder with a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		filesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpysync_files_total",
				Help: "Total number of files processed, by result",
			},
			[]string{"result"},
		),
		bytesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mpysync_bytes_sent_total",
				Help: "Total bytes of file content written to the device",
			},
		),
		rawModeAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpysync_raw_mode_attempts_total",
				Help: "Raw mode enter and exit attempts",
			},
			[]string{"op", "result"},
		),
		deployDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mpysync_deploy_duration_seconds",
				Help:    "Duration of a deploy run in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		lastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mpysync_last_success_timestamp_seconds",
				Help: "Unix time of the last deploy run without failed files",
			},
		),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// RecordFile records the outcome of one file.
func (r *Recorder) RecordFile(result string, bytes int64) {
	r.filesTotal.WithLabelValues(result).Inc()
	if result == ResultSent {
		r.bytesSent.Add(float64(bytes))
	}
}

// RawModeAttempt records a raw mode enter or exit attempt. It satisfies
// repl.Observer.
func (r *Recorder) RawModeAttempt(op string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	r.rawModeAttempts.WithLabelValues(op, result).Inc()
}

// RecordRun records the duration of a finished run.
func (r *Recorder) RecordRun(duration time.Duration, success bool, now time.Time) {
	r.deployDuration.Observe(duration.Seconds())
	if success {
		r.lastSuccess.Set(float64(now.Unix()))
	}
}

// WriteTextfile writes all metrics in the text exposition format to path.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
