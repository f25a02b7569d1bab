// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the pipeline service.
//
// # Description
//
// Metrics cover the execution lifecycle end to end:
//   - Execution counters and duration histograms (by terminal status)
//   - Job counters and duration histograms (by job type and status)
//   - Retry counters
//   - Active execution gauge
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for pipeline metrics
const pipelinesSubsystem = "pipelines"

// PipelineMetrics holds all Prometheus metrics for pipeline execution.
//
// # Fields
//
//   - ExecutionsTotal: Counter of finished executions by terminal status
//   - ExecutionDurationSeconds: Histogram of pipeline wall time
//   - JobsTotal: Counter of finished jobs by type and status
//   - JobDurationSeconds: Histogram of per-job wall time by type
//   - RetriesTotal: Counter of job retry dispatches by type
//   - ActiveExecutions: Gauge of executions currently owned by an engine
//
// # Thread Safety
//
// All operations are thread-safe.
type PipelineMetrics struct {
	// ExecutionsTotal counts finished executions.
	// Labels: status (completed, failed, cancelled)
	ExecutionsTotal *prometheus.CounterVec

	// ExecutionDurationSeconds measures pipeline wall time.
	// Labels: status (completed, failed, cancelled)
	ExecutionDurationSeconds *prometheus.HistogramVec

	// JobsTotal counts finished jobs.
	// Labels: type (training, preprocessing, ...), status (completed,
	// failed, cancelled, skipped)
	JobsTotal *prometheus.CounterVec

	// JobDurationSeconds measures per-job wall time.
	// Labels: type
	JobDurationSeconds *prometheus.HistogramVec

	// RetriesTotal counts retry dispatches.
	// Labels: type
	RetriesTotal *prometheus.CounterVec

	// ActiveExecutions tracks executions with a live engine.
	ActiveExecutions prometheus.Gauge
}

// DefaultMetrics is the singleton instance of PipelineMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *PipelineMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics against the default
// registry. Call once at startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = &PipelineMetrics{
		ExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelinesSubsystem,
				Name:      "executions_total",
				Help:      "Total finished pipeline executions by terminal status",
			},
			[]string{"status"},
		),

		ExecutionDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelinesSubsystem,
				Name:      "execution_duration_seconds",
				Help:      "Pipeline execution wall time in seconds",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
			},
			[]string{"status"},
		),

		JobsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelinesSubsystem,
				Name:      "jobs_total",
				Help:      "Total finished jobs by type and status",
			},
			[]string{"type", "status"},
		),

		JobDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelinesSubsystem,
				Name:      "job_duration_seconds",
				Help:      "Per-job wall time in seconds",
				Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 1800, 7200},
			},
			[]string{"type"},
		),

		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelinesSubsystem,
				Name:      "retries_total",
				Help:      "Total job retry dispatches by type",
			},
			[]string{"type"},
		),

		ActiveExecutions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelinesSubsystem,
				Name:      "active_executions",
				Help:      "Executions currently owned by a live engine",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordExecution records one finished execution.
//
// # Inputs
//
//   - status: Terminal status label (completed, failed, cancelled).
//   - seconds: Wall time from start to terminal state.
func (m *PipelineMetrics) RecordExecution(status string, seconds float64) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordJob records one finished job.
func (m *PipelineMetrics) RecordJob(jobType, status string, seconds float64) {
	m.JobsTotal.WithLabelValues(jobType, status).Inc()
	m.JobDurationSeconds.WithLabelValues(jobType).Observe(seconds)
}

// RecordRetry records one retry dispatch.
func (m *PipelineMetrics) RecordRetry(jobType string) {
	m.RetriesTotal.WithLabelValues(jobType).Inc()
}

// ExecutionStarted increments the active execution gauge.
func (m *PipelineMetrics) ExecutionStarted() {
	m.ActiveExecutions.Inc()
}

// ExecutionEnded decrements the active execution gauge.
func (m *PipelineMetrics) ExecutionEnded() {
	m.ActiveExecutions.Dec()
}
