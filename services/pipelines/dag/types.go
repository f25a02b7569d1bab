// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag implements the pipeline dependency graph: the job/edge model,
// structural validation with Kahn leveling, the per-execution state machine,
// job dispatch, and the execution engine that drives one run to completion.
//
// # Usage
//
//	graph, err := dag.NewBuilder("nightly-train").
//	    AddJobs(jobs...).
//	    Build()
//	if err != nil {
//	    return err
//	}
//	plan, errs := graph.Plan()
//	if len(errs) > 0 {
//	    return &dag.ValidationError{Problems: errs}
//	}
//	engine := dag.NewEngine(graph, plan, deps)
//	result := engine.Run(ctx)
//
// # Thread Safety
//
// Graph and ExecutionPlan are immutable after Build/Plan. ExecutionState is
// safe for concurrent use. One Engine owns one execution; its Run method may
// be called at most once.
package dag

import (
	"time"
)

// JobType identifies which runner performs a job's work.
type JobType string

// Production job types.
const (
	JobTypeTraining       JobType = "training"
	JobTypePreprocessing  JobType = "preprocessing"
	JobTypeValidation     JobType = "validation"
	JobTypeDeployment     JobType = "deployment"
	JobTypeRegressionGate JobType = "regression-gate"
)

// Test-only job types, registered by runners.RegisterTestRunners.
const (
	JobTypeFanOut   JobType = "fan-out"
	JobTypeFanIn    JobType = "fan-in"
	JobTypeEcho     JobType = "echo"
	JobTypeSlowEcho JobType = "slow_echo"
)

// JobStatus represents the lifecycle state of one job within an execution.
type JobStatus string

const (
	// JobPending means the job has not been dispatched yet.
	JobPending JobStatus = "pending"

	// JobRunning means the job has been dispatched and is in flight.
	JobRunning JobStatus = "running"

	// JobCompleted means the runner reported success.
	JobCompleted JobStatus = "completed"

	// JobFailed means the runner failed and the retry budget is exhausted.
	JobFailed JobStatus = "failed"

	// JobCancelled means the job was cancelled by an external request
	// while pending or running.
	JobCancelled JobStatus = "cancelled"

	// JobSkipped means the job never ran because an ancestor failed
	// permanently under the skip-downstream policy.
	JobSkipped JobStatus = "skipped"
)

// IsTerminal reports whether the status never transitions further.
// A failed job with retry budget remaining is re-queued before it is
// recorded as failed, so failed here is always permanent.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobSkipped:
		return true
	default:
		return false
	}
}

// ExecutionStatus represents the lifecycle state of one DAG run.
type ExecutionStatus string

const (
	// ExecutionPending exists only between record creation and the first
	// scheduling tick.
	ExecutionPending ExecutionStatus = "pending"

	// ExecutionRunning covers most of an execution's life.
	ExecutionRunning ExecutionStatus = "running"

	// ExecutionCompleted means every job completed. Skips imply an
	// upstream failure, so a run with skips never lands here; see the
	// DAGExecution invariant.
	ExecutionCompleted ExecutionStatus = "completed"

	// ExecutionFailed means at least one job failed permanently and no
	// recovery path exists.
	ExecutionFailed ExecutionStatus = "failed"

	// ExecutionCancelled means the run was cancelled externally.
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution status is final.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// RetryPolicy controls in-place retry of a failed job.
//
// Backoff between attempts grows exponentially from InitialBackoff by
// BackoffFactor, capped at MaxBackoff, with optional jitter. A zero policy
// means one attempt and no retries.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff is the wait before the second attempt. Default 1s.
	InitialBackoff time.Duration `json:"initial_backoff,omitempty" yaml:"initial_backoff,omitempty"`

	// MaxBackoff caps the wait between attempts. Default 30s.
	MaxBackoff time.Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`

	// BackoffFactor multiplies the wait after each attempt. Default 2.0.
	BackoffFactor float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`

	// Jitter adds up to this fraction of randomness to each wait. Default 0.1.
	Jitter float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// JobConfig is one node in the pipeline graph.
//
// Config is opaque to the engine; the runner for Type interprets and
// validates it. DependsOn lists the ids of jobs that must complete (or be
// skipped) before this job becomes eligible.
type JobConfig struct {
	ID        string         `json:"id" yaml:"id"`
	Type      JobType        `json:"type" yaml:"type"`
	Name      string         `json:"name,omitempty" yaml:"name,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// Retry is optional; nil means a single attempt.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Timeout overrides the job-type default timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Edge is an explicit dependency edge, directed dependency -> dependent.
// Edges are merged into DependsOn before validation; duplicates between the
// same pair are idempotent.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// JobExecution is the runtime state of one job within one execution.
//
// JobID, Name and Type are copied from the JobConfig when the execution is
// created and never change. Terminal statuses are monotonic: once a job is
// completed, failed, cancelled or skipped it never transitions again, except
// that a failed job with retry budget remaining is re-queued in place with
// Attempt incremented before failed is ever recorded.
type JobExecution struct {
	JobID string  `json:"job_id"`
	Name  string  `json:"name,omitempty"`
	Type  JobType `json:"type"`

	Status  JobStatus `json:"status"`
	Attempt int       `json:"attempt"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Progress is 0-100, runner-reported; forced to 100 on completion.
	Progress int `json:"progress"`

	// Error is set only when Status is failed.
	Error string `json:"error,omitempty"`

	// Output is the runner-reported result payload, opaque to the engine.
	Output map[string]any `json:"output,omitempty"`
}

// DAGExecution is one run of a pipeline graph.
//
// Invariant: Status is completed iff every job is completed or skipped;
// failed iff at least one job failed permanently and no recovery path
// exists; cancelled after an external cancellation; otherwise running
// (pending only before the first scheduling tick).
type DAGExecution struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	Status ExecutionStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Jobs maps job id to its runtime state.
	Jobs map[string]*JobExecution `json:"jobs"`
}

// Progress returns the percentage of jobs in a terminal state, 0-100.
func (e *DAGExecution) Progress() int {
	if len(e.Jobs) == 0 {
		return 100
	}
	terminal := 0
	for _, j := range e.Jobs {
		if j.Status.IsTerminal() {
			terminal++
		}
	}
	return terminal * 100 / len(e.Jobs)
}

// Duration returns elapsed time since start, or total runtime once complete.
// Zero if the execution never started.
func (e *DAGExecution) Duration() time.Duration {
	if e.StartedAt == nil {
		return 0
	}
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(*e.StartedAt)
	}
	return time.Since(*e.StartedAt)
}

// ExecutionPlan is the validator's output: levels of jobs executable in
// parallel and a total order consistent with them.
//
// Level k contains exactly the jobs whose dependencies are all contained in
// levels 0..k-1. TopologicalOrder is the concatenation of the levels and is
// the engine's dispatch tie-break order.
type ExecutionPlan struct {
	ExecutionLevels  [][]string `json:"execution_levels"`
	TopologicalOrder []string   `json:"topological_order"`
	TotalJobs        int        `json:"total_jobs"`
	MaxParallelJobs  int        `json:"max_parallel_jobs"`
}

// LogLevel classifies a LogEntry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one append-only log line attributed to a job within an
// execution. Entries are never mutated after emission.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id,omitempty"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// MetricData is one append-only numeric sample emitted during an execution,
// grouped by Name for charting.
type MetricData struct {
	Timestamp time.Time         `json:"timestamp"`
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Template is a named, reusable bundle of job configs. Pure data: templates
// carry no runtime state and are validated only when instantiated.
type Template struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Jobs        []JobConfig `json:"jobs" yaml:"jobs"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// ExecutionFilter narrows and pages execution listings.
type ExecutionFilter struct {
	// Status keeps only executions in this state. Empty keeps all.
	Status ExecutionStatus `json:"status,omitempty"`

	// Limit caps the number of results. Zero means no cap.
	Limit int `json:"limit,omitempty"`

	// Offset skips results after sorting, for paging.
	Offset int `json:"offset,omitempty"`
}

// FailurePolicy selects how a permanent job failure propagates.
type FailurePolicy string

const (
	// SkipDownstream (the default) marks every transitive dependent of the
	// failed job as skipped and lets unrelated branches run to completion.
	SkipDownstream FailurePolicy = "skip-downstream"

	// FailFast cancels every non-terminal job as soon as any job fails
	// permanently.
	FailFast FailurePolicy = "fail-fast"
)

// DefaultJobTimeout bounds a single dispatch when neither the job nor its
// type specifies one.
const DefaultJobTimeout = 30 * time.Second

// DefaultTypeTimeouts are per-type dispatch timeouts, overridable per job.
var DefaultTypeTimeouts = map[JobType]time.Duration{
	JobTypeTraining:       2 * time.Hour,
	JobTypePreprocessing:  30 * time.Minute,
	JobTypeValidation:     15 * time.Minute,
	JobTypeDeployment:     10 * time.Minute,
	JobTypeRegressionGate: 1 * time.Minute,
}

// TimeoutFor resolves the dispatch timeout for a job: explicit override,
// then type default, then DefaultJobTimeout.
func TimeoutFor(job JobConfig) time.Duration {
	if job.Timeout > 0 {
		return job.Timeout
	}
	if d, ok := DefaultTypeTimeouts[job.Type]; ok {
		return d
	}
	return DefaultJobTimeout
}
