// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// RunContext carries execution/job identity into a runner invocation.
type RunContext struct {
	ExecutionID string
	JobID       string
	JobName     string
	Attempt     int

	// Inputs holds the outputs of completed dependencies keyed by
	// dependency id.
	Inputs map[string]map[string]any

	// Progress reports runner progress (0-100). May be nil.
	Progress func(int)
}

// RunResult is a runner's success payload.
type RunResult struct {
	// Output is the job's result payload, opaque to the engine.
	Output map[string]any

	// Metrics are numeric signals the runner observed while working.
	Metrics []MetricData
}

// Runner performs one job type's work. Implementations live outside the
// engine; the dispatcher only routes by type and passes config through.
type Runner interface {
	Run(ctx context.Context, config map[string]any, rc RunContext) (*RunResult, error)
}

// RunnerRegistry resolves a Runner for a job type.
type RunnerRegistry interface {
	Lookup(t JobType) (Runner, bool)
}

// EventSink receives the engine's log, metric and status emissions. Writes
// must be fire-and-forget: implementations must never block the caller.
type EventSink interface {
	AppendLog(executionID string, entry LogEntry)
	AppendMetric(executionID string, metric MetricData)
	PublishStatus(execution *DAGExecution)
}

// DispatchResult is the tagged outcome of one dispatch. Status is always
// JobCompleted or JobFailed; runner errors, panics and timeouts never
// escape as anything else.
type DispatchResult struct {
	Status JobStatus
	Output map[string]any
	Err    error
}

// Dispatcher invokes runners for single jobs.
//
// # Description
//
// Dispatcher is stateless per call: it resolves the runner for the job's
// type, bounds the invocation with the job's timeout, contains panics, and
// reports a tagged result. Retry decisions belong to the Engine, not here.
//
// # Thread Safety
//
// Safe for concurrent use; many dispatches may be in flight at once.
type Dispatcher struct {
	registry RunnerRegistry
	events   EventSink
	logger   *slog.Logger

	// limiter optionally bounds the global dispatch rate. Nil means
	// unlimited.
	limiter *rate.Limiter
}

// NewDispatcher creates a dispatcher.
//
// # Inputs
//
//   - registry: runner lookup. Must not be nil.
//   - events: event sink for dispatch logs/metrics. Must not be nil.
//   - logger: structured logger. If nil, slog.Default() is used.
func NewDispatcher(registry RunnerRegistry, events EventSink, logger *slog.Logger) (*Dispatcher, error) {
	if registry == nil || events == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		events:   events,
		logger:   logger,
	}, nil
}

// WithRateLimit bounds global dispatch throughput to r dispatches per
// second with the given burst. Zero or negative r disables the limiter.
func (d *Dispatcher) WithRateLimit(r float64, burst int) *Dispatcher {
	if r > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
	return d
}

// Dispatch invokes the runner for one job attempt and returns its tagged
// outcome.
//
// # Description
//
// Emits dispatch start/end log entries and any runner-reported metrics via
// the event sink. A runner panic, timeout or returned error resolves to a
// failed result carrying the error; nothing escapes the dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, executionID string, job JobConfig, rc RunContext) DispatchResult {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return DispatchResult{Status: JobFailed, Err: NewJobError(job.ID, rc.Attempt, err)}
		}
	}

	runner, ok := d.registry.Lookup(job.Type)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNoRunner, job.Type)
		d.appendLog(executionID, job.ID, LogError, err.Error())
		return DispatchResult{Status: JobFailed, Err: NewJobError(job.ID, rc.Attempt, err)}
	}

	timeout := TimeoutFor(job)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.appendLog(executionID, job.ID, LogInfo,
		fmt.Sprintf("dispatching %s job %q (attempt %d)", job.Type, job.ID, rc.Attempt))

	start := time.Now()
	result, err := d.invoke(jobCtx, runner, job, rc)
	duration := time.Since(start)

	if err != nil {
		if jobCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w after %s: %s", ErrJobTimeout, timeout, job.ID)
		}
		d.appendLog(executionID, job.ID, LogError,
			fmt.Sprintf("job %q failed after %s: %v", job.ID, duration.Round(time.Millisecond), err))
		d.logger.Warn("job dispatch failed",
			slog.String("execution_id", executionID),
			slog.String("job_id", job.ID),
			slog.Int("attempt", rc.Attempt),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return DispatchResult{Status: JobFailed, Err: NewJobError(job.ID, rc.Attempt, err)}
	}

	for _, m := range result.Metrics {
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		if m.Metadata == nil {
			m.Metadata = map[string]string{}
		}
		m.Metadata["job_id"] = job.ID
		d.events.AppendMetric(executionID, m)
	}

	d.appendLog(executionID, job.ID, LogInfo,
		fmt.Sprintf("job %q completed in %s", job.ID, duration.Round(time.Millisecond)))

	return DispatchResult{Status: JobCompleted, Output: result.Output}
}

// invoke runs the runner with panic containment.
func (d *Dispatcher) invoke(ctx context.Context, runner Runner, job JobConfig, rc RunContext) (result *RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRunnerPanic, r)
			result = nil
		}
	}()

	result, err = runner.Run(ctx, job.Config, rc)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &RunResult{}
	}
	return result, nil
}

func (d *Dispatcher) appendLog(executionID, jobID string, level LogLevel, message string) {
	d.events.AppendLog(executionID, LogEntry{
		Timestamp: time.Now().UTC(),
		JobID:     jobID,
		Level:     level,
		Message:   message,
	})
}
