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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.pipelines.dag")
	meter  = otel.Meter("aleutian.pipelines.dag")
)

// SnapshotStore persists execution snapshots. The Engine treats persistence
// as best-effort: a save error is logged and the run continues with the
// in-memory state authoritative.
type SnapshotStore interface {
	SaveExecution(ctx context.Context, execution *DAGExecution) error
}

// EngineConfig tunes one engine's scheduling behavior.
type EngineConfig struct {
	// FailurePolicy selects failure propagation. Empty means SkipDownstream.
	FailurePolicy FailurePolicy

	// MaxConcurrentJobs caps in-flight dispatches for this execution.
	// Zero means unbounded.
	MaxConcurrentJobs int
}

// EngineDeps are the collaborators one engine needs.
type EngineDeps struct {
	Dispatcher *Dispatcher
	Events     EventSink
	Store      SnapshotStore // may be nil
	Logger     *slog.Logger  // nil uses slog.Default()
}

// Engine owns one execution and drives it to a terminal state.
//
// # Description
//
// The Engine schedules by live dependency satisfaction rather than static
// levels: a job is dispatched the instant its own dependencies finish, so
// independent branches overlap beyond what level-by-level draining allows.
// Each scheduling tick computes the ready set, and dispatch is guarded by
// the state's pending-to-running compare-and-set, making redundant ticks
// harmless no-ops.
//
// On a permanent job failure the configured FailurePolicy applies:
// SkipDownstream marks every transitive dependent skipped while unrelated
// branches run to completion; FailFast cancels every non-terminal job.
// External cancellation is cooperative - in-flight runner contexts are
// cancelled but never forcibly interrupted, and their late results are
// dropped by the monotonic terminal-state guard.
//
// # Thread Safety
//
// Safe for concurrent use: Cancel, Snapshot and the internal tick may run
// concurrently with Run. Run may be called at most once.
type Engine struct {
	graph *Graph
	plan  *ExecutionPlan
	state *ExecutionState

	dispatcher *Dispatcher
	events     EventSink
	store      SnapshotStore
	logger     *slog.Logger
	cfg        EngineConfig

	// ctxMu guards runCtx/cancelRun: Run writes them after the engine is
	// already reachable from Cancel via the tracker.
	ctxMu     sync.Mutex
	runCtx    context.Context
	cancelRun context.CancelFunc

	started atomic.Bool
	wake    chan struct{}
	sem     chan struct{}
	wg      sync.WaitGroup

	// Metrics (initialized lazily).
	metricsOnce     sync.Once
	jobLatency      metric.Float64Histogram
	jobSuccesses    metric.Int64Counter
	jobFailures     metric.Int64Counter
	activeJobs      metric.Int64UpDownCounter
	pipelineLatency metric.Float64Histogram
}

// NewEngine creates the engine for one execution, eagerly creating the
// pending JobExecution records.
//
// # Inputs
//
//   - executionID: unique id for the run.
//   - name: human label for the run.
//   - g: validated graph. Must not be nil.
//   - plan: g's execution plan. Must not be nil.
//   - deps: collaborators. Dispatcher and Events must not be nil.
//   - cfg: scheduling options.
//
// # Outputs
//
//   - *Engine: ready for Run.
//   - error: non-nil if required inputs are missing.
func NewEngine(executionID, name string, g *Graph, plan *ExecutionPlan, deps EngineDeps, cfg EngineConfig) (*Engine, error) {
	if g == nil || plan == nil || deps.Dispatcher == nil || deps.Events == nil {
		return nil, ErrInvalidInput
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = SkipDownstream
	}

	e := &Engine{
		graph:      g,
		plan:       plan,
		state:      NewExecutionState(executionID, name, g),
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		store:      deps.Store,
		logger:     deps.Logger,
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
	}
	if cfg.MaxConcurrentJobs > 0 {
		e.sem = make(chan struct{}, cfg.MaxConcurrentJobs)
	}
	return e, nil
}

// initMetrics lazily creates the engine instruments. Failures degrade
// observability only; execution continues.
func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.jobLatency, err = meter.Float64Histogram("pipeline_job_duration_seconds",
			metric.WithDescription("Time spent executing each pipeline job"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "job_latency: "+err.Error())
		}

		e.jobSuccesses, err = meter.Int64Counter("pipeline_job_success_total",
			metric.WithDescription("Number of successful job dispatches"),
		)
		if err != nil {
			initErrors = append(initErrors, "job_successes: "+err.Error())
		}

		e.jobFailures, err = meter.Int64Counter("pipeline_job_failure_total",
			metric.WithDescription("Number of failed job dispatches"),
		)
		if err != nil {
			initErrors = append(initErrors, "job_failures: "+err.Error())
		}

		e.activeJobs, err = meter.Int64UpDownCounter("pipeline_active_jobs",
			metric.WithDescription("Number of currently executing jobs"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_jobs: "+err.Error())
		}

		e.pipelineLatency, err = meter.Float64Histogram("pipeline_execution_duration_seconds",
			metric.WithDescription("Total execution time per pipeline run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "pipeline_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some engine metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Snapshot returns a deep copy of the execution's current record.
func (e *Engine) Snapshot() *DAGExecution {
	return e.state.Snapshot()
}

// Run drives the execution to a terminal state.
//
// # Description
//
// Blocks until every job is terminal. The returned record is the final
// snapshot; the error covers engine misuse only - job failures are
// reported through the execution's status, not as a Run error.
//
// # Inputs
//
//   - ctx: cancellation context. Must not be nil. Cancelling it has the
//     same effect as Cancel().
//
// # Outputs
//
//   - *DAGExecution: final snapshot.
//   - error: ErrNilContext or ErrAlreadyRunning.
func (e *Engine) Run(ctx context.Context) (*DAGExecution, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	e.initMetrics()
	e.ctxMu.Lock()
	e.runCtx, e.cancelRun = context.WithCancel(ctx)
	e.ctxMu.Unlock()
	defer e.cancelRunCtx()

	execID := e.state.ExecutionID()
	ctx, span := tracer.Start(e.runCtx, "pipeline.Execute",
		trace.WithAttributes(
			attribute.String("pipeline.name", e.graph.Name()),
			attribute.String("pipeline.execution_id", execID),
			attribute.Int("pipeline.job_count", e.graph.JobCount()),
			attribute.Int("pipeline.max_parallel", e.plan.MaxParallelJobs),
		),
	)
	defer span.End()

	start := time.Now()
	e.state.MarkRunning()
	e.persist()
	e.publishStatus()

	e.logger.Info("execution started",
		slog.String("execution_id", execID),
		slog.String("pipeline", e.graph.Name()),
		slog.Int("jobs", e.graph.JobCount()),
	)

	for !e.state.AllTerminal() {
		e.tick()
		if e.state.AllTerminal() {
			break
		}
		select {
		case <-e.wake:
		case <-e.runCtx.Done():
			// A fail-fast abort cancels runCtx after every job is already
			// terminal; only a genuine external cancellation needs handling.
			if !e.state.CancelRequested() && !e.state.AllTerminal() {
				e.abort("context cancelled")
			}
		}
	}

	status := e.state.Finalize()
	duration := time.Since(start)
	if e.pipelineLatency != nil {
		e.pipelineLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("pipeline", e.graph.Name())),
		)
	}
	e.persist()
	e.publishStatus()

	switch status {
	case ExecutionCompleted:
		span.SetStatus(codes.Ok, "")
		e.logger.Info("execution completed",
			slog.String("execution_id", execID),
			slog.Duration("duration", duration),
		)
	default:
		span.SetStatus(codes.Error, string(status))
		e.logger.Warn("execution finished without full success",
			slog.String("execution_id", execID),
			slog.String("status", string(status)),
			slog.Duration("duration", duration),
		)
	}

	return e.state.Snapshot(), nil
}

// Cancel requests cooperative cancellation of the execution.
//
// # Description
//
// Every pending or running job transitions to cancelled immediately in the
// tracked state; completed jobs are untouched. In-flight runner contexts
// are cancelled but not forcibly interrupted - their eventual results no
// longer count toward scheduling decisions.
func (e *Engine) Cancel() {
	cancelled := e.state.CancelNonTerminal()
	e.events.AppendLog(e.state.ExecutionID(), LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     LogWarn,
		Message:   fmt.Sprintf("execution cancelled (%d jobs stopped)", len(cancelled)),
	})
	e.logger.Info("execution cancel requested",
		slog.String("execution_id", e.state.ExecutionID()),
		slog.Int("cancelled_jobs", len(cancelled)),
	)
	e.cancelRunCtx()
	e.persist()
	e.publishStatus()
	e.wakeUp()
}

// cancelRunCtx tears down the run context if Run has created it yet.
func (e *Engine) cancelRunCtx() {
	e.ctxMu.Lock()
	cancel := e.cancelRun
	e.ctxMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// abort handles parent-context cancellation: same state effect as Cancel.
func (e *Engine) abort(reason string) {
	e.state.CancelNonTerminal()
	e.events.AppendLog(e.state.ExecutionID(), LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     LogWarn,
		Message:   "execution aborted: " + reason,
	})
	e.persist()
	e.publishStatus()
}

// tick dispatches every ready job. Safe to invoke redundantly: losing the
// pending-to-running compare-and-set means another tick already dispatched
// the job.
func (e *Engine) tick() {
	ready := e.state.ReadyJobs(e.graph, e.plan.TopologicalOrder)
	for _, id := range ready {
		if e.sem != nil {
			select {
			case e.sem <- struct{}{}:
			default:
				// At the concurrency cap; a completion will wake us.
				return
			}
		}
		if !e.state.TransitionToRunning(id) {
			if e.sem != nil {
				<-e.sem
			}
			continue
		}
		e.wg.Add(1)
		go e.runJob(id)
	}
}

// runJob performs one dispatch attempt and applies the outcome.
func (e *Engine) runJob(jobID string) {
	defer e.wg.Done()
	if e.sem != nil {
		defer func() { <-e.sem }()
	}

	job, ok := e.graph.Job(jobID)
	if !ok {
		return
	}
	execID := e.state.ExecutionID()
	attempt := e.state.Attempt(jobID)

	ctx, span := tracer.Start(e.runCtx, "pipeline.Job",
		trace.WithAttributes(
			attribute.String("pipeline.execution_id", execID),
			attribute.String("pipeline.job_id", jobID),
			attribute.String("pipeline.job_type", string(job.Type)),
			attribute.StringSlice("pipeline.dependencies", e.graph.DependenciesOf(jobID)),
			attribute.Int("pipeline.attempt", attempt),
		),
	)
	defer span.End()

	if e.activeJobs != nil {
		e.activeJobs.Add(ctx, 1)
		defer e.activeJobs.Add(ctx, -1)
	}

	rc := RunContext{
		ExecutionID: execID,
		JobID:       jobID,
		JobName:     job.Name,
		Attempt:     attempt,
		Inputs:      e.state.InputsFor(e.graph, jobID),
		Progress: func(p int) {
			e.state.SetProgress(jobID, p)
			e.publishStatus()
		},
	}

	start := time.Now()
	result := e.dispatcher.Dispatch(e.runCtx, execID, job, rc)
	duration := time.Since(start)

	if e.jobLatency != nil {
		e.jobLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("job_type", string(job.Type))),
		)
	}

	if result.Status == JobCompleted {
		if e.state.MarkCompleted(jobID, result.Output) {
			if e.jobSuccesses != nil {
				e.jobSuccesses.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", string(job.Type))))
			}
			span.SetStatus(codes.Ok, "")
			e.persist()
			e.publishStatus()
		}
		e.wakeUp()
		return
	}

	span.RecordError(result.Err)
	span.SetStatus(codes.Error, result.Err.Error())

	if ShouldRetry(job.Retry, attempt) && !e.state.CancelRequested() {
		backoff := BackoffFor(job.Retry, attempt)
		e.events.AppendLog(execID, LogEntry{
			Timestamp: time.Now().UTC(),
			JobID:     jobID,
			Level:     LogWarn,
			Message: fmt.Sprintf("job %q attempt %d failed, retrying in %s: %v",
				jobID, attempt, backoff.Round(time.Millisecond), result.Err),
		})
		time.AfterFunc(backoff, func() {
			if e.state.RequeueForRetry(jobID) {
				e.persist()
				e.publishStatus()
			}
			e.wakeUp()
		})
		return
	}

	// A runner torn down by run-context cancellation is not a job fault.
	// If the job is still tracked as running here, the teardown came from
	// the parent context rather than Cancel or a fail-fast abort (both mark
	// every non-terminal job before cancelling the context), so the
	// cancellation path owns the terminal state, not MarkFailed.
	if e.runCtx.Err() != nil && !e.state.CancelRequested() &&
		e.state.JobStatus(jobID) == JobRunning {
		e.abort("context cancelled")
		e.wakeUp()
		return
	}

	if e.state.MarkFailed(jobID, result.Err.Error()) {
		if e.jobFailures != nil {
			e.jobFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", string(job.Type))))
		}
		e.applyFailurePolicy(jobID)
		e.persist()
		e.publishStatus()
	}
	e.wakeUp()
}

// applyFailurePolicy propagates a permanent failure.
func (e *Engine) applyFailurePolicy(failedJobID string) {
	execID := e.state.ExecutionID()
	switch e.cfg.FailurePolicy {
	case FailFast:
		aborted := e.state.AbortNonTerminal()
		e.events.AppendLog(execID, LogEntry{
			Timestamp: time.Now().UTC(),
			JobID:     failedJobID,
			Level:     LogError,
			Message: fmt.Sprintf("job %q failed permanently; fail-fast cancelled %d jobs",
				failedJobID, len(aborted)),
		})
		e.cancelRunCtx()
	default: // SkipDownstream
		var skipped []string
		for _, dep := range e.graph.TransitiveDependents(failedJobID) {
			if e.state.MarkSkipped(dep) {
				skipped = append(skipped, dep)
			}
		}
		e.events.AppendLog(execID, LogEntry{
			Timestamp: time.Now().UTC(),
			JobID:     failedJobID,
			Level:     LogError,
			Message: fmt.Sprintf("job %q failed permanently; skipped downstream jobs %v",
				failedJobID, skipped),
		})
	}
}

// persist saves a snapshot; failures are logged and never abort the run.
func (e *Engine) persist() {
	if e.store == nil {
		return
	}
	snap := e.state.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SaveExecution(ctx, snap); err != nil {
		e.logger.Warn("execution snapshot persist failed, in-memory state remains authoritative",
			slog.String("execution_id", snap.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) publishStatus() {
	e.events.PublishStatus(e.state.Snapshot())
}

func (e *Engine) wakeUp() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
