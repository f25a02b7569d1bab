// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracker owns the set of live pipeline executions. It creates one
// engine per execution, answers status and history queries from the warm
// event buffers when possible, and falls back to the durable store for
// executions that finished before this process started.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/events"
)

// Store is the durable persistence the tracker consumes. The badger adapter
// implements it; a nil Store degrades to in-memory-only operation.
type Store interface {
	SaveExecution(ctx context.Context, execution *dag.DAGExecution) error
	LoadExecution(ctx context.Context, id string) (*dag.DAGExecution, error)
	ListExecutions(ctx context.Context, filter dag.ExecutionFilter) ([]*dag.DAGExecution, error)
	DeleteExecution(ctx context.Context, id string) error

	LoadLogs(ctx context.Context, executionID string, offset int) ([]dag.LogEntry, error)
	LoadMetrics(ctx context.Context, executionID, name string) ([]dag.MetricData, error)

	SaveTemplate(ctx context.Context, tmpl *dag.Template) error
	LoadTemplate(ctx context.Context, name string) (*dag.Template, error)
	ListTemplates(ctx context.Context) ([]*dag.Template, error)
	DeleteTemplate(ctx context.Context, name string) error
}

// A Store doubles as the engine's snapshot sink.
var _ dag.SnapshotStore = (Store)(nil)

// Config carries the coordinator-wide scheduling defaults. Per-execution
// options override them.
type Config struct {
	FailurePolicy     dag.FailurePolicy
	MaxConcurrentJobs int
}

// ExecuteOptions tune a single execution.
type ExecuteOptions struct {
	// FailurePolicy overrides the coordinator default when non-empty.
	FailurePolicy dag.FailurePolicy

	// MaxConcurrentJobs overrides the coordinator default when positive.
	MaxConcurrentJobs int
}

// Coordinator runs and tracks pipeline executions.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	mu      sync.RWMutex
	engines map[string]*dag.Engine

	dispatcher *dag.Dispatcher
	buffer     *events.Buffer
	store      Store
	logger     *slog.Logger
	cfg        Config

	// loads dedupes concurrent cold reads of the same execution.
	loads singleflight.Group
}

// NewCoordinator wires a coordinator. Dispatcher and buffer are required;
// store may be nil for ephemeral deployments.
func NewCoordinator(dispatcher *dag.Dispatcher, buffer *events.Buffer, store Store, logger *slog.Logger, cfg Config) (*Coordinator, error) {
	if dispatcher == nil || buffer == nil {
		return nil, fmt.Errorf("%w: dispatcher and buffer required", dag.ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		engines:    make(map[string]*dag.Engine),
		dispatcher: dispatcher,
		buffer:     buffer,
		store:      store,
		logger:     logger,
		cfg:        cfg,
	}, nil
}

// Validate checks a pipeline definition without creating an execution.
// The returned error is a *dag.ValidationError carrying every problem.
func (c *Coordinator) Validate(name string, jobs []dag.JobConfig, edges []dag.Edge) (*dag.ExecutionPlan, error) {
	plan, verr := dag.Validate(name, jobs, edges)
	if verr != nil {
		return nil, verr
	}
	return plan, nil
}

// Execute validates a pipeline, creates its execution and starts it in the
// background. It returns the execution id immediately; progress flows
// through the event buffer and the store.
func (c *Coordinator) Execute(ctx context.Context, name string, jobs []dag.JobConfig, edges []dag.Edge, opts ExecuteOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	graph, problems := dag.NewGraph(name, jobs, edges)
	if len(problems) > 0 {
		return "", &dag.ValidationError{Problems: problems}
	}
	plan, verr := graph.Plan()
	if verr != nil {
		return "", verr
	}

	engineCfg := dag.EngineConfig{
		FailurePolicy:     c.cfg.FailurePolicy,
		MaxConcurrentJobs: c.cfg.MaxConcurrentJobs,
	}
	if opts.FailurePolicy != "" {
		engineCfg.FailurePolicy = opts.FailurePolicy
	}
	if opts.MaxConcurrentJobs > 0 {
		engineCfg.MaxConcurrentJobs = opts.MaxConcurrentJobs
	}

	deps := dag.EngineDeps{
		Dispatcher: c.dispatcher,
		Events:     c.buffer,
		Logger:     c.logger,
	}
	if c.store != nil {
		deps.Store = c.store
	}

	id := uuid.New().String()
	engine, err := dag.NewEngine(id, name, graph, plan, deps, engineCfg)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.engines[id] = engine
	c.mu.Unlock()

	// Make the execution visible before the run loop's first transition.
	initial := engine.Snapshot()
	c.buffer.PublishStatus(initial)
	if c.store != nil {
		if err := c.store.SaveExecution(ctx, initial); err != nil {
			c.logger.Warn("initial snapshot persist failed",
				"execution_id", id, "error", err)
		}
	}

	go func() {
		// The run outlives the request that started it.
		final, runErr := engine.Run(context.Background())
		if runErr != nil {
			c.logger.Error("execution finished with error",
				"execution_id", id, "error", runErr)
		} else {
			c.logger.Info("execution finished",
				"execution_id", id, "status", final.Status)
		}
		c.mu.Lock()
		delete(c.engines, id)
		c.mu.Unlock()
	}()

	c.logger.Info("execution started",
		"execution_id", id,
		"pipeline", name,
		"jobs", plan.TotalJobs,
		"failure_policy", engineCfg.FailurePolicy)
	return id, nil
}

// GetStatus returns the current view of one execution. Live executions come
// from the owning engine, recently finished ones from the warm buffer, and
// anything older from the store.
func (c *Coordinator) GetStatus(ctx context.Context, id string) (*dag.DAGExecution, error) {
	c.mu.RLock()
	engine, live := c.engines[id]
	c.mu.RUnlock()
	if live {
		return engine.Snapshot(), nil
	}
	if snap, ok := c.buffer.Status(id); ok {
		return snap, nil
	}
	return c.coldLoad(ctx, id)
}

// coldLoad reads an execution from the store, deduping concurrent requests
// for the same id.
func (c *Coordinator) coldLoad(ctx context.Context, id string) (*dag.DAGExecution, error) {
	if c.store == nil {
		return nil, fmt.Errorf("%w: %s", dag.ErrExecutionNotFound, id)
	}
	v, err, _ := c.loads.Do(id, func() (any, error) {
		return c.store.LoadExecution(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*dag.DAGExecution), nil
}

// List returns executions newest first. Stored entries are overlaid with
// live engine snapshots so in-flight progress is never stale.
func (c *Coordinator) List(ctx context.Context, filter dag.ExecutionFilter) ([]*dag.DAGExecution, error) {
	byID := make(map[string]*dag.DAGExecution)
	if c.store != nil {
		stored, err := c.store.ListExecutions(ctx, dag.ExecutionFilter{})
		if err != nil {
			return nil, err
		}
		for _, execution := range stored {
			byID[execution.ID] = execution
		}
	} else {
		for _, id := range c.buffer.TrackedExecutions() {
			if snap, ok := c.buffer.Status(id); ok {
				byID[snap.ID] = snap
			}
		}
	}

	c.mu.RLock()
	for id, engine := range c.engines {
		byID[id] = engine.Snapshot()
	}
	c.mu.RUnlock()

	executions := make([]*dag.DAGExecution, 0, len(byID))
	for _, execution := range byID {
		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}
		executions = append(executions, execution)
	}
	sort.Slice(executions, func(i, j int) bool {
		if !executions[i].CreatedAt.Equal(executions[j].CreatedAt) {
			return executions[i].CreatedAt.After(executions[j].CreatedAt)
		}
		return executions[i].ID < executions[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(executions) {
			return nil, nil
		}
		executions = executions[filter.Offset:]
	}
	if filter.Limit > 0 && len(executions) > filter.Limit {
		executions = executions[:filter.Limit]
	}
	return executions, nil
}

// Cancel stops an execution. A live execution is cancelled cooperatively
// through its engine. An execution found only in the store - one orphaned by
// a restart - is finalized as cancelled directly.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	c.mu.RLock()
	engine, live := c.engines[id]
	c.mu.RUnlock()
	if live {
		engine.Cancel()
		return nil
	}

	execution, err := c.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if execution.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", dag.ErrExecutionTerminal, id, execution.Status)
	}
	return c.finalizeOrphan(ctx, execution)
}

// finalizeOrphan marks a stale non-terminal execution cancelled in place.
// No engine owns it, so the snapshot in the store is the only authority left.
func (c *Coordinator) finalizeOrphan(ctx context.Context, execution *dag.DAGExecution) error {
	now := time.Now()
	for _, job := range execution.Jobs {
		if !job.Status.IsTerminal() {
			job.Status = dag.JobCancelled
			job.CompletedAt = &now
		}
	}
	execution.Status = dag.ExecutionCancelled
	execution.CompletedAt = &now

	c.buffer.PublishStatus(execution)
	if c.store != nil {
		if err := c.store.SaveExecution(ctx, execution); err != nil {
			return fmt.Errorf("finalize orphaned execution %s: %w", execution.ID, err)
		}
	}
	c.logger.Info("orphaned execution cancelled", "execution_id", execution.ID)
	return nil
}

// Logs returns an execution's log history starting at offset, plus the next
// offset to poll from. Warm executions read from the buffer, cold ones from
// the store.
func (c *Coordinator) Logs(ctx context.Context, id string, offset int) ([]dag.LogEntry, int, error) {
	if _, tracked := c.buffer.Status(id); tracked {
		entries, next := c.buffer.Logs(id, offset)
		return entries, next, nil
	}
	if _, err := c.coldLoad(ctx, id); err != nil {
		return nil, 0, err
	}
	entries, err := c.store.LoadLogs(ctx, id, offset)
	if err != nil {
		return nil, 0, err
	}
	return entries, offset + len(entries), nil
}

// Metrics returns an execution's metric history, optionally filtered by
// metric name.
func (c *Coordinator) Metrics(ctx context.Context, id, name string) ([]dag.MetricData, error) {
	if _, tracked := c.buffer.Status(id); tracked {
		return c.buffer.Metrics(id, name), nil
	}
	if _, err := c.coldLoad(ctx, id); err != nil {
		return nil, err
	}
	return c.store.LoadMetrics(ctx, id, name)
}

// ActiveExecutions lists the ids of executions with a live engine.
func (c *Coordinator) ActiveExecutions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.engines))
	for id := range c.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveCount reports how many executions currently have a live engine.
func (c *Coordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.engines)
}

// Shutdown cancels every live execution and waits for their engines to
// release, up to the context deadline.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.RLock()
	engines := make([]*dag.Engine, 0, len(c.engines))
	for _, engine := range c.engines {
		engines = append(engines, engine)
	}
	c.mu.RUnlock()

	for _, engine := range engines {
		engine.Cancel()
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown: %d executions still draining: %w",
				c.ActiveCount(), ctx.Err())
		case <-ticker.C:
		}
	}
}
