// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retention bounds how much finished-execution state the service
// keeps. Warm event buffers are evicted shortly after an execution
// terminates; stored executions and their histories are deleted once they
// age past the store retention window.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/events"
)

// =============================================================================
// Sweeper Configuration
// =============================================================================

// Config holds configuration for the retention sweeper.
//
// # Fields
//
//   - Interval: How often to run sweep cycles. Default: 5 minutes.
//   - BufferRetention: How long terminal executions stay in the warm event
//     buffers. Default: 30 minutes.
//   - StoreRetention: How long terminal executions stay in the durable
//     store. Default: 7 days.
//   - DeleteBatchSize: Maximum stored executions deleted per cycle.
//     Default: 500.
type Config struct {
	Interval        time.Duration
	BufferRetention time.Duration
	StoreRetention  time.Duration
	DeleteBatchSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Minute,
		BufferRetention: 30 * time.Minute,
		StoreRetention:  7 * 24 * time.Hour,
		DeleteBatchSize: 500,
	}
}

// Store is the slice of the durable store the sweeper consumes. May be nil;
// only buffer eviction runs then.
type Store interface {
	ListExecutions(ctx context.Context, filter dag.ExecutionFilter) ([]*dag.DAGExecution, error)
	DeleteExecution(ctx context.Context, id string) error
}

// SweepResult summarizes one sweep cycle.
type SweepResult struct {
	StartTime         time.Time
	EndTime           time.Time
	BuffersEvicted    int
	ExecutionsDeleted int
}

// DurationMs returns the cycle duration in milliseconds.
func (r SweepResult) DurationMs() int64 {
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// =============================================================================
// Sweeper Implementation
// =============================================================================

// Sweeper periodically evicts aged execution state.
//
// # Description
//
// Uses the ticker + done channel pattern for graceful shutdown. Executions
// that still have a live engine are never touched regardless of age.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Sweeper struct {
	buffer *events.Buffer
	store  Store
	active func() []string
	logger *slog.Logger
	config Config

	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSweeper creates a retention sweeper.
//
// # Inputs
//
//   - buffer: warm event buffers to evict from.
//   - store: durable store to delete from. May be nil.
//   - active: returns the ids of executions with a live engine. May be nil.
//   - logger: nil uses slog.Default().
//   - config: sweep settings; zero fields take defaults.
func NewSweeper(buffer *events.Buffer, store Store, active func() []string, logger *slog.Logger, config Config) *Sweeper {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.BufferRetention <= 0 {
		config.BufferRetention = defaults.BufferRetention
	}
	if config.StoreRetention <= 0 {
		config.StoreRetention = defaults.StoreRetention
	}
	if config.DeleteBatchSize <= 0 {
		config.DeleteBatchSize = defaults.DeleteBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		buffer: buffer,
		store:  store,
		active: active,
		logger: logger,
		config: config,
		done:   make(chan struct{}),
	}
}

// Start begins the background sweep loop.
//
// # Outputs
//
//   - error: non-nil if the sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("retention sweeper starting",
		"interval", s.config.Interval.String(),
		"buffer_retention", s.config.BufferRetention.String(),
		"store_retention", s.config.StoreRetention.String())

	go s.runLoop(ctx)
	return nil
}

// Stop signals the sweep loop to exit. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.done)
	s.running = false
	s.logger.Info("retention sweeper stopped")
}

// RunNow performs one sweep cycle immediately.
func (s *Sweeper) RunNow(ctx context.Context) (SweepResult, error) {
	return s.sweep(ctx)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			result, err := s.sweep(ctx)
			if err != nil {
				s.logger.Error("retention sweep failed", "error", err)
				continue
			}
			if result.BuffersEvicted > 0 || result.ExecutionsDeleted > 0 {
				s.logger.Info("retention sweep completed",
					"buffers_evicted", result.BuffersEvicted,
					"executions_deleted", result.ExecutionsDeleted,
					"duration_ms", result.DurationMs())
			}
		}
	}
}

// sweep runs one cycle: buffer eviction first, then store deletion.
func (s *Sweeper) sweep(ctx context.Context) (SweepResult, error) {
	result := SweepResult{StartTime: time.Now()}
	live := s.liveSet()

	result.BuffersEvicted = s.evictBuffers(live)

	deleted, err := s.deleteStored(ctx, live)
	result.ExecutionsDeleted = deleted
	result.EndTime = time.Now()
	if err != nil {
		return result, err
	}
	return result, nil
}

func (s *Sweeper) liveSet() map[string]bool {
	live := make(map[string]bool)
	if s.active != nil {
		for _, id := range s.active() {
			live[id] = true
		}
	}
	return live
}

// evictBuffers drops warm state for executions terminal longer than the
// buffer retention window.
func (s *Sweeper) evictBuffers(live map[string]bool) int {
	cutoff := time.Now().Add(-s.config.BufferRetention)
	evicted := 0
	for _, id := range s.buffer.TrackedExecutions() {
		if live[id] {
			continue
		}
		snap, ok := s.buffer.Status(id)
		if !ok || !snap.Status.IsTerminal() {
			continue
		}
		if snap.CompletedAt != nil && snap.CompletedAt.After(cutoff) {
			continue
		}
		s.buffer.Evict(id)
		evicted++
	}
	return evicted
}

// deleteStored removes stored executions terminal longer than the store
// retention window, up to the batch limit.
func (s *Sweeper) deleteStored(ctx context.Context, live map[string]bool) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	stored, err := s.store.ListExecutions(ctx, dag.ExecutionFilter{})
	if err != nil {
		return 0, fmt.Errorf("list executions: %w", err)
	}

	cutoff := time.Now().Add(-s.config.StoreRetention)
	deleted := 0
	for _, execution := range stored {
		if deleted >= s.config.DeleteBatchSize {
			break
		}
		if live[execution.ID] || !execution.Status.IsTerminal() {
			continue
		}
		if execution.CompletedAt == nil || execution.CompletedAt.After(cutoff) {
			continue
		}
		if err := s.store.DeleteExecution(ctx, execution.ID); err != nil {
			return deleted, fmt.Errorf("delete execution %s: %w", execution.ID, err)
		}
		s.buffer.Evict(execution.ID)
		deleted++
	}
	return deleted, nil
}
