// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

// maxBufferedPerExecution caps the in-memory history per execution; older
// entries are dropped from memory but survive in the persistent store.
const maxBufferedPerExecution = 10000

// persistQueueDepth bounds the persistence backlog. When a stalled store
// lets the backlog fill up, further events lose only their persisted copy;
// the in-memory buffer and live streams still carry them.
const persistQueueDepth = 1024

// persistItem is one queued store write: exactly one of log or metric set.
type persistItem struct {
	executionID string
	log         *dag.LogEntry
	metric      *dag.MetricData
}

// EventStore persists log and metric history. Persistence is best-effort:
// failures are logged and the in-memory buffer stays authoritative for
// live consumers.
type EventStore interface {
	AppendLogs(ctx context.Context, executionID string, entries []dag.LogEntry) error
	AppendMetrics(ctx context.Context, executionID string, samples []dag.MetricData) error
}

// logHistory is an append-only window with absolute indexing, so stream
// backfill offsets stay valid after old entries are trimmed from memory.
type logHistory struct {
	base    int
	entries []dag.LogEntry
}

// Buffer is the engine-facing event sink.
//
// # Description
//
// Records every log line, metric sample and status snapshot per execution
// and republishes each through the Hub. All methods are fire-and-forget
// from the engine's perspective: nothing here blocks job scheduling.
//
// # Thread Safety
//
// Safe for concurrent use.
type Buffer struct {
	mu      sync.RWMutex
	logs    map[string]*logHistory
	metrics map[string][]dag.MetricData
	status  map[string]*dag.DAGExecution

	hub    *Hub
	store  EventStore // may be nil
	logger *slog.Logger

	// Store writes run on a background flusher so a slow store can never
	// stall the engine's append path.
	persistCh chan persistItem
	done      chan struct{}
	flushWG   sync.WaitGroup
	stopOnce  sync.Once
}

// Compile-time check against the engine's sink contract.
var _ dag.EventSink = (*Buffer)(nil)

// NewBuffer creates a buffer that republishes through hub and persists
// through store (which may be nil for purely in-memory operation).
func NewBuffer(hub *Hub, store EventStore, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Buffer{
		logs:    make(map[string]*logHistory),
		metrics: make(map[string][]dag.MetricData),
		status:  make(map[string]*dag.DAGExecution),
		hub:     hub,
		store:   store,
		logger:  logger,
	}
	if store != nil {
		b.persistCh = make(chan persistItem, persistQueueDepth)
		b.done = make(chan struct{})
		b.flushWG.Add(1)
		go b.flushLoop()
	}
	return b
}

// AppendLog records one log entry and fans it out.
func (b *Buffer) AppendLog(executionID string, entry dag.LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	h := b.logs[executionID]
	if h == nil {
		h = &logHistory{}
		b.logs[executionID] = h
	}
	h.entries = append(h.entries, entry)
	if len(h.entries) > maxBufferedPerExecution {
		overflow := len(h.entries) - maxBufferedPerExecution
		h.entries = h.entries[overflow:]
		h.base += overflow
	}
	b.mu.Unlock()

	b.enqueuePersist(persistItem{executionID: executionID, log: &entry})
	b.hub.Broadcast(Event{Type: EventLog, ExecutionID: executionID, Log: &entry})
}

// AppendMetric records one metric sample and fans it out.
func (b *Buffer) AppendMetric(executionID string, m dag.MetricData) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	samples := append(b.metrics[executionID], m)
	if len(samples) > maxBufferedPerExecution {
		samples = samples[len(samples)-maxBufferedPerExecution:]
	}
	b.metrics[executionID] = samples
	b.mu.Unlock()

	b.enqueuePersist(persistItem{executionID: executionID, metric: &m})
	b.hub.Broadcast(Event{Type: EventMetric, ExecutionID: executionID, Metric: &m})
}

// PublishStatus records the latest execution snapshot and fans it out.
// A terminal snapshot closes the execution's live streams via the hub.
func (b *Buffer) PublishStatus(exec *dag.DAGExecution) {
	if exec == nil {
		return
	}
	b.mu.Lock()
	b.status[exec.ID] = exec
	b.mu.Unlock()

	b.hub.Broadcast(Event{Type: EventStatus, ExecutionID: exec.ID, Status: exec})
}

// enqueuePersist hands one store write to the flusher, dropping it when
// the backlog is full.
func (b *Buffer) enqueuePersist(item persistItem) {
	if b.persistCh == nil {
		return
	}
	select {
	case b.persistCh <- item:
	default:
		b.logger.Warn("event persistence backlog full, dropping store write",
			slog.String("execution_id", item.executionID),
		)
	}
}

// flushLoop drains the persistence queue until Stop.
func (b *Buffer) flushLoop() {
	defer b.flushWG.Done()
	for {
		select {
		case item := <-b.persistCh:
			b.persistItem(item)
		case <-b.done:
			// Flush whatever is still queued before exiting.
			for {
				select {
				case item := <-b.persistCh:
					b.persistItem(item)
				default:
					return
				}
			}
		}
	}
}

func (b *Buffer) persistItem(item persistItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	switch {
	case item.log != nil:
		err = b.store.AppendLogs(ctx, item.executionID, []dag.LogEntry{*item.log})
	case item.metric != nil:
		err = b.store.AppendMetrics(ctx, item.executionID, []dag.MetricData{*item.metric})
	}
	if err != nil {
		b.logger.Warn("event persist failed",
			slog.String("execution_id", item.executionID),
			slog.String("error", err.Error()),
		)
	}
}

// Stop flushes the persistence backlog and stops the flusher. Appends
// arriving afterwards keep their in-memory and live-stream behavior but
// are no longer persisted.
func (b *Buffer) Stop() {
	if b.persistCh == nil {
		return
	}
	b.stopOnce.Do(func() {
		close(b.done)
		b.flushWG.Wait()
	})
}

// Logs returns the buffered entries with absolute index >= since, plus
// the index to pass on the next call.
func (b *Buffer) Logs(executionID string, since int) ([]dag.LogEntry, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h := b.logs[executionID]
	if h == nil {
		return nil, since
	}
	next := h.base + len(h.entries)
	if since >= next {
		return nil, next
	}
	offset := since - h.base
	if offset < 0 {
		offset = 0
	}
	out := make([]dag.LogEntry, next-h.base-offset)
	copy(out, h.entries[offset:])
	return out, next
}

// Metrics returns the buffered samples for an execution, optionally
// filtered by metric name.
func (b *Buffer) Metrics(executionID, name string) []dag.MetricData {
	b.mu.RLock()
	defer b.mu.RUnlock()
	samples := b.metrics[executionID]
	if name == "" {
		out := make([]dag.MetricData, len(samples))
		copy(out, samples)
		return out
	}
	var out []dag.MetricData
	for _, m := range samples {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// Status returns the latest published snapshot for an execution.
func (b *Buffer) Status(executionID string) (*dag.DAGExecution, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	exec, ok := b.status[executionID]
	return exec, ok
}

// Evict drops an execution's buffered history. Called by retention after
// the execution has been persisted or deleted.
func (b *Buffer) Evict(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.logs, executionID)
	delete(b.metrics, executionID)
	delete(b.status, executionID)
}

// TrackedExecutions returns the ids that currently hold buffered state.
func (b *Buffer) TrackedExecutions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.status))
	for id := range b.status {
		ids = append(ids, id)
	}
	return ids
}
