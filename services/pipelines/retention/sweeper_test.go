// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/events"
)

type fakeStore struct {
	mu    sync.Mutex
	execs map[string]*dag.DAGExecution
}

func newFakeStore() *fakeStore {
	return &fakeStore{execs: make(map[string]*dag.DAGExecution)}
}

func (f *fakeStore) ListExecutions(_ context.Context, filter dag.ExecutionFilter) ([]*dag.DAGExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*dag.DAGExecution
	for _, execution := range f.execs {
		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}
		out = append(out, execution)
	}
	return out, nil
}

func (f *fakeStore) DeleteExecution(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.execs, id)
	return nil
}

func (f *fakeStore) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.execs[id]
	return ok
}

func terminalExecution(id string, completedAgo time.Duration) *dag.DAGExecution {
	completed := time.Now().Add(-completedAgo)
	return &dag.DAGExecution{
		ID:          id,
		Status:      dag.ExecutionCompleted,
		CreatedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
		Jobs:        map[string]*dag.JobExecution{},
	}
}

func TestSweepDeletesAgedStoredExecutions(t *testing.T) {
	store := newFakeStore()
	store.execs["ancient"] = terminalExecution("ancient", 48*time.Hour)
	store.execs["recent"] = terminalExecution("recent", time.Minute)

	buffer := events.NewBuffer(events.NewHub(nil), nil, nil)
	s := NewSweeper(buffer, store, nil, nil, Config{StoreRetention: 24 * time.Hour})

	result, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if result.ExecutionsDeleted != 1 {
		t.Errorf("ExecutionsDeleted = %d, want 1", result.ExecutionsDeleted)
	}
	if store.has("ancient") {
		t.Error("aged execution survived the sweep")
	}
	if !store.has("recent") {
		t.Error("recent execution was deleted")
	}
}

func TestSweepSkipsLiveAndNonTerminal(t *testing.T) {
	store := newFakeStore()
	store.execs["live"] = terminalExecution("live", 48*time.Hour)
	running := terminalExecution("stuck", 48*time.Hour)
	running.Status = dag.ExecutionRunning
	store.execs["stuck"] = running

	buffer := events.NewBuffer(events.NewHub(nil), nil, nil)
	active := func() []string { return []string{"live"} }
	s := NewSweeper(buffer, store, active, nil, Config{StoreRetention: 24 * time.Hour})

	if _, err := s.RunNow(context.Background()); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if !store.has("live") {
		t.Error("execution with a live engine was deleted")
	}
	if !store.has("stuck") {
		t.Error("non-terminal execution was deleted")
	}
}

func TestSweepEvictsAgedBuffers(t *testing.T) {
	buffer := events.NewBuffer(events.NewHub(nil), nil, nil)
	buffer.PublishStatus(terminalExecution("aged", time.Hour))
	buffer.PublishStatus(terminalExecution("fresh", time.Second))

	s := NewSweeper(buffer, nil, nil, nil, Config{BufferRetention: 30 * time.Minute})
	result, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if result.BuffersEvicted != 1 {
		t.Errorf("BuffersEvicted = %d, want 1", result.BuffersEvicted)
	}
	if _, ok := buffer.Status("aged"); ok {
		t.Error("aged buffer survived the sweep")
	}
	if _, ok := buffer.Status("fresh"); !ok {
		t.Error("fresh buffer was evicted")
	}
}

func TestSweepRespectsDeleteBatchSize(t *testing.T) {
	store := newFakeStore()
	for _, id := range []string{"a", "b", "c"} {
		store.execs[id] = terminalExecution(id, 48*time.Hour)
	}

	buffer := events.NewBuffer(events.NewHub(nil), nil, nil)
	s := NewSweeper(buffer, store, nil, nil, Config{
		StoreRetention:  24 * time.Hour,
		DeleteBatchSize: 2,
	})

	result, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if result.ExecutionsDeleted != 2 {
		t.Errorf("ExecutionsDeleted = %d, want 2", result.ExecutionsDeleted)
	}
}

func TestSweeperStartStop(t *testing.T) {
	buffer := events.NewBuffer(events.NewHub(nil), nil, nil)
	s := NewSweeper(buffer, nil, nil, nil, Config{Interval: 10 * time.Millisecond})

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start accepted while running")
	}
	s.Stop()
	s.Stop()

	// Restart after stop is allowed.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop()
}
