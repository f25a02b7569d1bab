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
	"reflect"
	"testing"
)

func diamondState(t *testing.T) (*Graph, *ExecutionPlan, *ExecutionState) {
	t.Helper()
	g, problems := NewGraph("diamond", []JobConfig{
		job("a"),
		job("b", "a"),
		job("c", "a"),
		job("d", "b", "c"),
	}, nil)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	plan, err := g.Plan()
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	return g, plan, NewExecutionState("exec-1", "diamond", g)
}

func TestTransitionToRunning_CompareAndSet(t *testing.T) {
	_, _, s := diamondState(t)

	if !s.TransitionToRunning("a") {
		t.Fatal("first TransitionToRunning(a) = false, want true")
	}
	if s.TransitionToRunning("a") {
		t.Error("second TransitionToRunning(a) = true, want false")
	}
	if got := s.JobStatus("a"); got != JobRunning {
		t.Errorf("JobStatus(a) = %q, want running", got)
	}
}

func TestMarkCompleted_RequiresRunning(t *testing.T) {
	_, _, s := diamondState(t)

	if s.MarkCompleted("a", nil) {
		t.Error("MarkCompleted on pending job = true, want false")
	}

	s.TransitionToRunning("a")
	if !s.MarkCompleted("a", map[string]any{"rows": 10}) {
		t.Fatal("MarkCompleted on running job = false, want true")
	}
	if got := s.JobStatus("a"); got != JobCompleted {
		t.Errorf("JobStatus(a) = %q, want completed", got)
	}

	// Terminal states are monotonic.
	if s.MarkFailed("a", "late error") {
		t.Error("MarkFailed on completed job = true, want false")
	}
	if s.TransitionToRunning("a") {
		t.Error("TransitionToRunning on completed job = true, want false")
	}

	snap := s.Snapshot()
	if got := snap.Jobs["a"].Progress; got != 100 {
		t.Errorf("completed job progress = %d, want 100", got)
	}
}

func TestRequeueForRetry_IncrementsAttempt(t *testing.T) {
	_, _, s := diamondState(t)

	s.TransitionToRunning("a")
	if got := s.Attempt("a"); got != 1 {
		t.Fatalf("Attempt(a) = %d, want 1", got)
	}
	if !s.RequeueForRetry("a") {
		t.Fatal("RequeueForRetry on running job = false, want true")
	}
	if got := s.JobStatus("a"); got != JobPending {
		t.Errorf("JobStatus(a) = %q, want pending after requeue", got)
	}
	if got := s.Attempt("a"); got != 2 {
		t.Errorf("Attempt(a) = %d, want 2", got)
	}
}

func TestMarkSkipped_RequiresPending(t *testing.T) {
	_, _, s := diamondState(t)

	if !s.MarkSkipped("d") {
		t.Fatal("MarkSkipped on pending job = false, want true")
	}
	s.TransitionToRunning("a")
	if s.MarkSkipped("a") {
		t.Error("MarkSkipped on running job = true, want false")
	}
}

func TestReadyJobs_FollowsDependencyResolution(t *testing.T) {
	g, plan, s := diamondState(t)

	if got := s.ReadyJobs(g, plan.TopologicalOrder); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("initial ReadyJobs = %v, want [a]", got)
	}

	s.TransitionToRunning("a")
	if got := s.ReadyJobs(g, plan.TopologicalOrder); len(got) != 0 {
		t.Fatalf("ReadyJobs while a running = %v, want empty", got)
	}

	s.MarkCompleted("a", nil)
	if got := s.ReadyJobs(g, plan.TopologicalOrder); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("ReadyJobs after a = %v, want [b c]", got)
	}

	s.TransitionToRunning("b")
	s.MarkCompleted("b", nil)
	if got := s.ReadyJobs(g, plan.TopologicalOrder); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("ReadyJobs after b = %v, want [c]", got)
	}

	// A skipped dependency also satisfies its dependents.
	s.MarkSkipped("c")
	if got := s.ReadyJobs(g, plan.TopologicalOrder); !reflect.DeepEqual(got, []string{"d"}) {
		t.Fatalf("ReadyJobs after c skipped = %v, want [d]", got)
	}
}

func TestInputsFor_CollectsDependencyOutputs(t *testing.T) {
	g, _, s := diamondState(t)

	s.TransitionToRunning("a")
	s.MarkCompleted("a", nil)
	s.TransitionToRunning("b")
	s.MarkCompleted("b", map[string]any{"model": "b.ckpt"})
	s.TransitionToRunning("c")
	s.MarkCompleted("c", map[string]any{"model": "c.ckpt"})

	inputs := s.InputsFor(g, "d")
	if got := inputs["b"]["model"]; got != "b.ckpt" {
		t.Errorf("inputs[b][model] = %v, want b.ckpt", got)
	}
	if got := inputs["c"]["model"]; got != "c.ckpt" {
		t.Errorf("inputs[c][model] = %v, want c.ckpt", got)
	}
}

func TestCancelNonTerminal_PreservesCompleted(t *testing.T) {
	_, _, s := diamondState(t)
	s.MarkRunning()

	s.TransitionToRunning("a")
	s.MarkCompleted("a", nil)
	s.TransitionToRunning("b")

	cancelled := s.CancelNonTerminal()
	if len(cancelled) != 3 {
		t.Errorf("cancelled %v, want 3 jobs (b running, c and d pending)", cancelled)
	}
	if got := s.JobStatus("a"); got != JobCompleted {
		t.Errorf("JobStatus(a) = %q, want completed after cancel", got)
	}
	if got := s.JobStatus("b"); got != JobCancelled {
		t.Errorf("JobStatus(b) = %q, want cancelled", got)
	}
	if !s.CancelRequested() {
		t.Error("CancelRequested() = false after CancelNonTerminal")
	}
	if got := s.Finalize(); got != ExecutionCancelled {
		t.Errorf("Finalize() = %q, want cancelled", got)
	}
}

func TestAbortNonTerminal_FinalizesFailed(t *testing.T) {
	_, _, s := diamondState(t)
	s.MarkRunning()

	s.TransitionToRunning("a")
	s.MarkFailed("a", "boom")
	stopped := s.AbortNonTerminal()
	if len(stopped) != 3 {
		t.Errorf("stopped %v, want 3 jobs", stopped)
	}
	if s.CancelRequested() {
		t.Error("CancelRequested() = true after AbortNonTerminal, want false")
	}
	if got := s.Finalize(); got != ExecutionFailed {
		t.Errorf("Finalize() = %q, want failed", got)
	}
}

func TestFinalize_Completed(t *testing.T) {
	_, _, s := diamondState(t)
	s.MarkRunning()

	for _, id := range []string{"a", "b", "c", "d"} {
		s.TransitionToRunning(id)
		s.MarkCompleted(id, nil)
	}
	if !s.AllTerminal() {
		t.Fatal("AllTerminal() = false, want true")
	}
	if got := s.Finalize(); got != ExecutionCompleted {
		t.Errorf("Finalize() = %q, want completed", got)
	}
	snap := s.Snapshot()
	if snap.CompletedAt == nil {
		t.Error("CompletedAt not set on finalize")
	}
	if got := snap.Progress(); got != 100 {
		t.Errorf("Progress() = %d, want 100", got)
	}
}

func TestSetProgress_ClampedBelowCompletion(t *testing.T) {
	_, _, s := diamondState(t)

	s.TransitionToRunning("a")
	s.SetProgress("a", 150)
	if got := s.Snapshot().Jobs["a"].Progress; got != 99 {
		t.Errorf("progress after SetProgress(150) = %d, want 99", got)
	}
	s.SetProgress("a", -5)
	if got := s.Snapshot().Jobs["a"].Progress; got != 0 {
		t.Errorf("progress after SetProgress(-5) = %d, want 0", got)
	}
}

func TestSnapshot_IsIsolated(t *testing.T) {
	_, _, s := diamondState(t)

	snap := s.Snapshot()
	snap.Jobs["a"].Status = JobFailed
	snap.Status = ExecutionFailed

	if got := s.JobStatus("a"); got != JobPending {
		t.Errorf("mutating snapshot changed tracked state: JobStatus(a) = %q", got)
	}
}
