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
	"sync"
	"time"
)

// ExecutionState tracks one execution's job statuses with exclusive update.
//
// # Description
//
// ExecutionState is the authoritative in-memory record for one run. Every
// transition out of pending is a compare-and-set under the mutex, so two
// concurrent scheduling ticks can never dispatch the same job twice: only
// the caller that wins TransitionToRunning may dispatch. Terminal statuses
// are monotonic - once a job is completed, failed, cancelled or skipped, no
// later call regresses it (CancellationRace guard).
//
// # Thread Safety
//
// Safe for concurrent use. Snapshot returns deep copies for readers.
type ExecutionState struct {
	mu sync.RWMutex

	exec *DAGExecution

	// cancelRequested pins the execution's terminal status to cancelled.
	cancelRequested bool

	// outputs keeps completed job outputs for dependent input assembly.
	outputs map[string]map[string]any
}

// NewExecutionState creates the state for a run, eagerly creating one
// pending JobExecution per job config (immutable id/name/type snapshot).
func NewExecutionState(executionID, name string, g *Graph) *ExecutionState {
	jobs := make(map[string]*JobExecution, g.JobCount())
	for _, job := range g.Jobs() {
		jobs[job.ID] = &JobExecution{
			JobID:   job.ID,
			Name:    job.Name,
			Type:    job.Type,
			Status:  JobPending,
			Attempt: 1,
		}
	}
	return &ExecutionState{
		exec: &DAGExecution{
			ID:        executionID,
			Name:      name,
			Status:    ExecutionPending,
			CreatedAt: time.Now().UTC(),
			Jobs:      jobs,
		},
		outputs: make(map[string]map[string]any),
	}
}

// ExecutionID returns the execution's id.
func (s *ExecutionState) ExecutionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exec.ID
}

// MarkRunning transitions the execution itself from pending to running.
func (s *ExecutionState) MarkRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec.Status == ExecutionPending {
		now := time.Now().UTC()
		s.exec.Status = ExecutionRunning
		s.exec.StartedAt = &now
	}
}

// TransitionToRunning is the dispatch guard: it atomically moves a job from
// pending to running and reports whether the caller won the transition.
// Redundant scheduling ticks lose the race and must not dispatch.
func (s *ExecutionState) TransitionToRunning(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.exec.Jobs[jobID]
	if !ok || job.Status != JobPending {
		return false
	}
	now := time.Now().UTC()
	job.Status = JobRunning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	return true
}

// MarkCompleted records a successful terminal outcome. Only a running job
// transitions; late results against a cancelled job are dropped.
func (s *ExecutionState) MarkCompleted(jobID string, output map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.exec.Jobs[jobID]
	if !ok || job.Status != JobRunning {
		return false
	}
	now := time.Now().UTC()
	job.Status = JobCompleted
	job.Progress = 100
	job.CompletedAt = &now
	job.Output = output
	s.outputs[jobID] = output
	return true
}

// MarkFailed records a permanent failure with the runner's error message.
func (s *ExecutionState) MarkFailed(jobID, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.exec.Jobs[jobID]
	if !ok || job.Status != JobRunning {
		return false
	}
	now := time.Now().UTC()
	job.Status = JobFailed
	job.CompletedAt = &now
	job.Error = errMsg
	return true
}

// RequeueForRetry moves a running job back to pending with the attempt
// incremented. The re-queued job counts as a new dispatch of the same job.
func (s *ExecutionState) RequeueForRetry(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.exec.Jobs[jobID]
	if !ok || job.Status != JobRunning {
		return false
	}
	job.Status = JobPending
	job.Attempt++
	job.Progress = 0
	return true
}

// MarkSkipped records that a job never ran because an ancestor failed.
// Only pending jobs are skipped; running or terminal jobs are untouched.
func (s *ExecutionState) MarkSkipped(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.exec.Jobs[jobID]
	if !ok || job.Status != JobPending {
		return false
	}
	now := time.Now().UTC()
	job.Status = JobSkipped
	job.CompletedAt = &now
	return true
}

// CancelNonTerminal transitions every pending or running job to cancelled
// and pins the execution's terminal status. Completed jobs are untouched.
// Returns the ids that were cancelled.
func (s *ExecutionState) CancelNonTerminal() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelRequested = true
	now := time.Now().UTC()
	var cancelled []string
	for id, job := range s.exec.Jobs {
		if job.Status == JobPending || job.Status == JobRunning {
			job.Status = JobCancelled
			job.CompletedAt = &now
			cancelled = append(cancelled, id)
		}
	}
	return cancelled
}

// AbortNonTerminal cancels every pending or running job without pinning the
// execution's terminal status, so a fail-fast run still finalizes as failed
// rather than cancelled. Returns the ids that were stopped.
func (s *ExecutionState) AbortNonTerminal() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var stopped []string
	for id, job := range s.exec.Jobs {
		if job.Status == JobPending || job.Status == JobRunning {
			job.Status = JobCancelled
			job.CompletedAt = &now
			stopped = append(stopped, id)
		}
	}
	return stopped
}

// CancelRequested reports whether an external cancellation arrived.
func (s *ExecutionState) CancelRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelRequested
}

// SetProgress records runner-reported progress, clamped to 0-99 so only a
// completed transition reaches 100.
func (s *ExecutionState) SetProgress(jobID string, progress int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.exec.Jobs[jobID]
	if !ok || job.Status != JobRunning {
		return
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 99 {
		progress = 99
	}
	job.Progress = progress
}

// JobStatus returns the current status of a job.
func (s *ExecutionState) JobStatus(jobID string) JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.exec.Jobs[jobID]
	if !ok {
		return JobPending
	}
	return job.Status
}

// Attempt returns a job's current attempt number.
func (s *ExecutionState) Attempt(jobID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.exec.Jobs[jobID]
	if !ok {
		return 0
	}
	return job.Attempt
}

// ReadyJobs returns the jobs that are pending with every dependency in a
// satisfied state (completed or skipped), ordered by the plan's topological
// order so simultaneous readiness resolves deterministically.
func (s *ExecutionState) ReadyJobs(g *Graph, topoOrder []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ready []string
	for _, id := range topoOrder {
		job, ok := s.exec.Jobs[id]
		if !ok || job.Status != JobPending {
			continue
		}
		satisfied := true
		for _, dep := range g.DependenciesOf(id) {
			st := s.exec.Jobs[dep].Status
			if st != JobCompleted && st != JobSkipped {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	return ready
}

// InputsFor assembles a job's runner inputs: the outputs of its completed
// dependencies keyed by dependency id.
func (s *ExecutionState) InputsFor(g *Graph, jobID string) map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inputs := make(map[string]map[string]any)
	for _, dep := range g.DependenciesOf(jobID) {
		if out, ok := s.outputs[dep]; ok {
			inputs[dep] = out
		}
	}
	return inputs
}

// AllTerminal reports whether every job has reached a terminal state.
func (s *ExecutionState) AllTerminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.exec.Jobs {
		if !job.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Finalize computes and records the execution's terminal status per the
// DAGExecution invariant: cancelled when requested, completed when every
// job completed or was skipped without failure, failed otherwise.
func (s *ExecutionState) Finalize() ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := ExecutionCompleted
	if s.cancelRequested {
		status = ExecutionCancelled
	} else {
		// Without an external cancel request, anything short of every job
		// completing means a failure happened somewhere: skips only exist
		// downstream of a failed job, and fail-fast cancels the remainder
		// of an already-failed run.
		for _, job := range s.exec.Jobs {
			if job.Status != JobCompleted {
				status = ExecutionFailed
				break
			}
		}
	}

	now := time.Now().UTC()
	s.exec.Status = status
	s.exec.CompletedAt = &now
	return status
}

// Snapshot returns a deep copy of the execution record suitable for
// persistence or API responses.
func (s *ExecutionState) Snapshot() *DAGExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyExecution(s.exec)
}

func copyExecution(src *DAGExecution) *DAGExecution {
	out := &DAGExecution{
		ID:        src.ID,
		Name:      src.Name,
		Status:    src.Status,
		CreatedAt: src.CreatedAt,
		Jobs:      make(map[string]*JobExecution, len(src.Jobs)),
	}
	if src.StartedAt != nil {
		t := *src.StartedAt
		out.StartedAt = &t
	}
	if src.CompletedAt != nil {
		t := *src.CompletedAt
		out.CompletedAt = &t
	}
	for id, job := range src.Jobs {
		cp := *job
		if job.StartedAt != nil {
			t := *job.StartedAt
			cp.StartedAt = &t
		}
		if job.CompletedAt != nil {
			t := *job.CompletedAt
			cp.CompletedAt = &t
		}
		if job.Output != nil {
			cp.Output = make(map[string]any, len(job.Output))
			for k, v := range job.Output {
				cp.Output[k] = v
			}
		}
		out.Jobs[id] = &cp
	}
	return out
}
