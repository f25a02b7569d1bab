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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the dag package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrEmptyJobID is returned when a job config has no id.
	ErrEmptyJobID = errors.New("job id must not be empty")

	// ErrDuplicateJobID is returned when two jobs share the same id.
	ErrDuplicateJobID = errors.New("duplicate job id")

	// ErrUnknownDependency is returned when dependsOn references a missing job.
	ErrUnknownDependency = errors.New("dependency references unknown job")

	// ErrSelfDependency is returned when a job depends on itself.
	ErrSelfDependency = errors.New("job depends on itself")

	// ErrUnknownEdgeEndpoint is returned when an explicit edge references a missing job.
	ErrUnknownEdgeEndpoint = errors.New("edge references unknown job")

	// ErrCycleDetected is returned when the graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected in pipeline graph")

	// ErrNoRunner is returned when no runner is registered for a job type.
	ErrNoRunner = errors.New("no runner registered for job type")

	// ErrJobTimeout is returned when a dispatch exceeds its timeout.
	ErrJobTimeout = errors.New("job execution timed out")

	// ErrRunnerPanic is returned when a runner panicked during dispatch.
	ErrRunnerPanic = errors.New("runner panicked")

	// ErrExecutionNotFound is returned when a referenced execution doesn't exist.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionTerminal is returned for operations on an already-terminal execution.
	ErrExecutionTerminal = errors.New("execution already in a terminal state")

	// ErrAlreadyRunning is returned when Run is called twice on one engine.
	ErrAlreadyRunning = errors.New("engine is already running")

	// ErrSnapshotCorrupt is returned when a persisted snapshot fails verification.
	ErrSnapshotCorrupt = errors.New("snapshot data is corrupt")

	// ErrSnapshotVersionMismatch is returned when a snapshot version doesn't match.
	ErrSnapshotVersionMismatch = errors.New("snapshot version mismatch")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// JobError wraps a dispatch failure with the job that caused it.
type JobError struct {
	JobID   string
	Attempt int
	Err     error
}

// Error returns the error message.
func (e *JobError) Error() string {
	return fmt.Sprintf("job %q (attempt %d): %v", e.JobID, e.Attempt, e.Err)
}

// Unwrap returns the underlying error.
func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError creates a JobError.
func NewJobError(jobID string, attempt int, err error) *JobError {
	return &JobError{
		JobID:   jobID,
		Attempt: attempt,
		Err:     err,
	}
}

// CycleError provides details about a detected cycle.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %v", e.Path)
}

// Unwrap allows errors.Is checks against ErrCycleDetected.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// NewCycleError creates a CycleError.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}

// ValidationError aggregates every structural problem found in a graph.
//
// # Description
//
// Validation reports the full list of problems in one response rather than
// stopping at the first, so callers can fix a submitted pipeline in one pass.
// Each entry is a sentinel-wrapped error naming the offending job or edge.
type ValidationError struct {
	Problems []error
}

// Error joins all problems into a single message.
func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// Unwrap exposes the individual problems to errors.Is/errors.As.
func (e *ValidationError) Unwrap() []error {
	return e.Problems
}

// Messages returns the problem strings for API responses.
func (e *ValidationError) Messages() []string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return msgs
}
