// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides request and response structures for the
// pipelines service HTTP API.
package datatypes

import (
	"time"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxJobsPerPipeline is the maximum number of jobs a single submitted
	// pipeline may contain.
	MaxJobsPerPipeline = 500

	// MaxLogBatchSize is the maximum number of log entries returned in a
	// single non-streaming logs response.
	MaxLogBatchSize = 1000
)

// =============================================================================
// Requests
// =============================================================================

// ValidateRequest carries a pipeline definition for structural validation
// without executing it.
type ValidateRequest struct {
	Name  string          `json:"name" binding:"omitempty,identifier"`
	// An empty job list is valid input: the validator answers with an
	// empty plan rather than a binding rejection.
	Jobs  []dag.JobConfig `json:"jobs" binding:"max=500"`
	Edges []dag.Edge      `json:"edges"`
}

// ExecuteRequest carries a pipeline definition for immediate execution.
//
// # Description
//
// FailurePolicy and MaxConcurrentJobs override the service defaults for this
// execution only. An empty FailurePolicy keeps the configured default.
type ExecuteRequest struct {
	Name              string            `json:"name" binding:"omitempty,identifier"`
	Jobs              []dag.JobConfig   `json:"jobs" binding:"max=500"`
	Edges             []dag.Edge        `json:"edges"`
	FailurePolicy     dag.FailurePolicy `json:"failure_policy,omitempty" binding:"omitempty,oneof=fail-fast skip-downstream"`
	MaxConcurrentJobs int               `json:"max_concurrent_jobs,omitempty" binding:"omitempty,gte=1,lte=64"`
}

// ExecuteTemplateRequest carries per-run overrides when executing a stored
// template by name.
type ExecuteTemplateRequest struct {
	FailurePolicy     dag.FailurePolicy `json:"failure_policy,omitempty" binding:"omitempty,oneof=fail-fast skip-downstream"`
	MaxConcurrentJobs int               `json:"max_concurrent_jobs,omitempty" binding:"omitempty,gte=1,lte=64"`
}

// PushTemplateRequest carries a named pipeline template to store for later
// execution.
type PushTemplateRequest struct {
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	Jobs        []dag.JobConfig `json:"jobs" binding:"required,min=1,max=500"`
	Edges       []dag.Edge      `json:"edges"`
}

// =============================================================================
// Responses
// =============================================================================

// ValidateResponse reports the outcome of pipeline validation. When the
// pipeline is valid, Plan holds the topological execution levels.
type ValidateResponse struct {
	Valid  bool       `json:"valid"`
	Errors []string   `json:"errors,omitempty"`
	Plan   [][]string `json:"plan,omitempty"`
}

// ExecuteResponse acknowledges an accepted execution.
type ExecuteResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// ExecutionSummary is the compact listing form of an execution.
type ExecutionSummary struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Status      dag.ExecutionStatus `json:"status"`
	Progress    int                 `json:"progress"`
	CreatedAt   time.Time           `json:"created_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// ListExecutionsResponse wraps a page of execution summaries.
type ListExecutionsResponse struct {
	Executions []ExecutionSummary `json:"executions"`
	Count      int                `json:"count"`
}

// LogsResponse wraps a batch of log entries. NextOffset is the value to pass
// as offset on the next request to resume after this batch.
type LogsResponse struct {
	ExecutionID string         `json:"execution_id"`
	Entries     []dag.LogEntry `json:"entries"`
	NextOffset  int            `json:"next_offset"`
}

// MetricsResponse wraps metric points for an execution, optionally filtered
// to a single metric name.
type MetricsResponse struct {
	ExecutionID string           `json:"execution_id"`
	Name        string           `json:"name,omitempty"`
	Points      []dag.MetricData `json:"points"`
}

// TemplateSummary is the compact listing form of a stored template.
type TemplateSummary struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	JobCount    int       `json:"job_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListTemplatesResponse wraps the stored template listing.
type ListTemplatesResponse struct {
	Templates []TemplateSummary `json:"templates"`
	Count     int               `json:"count"`
}

// ErrorResponse is the uniform error body for all pipeline endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// Constructors
// =============================================================================

// NewExecutionSummary projects a full execution snapshot into its listing
// form.
func NewExecutionSummary(exec *dag.DAGExecution) ExecutionSummary {
	return ExecutionSummary{
		ID:          exec.ID,
		Name:        exec.Name,
		Status:      exec.Status,
		Progress:    exec.Progress(),
		CreatedAt:   exec.CreatedAt,
		CompletedAt: exec.CompletedAt,
	}
}
