// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the gin HTTP handlers for the pipelines service.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/datatypes"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/tracker"
)

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "pipelines"})
}

// ValidatePipeline checks a submitted pipeline definition for structural
// problems without executing it.
//
// # Description
//
// Validation problems (duplicate ids, unknown dependencies, cycles) are
// returned in the response body with a 200 status; the request itself
// succeeded even when the pipeline is invalid. Only malformed JSON is a
// client error.
func ValidatePipeline(coordinator *tracker.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ValidateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		plan, err := coordinator.Validate(req.Name, req.Jobs, req.Edges)
		if err != nil {
			var verr *dag.ValidationError
			if errors.As(err, &verr) {
				c.JSON(http.StatusOK, datatypes.ValidateResponse{
					Valid:  false,
					Errors: problemStrings(verr),
				})
				return
			}
			slog.Error("pipeline validation failed", "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "validation failed"})
			return
		}

		c.JSON(http.StatusOK, datatypes.ValidateResponse{
			Valid: true,
			Plan:  plan.ExecutionLevels,
		})
	}
}

// ExecutePipeline validates a submitted pipeline and starts it.
func ExecutePipeline(coordinator *tracker.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ExecuteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		opts := tracker.ExecuteOptions{
			FailurePolicy:     req.FailurePolicy,
			MaxConcurrentJobs: req.MaxConcurrentJobs,
		}
		id, err := coordinator.Execute(c.Request.Context(), req.Name, req.Jobs, req.Edges, opts)
		if err != nil {
			var verr *dag.ValidationError
			if errors.As(err, &verr) {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: verr.Error()})
				return
			}
			slog.Error("failed to start pipeline execution", "name", req.Name, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to start execution"})
			return
		}

		slog.Info("pipeline execution accepted", "name", req.Name, "execution_id", id)
		c.JSON(http.StatusAccepted, datatypes.ExecuteResponse{
			ExecutionID: id,
			Status:      string(dag.ExecutionPending),
		})
	}
}

// problemStrings flattens a validation error into client-facing messages.
func problemStrings(verr *dag.ValidationError) []string {
	msgs := make([]string, 0, len(verr.Problems))
	for _, p := range verr.Problems {
		msgs = append(msgs, p.Error())
	}
	return msgs
}
