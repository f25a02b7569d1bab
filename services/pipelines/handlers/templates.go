// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianPipelines/pkg/validation"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/datatypes"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/templates"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/tracker"
)

// ListTemplates returns summaries of all registered templates.
func ListTemplates(registry *templates.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		tmpls := registry.List()
		summaries := make([]datatypes.TemplateSummary, 0, len(tmpls))
		for _, tmpl := range tmpls {
			summaries = append(summaries, datatypes.TemplateSummary{
				Name:        tmpl.Name,
				Description: tmpl.Description,
				JobCount:    len(tmpl.Jobs),
				UpdatedAt:   tmpl.UpdatedAt,
			})
		}
		c.JSON(http.StatusOK, datatypes.ListTemplatesResponse{
			Templates: summaries,
			Count:     len(summaries),
		})
	}
}

// GetTemplate returns one template's full definition.
func GetTemplate(registry *templates.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		tmpl, edges, err := registry.Get(name)
		if err != nil {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "template not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"name":        tmpl.Name,
			"description": tmpl.Description,
			"jobs":        tmpl.Jobs,
			"edges":       edges,
			"created_at":  tmpl.CreatedAt,
			"updated_at":  tmpl.UpdatedAt,
		})
	}
}

// PushTemplate validates and stores a named pipeline template.
func PushTemplate(registry *templates.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.PushTemplateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		// Template names become Badger key components, so they must be
		// validated before storage.
		name, err := validation.SanitizeIdentifier(req.Name)
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		req.Name = name

		tmpl := &dag.Template{
			Name:        req.Name,
			Description: req.Description,
			Jobs:        req.Jobs,
		}
		if err := registry.Put(c.Request.Context(), tmpl, req.Edges); err != nil {
			var verr *dag.ValidationError
			if errors.As(err, &verr) {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: verr.Error()})
				return
			}
			slog.Error("failed to store template", "template", req.Name, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to store template"})
			return
		}

		slog.Info("template stored", "template", req.Name, "jobs", len(req.Jobs))
		c.JSON(http.StatusCreated, gin.H{"name": req.Name, "status": "stored"})
	}
}

// DeleteTemplate removes a stored template by name.
func DeleteTemplate(registry *templates.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if err := registry.Delete(c.Request.Context(), name); err != nil {
			if errors.Is(err, templates.ErrUnknownTemplate) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "template not found"})
				return
			}
			slog.Error("failed to delete template", "template", name, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to delete template"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"name": name, "status": "deleted"})
	}
}

// ExecuteTemplate starts an execution from a stored template, applying any
// per-run overrides in the request body. An empty body runs the template
// with service defaults.
func ExecuteTemplate(registry *templates.Registry, coordinator *tracker.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		tmpl, edges, err := registry.Get(name)
		if err != nil {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "template not found"})
			return
		}

		var req datatypes.ExecuteTemplateRequest
		if c.Request.ContentLength > 0 {
			if berr := c.ShouldBindJSON(&req); berr != nil {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: berr.Error()})
				return
			}
		}

		opts := tracker.ExecuteOptions{
			FailurePolicy:     req.FailurePolicy,
			MaxConcurrentJobs: req.MaxConcurrentJobs,
		}
		id, err := coordinator.Execute(c.Request.Context(), tmpl.Name, tmpl.Jobs, edges, opts)
		if err != nil {
			slog.Error("failed to execute template", "template", name, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to start execution"})
			return
		}

		slog.Info("template execution accepted", "template", name, "execution_id", id)
		c.JSON(http.StatusAccepted, datatypes.ExecuteResponse{
			ExecutionID: id,
			Status:      string(dag.ExecutionPending),
		})
	}
}
