// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianPipelines/pkg/validation"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/events"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/handlers"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/templates"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/tracker"
)

func SetupRoutes(router *gin.Engine, coordinator *tracker.Coordinator,
	registry *templates.Registry, hub *events.Hub) {

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		// Names end up in storage keys, so request bindings can enforce the
		// identifier shape before a handler ever sees them.
		_ = validation.RegisterValidations(v)
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/pipelines/validate", handlers.ValidatePipeline(coordinator))
		v1.POST("/pipelines/execute", handlers.ExecutePipeline(coordinator))
		// Execution tracking routes
		executions := v1.Group("/executions")
		{
			executions.GET("", handlers.ListExecutions(coordinator))
			executions.GET("/:id", handlers.GetExecution(coordinator))
			executions.GET("/:id/logs", handlers.GetExecutionLogs(coordinator, hub))
			executions.GET("/:id/metrics", handlers.GetExecutionMetrics(coordinator))
			executions.POST("/:id/cancel", handlers.CancelExecution(coordinator))
			executions.GET("/:id/ws", handlers.HandleExecutionWebSocket(coordinator, hub))
		}
		// Template administration routes
		tmpls := v1.Group("/templates")
		{
			tmpls.GET("", handlers.ListTemplates(registry))
			tmpls.POST("", handlers.PushTemplate(registry))
			tmpls.GET("/:name", handlers.GetTemplate(registry))
			tmpls.DELETE("/:name", handlers.DeleteTemplate(registry))
			tmpls.POST("/:name/execute", handlers.ExecuteTemplate(registry, coordinator))
		}
	}
}
