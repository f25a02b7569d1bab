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
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/datatypes"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/events"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/tracker"
)

// sseKeepAliveInterval is how often a streaming logs response emits a
// keep-alive comment while no events arrive.
const sseKeepAliveInterval = 15 * time.Second

// ListExecutions returns executions newest-first, optionally filtered by
// status and paged with limit/offset query parameters.
func ListExecutions(coordinator *tracker.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := dag.ExecutionFilter{
			Status: dag.ExecutionStatus(c.Query("status")),
		}
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "limit must be a non-negative integer"})
				return
			}
			filter.Limit = n
		}
		if v := c.Query("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "offset must be a non-negative integer"})
				return
			}
			filter.Offset = n
		}

		execs, err := coordinator.List(c.Request.Context(), filter)
		if err != nil {
			slog.Error("failed to list executions", "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to list executions"})
			return
		}

		summaries := make([]datatypes.ExecutionSummary, 0, len(execs))
		for _, exec := range execs {
			summaries = append(summaries, datatypes.NewExecutionSummary(exec))
		}
		c.JSON(http.StatusOK, datatypes.ListExecutionsResponse{
			Executions: summaries,
			Count:      len(summaries),
		})
	}
}

// GetExecution returns the full snapshot of one execution.
func GetExecution(coordinator *tracker.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		exec, err := coordinator.GetStatus(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, dag.ErrExecutionNotFound) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "execution not found"})
				return
			}
			slog.Error("failed to load execution", "execution_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to load execution"})
			return
		}
		c.JSON(http.StatusOK, exec)
	}
}

// CancelExecution requests cooperative cancellation of an execution.
func CancelExecution(coordinator *tracker.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		err := coordinator.Cancel(c.Request.Context(), id)
		switch {
		case err == nil:
			c.JSON(http.StatusAccepted, gin.H{"execution_id": id, "status": "cancelling"})
		case errors.Is(err, dag.ErrExecutionNotFound):
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "execution not found"})
		case errors.Is(err, dag.ErrExecutionTerminal):
			c.JSON(http.StatusConflict, datatypes.ErrorResponse{Error: err.Error()})
		default:
			slog.Error("failed to cancel execution", "execution_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to cancel execution"})
		}
	}
}

// GetExecutionMetrics returns metric samples for an execution, optionally
// filtered by metric name.
func GetExecutionMetrics(coordinator *tracker.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		name := c.Query("name")
		points, err := coordinator.Metrics(c.Request.Context(), id, name)
		if err != nil {
			if errors.Is(err, dag.ErrExecutionNotFound) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "execution not found"})
				return
			}
			slog.Error("failed to load metrics", "execution_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to load metrics"})
			return
		}
		c.JSON(http.StatusOK, datatypes.MetricsResponse{
			ExecutionID: id,
			Name:        name,
			Points:      points,
		})
	}
}

// GetExecutionLogs returns log entries for an execution.
//
// # Description
//
// Without follow=true the handler returns one JSON batch starting at the
// given offset. With follow=true it backfills logs from the offset, then
// streams new log and status events over SSE until the execution reaches
// a terminal state or the client disconnects.
func GetExecutionLogs(coordinator *tracker.Coordinator, hub *events.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		offset := 0
		if v := c.Query("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "offset must be a non-negative integer"})
				return
			}
			offset = n
		}

		if c.Query("follow") == "true" {
			followLogs(c, coordinator, hub, id, offset)
			return
		}

		entries, next, err := coordinator.Logs(c.Request.Context(), id, offset)
		if err != nil {
			if errors.Is(err, dag.ErrExecutionNotFound) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "execution not found"})
				return
			}
			slog.Error("failed to load logs", "execution_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to load logs"})
			return
		}
		if len(entries) > datatypes.MaxLogBatchSize {
			next -= len(entries) - datatypes.MaxLogBatchSize
			entries = entries[:datatypes.MaxLogBatchSize]
		}
		c.JSON(http.StatusOK, datatypes.LogsResponse{
			ExecutionID: id,
			Entries:     entries,
			NextOffset:  next,
		})
	}
}

// followLogs streams an execution's events over SSE.
//
// # Description
//
// Subscribes to the event hub before backfilling so no event is lost in
// the gap, then replays stored logs from the offset and forwards live
// events. Duplicate delivery across the subscribe/backfill boundary is
// possible; clients dedupe on the log sequence they track.
func followLogs(c *gin.Context, coordinator *tracker.Coordinator, hub *events.Hub, id string, offset int) {
	current, err := coordinator.GetStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, dag.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "execution not found"})
			return
		}
		slog.Error("failed to load execution for streaming", "execution_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to load execution"})
		return
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "streaming not supported"})
		return
	}

	sub := hub.Subscribe(id)
	defer hub.Unsubscribe(sub)

	// Backfill after subscribing so nothing falls in the gap.
	entries, _, err := coordinator.Logs(c.Request.Context(), id, offset)
	if err == nil {
		for _, entry := range entries {
			if werr := writer.WriteLog(id, entry); werr != nil {
				return
			}
		}
	}
	if werr := writer.WriteStatus(current); werr != nil {
		return
	}
	if current.Status.IsTerminal() {
		_ = writer.WriteDone(id)
		return
	}

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-keepAlive.C:
			if werr := writer.WriteKeepAlive(); werr != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				_ = writer.WriteDone(id)
				return
			}
			switch ev.Type {
			case events.EventLog:
				if ev.Log == nil {
					continue
				}
				if werr := writer.WriteLog(id, *ev.Log); werr != nil {
					return
				}
			case events.EventMetric:
				if ev.Metric == nil {
					continue
				}
				if werr := writer.WriteMetric(id, *ev.Metric); werr != nil {
					return
				}
			case events.EventStatus:
				if ev.Status == nil {
					continue
				}
				if werr := writer.WriteStatus(ev.Status); werr != nil {
					return
				}
				if ev.Status.Status.IsTerminal() {
					_ = writer.WriteDone(id)
					return
				}
			}
		}
	}
}
