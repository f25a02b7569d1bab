package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/events"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/tracker"
)

// WSRequest is an inbound client message. The only supported action is
// "cancel", which requests cooperative cancellation of the watched
// execution.
type WSRequest struct {
	Action string `json:"action"`
}

// WSFrame is one message pushed to a websocket client watching an
// execution. Exactly one of Status, Log, Metric is set for the event
// frames; "connected" and "done" frames carry only the execution id.
type WSFrame struct {
	Action      string            `json:"action"`
	ExecutionID string            `json:"execution_id"`
	Status      *dag.DAGExecution `json:"status,omitempty"`
	Log         *dag.LogEntry     `json:"log,omitempty"`
	Metric      *dag.MetricData   `json:"metric,omitempty"`
	Error       string            `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// HandleExecutionWebSocket upgrades the connection and pushes every event
// for one execution until it reaches a terminal state or the client
// disconnects.
func HandleExecutionWebSocket(coordinator *tracker.Coordinator, hub *events.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		current, err := coordinator.GetStatus(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, dag.ErrExecutionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
				return
			}
			slog.Error("failed to load execution for websocket", "execution_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load execution"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("Websocket client connected", "execution_id", id)

		sub := hub.Subscribe(id)
		defer hub.Unsubscribe(sub)

		// Send current snapshot immediately on connect
		if err := sendJSON(ws, WSFrame{Action: "connected", ExecutionID: id, Status: current}); err != nil {
			return
		}
		if current.Status.IsTerminal() {
			_ = sendJSON(ws, WSFrame{Action: "done", ExecutionID: id})
			return
		}

		// Read client messages; "cancel" is the only accepted action
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				var req WSRequest
				if rerr := ws.ReadJSON(&req); rerr != nil {
					return
				}
				if req.Action == "cancel" {
					if cerr := coordinator.Cancel(c.Request.Context(), id); cerr != nil {
						slog.Warn("websocket cancel request failed", "execution_id", id, "error", cerr)
					}
				}
			}
		}()

		for {
			select {
			case <-readerDone:
				slog.Info("Websocket client disconnected", "execution_id", id)
				return
			case <-c.Request.Context().Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					_ = sendJSON(ws, WSFrame{Action: "done", ExecutionID: id})
					return
				}
				frame := WSFrame{Action: string(ev.Type), ExecutionID: id}
				switch ev.Type {
				case events.EventStatus:
					frame.Status = ev.Status
				case events.EventLog:
					frame.Log = ev.Log
				case events.EventMetric:
					frame.Metric = ev.Metric
				}
				if err := sendJSON(ws, frame); err != nil {
					return
				}
				if ev.Type == events.EventStatus && ev.Status != nil && ev.Status.Status.IsTerminal() {
					_ = sendJSON(ws, WSFrame{Action: "done", ExecutionID: id})
					return
				}
			}
		}
	}
}
