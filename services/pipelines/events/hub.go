// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events fans execution events out to live consumers.
//
// The Buffer is the engine-facing sink: it records every log line, metric
// sample and status change per execution and republishes them through the
// Hub to any subscribed stream (SSE, WebSocket, metric exporters). Streams
// opened mid-run are backfilled from the buffer so consumers never miss
// events that happened before they connected.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

// EventType classifies a stream event.
type EventType string

const (
	EventStatus EventType = "status"
	EventLog    EventType = "log"
	EventMetric EventType = "metric"
)

// Event is one item on an execution's stream. Exactly one of Status, Log,
// Metric is set, matching Type.
type Event struct {
	Type        EventType         `json:"type"`
	ExecutionID string            `json:"execution_id"`
	Status      *dag.DAGExecution `json:"status,omitempty"`
	Log         *dag.LogEntry     `json:"log,omitempty"`
	Metric      *dag.MetricData   `json:"metric,omitempty"`
}

// subscriptionBuffer is the per-subscriber channel depth. A subscriber
// that falls this far behind starts losing events rather than stalling
// the engine.
const subscriptionBuffer = 256

// Subscription is one consumer's view of an execution's event stream.
// The Events channel is closed when the execution reaches a terminal
// status or the subscription is cancelled.
type Subscription struct {
	id          string
	executionID string
	events      chan Event
	closeOnce   sync.Once
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// send delivers an event, dropping it if the subscriber is too slow.
func (s *Subscription) send(e Event) bool {
	select {
	case s.events <- e:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.events) })
}

// Hub routes execution events to subscribers.
//
// # Thread Safety
//
// Safe for concurrent use. Broadcast never blocks on a slow subscriber.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription // execution id -> sub id -> sub
	global map[string]*Subscription            // subscribers to every execution
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[string]*Subscription),
		global: make(map[string]*Subscription),
		logger: logger,
	}
}

// Subscribe opens a stream for one execution. Pass executionID "" to
// receive events for every execution (used by the metric sink).
func (h *Hub) Subscribe(executionID string) *Subscription {
	sub := &Subscription{
		id:          uuid.New().String(),
		executionID: executionID,
		events:      make(chan Event, subscriptionBuffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if executionID == "" {
		h.global[sub.id] = sub
		return sub
	}
	if h.subs[executionID] == nil {
		h.subs[executionID] = make(map[string]*Subscription)
	}
	h.subs[executionID][sub.id] = sub
	return sub
}

// Unsubscribe closes one subscription and releases its slot. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if sub.executionID == "" {
		delete(h.global, sub.id)
	} else if m := h.subs[sub.executionID]; m != nil {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(h.subs, sub.executionID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Broadcast delivers an event to every subscriber of its execution plus
// all global subscribers. A terminal status event closes the execution's
// subscriptions after delivery so streaming handlers finish naturally.
func (h *Hub) Broadcast(e Event) {
	terminal := e.Type == EventStatus && e.Status != nil && e.Status.Status.IsTerminal()

	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.global)+8)
	for _, sub := range h.global {
		targets = append(targets, sub)
	}
	var closing []*Subscription
	if m := h.subs[e.ExecutionID]; m != nil {
		for _, sub := range m {
			targets = append(targets, sub)
		}
		if terminal {
			for _, sub := range m {
				closing = append(closing, sub)
			}
			delete(h.subs, e.ExecutionID)
		}
	}
	h.mu.Unlock()

	dropped := 0
	for _, sub := range targets {
		if !sub.send(e) {
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("dropped events for slow subscribers",
			slog.String("execution_id", e.ExecutionID),
			slog.Int("dropped", dropped),
		)
	}
	for _, sub := range closing {
		sub.close()
	}
}

// SubscriberCount reports active subscriptions for an execution.
func (h *Hub) SubscriberCount(executionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[executionID])
}
