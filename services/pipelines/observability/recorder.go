// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/events"
)

// Recorder translates the hub's status event stream into Prometheus series.
//
// # Description
//
// Status events carry full execution snapshots, so the recorder diffs each
// snapshot against the last one it saw for that execution: jobs that newly
// reached a terminal state are counted once, and the execution itself is
// counted when it terminates. The engines stay unaware of Prometheus.
//
// # Thread Safety
//
// Safe for concurrent use; the event loop runs on a single goroutine.
type Recorder struct {
	hub     *events.Hub
	metrics *PipelineMetrics
	logger  *slog.Logger

	mu   sync.Mutex
	seen map[string]map[string]dag.JobStatus

	sub      *events.Subscription
	done     chan struct{}
	stopOnce sync.Once
}

// NewRecorder creates a recorder over hub. metrics must be initialized.
func NewRecorder(hub *events.Hub, metrics *PipelineMetrics, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		hub:     hub,
		metrics: metrics,
		logger:  logger,
		seen:    make(map[string]map[string]dag.JobStatus),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the global event stream and begins recording.
func (r *Recorder) Start() {
	r.sub = r.hub.Subscribe("")
	go r.loop()
}

// Stop unsubscribes and stops the recorder. Idempotent.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		if r.sub != nil {
			r.hub.Unsubscribe(r.sub)
		}
	})
}

func (r *Recorder) loop() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.sub.Events():
			if !ok {
				return
			}
			if event.Type == events.EventStatus && event.Status != nil {
				r.observe(event.Status)
			}
		}
	}
}

// observe diffs one snapshot against the recorder's memory of it.
func (r *Recorder) observe(snapshot *dag.DAGExecution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs, tracked := r.seen[snapshot.ID]
	if !tracked {
		jobs = make(map[string]dag.JobStatus, len(snapshot.Jobs))
		r.seen[snapshot.ID] = jobs
		r.metrics.ExecutionStarted()
	}

	for id, job := range snapshot.Jobs {
		prev := jobs[id]
		if job.Status == prev {
			continue
		}
		if job.Status == dag.JobRunning && job.Attempt > 1 {
			r.metrics.RecordRetry(string(job.Type))
		}
		if job.Status.IsTerminal() && !prev.IsTerminal() {
			r.metrics.RecordJob(string(job.Type), string(job.Status), jobSeconds(job))
		}
		jobs[id] = job.Status
	}

	if snapshot.Status.IsTerminal() {
		r.metrics.RecordExecution(string(snapshot.Status), snapshot.Duration().Seconds())
		r.metrics.ExecutionEnded()
		delete(r.seen, snapshot.ID)
	}
}

// jobSeconds returns a job's wall time, zero if it never started.
func jobSeconds(job *dag.JobExecution) float64 {
	if job.StartedAt == nil || job.CompletedAt == nil {
		return 0
	}
	return job.CompletedAt.Sub(*job.StartedAt).Seconds()
}
