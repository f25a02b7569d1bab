// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink forwards runner-reported metrics to InfluxDB for long-term
// dashboards. The forwarder is optional: without an InfluxDB URL and token
// the service runs without it and metrics stay in the event buffers only.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/events"
)

// ErrInfluxUnavailable is returned when InfluxDB never reports healthy.
var ErrInfluxUnavailable = errors.New("influxdb unavailable")

const (
	measurement   = "pipeline_metrics"
	maxBatch      = 200
	flushInterval = 2 * time.Second
	healthRetries = 10
	healthBackoff = 3 * time.Second
)

// Config locates the InfluxDB target.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Enabled reports whether the config is complete enough to forward.
func (c Config) Enabled() bool {
	return c.URL != "" && c.Token != ""
}

// Forwarder subscribes to the global event stream and writes metric samples
// to InfluxDB in batches.
//
// # Thread Safety
//
// Safe for concurrent use; batching runs on a single goroutine.
type Forwarder struct {
	writer api.WriteAPIBlocking
	hub    *events.Hub
	logger *slog.Logger

	client influxdb2.Client // nil when injected for tests

	sub      *events.Subscription
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewForwarder connects to InfluxDB and waits for it to become healthy.
//
// # Inputs
//
//   - ctx: bounds the health wait.
//   - cfg: target location. Must be Enabled().
//   - hub: event hub to subscribe to.
//   - logger: nil uses slog.Default().
//
// # Outputs
//
//   - *Forwarder: ready for Start.
//   - error: non-nil if InfluxDB never became healthy.
func NewForwarder(ctx context.Context, cfg Config, hub *events.Hub, logger *slog.Logger) (*Forwarder, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: url and token required", ErrInfluxUnavailable)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	ready := false
	for i := 0; i < healthRetries; i++ {
		health, err := client.Health(ctx)
		if err == nil && health.Status == "pass" {
			ready = true
			break
		}
		var errMsg string
		if err != nil {
			errMsg = err.Error()
		} else if health != nil && health.Message != nil {
			errMsg = *health.Message
		}
		logger.Warn("influxdb not ready, retrying", "attempt", i+1, "error", errMsg)
		select {
		case <-ctx.Done():
			client.Close()
			return nil, fmt.Errorf("%w: %v", ErrInfluxUnavailable, ctx.Err())
		case <-time.After(healthBackoff):
		}
	}
	if !ready {
		client.Close()
		return nil, ErrInfluxUnavailable
	}
	logger.Info("connected to influxdb", "url", cfg.URL, "bucket", cfg.Bucket)

	f := newForwarder(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), hub, logger)
	f.client = client
	return f, nil
}

// newForwarder wires a forwarder around an already built write API.
func newForwarder(writer api.WriteAPIBlocking, hub *events.Hub, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		writer: writer,
		hub:    hub,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start subscribes to the global stream and begins forwarding.
func (f *Forwarder) Start() {
	f.sub = f.hub.Subscribe("")
	f.wg.Add(1)
	go f.loop()
}

// Stop flushes pending points and shuts the forwarder down. Idempotent.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
		if f.sub != nil {
			f.hub.Unsubscribe(f.sub)
		}
		f.wg.Wait()
		if f.client != nil {
			f.client.Close()
		}
	})
}

func (f *Forwarder) loop() {
	defer f.wg.Done()

	var batch []*write.Point
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := f.writer.WritePoint(ctx, batch...); err != nil {
			f.logger.Error("influxdb write failed", "points", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-f.done:
			// Broadcast enqueues synchronously, so anything published
			// before Stop is sitting in the subscription buffer.
			for drained := false; !drained; {
				select {
				case event, ok := <-f.sub.Events():
					if !ok {
						drained = true
						break
					}
					if event.Type == events.EventMetric && event.Metric != nil {
						batch = append(batch, metricPoint(event))
					}
				default:
					drained = true
				}
			}
			flush()
			return
		case event, ok := <-f.sub.Events():
			if !ok {
				flush()
				return
			}
			if event.Type != events.EventMetric || event.Metric == nil {
				continue
			}
			batch = append(batch, metricPoint(event))
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// metricPoint converts one metric event into line-protocol form. Metric
// metadata becomes tags alongside the execution id.
func metricPoint(event events.Event) *write.Point {
	m := event.Metric
	tags := map[string]string{
		"execution_id": event.ExecutionID,
		"metric":       m.Name,
	}
	for k, v := range m.Metadata {
		tags[k] = v
	}
	return influxdb2.NewPoint(
		measurement,
		tags,
		map[string]interface{}{"value": m.Value},
		m.Timestamp,
	)
}
