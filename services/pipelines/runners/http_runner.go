// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runners

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

// ErrWorkerRejected is returned when a worker answers with a non-2xx status.
var ErrWorkerRejected = errors.New("worker rejected job")

// maxWorkerResponseBytes bounds how much of a worker response body is read.
const maxWorkerResponseBytes = 4 << 20 // 4 MiB

// workerRequest is the payload posted to a worker service for one attempt.
type workerRequest struct {
	ExecutionID string                    `json:"execution_id"`
	JobID       string                    `json:"job_id"`
	JobName     string                    `json:"job_name,omitempty"`
	Attempt     int                       `json:"attempt"`
	Config      map[string]any            `json:"config,omitempty"`
	Inputs      map[string]map[string]any `json:"inputs,omitempty"`
}

// workerResponse is the payload a worker returns on success.
type workerResponse struct {
	Output  map[string]any   `json:"output,omitempty"`
	Metrics []dag.MetricData `json:"metrics,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// HTTPRunner executes a job by delegating to an external worker service.
//
// # Description
//
// One HTTPRunner fronts one worker endpoint; the service wires a separate
// instance per production job type (training, preprocessing, validation,
// deployment). The worker receives the job config plus the outputs of the
// job's dependencies and responds synchronously with its own output and any
// metrics. Cancellation and timeouts arrive through the request context.
type HTTPRunner struct {
	endpoint string
	client   *http.Client
	token    *TokenProvider
	logger   *slog.Logger
}

// Compile-time check.
var _ dag.Runner = (*HTTPRunner)(nil)

// NewHTTPRunner creates a runner for one worker endpoint.
//
// # Inputs
//
//   - endpoint: full URL the worker listens on. Must not be empty.
//   - token: sealed bearer token; nil or unconfigured disables auth.
//   - logger: structured logger. If nil, slog.Default() is used.
func NewHTTPRunner(endpoint string, token *TokenProvider, logger *slog.Logger) (*HTTPRunner, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint must not be empty", dag.ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRunner{
		endpoint: endpoint,
		// Per-job deadlines come from the dispatch context; the client
		// timeout is only a backstop against a wedged transport.
		client: &http.Client{Timeout: 2 * time.Hour},
		token:  token,
		logger: logger,
	}, nil
}

// Run posts the job to the worker and returns its reported result.
func (r *HTTPRunner) Run(ctx context.Context, config map[string]any, rc dag.RunContext) (*dag.RunResult, error) {
	body, err := json.Marshal(workerRequest{
		ExecutionID: rc.ExecutionID,
		JobID:       rc.JobID,
		JobName:     rc.JobName,
		Attempt:     rc.Attempt,
		Config:      config,
		Inputs:      rc.Inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if r.token.Configured() {
		err = r.token.Use(func(token string) error {
			req.Header.Set("Authorization", "Bearer "+token)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("unseal worker token: %w", err)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call worker %s: %w", r.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkerResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read worker response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Warn("worker returned error status",
			slog.String("endpoint", r.endpoint),
			slog.String("job_id", rc.JobID),
			slog.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: %s returned %d: %s",
			ErrWorkerRejected, r.endpoint, resp.StatusCode, truncate(string(data), 256))
	}

	var wr workerResponse
	if err := json.Unmarshal(data, &wr); err != nil {
		return nil, fmt.Errorf("decode worker response: %w", err)
	}
	if wr.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrWorkerRejected, wr.Error)
	}

	return &dag.RunResult{Output: wr.Output, Metrics: wr.Metrics}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
