// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package main contains the pipectl client for the pipelines service API.
//
// This file defines PipelinesClient, the HTTP client used by every pipectl
// command. Non-streaming calls go through plain JSON request/response pairs;
// log following consumes the server's SSE stream line by line.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/datatypes"
)

// =============================================================================
// INTERFACES
// =============================================================================

// HTTPClient abstracts the HTTP transport so tests can inject mocks.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// CLIENT
// =============================================================================

// PipelinesClient talks to the pipelines service REST API.
//
// # Description
//
// One client per server. All methods are safe for concurrent use; the
// underlying http.Client handles connection pooling.
//
// # Examples
//
//	client := NewPipelinesClient("http://localhost:12310", "", 30*time.Second)
//	resp, err := client.Validate(ctx, req)
type PipelinesClient struct {
	http    HTTPClient
	baseURL string
	token   string
}

// NewPipelinesClient creates a client for the given server.
//
// The timeout applies to non-streaming requests only. FollowLogs uses a
// client without a timeout because the stream stays open for the lifetime
// of the execution.
func NewPipelinesClient(baseURL, token string, timeout time.Duration) *PipelinesClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &PipelinesClient{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// NewPipelinesClientWithHTTP creates a client with an injected transport.
// Use this constructor for testing with mock clients.
func NewPipelinesClientWithHTTP(client HTTPClient, baseURL, token string) *PipelinesClient {
	return &PipelinesClient{
		http:    client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// =============================================================================
// PIPELINE OPERATIONS
// =============================================================================

// Validate submits a pipeline definition for validation without running it.
func (c *PipelinesClient) Validate(ctx context.Context, req datatypes.ValidateRequest) (*datatypes.ValidateResponse, error) {
	var resp datatypes.ValidateResponse
	if err := c.postJSON(ctx, "/v1/pipelines/validate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Execute starts a pipeline execution and returns its ID.
func (c *PipelinesClient) Execute(ctx context.Context, req datatypes.ExecuteRequest) (*datatypes.ExecuteResponse, error) {
	var resp datatypes.ExecuteResponse
	if err := c.postJSON(ctx, "/v1/pipelines/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecuteTemplate starts an execution from a stored template.
func (c *PipelinesClient) ExecuteTemplate(ctx context.Context, name string, req datatypes.ExecuteTemplateRequest) (*datatypes.ExecuteResponse, error) {
	var resp datatypes.ExecuteResponse
	path := fmt.Sprintf("/v1/templates/%s/execute", url.PathEscape(name))
	if err := c.postJSON(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// =============================================================================
// EXECUTION OPERATIONS
// =============================================================================

// Status fetches the full execution snapshot.
func (c *PipelinesClient) Status(ctx context.Context, executionID string) (*dag.DAGExecution, error) {
	var exec dag.DAGExecution
	path := fmt.Sprintf("/v1/executions/%s", url.PathEscape(executionID))
	if err := c.getJSON(ctx, path, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// List fetches execution summaries, optionally filtered by status.
func (c *PipelinesClient) List(ctx context.Context, status string, limit, offset int) (*datatypes.ListExecutionsResponse, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		query.Set("offset", fmt.Sprintf("%d", offset))
	}
	path := "/v1/executions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp datatypes.ListExecutionsResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logs fetches a batch of stored log entries starting at offset.
func (c *PipelinesClient) Logs(ctx context.Context, executionID string, offset int) (*datatypes.LogsResponse, error) {
	path := fmt.Sprintf("/v1/executions/%s/logs?offset=%d", url.PathEscape(executionID), offset)
	var resp datatypes.LogsResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Metrics fetches recorded metric points, optionally filtered by name.
func (c *PipelinesClient) Metrics(ctx context.Context, executionID, name string) (*datatypes.MetricsResponse, error) {
	path := fmt.Sprintf("/v1/executions/%s/metrics", url.PathEscape(executionID))
	if name != "" {
		path += "?name=" + url.QueryEscape(name)
	}
	var resp datatypes.MetricsResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests cancellation of a running execution.
func (c *PipelinesClient) Cancel(ctx context.Context, executionID string) error {
	path := fmt.Sprintf("/v1/executions/%s/cancel", url.PathEscape(executionID))
	return c.postJSON(ctx, path, nil, nil)
}

// FollowLogs streams live events for an execution until it reaches a
// terminal state, the stream ends, or the handler returns an error.
//
// # Description
//
// Connects to the SSE endpoint and invokes the handler once per event.
// Keep-alive comments are filtered out. The handler receives the SSE event
// name ("status", "log", "metric", "error", "done") alongside the decoded
// payload. Returning a non-nil error from the handler stops the stream.
//
// # Inputs
//
//   - ctx: Cancels the stream when done.
//   - executionID: The execution to follow.
//   - handler: Called for each event in arrival order.
//
// # Outputs
//
//   - error: Non-nil on connection failure, decode failure, or handler error.
func (c *PipelinesClient) FollowLogs(ctx context.Context, executionID string, handler func(event string, ev datatypes.StreamEvent) error) error {
	path := fmt.Sprintf("/v1/executions/%s/logs?follow=true", url.PathEscape(executionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setAuth(req)

	// Streaming must not be bounded by the regular request timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.responseError(resp)
	}

	return readSSE(resp.Body, handler)
}

// readSSE parses an SSE stream and dispatches decoded events.
func readSSE(body io.Reader, handler func(event string, ev datatypes.StreamEvent) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
			continue
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev datatypes.StreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if err := handler(eventName, ev); err != nil {
				return err
			}
			if eventName == "done" {
				return nil
			}
		case line == "":
			eventName = ""
		}
	}
	return scanner.Err()
}

// =============================================================================
// TEMPLATE OPERATIONS
// =============================================================================

// ListTemplates fetches summaries of all stored templates.
func (c *PipelinesClient) ListTemplates(ctx context.Context) (*datatypes.ListTemplatesResponse, error) {
	var resp datatypes.ListTemplatesResponse
	if err := c.getJSON(ctx, "/v1/templates", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PushTemplate validates and stores a named pipeline template.
func (c *PipelinesClient) PushTemplate(ctx context.Context, req datatypes.PushTemplateRequest) error {
	return c.postJSON(ctx, "/v1/templates", req, nil)
}

// DeleteTemplate removes a stored template.
func (c *PipelinesClient) DeleteTemplate(ctx context.Context, name string) error {
	path := fmt.Sprintf("/v1/templates/%s", url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setAuth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http delete: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.responseError(resp)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *PipelinesClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// getJSON performs a GET and decodes a JSON response into out.
func (c *PipelinesClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// postJSON performs a POST with a JSON body and optionally decodes the
// response into out. A nil body sends an empty request.
func (c *PipelinesClient) postJSON(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// responseError turns a non-2xx response into a readable error. The server
// returns {"error": "..."} bodies, which we surface directly.
func (c *PipelinesClient) responseError(resp *http.Response) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server error (%d): failed to read response body", resp.StatusCode)
	}
	var errResp datatypes.ErrorResponse
	if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr == nil && errResp.Error != "" {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(bodyBytes))
}
