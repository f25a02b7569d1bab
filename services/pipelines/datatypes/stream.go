// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

// StreamEvent is one SSE frame on an execution stream.
//
// # Description
//
// Exactly one of Status, Log, Metric is set for the "status", "log", and
// "metric" event types. Error carries a client-safe message for "error"
// events. "done" events carry only the execution id.
//
// Each event is assigned an Id, a creation timestamp, and a SHA-256 hash
// chained to the previous event so a client can verify it received the
// stream unmodified and in order.
type StreamEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	PrevHash  string `json:"prev_hash,omitempty"`
	Hash      string `json:"hash"`

	ExecutionId string            `json:"execution_id,omitempty"`
	Status      *dag.DAGExecution `json:"status,omitempty"`
	Log         *dag.LogEntry     `json:"log,omitempty"`
	Metric      *dag.MetricData   `json:"metric,omitempty"`
	Error       string            `json:"error,omitempty"`
}
