// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotVersion is the current snapshot envelope version (semver).
const SnapshotVersion = "1.0.0"

// snapshotEnvelope is the persisted form of an execution record. The
// checksum covers everything except itself so a torn or bit-rotted record
// is detected on load instead of surfacing as silently wrong state.
type snapshotEnvelope struct {
	Execution *DAGExecution `json:"execution"`
	SavedAt   time.Time     `json:"saved_at"`
	Version   string        `json:"version"`
	Checksum  string        `json:"checksum"`
}

// snapshotChecksum calculates SHA256 over the envelope minus its checksum.
func snapshotChecksum(execution *DAGExecution, savedAt time.Time) (string, error) {
	payload := struct {
		Execution *DAGExecution `json:"execution"`
		SavedAt   time.Time     `json:"saved_at"`
		Version   string        `json:"version"`
	}{
		Execution: execution,
		SavedAt:   savedAt,
		Version:   SnapshotVersion,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// EncodeSnapshot serializes an execution record into a checksummed envelope.
//
// # Inputs
//
//   - execution: the record to persist. Must not be nil.
//
// # Outputs
//
//   - []byte: JSON envelope suitable for storage.
//   - error: non-nil if the record cannot be serialized.
func EncodeSnapshot(execution *DAGExecution) ([]byte, error) {
	if execution == nil {
		return nil, fmt.Errorf("%w: execution must not be nil", ErrInvalidInput)
	}

	savedAt := time.Now().UTC()
	checksum, err := snapshotChecksum(execution, savedAt)
	if err != nil {
		return nil, fmt.Errorf("compute checksum: %w", err)
	}

	data, err := json.Marshal(&snapshotEnvelope{
		Execution: execution,
		SavedAt:   savedAt,
		Version:   SnapshotVersion,
		Checksum:  checksum,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses and verifies a stored execution envelope.
//
// # Inputs
//
//   - data: envelope bytes previously produced by EncodeSnapshot.
//
// # Outputs
//
//   - *DAGExecution: the verified record. Never nil on success.
//   - error: ErrSnapshotVersionMismatch, ErrSnapshotCorrupt, or a parse error.
func DecodeSnapshot(data []byte) (*DAGExecution, error) {
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	if env.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrSnapshotVersionMismatch, env.Version, SnapshotVersion)
	}
	if env.Execution == nil {
		return nil, ErrSnapshotCorrupt
	}

	expected, err := snapshotChecksum(env.Execution, env.SavedAt)
	if err != nil {
		return nil, fmt.Errorf("compute checksum for verification: %w", err)
	}
	if env.Checksum != expected {
		return nil, ErrSnapshotCorrupt
	}

	return env.Execution, nil
}
