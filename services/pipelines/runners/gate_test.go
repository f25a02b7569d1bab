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
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

func gateRC(inputs map[string]map[string]any) dag.RunContext {
	return dag.RunContext{ExecutionID: "exec-1", JobID: "gate", Attempt: 1, Inputs: inputs}
}

func TestRegressionGate_PassesWithinBounds(t *testing.T) {
	gate := NewRegressionGateRunner()
	result, err := gate.Run(context.Background(), map[string]any{
		"metric": "accuracy",
		"min":    0.9,
	}, gateRC(map[string]map[string]any{
		"eval": {"accuracy": 0.95},
	}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if passed, _ := result.Output["passed"].(bool); !passed {
		t.Errorf("Output[passed] = %v, want true", result.Output["passed"])
	}
	if got := result.Output["value"]; got != 0.95 {
		t.Errorf("Output[value] = %v, want 0.95", got)
	}
}

func TestRegressionGate_FailsBelowMin(t *testing.T) {
	gate := NewRegressionGateRunner()
	_, err := gate.Run(context.Background(), map[string]any{
		"metric": "accuracy",
		"min":    0.9,
	}, gateRC(map[string]map[string]any{
		"eval": {"accuracy": 0.7},
	}))
	if !errors.Is(err, ErrGateFailed) {
		t.Errorf("Run() error = %v, want ErrGateFailed", err)
	}
}

func TestRegressionGate_FailsAboveMax(t *testing.T) {
	gate := NewRegressionGateRunner()
	_, err := gate.Run(context.Background(), map[string]any{
		"metric": "loss",
		"max":    0.5,
	}, gateRC(map[string]map[string]any{
		"train": {"loss": 1.2},
	}))
	if !errors.Is(err, ErrGateFailed) {
		t.Errorf("Run() error = %v, want ErrGateFailed", err)
	}
}

func TestRegressionGate_SourceSelection(t *testing.T) {
	gate := NewRegressionGateRunner()
	result, err := gate.Run(context.Background(), map[string]any{
		"metric": "loss",
		"max":    1.0,
		"source": "candidate",
	}, gateRC(map[string]map[string]any{
		"baseline":  {"loss": 5.0},
		"candidate": {"loss": 0.4},
	}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := result.Output["source"]; got != "candidate" {
		t.Errorf("Output[source] = %v, want candidate", got)
	}
}

func TestRegressionGate_MetricMissing(t *testing.T) {
	gate := NewRegressionGateRunner()
	_, err := gate.Run(context.Background(), map[string]any{
		"metric": "f1",
		"min":    0.5,
	}, gateRC(map[string]map[string]any{
		"eval": {"accuracy": 0.9},
	}))
	if !errors.Is(err, ErrMetricNotFound) {
		t.Errorf("Run() error = %v, want ErrMetricNotFound", err)
	}
}

func TestRegressionGate_Misconfigured(t *testing.T) {
	gate := NewRegressionGateRunner()

	_, err := gate.Run(context.Background(), map[string]any{"min": 0.5}, gateRC(nil))
	if !errors.Is(err, ErrGateMisconfigured) {
		t.Errorf("missing metric: error = %v, want ErrGateMisconfigured", err)
	}

	_, err = gate.Run(context.Background(), map[string]any{"metric": "accuracy"}, gateRC(nil))
	if !errors.Is(err, ErrGateMisconfigured) {
		t.Errorf("missing bounds: error = %v, want ErrGateMisconfigured", err)
	}
}

func TestRegressionGate_IntBoundsAccepted(t *testing.T) {
	// YAML templates decode whole numbers as ints, not floats.
	gate := NewRegressionGateRunner()
	_, err := gate.Run(context.Background(), map[string]any{
		"metric": "epochs",
		"max":    10,
	}, gateRC(map[string]map[string]any{
		"train": {"epochs": 8},
	}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
