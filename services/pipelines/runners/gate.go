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
	"fmt"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

var (
	// ErrGateMisconfigured is returned when the gate config is incomplete.
	ErrGateMisconfigured = errors.New("regression gate misconfigured")

	// ErrMetricNotFound is returned when no dependency output carries the
	// gated metric.
	ErrMetricNotFound = errors.New("gated metric not found in dependency outputs")

	// ErrGateFailed is returned when the gated metric violates its bound.
	ErrGateFailed = errors.New("regression gate failed")
)

// RegressionGateRunner fails the pipeline branch when a model metric
// regresses past a configured bound.
//
// # Description
//
// Config keys:
//
//   - metric (string, required): output key to inspect, e.g. "accuracy".
//   - max (number, optional): gate fails when the value exceeds it.
//   - min (number, optional): gate fails when the value falls below it.
//   - source (string, optional): dependency job id to read from; when
//     absent every dependency output is searched and the first match wins.
//
// At least one of max/min must be set. The gate is a normal job: a
// violation is a job failure, so skip-downstream keeps a regressed model
// from reaching its deployment jobs.
type RegressionGateRunner struct{}

var _ dag.Runner = (*RegressionGateRunner)(nil)

// NewRegressionGateRunner creates the gate runner.
func NewRegressionGateRunner() *RegressionGateRunner {
	return &RegressionGateRunner{}
}

// Run evaluates the gate against the job's dependency outputs.
func (r *RegressionGateRunner) Run(ctx context.Context, config map[string]any, rc dag.RunContext) (*dag.RunResult, error) {
	metricName, ok := config["metric"].(string)
	if !ok || metricName == "" {
		return nil, fmt.Errorf("%w: config key %q is required", ErrGateMisconfigured, "metric")
	}

	maxBound, hasMax := asFloat(config["max"])
	minBound, hasMin := asFloat(config["min"])
	if !hasMax && !hasMin {
		return nil, fmt.Errorf("%w: at least one of %q or %q is required",
			ErrGateMisconfigured, "max", "min")
	}

	value, sourceJob, err := findMetric(config, rc.Inputs, metricName)
	if err != nil {
		return nil, err
	}

	if hasMax && value > maxBound {
		return nil, fmt.Errorf("%w: %s=%g from %q exceeds max %g",
			ErrGateFailed, metricName, value, sourceJob, maxBound)
	}
	if hasMin && value < minBound {
		return nil, fmt.Errorf("%w: %s=%g from %q below min %g",
			ErrGateFailed, metricName, value, sourceJob, minBound)
	}

	return &dag.RunResult{
		Output: map[string]any{
			"metric": metricName,
			"value":  value,
			"source": sourceJob,
			"passed": true,
		},
		Metrics: []dag.MetricData{{
			Name:     "gate_" + metricName,
			Value:    value,
			Metadata: map[string]string{"source": sourceJob},
		}},
	}, nil
}

// findMetric locates the gated value in the dependency outputs.
func findMetric(config map[string]any, inputs map[string]map[string]any, metricName string) (float64, string, error) {
	if source, ok := config["source"].(string); ok && source != "" {
		out, ok := inputs[source]
		if !ok {
			return 0, "", fmt.Errorf("%w: no output from dependency %q", ErrMetricNotFound, source)
		}
		if v, ok := asFloat(out[metricName]); ok {
			return v, source, nil
		}
		return 0, "", fmt.Errorf("%w: %q missing from %q output", ErrMetricNotFound, metricName, source)
	}

	for dep, out := range inputs {
		if v, ok := asFloat(out[metricName]); ok {
			return v, dep, nil
		}
	}
	return 0, "", fmt.Errorf("%w: %q", ErrMetricNotFound, metricName)
}

// asFloat normalizes the numeric types JSON and YAML decoding produce.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
