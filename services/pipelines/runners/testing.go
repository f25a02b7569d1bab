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
	"time"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

// Test runners let operators exercise scheduling, fan-out and failure
// propagation end to end without real training workers. They honor the
// shared config keys:
//
//   - fail (bool): return an error instead of a result.
//   - fail_until_attempt (number): fail while the attempt is below it,
//     for exercising retry policies.

// errSimulatedFailure backs the fail config knobs.
var errSimulatedFailure = errors.New("simulated failure")

// simulatedFailure applies the shared failure knobs.
func simulatedFailure(config map[string]any, attempt int) error {
	if fail, _ := config["fail"].(bool); fail {
		return errSimulatedFailure
	}
	if until, ok := asFloat(config["fail_until_attempt"]); ok && float64(attempt) < until {
		return fmt.Errorf("%w: attempt %d below %g", errSimulatedFailure, attempt, until)
	}
	return nil
}

// EchoRunner returns its config and the ids of the dependencies whose
// outputs it received.
type EchoRunner struct{}

var _ dag.Runner = (*EchoRunner)(nil)

func (EchoRunner) Run(ctx context.Context, config map[string]any, rc dag.RunContext) (*dag.RunResult, error) {
	if err := simulatedFailure(config, rc.Attempt); err != nil {
		return nil, err
	}
	received := make([]string, 0, len(rc.Inputs))
	for dep := range rc.Inputs {
		received = append(received, dep)
	}
	return &dag.RunResult{
		Output: map[string]any{
			"echo":     config["message"],
			"job_id":   rc.JobID,
			"attempt":  rc.Attempt,
			"received": received,
		},
	}, nil
}

// SlowEchoRunner behaves like EchoRunner after sleeping for the configured
// duration, reporting progress as it goes. It exists for exercising
// timeouts, cancellation and the watch UI.
type SlowEchoRunner struct{}

var _ dag.Runner = (*SlowEchoRunner)(nil)

func (SlowEchoRunner) Run(ctx context.Context, config map[string]any, rc dag.RunContext) (*dag.RunResult, error) {
	duration := 2 * time.Second
	if secs, ok := asFloat(config["duration_seconds"]); ok && secs > 0 {
		duration = time.Duration(secs * float64(time.Second))
	}

	const steps = 10
	interval := duration / steps
	if interval <= 0 {
		// Sub-10ns durations would make NewTicker panic.
		interval = time.Nanosecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if rc.Progress != nil {
				rc.Progress(i * 100 / steps)
			}
		}
	}

	if err := simulatedFailure(config, rc.Attempt); err != nil {
		return nil, err
	}
	return &dag.RunResult{
		Output: map[string]any{
			"echo":      config["message"],
			"job_id":    rc.JobID,
			"slept_for": duration.String(),
		},
		Metrics: []dag.MetricData{{
			Name:  "slow_echo_duration_seconds",
			Value: duration.Seconds(),
		}},
	}, nil
}

// FanOutRunner produces a numbered list of shards for downstream jobs,
// simulating a job that splits work.
type FanOutRunner struct{}

var _ dag.Runner = (*FanOutRunner)(nil)

func (FanOutRunner) Run(ctx context.Context, config map[string]any, rc dag.RunContext) (*dag.RunResult, error) {
	if err := simulatedFailure(config, rc.Attempt); err != nil {
		return nil, err
	}
	count := 4
	if n, ok := asFloat(config["count"]); ok && n > 0 {
		count = int(n)
	}
	shards := make([]any, count)
	for i := range shards {
		shards[i] = fmt.Sprintf("%s-shard-%d", rc.JobID, i)
	}
	return &dag.RunResult{
		Output: map[string]any{"shards": shards, "count": count},
	}, nil
}

// FanInRunner aggregates counts from every dependency output, simulating a
// job that merges split work back together.
type FanInRunner struct{}

var _ dag.Runner = (*FanInRunner)(nil)

func (FanInRunner) Run(ctx context.Context, config map[string]any, rc dag.RunContext) (*dag.RunResult, error) {
	if err := simulatedFailure(config, rc.Attempt); err != nil {
		return nil, err
	}
	total := 0.0
	sources := 0
	for _, out := range rc.Inputs {
		sources++
		if n, ok := asFloat(out["count"]); ok {
			total += n
		}
	}
	return &dag.RunResult{
		Output: map[string]any{"merged_from": sources, "total_count": total},
		Metrics: []dag.MetricData{{
			Name:  "fan_in_sources",
			Value: float64(sources),
		}},
	}, nil
}

// RegisterTestRunners registers the echo, slow_echo, fan-out and fan-in
// runners plus the regression gate.
func RegisterTestRunners(reg *Registry) error {
	bindings := map[dag.JobType]dag.Runner{
		dag.JobTypeEcho:           EchoRunner{},
		dag.JobTypeSlowEcho:       SlowEchoRunner{},
		dag.JobTypeFanOut:         FanOutRunner{},
		dag.JobTypeFanIn:          FanInRunner{},
		dag.JobTypeRegressionGate: NewRegressionGateRunner(),
	}
	for t, r := range bindings {
		if err := reg.Register(t, r); err != nil {
			return err
		}
	}
	return nil
}
