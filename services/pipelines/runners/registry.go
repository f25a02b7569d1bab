// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runners provides the job runner implementations and the registry
// that maps job types to them.
//
// Production job types (training, preprocessing, validation, deployment)
// delegate to external worker services over HTTP. The regression gate runs
// in-process against dependency outputs. Test runners (echo, slow_echo,
// fan-out, fan-in) exist for exercising pipelines without real workers.
package runners

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

var (
	// ErrNilRunner is returned when registering a nil runner.
	ErrNilRunner = errors.New("runner must not be nil")

	// ErrDuplicateType is returned when a job type is registered twice.
	ErrDuplicateType = errors.New("job type already registered")
)

// Registry maps job types to their runners.
//
// # Thread Safety
//
// Safe for concurrent use. Registration normally happens once at startup,
// but lookups race freely with late registrations.
type Registry struct {
	mu      sync.RWMutex
	runners map[dag.JobType]dag.Runner
}

// Compile-time check that Registry satisfies the engine's lookup contract.
var _ dag.RunnerRegistry = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[dag.JobType]dag.Runner)}
}

// Register binds a runner to a job type. Registering the same type twice
// is an error so misconfigured deployments fail at startup, not dispatch.
func (r *Registry) Register(t dag.JobType, runner dag.Runner) error {
	if runner == nil {
		return fmt.Errorf("%w: type %s", ErrNilRunner, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runners[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t)
	}
	r.runners[t] = runner
	return nil
}

// Lookup returns the runner for a job type.
func (r *Registry) Lookup(t dag.JobType) (dag.Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[t]
	return runner, ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []dag.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]dag.JobType, 0, len(r.runners))
	for t := range r.runners {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
