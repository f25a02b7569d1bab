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
	"fmt"
)

// Graph is the validated job/edge structure for one pipeline.
//
// # Description
//
// Graph holds the job configs in submission order plus the adjacency maps
// derived from DependsOn entries and explicit edges. Construction collects
// every structural problem (duplicate ids, unknown references, self
// dependencies) rather than stopping at the first.
//
// # Thread Safety
//
// Graph is immutable after construction and safe for concurrent reads.
type Graph struct {
	name string

	jobs []JobConfig
	byID map[string]JobConfig

	// deps maps job id to its distinct dependency ids; dependents is the
	// reverse direction. Both preserve first-seen order for determinism.
	deps       map[string][]string
	dependents map[string][]string
}

// NewGraph builds a Graph from job configs and optional explicit edges.
//
// # Description
//
// Edges are merged into the DependsOn relation before validation, directed
// dependency -> dependent. Duplicate dependencies between the same pair are
// idempotent. All structural problems are collected and returned together;
// the graph is nil when any problem exists.
//
// # Inputs
//
//   - name: label used in logs and spans.
//   - jobs: the node list. An empty list is valid (empty graph).
//   - edges: optional explicit edges, may be nil.
//
// # Outputs
//
//   - *Graph: the validated graph, nil when problems exist.
//   - []error: every structural problem found, nil on success.
func NewGraph(name string, jobs []JobConfig, edges []Edge) (*Graph, []error) {
	var problems []error

	byID := make(map[string]JobConfig, len(jobs))
	ordered := make([]JobConfig, 0, len(jobs))
	for _, job := range jobs {
		if job.ID == "" {
			problems = append(problems, ErrEmptyJobID)
			continue
		}
		if _, exists := byID[job.ID]; exists {
			problems = append(problems, fmt.Errorf("%w: %q", ErrDuplicateJobID, job.ID))
			continue
		}
		byID[job.ID] = job
		ordered = append(ordered, job)
	}

	deps := make(map[string][]string, len(ordered))
	seen := make(map[string]map[string]bool, len(ordered))
	addDep := func(from, to string) {
		if seen[to] == nil {
			seen[to] = make(map[string]bool)
		}
		if seen[to][from] {
			return
		}
		seen[to][from] = true
		deps[to] = append(deps[to], from)
	}

	for _, job := range ordered {
		for _, dep := range job.DependsOn {
			if dep == job.ID {
				problems = append(problems, fmt.Errorf("%w: %q", ErrSelfDependency, job.ID))
				continue
			}
			if _, ok := byID[dep]; !ok {
				problems = append(problems,
					fmt.Errorf("%w: job %q depends on %q", ErrUnknownDependency, job.ID, dep))
				continue
			}
			addDep(dep, job.ID)
		}
	}

	for _, e := range edges {
		if _, ok := byID[e.From]; !ok {
			problems = append(problems,
				fmt.Errorf("%w: edge %s -> %s", ErrUnknownEdgeEndpoint, e.From, e.To))
			continue
		}
		if _, ok := byID[e.To]; !ok {
			problems = append(problems,
				fmt.Errorf("%w: edge %s -> %s", ErrUnknownEdgeEndpoint, e.From, e.To))
			continue
		}
		if e.From == e.To {
			problems = append(problems, fmt.Errorf("%w: %q", ErrSelfDependency, e.From))
			continue
		}
		addDep(e.From, e.To)
	}

	if len(problems) > 0 {
		return nil, problems
	}

	dependents := make(map[string][]string, len(ordered))
	for _, job := range ordered {
		for _, dep := range deps[job.ID] {
			dependents[dep] = append(dependents[dep], job.ID)
		}
	}

	return &Graph{
		name:       name,
		jobs:       ordered,
		byID:       byID,
		deps:       deps,
		dependents: dependents,
	}, nil
}

// Name returns the graph's label.
func (g *Graph) Name() string {
	return g.name
}

// Jobs returns the job configs in submission order.
func (g *Graph) Jobs() []JobConfig {
	return g.jobs
}

// Job returns a job config by id.
func (g *Graph) Job(id string) (JobConfig, bool) {
	job, ok := g.byID[id]
	return job, ok
}

// JobCount returns the number of jobs.
func (g *Graph) JobCount() int {
	return len(g.jobs)
}

// DependenciesOf returns the distinct dependency ids of a job.
func (g *Graph) DependenciesOf(jobID string) []string {
	return g.deps[jobID]
}

// DependentsOf returns the jobs that directly depend on jobID.
func (g *Graph) DependentsOf(jobID string) []string {
	return g.dependents[jobID]
}

// TransitiveDependents returns every job reachable from jobID through
// dependent edges, in breadth-first order. Used by skip propagation.
func (g *Graph) TransitiveDependents(jobID string) []string {
	visited := make(map[string]bool)
	var out []string
	queue := append([]string(nil), g.dependents[jobID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		out = append(out, id)
		queue = append(queue, g.dependents[id]...)
	}
	return out
}

// Builder constructs a Graph with accumulated validation.
//
// # Description
//
// Builder provides a fluent API for assembling a pipeline graph. Problems
// are accumulated and reported together from Build as a ValidationError.
//
// # Thread Safety
//
// Builder is NOT safe for concurrent use.
type Builder struct {
	name  string
	jobs  []JobConfig
	edges []Edge
}

// NewBuilder creates a graph builder.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// AddJob adds one job config.
func (b *Builder) AddJob(job JobConfig) *Builder {
	b.jobs = append(b.jobs, job)
	return b
}

// AddJobs adds multiple job configs.
func (b *Builder) AddJobs(jobs ...JobConfig) *Builder {
	b.jobs = append(b.jobs, jobs...)
	return b
}

// AddEdge adds an explicit dependency edge (from must complete before to).
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to})
	return b
}

// Build validates and constructs the graph.
//
// # Outputs
//
//   - *Graph: the validated graph.
//   - error: a *ValidationError carrying every structural problem, or nil.
func (b *Builder) Build() (*Graph, error) {
	g, problems := NewGraph(b.name, b.jobs, b.edges)
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return g, nil
}
