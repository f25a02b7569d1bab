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

// Validate checks a job set's structural integrity and computes the plan.
//
// # Description
//
// Runs the full validation pipeline: structural checks (duplicate ids,
// unknown dependencies, self dependencies, bad edge endpoints) followed by
// Kahn leveling. Every structural problem is reported in one response; a
// cycle is reported as a single error carrying a concrete cycle path.
//
// # Inputs
//
//   - name: label for the graph.
//   - jobs: job configs. An empty list is valid and yields an empty plan.
//   - edges: optional explicit edges, merged into DependsOn.
//
// # Outputs
//
//   - *ExecutionPlan: the plan, nil when validation fails.
//   - *ValidationError: nil on success, otherwise the full problem list.
func Validate(name string, jobs []JobConfig, edges []Edge) (*ExecutionPlan, *ValidationError) {
	g, problems := NewGraph(name, jobs, edges)
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	plan, err := g.Plan()
	if err != nil {
		return nil, &ValidationError{Problems: []error{err}}
	}
	return plan, nil
}

// Plan computes execution levels and a topological order via Kahn's
// algorithm.
//
// # Description
//
// Level k contains exactly the jobs whose dependencies are all contained in
// levels 0..k-1; each round collects the current zero-in-degree set as one
// level, then decrements the in-degree of its dependents. Jobs within a
// level keep the submission order of the job list, so repeated calls on the
// same input yield structurally equal plans.
//
// # Outputs
//
//   - *ExecutionPlan: levels, flattened order, TotalJobs, MaxParallelJobs.
//   - error: a *CycleError when nodes remain after no zero-in-degree set
//     can be found.
func (g *Graph) Plan() (*ExecutionPlan, error) {
	inDegree := make(map[string]int, len(g.jobs))
	for _, job := range g.jobs {
		inDegree[job.ID] = len(g.deps[job.ID])
	}

	var queue []string
	for _, job := range g.jobs {
		if inDegree[job.ID] == 0 {
			queue = append(queue, job.ID)
		}
	}

	plan := &ExecutionPlan{
		ExecutionLevels:  [][]string{},
		TopologicalOrder: []string{},
		TotalJobs:        len(g.jobs),
	}

	visited := 0
	for len(queue) > 0 {
		level := queue
		plan.ExecutionLevels = append(plan.ExecutionLevels, level)
		plan.TopologicalOrder = append(plan.TopologicalOrder, level...)
		if len(level) > plan.MaxParallelJobs {
			plan.MaxParallelJobs = len(level)
		}
		visited += len(level)

		next := make(map[string]bool)
		for _, id := range level {
			for _, dep := range g.dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next[dep] = true
				}
			}
		}

		// Preserve submission order within the next level.
		queue = nil
		for _, job := range g.jobs {
			if next[job.ID] {
				queue = append(queue, job.ID)
			}
		}
	}

	if visited != len(g.jobs) {
		return nil, NewCycleError(g.findCycle(inDegree))
	}

	return plan, nil
}

// findCycle extracts a concrete cycle path from the nodes Kahn could not
// clear, using DFS with a recursion stack.
func (g *Graph) findCycle(inDegree map[string]int) []string {
	remaining := make(map[string]bool)
	for id, deg := range inDegree {
		if deg > 0 {
			remaining[id] = true
		}
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var path []string
	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, dep := range g.deps[id] {
			if !remaining[dep] {
				continue
			}
			if !visited[dep] {
				if dfs(dep) {
					return true
				}
			} else if recStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), path[start:]...), dep)
				return true
			}
		}

		path = path[:len(path)-1]
		recStack[id] = false
		return false
	}

	for _, job := range g.jobs {
		if remaining[job.ID] && !visited[job.ID] {
			if dfs(job.ID) {
				return cycle
			}
		}
	}
	return nil
}
