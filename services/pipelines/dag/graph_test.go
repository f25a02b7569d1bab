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
	"errors"
	"reflect"
	"strings"
	"testing"
)

func job(id string, deps ...string) JobConfig {
	return JobConfig{ID: id, Type: JobTypeEcho, DependsOn: deps}
}

// --- NewGraph Tests ---

func TestNewGraph_Valid(t *testing.T) {
	g, problems := NewGraph("train", []JobConfig{
		job("fetch"),
		job("train", "fetch"),
		job("eval", "train"),
	}, nil)

	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}
	if got, want := g.JobCount(), 3; got != want {
		t.Errorf("JobCount() = %d, want %d", got, want)
	}
	if got := g.DependenciesOf("train"); !reflect.DeepEqual(got, []string{"fetch"}) {
		t.Errorf("DependenciesOf(train) = %v, want [fetch]", got)
	}
	if got := g.DependentsOf("fetch"); !reflect.DeepEqual(got, []string{"train"}) {
		t.Errorf("DependentsOf(fetch) = %v, want [train]", got)
	}
}

func TestNewGraph_EdgesMergeIntoDependencies(t *testing.T) {
	g, problems := NewGraph("p", []JobConfig{
		job("a"),
		job("b"),
	}, []Edge{{From: "a", To: "b"}})

	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}
	if got := g.DependenciesOf("b"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("DependenciesOf(b) = %v, want [a]", got)
	}
}

func TestNewGraph_DuplicateDependencyIsIdempotent(t *testing.T) {
	// Same dependency declared twice plus the equivalent edge: must count once.
	g, problems := NewGraph("p", []JobConfig{
		job("a"),
		job("b", "a", "a"),
	}, []Edge{{From: "a", To: "b"}})

	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}
	if got := g.DependenciesOf("b"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("DependenciesOf(b) = %v, want [a]", got)
	}

	plan, err := g.Plan()
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	want := [][]string{{"a"}, {"b"}}
	if !reflect.DeepEqual(plan.ExecutionLevels, want) {
		t.Errorf("ExecutionLevels = %v, want %v", plan.ExecutionLevels, want)
	}
}

func TestNewGraph_CollectsAllProblems(t *testing.T) {
	_, problems := NewGraph("bad", []JobConfig{
		{ID: "", Type: JobTypeEcho},
		job("a"),
		job("a"),
		job("b", "missing"),
		job("c", "c"),
	}, []Edge{{From: "ghost", To: "a"}})

	if len(problems) < 4 {
		t.Fatalf("expected at least 4 problems, got %d: %v", len(problems), problems)
	}

	wantSentinels := []error{ErrEmptyJobID, ErrDuplicateJobID, ErrUnknownDependency, ErrSelfDependency, ErrUnknownEdgeEndpoint}
	for _, sentinel := range wantSentinels {
		found := false
		for _, p := range problems {
			if errors.Is(p, sentinel) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("problems missing %v; got %v", sentinel, problems)
		}
	}
}

func TestNewGraph_SelfDependencyNamesJob(t *testing.T) {
	_, problems := NewGraph("p", []JobConfig{job("loop", "loop")}, nil)

	if len(problems) != 1 {
		t.Fatalf("expected 1 problem, got %v", problems)
	}
	if !errors.Is(problems[0], ErrSelfDependency) {
		t.Errorf("problem = %v, want ErrSelfDependency", problems[0])
	}
	if !strings.Contains(problems[0].Error(), "loop") {
		t.Errorf("problem %q does not name the offending job", problems[0])
	}
}

func TestTransitiveDependents(t *testing.T) {
	g, problems := NewGraph("p", []JobConfig{
		job("a"),
		job("b", "a"),
		job("c", "b"),
		job("d", "a"),
		job("e"),
	}, nil)
	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}

	got := g.TransitiveDependents("a")
	want := map[string]bool{"b": true, "c": true, "d": true}
	if len(got) != len(want) {
		t.Fatalf("TransitiveDependents(a) = %v, want keys %v", got, want)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpected dependent %q", id)
		}
	}

	if got := g.TransitiveDependents("e"); len(got) != 0 {
		t.Errorf("TransitiveDependents(e) = %v, want empty", got)
	}
}

// --- Builder Tests ---

func TestBuilder_Build(t *testing.T) {
	g, err := NewBuilder("pipeline").
		AddJob(job("a")).
		AddJob(job("b")).
		AddEdge("a", "b").
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := g.DependenciesOf("b"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("DependenciesOf(b) = %v, want [a]", got)
	}
}

func TestBuilder_BuildInvalid(t *testing.T) {
	_, err := NewBuilder("pipeline").
		AddJobs(job("a"), job("a")).
		Build()
	if err == nil {
		t.Fatal("expected error for duplicate job id")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if !errors.Is(err, ErrDuplicateJobID) {
		t.Errorf("error = %v, want ErrDuplicateJobID in chain", err)
	}
}
