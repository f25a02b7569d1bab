// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPipelines/cmd/pipectl/config"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

// pipelineFile is the on-disk YAML shape shared by validate, run, and
// templates push. It matches the service's template file format.
type pipelineFile struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Jobs        []dag.JobConfig `yaml:"jobs"`
	Edges       []dag.Edge      `yaml:"edges"`
}

// loadPipelineFile reads and parses a pipeline definition from disk.
func loadPipelineFile(path string) (*pipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file %s: %w", path, err)
	}
	var pf pipelineFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse pipeline file %s: %w", path, err)
	}
	if pf.Name == "" {
		return nil, fmt.Errorf("pipeline file %s has no name", path)
	}
	if len(pf.Jobs) == 0 {
		return nil, fmt.Errorf("pipeline file %s has no jobs", path)
	}
	return &pf, nil
}

// newClient builds a PipelinesClient from the loaded config, honoring the
// --server flag override.
func newClient() *PipelinesClient {
	baseURL := config.Global.Server.URL
	if serverURL != "" {
		baseURL = serverURL
	}
	timeout := time.Duration(config.Global.Server.TimeoutSeconds) * time.Second
	return NewPipelinesClient(baseURL, config.Global.Server.Token, timeout)
}
