// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

// TestCreateDefault verifies default config creation.
func TestCreateDefault(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pipectl-config-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configPath := filepath.Join(tempDir, ".aleutian", "pipectl.yaml")

	err = createDefault(configPath)
	if err != nil {
		t.Fatalf("createDefault() failed: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("config file was not created")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}

	var cfg PipectlConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	// Verify some defaults
	if cfg.Server.URL != "http://localhost:12310" {
		t.Errorf("Server.URL = %q, want %q", cfg.Server.URL, "http://localhost:12310")
	}
	if cfg.Server.TimeoutSeconds != 30 {
		t.Errorf("Server.TimeoutSeconds = %d, want %d", cfg.Server.TimeoutSeconds, 30)
	}
	if cfg.Output.Personality != "full" {
		t.Errorf("Output.Personality = %q, want %q", cfg.Output.Personality, "full")
	}
}

// TestCreateDefault_DirectoryCreation verifies directory is created.
func TestCreateDefault_DirectoryCreation(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pipectl-config-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configPath := filepath.Join(tempDir, "deep", "nested", "path", "pipectl.yaml")

	err = createDefault(configPath)
	if err != nil {
		t.Fatalf("createDefault() failed with nested path: %v", err)
	}

	dirPath := filepath.Dir(configPath)
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		t.Fatal("config directories were not created")
	}
}

// TestParse_HandWrittenConfig verifies a hand-written config file parses
// into the expected fields.
func TestParse_HandWrittenConfig(t *testing.T) {
	content := []byte(`server:
  url: https://pipelines.example.com
  token: secret-token
  timeout_seconds: 5
output:
  personality: machine
export:
  gcs_project: my-project
  gcs_bucket: my-bucket
`)

	var cfg PipectlConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Server.URL != "https://pipelines.example.com" {
		t.Errorf("Server.URL = %q, want %q", cfg.Server.URL, "https://pipelines.example.com")
	}
	if cfg.Server.Token != "secret-token" {
		t.Errorf("Server.Token = %q, want %q", cfg.Server.Token, "secret-token")
	}
	if cfg.Server.TimeoutSeconds != 5 {
		t.Errorf("Server.TimeoutSeconds = %d, want %d", cfg.Server.TimeoutSeconds, 5)
	}
	if cfg.Output.Personality != "machine" {
		t.Errorf("Output.Personality = %q, want %q", cfg.Output.Personality, "machine")
	}
	if cfg.Export.GCSBucket != "my-bucket" {
		t.Errorf("Export.GCSBucket = %q, want %q", cfg.Export.GCSBucket, "my-bucket")
	}
}

// TestParse_MalformedYaml verifies parse errors surface.
func TestParse_MalformedYaml(t *testing.T) {
	var cfg PipectlConfig
	if err := yaml.Unmarshal([]byte("server: [not: valid"), &cfg); err == nil {
		t.Fatal("parsing should fail on malformed yaml")
	}
}
