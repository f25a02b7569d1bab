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

type PipectlConfig struct {
	// Server: where the pipelines service is running
	Server ServerConfig `yaml:"server"`

	// Output: terminal output preferences
	Output OutputConfig `yaml:"output"`

	// Export: destinations for `pipectl export`
	Export ExportConfig `yaml:"export"`
}

type ServerConfig struct {
	URL   string `yaml:"url"`             // e.g. http://localhost:12310
	Token string `yaml:"token,omitempty"` // bearer token, empty for open deployments

	// TimeoutSeconds is the per-request timeout for non-streaming calls.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

type OutputConfig struct {
	// Personality is the UX verbosity level: full, standard, minimal, machine
	Personality string `yaml:"personality"`
}

type ExportConfig struct {
	GCSProject string `yaml:"gcs_project,omitempty"`
	GCSBucket  string `yaml:"gcs_bucket,omitempty"`
	SAKeyPath  string `yaml:"sa_key_path,omitempty"` // service account key for GCS uploads
}

func DefaultConfig() PipectlConfig {
	return PipectlConfig{
		Server: ServerConfig{
			URL:            "http://localhost:12310",
			TimeoutSeconds: 30,
		},
		Output: OutputConfig{
			Personality: "full",
		},
	}
}
