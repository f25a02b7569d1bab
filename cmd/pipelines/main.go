// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command pipelines starts the AleutianPipelines HTTP server.
//
// This is the main entry point for the containerized pipelines service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - PIPELINES_PORT: HTTP server port (default: 12310)
//   - PIPELINES_LOG_LEVEL: debug, info, warn, or error (default: info)
//   - PIPELINES_DATA_DIR: BadgerDB directory; empty runs in memory (optional)
//   - PIPELINES_TEMPLATE_DIR: directory of YAML pipeline templates (optional)
//   - PIPELINES_FAILURE_POLICY: fail-fast or skip-downstream (default: skip-downstream)
//   - PIPELINES_MAX_CONCURRENT_JOBS: per-execution parallelism bound (default: 8)
//   - PIPELINES_DISPATCH_RATE: global job dispatches per second, 0 disables (default: 0)
//   - PIPELINES_DISPATCH_BURST: rate limiter burst (default: 1)
//   - PIPELINES_RETENTION_INTERVAL: sweeper interval (default: 5m)
//   - PIPELINES_STORE_RETENTION: terminal execution TTL in the store (default: 168h)
//   - PIPELINES_BUFFER_RETENTION: terminal execution TTL in the event buffer (default: 30m)
//   - PIPELINES_ENABLE_METRICS: expose Prometheus /metrics (default: true)
//   - WORKER_TRAINING_URL, WORKER_PREPROCESSING_URL, WORKER_VALIDATION_URL,
//     WORKER_DEPLOYMENT_URL: HTTP worker endpoints per job type (optional)
//   - WORKER_AUTH_TOKEN: bearer token presented to HTTP workers (optional)
//   - INFLUXDB_URL, INFLUXDB_TOKEN, INFLUXDB_ORG, INFLUXDB_BUCKET: metric sink (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o pipelines ./cmd/pipelines
//
//	# Run
//	./pipelines
//
//	# Or via container
//	podman-compose up pipelines
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianPipelines/pkg/logging"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

func main() {
	// Setup structured logging: JSON to stderr for container collection.
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("PIPELINES_LOG_LEVEL")),
		Service: "pipelines",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// Build configuration from environment variables
	cfg := pipelines.Config{
		Port:              getEnvInt("PIPELINES_PORT", 12310),
		DataDir:           os.Getenv("PIPELINES_DATA_DIR"),
		TemplateDir:       os.Getenv("PIPELINES_TEMPLATE_DIR"),
		OTelEndpoint:      getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
		EnableMetrics:     getEnvBool("PIPELINES_ENABLE_METRICS", true),
		FailurePolicy:     dag.FailurePolicy(getEnvString("PIPELINES_FAILURE_POLICY", string(dag.SkipDownstream))),
		MaxConcurrentJobs: getEnvInt("PIPELINES_MAX_CONCURRENT_JOBS", 8),
		WorkerEndpoints:   workerEndpointsFromEnv(),
		WorkerToken:       os.Getenv("WORKER_AUTH_TOKEN"),
		DispatchRate:      getEnvFloat("PIPELINES_DISPATCH_RATE", 0),
		DispatchBurst:     getEnvInt("PIPELINES_DISPATCH_BURST", 1),
		RetentionInterval: getEnvDuration("PIPELINES_RETENTION_INTERVAL", 5*time.Minute),
		StoreRetention:    getEnvDuration("PIPELINES_STORE_RETENTION", 7*24*time.Hour),
		BufferRetention:   getEnvDuration("PIPELINES_BUFFER_RETENTION", 30*time.Minute),
		InfluxURL:         os.Getenv("INFLUXDB_URL"),
		InfluxToken:       os.Getenv("INFLUXDB_TOKEN"),
		InfluxOrg:         os.Getenv("INFLUXDB_ORG"),
		InfluxBucket:      os.Getenv("INFLUXDB_BUCKET"),
	}

	slog.Info("Starting pipelines service",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"template_dir", cfg.TemplateDir,
		"failure_policy", cfg.FailurePolicy,
		"worker_endpoints", len(cfg.WorkerEndpoints),
	)

	// Create the service with default (no-op) extension options
	// Enterprise builds will pass custom ServiceOptions here
	svc, err := pipelines.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create pipelines service: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Pipelines service error: %v", err)
	}
}

// workerEndpointsFromEnv collects the per-job-type HTTP worker URLs.
func workerEndpointsFromEnv() map[dag.JobType]string {
	candidates := map[dag.JobType]string{
		dag.JobTypeTraining:      os.Getenv("WORKER_TRAINING_URL"),
		dag.JobTypePreprocessing: os.Getenv("WORKER_PREPROCESSING_URL"),
		dag.JobTypeValidation:    os.Getenv("WORKER_VALIDATION_URL"),
		dag.JobTypeDeployment:    os.Getenv("WORKER_DEPLOYMENT_URL"),
	}
	endpoints := make(map[dag.JobType]string)
	for jobType, url := range candidates {
		if url != "" {
			endpoints[jobType] = url
		}
	}
	return endpoints
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns the environment variable as float64 or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as time.Duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
