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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipelines/cmd/pipectl/config"
	"github.com/AleutianAI/AleutianPipelines/cmd/pipectl/gcs"
	"github.com/AleutianAI/AleutianPipelines/pkg/ux"
)

// runExport snapshots an execution's status, logs, and metrics to JSON files
// on disk, then optionally uploads the bundle to a GCS bucket for archival.
func runExport(cmd *cobra.Command, args []string) {
	executionID := args[0]
	client := newClient()
	ctx := cmd.Context()

	exec, err := client.Status(ctx, executionID)
	if err != nil {
		ux.Error(fmt.Sprintf("Export failed: %v", err))
		os.Exit(1)
	}

	logs, err := client.Logs(ctx, executionID, 0)
	if err != nil {
		ux.Error(fmt.Sprintf("Export failed fetching logs: %v", err))
		os.Exit(1)
	}

	metrics, err := client.Metrics(ctx, executionID, "")
	if err != nil {
		ux.Error(fmt.Sprintf("Export failed fetching metrics: %v", err))
		os.Exit(1)
	}

	dir := filepath.Join(exportDir, executionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		ux.Error(fmt.Sprintf("Could not create export directory %s: %v", dir, err))
		os.Exit(1)
	}

	files := map[string]any{
		"status.json":  exec,
		"logs.json":    logs,
		"metrics.json": metrics,
	}
	for name, payload := range files {
		if err := writeJSONFile(filepath.Join(dir, name), payload); err != nil {
			ux.Error(err.Error())
			os.Exit(1)
		}
	}
	ux.Success(fmt.Sprintf("Exported execution %s to %s", executionID, dir))

	bucket := exportGCSBucket
	if bucket == "" {
		bucket = config.Global.Export.GCSBucket
	}
	if bucket == "" {
		return
	}

	if err := uploadExport(ctx, bucket, dir, executionID); err != nil {
		ux.Error(fmt.Sprintf("GCS upload failed: %v", err))
		os.Exit(1)
	}
	ux.Success(fmt.Sprintf("Uploaded export to gs://%s/executions/%s", bucket, executionID))
}

func uploadExport(ctx context.Context, bucket, dir, executionID string) error {
	gcsClient, err := gcs.NewClient(ctx, config.Global.Export.GCSProject, bucket, config.Global.Export.SAKeyPath)
	if err != nil {
		return err
	}
	return gcsClient.UploadDir(ctx, dir, filepath.Join("executions", executionID))
}

func writeJSONFile(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return nil
}
