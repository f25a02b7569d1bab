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
	"log"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipelines/cmd/pipectl/config"
	"github.com/AleutianAI/AleutianPipelines/pkg/logging"
	"github.com/AleutianAI/AleutianPipelines/pkg/ux"
)

// --- Global Command Variables ---
var (
	serverURL        string // CLI override for server.url
	personalityLevel string // UX personality level (full/standard/minimal/machine)
	watchAfterRun    bool
	runAsTemplate    bool
	followLogs       bool
	logOffset        int
	failurePolicy    string
	maxConcurrent    int
	listStatus       string
	listLimit        int
	listOffset       int
	metricName       string
	exportDir        string
	exportGCSBucket  string

	rootCmd = &cobra.Command{
		Use:   "pipectl",
		Short: "A cli to manage ML training pipelines on the AleutianPipelines service",
		Long: `Pipectl submits, watches, and manages DAG pipeline executions
				against a running AleutianPipelines service.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := config.Load(); err != nil {
				log.Fatalf("Error loading config: %v", err)
			}
			// Initialize UX personality from flag, config, or environment
			switch {
			case personalityLevel != "":
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			case config.Global.Output.Personality != "":
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(config.Global.Output.Personality))
			default:
				ux.InitPersonality()
			}
			// Structured logs go to a file, never the terminal: the terminal
			// belongs to ux output.
			cliLogger = logging.New(logging.Config{
				Service: "pipectl",
				LogDir:  "~/.aleutian/logs",
				Quiet:   true,
			})
			slog.SetDefault(cliLogger.Slog())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if cliLogger != nil {
				_ = cliLogger.Close()
			}
		},
	}

	cliLogger *logging.Logger

	// --- Pipelines ---
	validateCmd = &cobra.Command{
		Use:   "validate [pipeline.yaml]",
		Short: "Validate a pipeline definition without running it",
		Args:  cobra.ExactArgs(1),
		Run:   runValidate, // Defined in cmd_pipeline.go
	}
	runCmd = &cobra.Command{
		Use:   "run [pipeline.yaml | template-name]",
		Short: "Start a pipeline execution from a file or a stored template",
		Args:  cobra.ExactArgs(1),
		Run:   runRun, // Defined in cmd_pipeline.go
	}

	// --- Executions ---
	statusCmd = &cobra.Command{
		Use:   "status [execution_id]",
		Short: "Show the status of a pipeline execution",
		Args:  cobra.ExactArgs(1),
		Run:   runStatus, // Defined in cmd_pipeline.go
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List pipeline executions",
		Run:   runList, // Defined in cmd_pipeline.go
	}
	logsCmd = &cobra.Command{
		Use:   "logs [execution_id]",
		Short: "Show or follow logs from a pipeline execution",
		Args:  cobra.ExactArgs(1),
		Run:   runLogs, // Defined in cmd_pipeline.go
	}
	cancelCmd = &cobra.Command{
		Use:   "cancel [execution_id]",
		Short: "Cancel a running pipeline execution",
		Args:  cobra.ExactArgs(1),
		Run:   runCancel, // Defined in cmd_pipeline.go
	}
	metricsCmd = &cobra.Command{
		Use:   "metrics [execution_id]",
		Short: "Show metrics recorded by a pipeline execution",
		Args:  cobra.ExactArgs(1),
		Run:   runMetrics, // Defined in cmd_pipeline.go
	}
	watchCmd = &cobra.Command{
		Use:   "watch [execution_id]",
		Short: "Watch a pipeline execution live in a terminal UI",
		Args:  cobra.ExactArgs(1),
		Run:   runWatch, // Defined in watch_tui.go
	}
	exportCmd = &cobra.Command{
		Use:   "export [execution_id]",
		Short: "Export an execution's status, logs, and metrics to disk or GCS",
		Args:  cobra.ExactArgs(1),
		Run:   runExport, // Defined in cmd_export.go
	}

	// --- Templates ---
	templatesCmd = &cobra.Command{
		Use:   "templates",
		Short: "Manage stored pipeline templates",
	}
	templatesListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored pipeline templates",
		Run:   runTemplatesList, // Defined in cmd_templates.go
	}
	templatesPushCmd = &cobra.Command{
		Use:   "push [pipeline.yaml]",
		Short: "Validate and store a pipeline definition as a named template",
		Args:  cobra.ExactArgs(1),
		Run:   runTemplatesPush, // Defined in cmd_templates.go
	}
	templatesDeleteCmd = &cobra.Command{
		Use:   "delete [template-name]",
		Short: "Delete a stored pipeline template",
		Args:  cobra.ExactArgs(1),
		Run:   runTemplatesDelete, // Defined in cmd_templates.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"Pipelines service URL (overrides server.url from pipectl.yaml)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default, rich nautical), standard, minimal, or machine (scripting)")

	rootCmd.AddCommand(validateCmd)

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&watchAfterRun, "watch", false, "Follow the execution's logs after starting it")
	runCmd.Flags().BoolVar(&runAsTemplate, "template", false, "Treat the argument as a stored template name instead of a file")
	runCmd.Flags().StringVar(&failurePolicy, "failure-policy", "", "Override failure policy: fail-fast or skip-downstream")
	runCmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Override max concurrent jobs for this run")

	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status: pending, running, completed, failed, cancelled")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of executions to show")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Number of executions to skip")

	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&followLogs, "follow", "f", false, "Stream logs live until the execution finishes")
	logsCmd.Flags().IntVar(&logOffset, "offset", 0, "Log entry offset to start from")

	rootCmd.AddCommand(cancelCmd)

	rootCmd.AddCommand(metricsCmd)
	metricsCmd.Flags().StringVar(&metricName, "name", "", "Only show points for this metric name")

	rootCmd.AddCommand(watchCmd)

	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportDir, "output", "o", "", "Local directory to write the export to (default: current directory)")
	exportCmd.Flags().StringVar(&exportGCSBucket, "gcs-bucket", "", "Also upload the export to this GCS bucket")

	// template commands
	rootCmd.AddCommand(templatesCmd)
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesPushCmd)
	templatesCmd.AddCommand(templatesDeleteCmd)
}
