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
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipelines/pkg/ux"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/datatypes"
)

func runValidate(cmd *cobra.Command, args []string) {
	pf, err := loadPipelineFile(args[0])
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}

	client := newClient()
	resp, err := client.Validate(cmd.Context(), datatypes.ValidateRequest{
		Name:  pf.Name,
		Jobs:  pf.Jobs,
		Edges: pf.Edges,
	})
	if err != nil {
		ux.Error(fmt.Sprintf("Validation request failed: %v", err))
		os.Exit(1)
	}

	if !resp.Valid {
		ux.Error(fmt.Sprintf("Pipeline %s is invalid:", pf.Name))
		for _, e := range resp.Errors {
			fmt.Printf("  %s %s\n", ux.IconError.Render(), e)
		}
		os.Exit(1)
	}

	ux.Success(fmt.Sprintf("Pipeline %s is valid (%d jobs)", pf.Name, len(pf.Jobs)))
	for i, level := range resp.Plan {
		ux.Muted(fmt.Sprintf("  level %d: %s", i, strings.Join(level, ", ")))
	}
}

func runRun(cmd *cobra.Command, args []string) {
	client := newClient()

	var resp *datatypes.ExecuteResponse
	var err error
	if runAsTemplate {
		resp, err = client.ExecuteTemplate(cmd.Context(), args[0], datatypes.ExecuteTemplateRequest{
			FailurePolicy:     dag.FailurePolicy(failurePolicy),
			MaxConcurrentJobs: maxConcurrent,
		})
	} else {
		var pf *pipelineFile
		pf, err = loadPipelineFile(args[0])
		if err != nil {
			ux.Error(err.Error())
			os.Exit(1)
		}
		resp, err = client.Execute(cmd.Context(), datatypes.ExecuteRequest{
			Name:              pf.Name,
			Jobs:              pf.Jobs,
			Edges:             pf.Edges,
			FailurePolicy:     dag.FailurePolicy(failurePolicy),
			MaxConcurrentJobs: maxConcurrent,
		})
	}
	if err != nil {
		ux.Error(fmt.Sprintf("Execution request failed: %v", err))
		os.Exit(1)
	}

	ux.Success(fmt.Sprintf("Execution accepted: %s", resp.ExecutionID))

	if watchAfterRun {
		if err := watchExecution(cmd.Context(), client, resp.ExecutionID); err != nil {
			ux.Error(err.Error())
			os.Exit(1)
		}
		return
	}
	ux.Muted(fmt.Sprintf("  pipectl status %s", resp.ExecutionID))
	ux.Muted(fmt.Sprintf("  pipectl logs -f %s", resp.ExecutionID))
}

func runStatus(cmd *cobra.Command, args []string) {
	client := newClient()
	exec, err := client.Status(cmd.Context(), args[0])
	if err != nil {
		ux.Error(fmt.Sprintf("Status request failed: %v", err))
		os.Exit(1)
	}
	printExecution(exec)
}

// printExecution renders one execution snapshot: header, progress, then one
// line per job in a stable order.
func printExecution(exec *dag.DAGExecution) {
	ux.Title(fmt.Sprintf("%s (%s)", exec.Name, exec.ID))
	fmt.Printf("%s %s  %s %s\n",
		ux.StatusIcon(string(exec.Status)).Render(), string(exec.Status),
		ux.ProgressBar(exec.Progress(), 100, 30), exec.Duration().Round(time.Millisecond))

	succeeded, failed := 0, 0
	for _, id := range sortedJobIDs(exec) {
		job := exec.Jobs[id]
		detail := string(job.Status)
		if job.Error != "" {
			detail = fmt.Sprintf("%s: %s", job.Status, job.Error)
		} else if job.Status == dag.JobRunning && job.Progress > 0 {
			detail = fmt.Sprintf("%s (%d%%)", job.Status, job.Progress)
		}
		ux.JobStatus(id, ux.StatusIcon(string(job.Status)), detail)

		switch job.Status {
		case dag.JobCompleted:
			succeeded++
		case dag.JobFailed:
			failed++
		}
	}
	if exec.Status.IsTerminal() {
		ux.Summary(succeeded, failed, len(exec.Jobs))
	}
}

func runList(cmd *cobra.Command, args []string) {
	client := newClient()
	resp, err := client.List(cmd.Context(), listStatus, listLimit, listOffset)
	if err != nil {
		ux.Error(fmt.Sprintf("List request failed: %v", err))
		os.Exit(1)
	}

	if len(resp.Executions) == 0 {
		ux.Info("No executions found")
		return
	}

	for _, e := range resp.Executions {
		fmt.Printf("%s %-36s  %-24s  %-10s  %3d%%  %s\n",
			ux.StatusIcon(string(e.Status)).Render(),
			e.ID, truncate(e.Name, 24), string(e.Status), e.Progress,
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	ux.Muted(fmt.Sprintf("%d execution(s)", resp.Count))
}

func runLogs(cmd *cobra.Command, args []string) {
	client := newClient()
	id := args[0]

	if followLogs {
		if err := streamLogs(cmd.Context(), client, id); err != nil {
			ux.Error(err.Error())
			os.Exit(1)
		}
		return
	}

	resp, err := client.Logs(cmd.Context(), id, logOffset)
	if err != nil {
		ux.Error(fmt.Sprintf("Logs request failed: %v", err))
		os.Exit(1)
	}
	for _, entry := range resp.Entries {
		printLogEntry(entry)
	}
	if len(resp.Entries) == 0 {
		ux.Info("No log entries")
	}
}

// streamLogs follows an execution's event stream, printing log lines as they
// arrive and a final status line when the stream closes.
func streamLogs(ctx context.Context, client *PipelinesClient, id string) error {
	var final *dag.DAGExecution
	err := client.FollowLogs(ctx, id, func(event string, ev datatypes.StreamEvent) error {
		switch event {
		case "log":
			if ev.Log != nil {
				printLogEntry(*ev.Log)
			}
		case "metric":
			if ev.Metric != nil {
				ux.Muted(fmt.Sprintf("  %s=%g", ev.Metric.Name, ev.Metric.Value))
			}
		case "status":
			if ev.Status != nil {
				final = ev.Status
			}
		case "error":
			if ev.Error != "" {
				ux.Error(ev.Error)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	if final != nil {
		printExecution(final)
		if final.Status == dag.ExecutionFailed {
			os.Exit(1)
		}
	}
	return nil
}

func sortedJobIDs(exec *dag.DAGExecution) []string {
	ids := make([]string, 0, len(exec.Jobs))
	for id := range exec.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func printLogEntry(entry dag.LogEntry) {
	jobID := entry.JobID
	if jobID == "" {
		jobID = "-"
	}
	line := fmt.Sprintf("%s [%s] %-5s %s",
		entry.Timestamp.Local().Format("15:04:05"), jobID, string(entry.Level), entry.Message)
	switch entry.Level {
	case dag.LogError:
		ux.Error(line)
	case dag.LogWarn:
		ux.Warning(line)
	default:
		fmt.Println(line)
	}
}

func runCancel(cmd *cobra.Command, args []string) {
	client := newClient()
	if err := client.Cancel(cmd.Context(), args[0]); err != nil {
		ux.Error(fmt.Sprintf("Cancel request failed: %v", err))
		os.Exit(1)
	}
	ux.Success(fmt.Sprintf("Cancellation requested for %s", args[0]))
}

func runMetrics(cmd *cobra.Command, args []string) {
	client := newClient()
	resp, err := client.Metrics(cmd.Context(), args[0], metricName)
	if err != nil {
		ux.Error(fmt.Sprintf("Metrics request failed: %v", err))
		os.Exit(1)
	}

	if len(resp.Points) == 0 {
		ux.Info("No metric points recorded")
		return
	}
	for _, p := range resp.Points {
		fmt.Printf("%s  %-24s  %g\n",
			p.Timestamp.Local().Format("15:04:05"), p.Name, p.Value)
	}
	ux.Muted(fmt.Sprintf("%d point(s)", len(resp.Points)))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
