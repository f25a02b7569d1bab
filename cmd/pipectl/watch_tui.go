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

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipelines/pkg/ux"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/datatypes"
)

// =============================================================================
// Messages
// =============================================================================

// streamMsg wraps one server-sent event from the execution stream.
type streamMsg struct {
	event string
	ev    datatypes.StreamEvent
}

// streamClosedMsg signals the event stream ended. Err is nil on a clean
// close after the execution reached a terminal state.
type streamClosedMsg struct {
	err error
}

// =============================================================================
// Model
// =============================================================================

const watchLogLines = 8

// watchModel is the bubbletea model for live execution watching. It renders
// the execution header, a per-job status table, and a tail of recent logs,
// updating as stream events arrive.
type watchModel struct {
	executionID string
	spinner     spinner.Model

	exec     *dag.DAGExecution
	logs     []string
	streamed string

	done bool
	err  error
}

func newWatchModel(executionID string) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle
	return watchModel{
		executionID: executionID,
		spinner:     sp,
	}
}

// Init implements tea.Model.
func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil

	case streamMsg:
		switch msg.event {
		case "status":
			if msg.ev.Status != nil {
				m.exec = msg.ev.Status
			}
		case "log":
			if msg.ev.Log != nil {
				m.appendLog(*msg.ev.Log)
			}
		case "metric":
			if msg.ev.Metric != nil {
				m.appendLine(fmt.Sprintf("%s  %s=%g",
					msg.ev.Metric.Timestamp.Local().Format("15:04:05"),
					msg.ev.Metric.Name, msg.ev.Metric.Value))
			}
		case "error":
			if msg.ev.Error != "" {
				m.appendLine(errorStyle.Render(msg.ev.Error))
			}
		}
		return m, nil

	case streamClosedMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View implements tea.Model.
func (m watchModel) View() string {
	var b strings.Builder

	if m.exec == nil {
		b.WriteString(fmt.Sprintf("%s Waiting for execution %s...\n", m.spinner.View(), m.executionID))
		return b.String()
	}

	b.WriteString(headerStyle.Render(fmt.Sprintf("%s (%s)", m.exec.Name, m.exec.ID)))
	b.WriteString("\n")

	status := string(m.exec.Status)
	if m.exec.Status == dag.ExecutionRunning {
		status = m.spinner.View() + " " + status
	} else {
		status = ux.StatusIcon(status).Render() + " " + status
	}
	b.WriteString(fmt.Sprintf("%s  %s  %s\n\n",
		status,
		ux.ProgressBar(m.exec.Progress(), 100, 30),
		m.exec.Duration().Round(time.Second)))

	ids := make([]string, 0, len(m.exec.Jobs))
	for id := range m.exec.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		job := m.exec.Jobs[id]
		line := fmt.Sprintf("  %s %-24s %s", ux.StatusIcon(string(job.Status)).Render(), id, string(job.Status))
		if job.Status == dag.JobRunning && job.Progress > 0 {
			line += fmt.Sprintf(" (%d%%)", job.Progress)
		}
		if job.Error != "" {
			line += "  " + errorStyle.Render(job.Error)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(m.logs) > 0 {
		b.WriteString("\n")
		b.WriteString(logHeaderStyle.Render("Recent logs"))
		b.WriteString("\n")
		for _, line := range m.logs {
			b.WriteString("  " + line + "\n")
		}
	}

	if !m.done {
		b.WriteString("\n")
		b.WriteString(hintStyle.Render("q to detach (the execution keeps running)"))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *watchModel) appendLog(entry dag.LogEntry) {
	jobID := entry.JobID
	if jobID == "" {
		jobID = "-"
	}
	line := fmt.Sprintf("%s [%s] %s",
		entry.Timestamp.Local().Format("15:04:05"), jobID, entry.Message)
	if entry.Level == dag.LogError {
		line = errorStyle.Render(line)
	}
	m.appendLine(line)
}

func (m *watchModel) appendLine(line string) {
	m.logs = append(m.logs, line)
	if len(m.logs) > watchLogLines {
		m.logs = m.logs[len(m.logs)-watchLogLines:]
	}
}

// =============================================================================
// Entry Points
// =============================================================================

func runWatch(cmd *cobra.Command, args []string) {
	client := newClient()
	if err := watchExecution(cmd.Context(), client, args[0]); err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
}

// watchExecution runs the live watch TUI for one execution. In machine or
// minimal personality mode, or without a terminal, it degrades to the plain
// streaming log output.
func watchExecution(ctx context.Context, client *PipelinesClient, executionID string) error {
	if !ux.IsInteractive() {
		return streamLogs(ctx, client, executionID)
	}

	p := tea.NewProgram(newWatchModel(executionID))

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		err := client.FollowLogs(streamCtx, executionID, func(event string, ev datatypes.StreamEvent) error {
			p.Send(streamMsg{event: event, ev: ev})
			return nil
		})
		p.Send(streamClosedMsg{err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("watch UI failed: %w", err)
	}

	m, ok := final.(watchModel)
	if !ok {
		return nil
	}
	if m.err != nil && streamCtx.Err() == nil {
		return fmt.Errorf("stream interrupted: %w", m.err)
	}
	if m.exec != nil && m.exec.Status.IsTerminal() {
		printExecution(m.exec)
		if m.exec.Status == dag.ExecutionFailed {
			os.Exit(1)
		}
	}
	return nil
}

// =============================================================================
// Styles
// =============================================================================

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	spinnerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	logHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Bold(true)

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)
)
