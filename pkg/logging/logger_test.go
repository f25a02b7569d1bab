// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{" error ", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "LEVEL(42)"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

// waitForEntries polls until the exporter has received n entries; the
// export path is asynchronous.
func waitForEntries(t *testing.T, exp *BufferedExporter, n int) []LogEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entries := exp.Entries(); len(entries) >= n {
			return entries
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("exporter received %d entries, want %d", len(exp.Entries()), n)
	return nil
}

func logFilePath(dir, service string) string {
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return filepath.Join(dir, name)
}

func TestLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Service: "pipectl",
		LogDir:  dir,
		Quiet:   true,
	})

	logger.Info("execution accepted", "execution_id", "exec-9f2")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(logFilePath(dir, "pipectl"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	out := string(data)
	for _, want := range []string{"execution accepted", `"execution_id":"exec-9f2"`, `"service":"pipectl"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log file missing %q in %q", want, out)
		}
	}
}

func TestLogger_FileNameDefaultsService(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	logger.Info("unnamed service message")
	_ = logger.Close()

	if _, err := os.Stat(logFilePath(dir, "aleutian")); err != nil {
		t.Errorf("expected default-named log file: %v", err)
	}
}

func TestLogger_UnwritableLogDirDegrades(t *testing.T) {
	logger := New(Config{
		Service: "pipelines",
		LogDir:  filepath.Join(string(os.PathSeparator), "dev", "null", "nested"),
		Quiet:   true,
	})
	// Must not panic and must still close cleanly without a file.
	logger.Warn("store persist failed", "execution_id", "exec-1")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelWarn,
		Service:  "pipelines",
		Quiet:    true,
		Exporter: exp,
	})
	defer logger.Close()

	logger.Debug("tick computed ready set")
	logger.Info("job dispatched", "job_id", "train")
	logger.Warn("retry scheduled", "job_id", "train", "attempt", 2)
	logger.Error("job failed permanently", "job_id", "train")

	entries := waitForEntries(t, exp, 2)
	if len(entries) != 2 {
		t.Fatalf("exported %d entries, want 2", len(entries))
	}
	// Export goroutines race, so check the set rather than the order.
	seen := map[Level]bool{}
	for _, e := range entries {
		seen[e.Level] = true
	}
	if !seen[LevelWarn] || !seen[LevelError] {
		t.Errorf("exported levels = %v, want WARN and ERROR", entries)
	}
}

func TestLogger_ExportCarriesAttrs(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Service: "pipelines", Quiet: true, Exporter: exp})
	defer logger.Close()

	logger.Info("execution completed", "execution_id", "exec-3", "jobs", 4)

	entries := waitForEntries(t, exp, 1)
	e := entries[0]
	if e.Message != "execution completed" {
		t.Errorf("Message = %q", e.Message)
	}
	if e.Service != "pipelines" {
		t.Errorf("Service = %q, want pipelines", e.Service)
	}
	if e.Attrs["execution_id"] != "exec-3" {
		t.Errorf("Attrs[execution_id] = %v", e.Attrs["execution_id"])
	}
	if e.Attrs["jobs"] != 4 {
		t.Errorf("Attrs[jobs] = %v", e.Attrs["jobs"])
	}
}

func TestLogger_WithExecution(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Service: "pipelines", LogDir: dir, Quiet: true})

	logger.WithExecution("exec-42").Info("job finished", "job_id", "train")
	_ = logger.Close()

	data, err := os.ReadFile(logFilePath(dir, "pipelines"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), `"execution_id":"exec-42"`) {
		t.Errorf("log file missing execution_id attribute: %q", string(data))
	}
}

func TestLogger_Slog(t *testing.T) {
	logger := New(Config{Quiet: true})
	defer logger.Close()
	if logger.Slog() == nil {
		t.Fatal("Slog() returned nil")
	}
}

// failingExporter errors on every shutdown call, for Close propagation.
type failingExporter struct{}

func (failingExporter) Export(ctx context.Context, entry LogEntry) error { return nil }
func (failingExporter) Flush(ctx context.Context) error                  { return errors.New("flush refused") }
func (failingExporter) Close() error                                     { return errors.New("close refused") }

func TestLogger_Close_ExporterError(t *testing.T) {
	logger := New(Config{Quiet: true, Exporter: failingExporter{}})
	err := logger.Close()
	if err == nil {
		t.Fatal("Close() = nil, want flush error")
	}
	if !strings.Contains(err.Error(), "flush") {
		t.Errorf("Close() error = %v, want the flush failure first", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Service: "pipelines", Quiet: true, Exporter: exp})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.Info("job progress", "job_id", "train", "worker", n)
			}
		}(i)
	}
	wg.Wait()

	waitForEntries(t, exp, 160)
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestMultiHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		slog.NewTextHandler(&b, nil),
	}}
	logger := slog.New(h)

	logger.Info("template loaded", "template", "nightly-train")

	if !strings.Contains(a.String(), "template loaded") {
		t.Errorf("json handler missed the record: %q", a.String())
	}
	if !strings.Contains(b.String(), "nightly-train") {
		t.Errorf("text handler missed the record: %q", b.String())
	}
}

func TestMultiHandler_RespectsPerHandlerLevels(t *testing.T) {
	var verbose, terse bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&verbose, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&terse, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(h)

	logger.Debug("scheduler tick")

	if !strings.Contains(verbose.String(), "scheduler tick") {
		t.Error("debug handler should have received the record")
	}
	if terse.Len() != 0 {
		t.Errorf("error-level handler received a debug record: %q", terse.String())
	}
}

func TestArgsToMap(t *testing.T) {
	got := argsToMap([]any{"job_id", "train", 7, "skipped-key", "dangling"})
	if got["job_id"] != "train" {
		t.Errorf("job_id = %v", got["job_id"])
	}
	if _, ok := got["dangling"]; ok {
		t.Error("dangling value should be dropped")
	}
	if len(got) != 1 {
		t.Errorf("map = %v, want only job_id", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/.aleutian/logs"); got != filepath.Join(home, ".aleutian/logs") {
		t.Errorf("expandPath(~) = %q", got)
	}
	if got := expandPath("/var/log/aleutian"); got != "/var/log/aleutian" {
		t.Errorf("absolute path changed: %q", got)
	}
}

func TestBufferedExporter_EntriesCopies(t *testing.T) {
	exp := NewBufferedExporter()
	_ = exp.Export(context.Background(), LogEntry{Message: "first"})

	entries := exp.Entries()
	entries[0].Message = "mutated"

	if exp.Entries()[0].Message != "first" {
		t.Error("Entries() must return a copy")
	}
}

func TestWriterExporter_Format(t *testing.T) {
	var buf bytes.Buffer
	exp := NewWriterExporter(&buf)
	err := exp.Export(context.Background(), LogEntry{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:     LevelWarn,
		Message:   "retention sweep slow",
		Attrs:     map[string]any{"swept": 3},
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "retention sweep slow") {
		t.Errorf("unexpected line: %q", out)
	}
}
