// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package templates

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func startWatcher(t *testing.T, dir string, reg *Registry) *Watcher {
	t.Helper()
	w, err := NewWatcher(dir, reg, nil, &WatcherOptions{DebounceWindow: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return w
}

func waitForTemplate(t *testing.T, reg *Registry, name string, present bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		_, _, err := reg.Get(name)
		if present && err == nil {
			return
		}
		if !present && errors.Is(err, ErrUnknownTemplate) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for template %q present=%v (err=%v)", name, present, err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatcherLoadsExistingOnStart(t *testing.T) {
	dir := t.TempDir()
	writeTemplateFile(t, dir, "nightly.yaml", goodTemplateYAML)

	reg := NewRegistry(nil, nil)
	w := startWatcher(t, dir, reg)
	if !w.IsWatching() {
		t.Error("IsWatching() = false after Start")
	}
	waitForTemplate(t, reg, "nightly", true)
}

func TestWatcherPicksUpNewAndDeletedFiles(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(nil, nil)
	startWatcher(t, dir, reg)

	path := writeTemplateFile(t, dir, "nightly.yaml", goodTemplateYAML)
	waitForTemplate(t, reg, "nightly", true)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitForTemplate(t, reg, "nightly", false)
}

func TestWatcherStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(nil, nil)
	w := startWatcher(t, dir, reg)

	w.Stop()
	w.Stop()
	if w.IsWatching() {
		t.Error("IsWatching() = true after Stop")
	}
}
