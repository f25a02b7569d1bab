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
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps a registry in sync with a template directory.
//
// # Description
//
// Filesystem events for YAML files in the watched directory are debounced,
// then the whole directory is re-synced into the registry. Re-syncing the
// directory rather than applying single-file deltas keeps rename and
// editor save-via-tempfile sequences correct without tracking them.
//
// # Thread Safety
//
// Safe for concurrent use. The registry sync runs from a single goroutine.
type Watcher struct {
	dir      string
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	changes  chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
}

// WatcherOptions configures the Watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for more changes before re-syncing.
	// Default: 200ms
	DebounceWindow time.Duration
}

// NewWatcher creates a watcher for dir feeding registry. Call Start to
// begin watching.
func NewWatcher(dir string, registry *Registry, logger *slog.Logger, opts *WatcherOptions) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	debounce := 200 * time.Millisecond
	if opts != nil && opts.DebounceWindow > 0 {
		debounce = opts.DebounceWindow
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		registry: registry,
		watcher:  fsw,
		debounce: debounce,
		logger:   logger,
		changes:  make(chan struct{}, 64),
		done:     make(chan struct{}),
	}, nil
}

// Start performs an initial sync and begins watching for changes.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if _, err := w.registry.SyncDir(w.dir); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// processEvents filters fsnotify events down to YAML changes.
func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isTemplatePath(event.Name) {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
				// A sync is already queued; coalescing is the point.
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("template watcher error", "dir", w.dir, "error", err)
		}
	}
}

// debounceLoop waits for the change stream to go quiet, then re-syncs.
func (w *Watcher) debounceLoop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	sync := func() {
		if _, err := w.registry.SyncDir(w.dir); err != nil {
			w.logger.Warn("template re-sync failed", "dir", w.dir, "error", err)
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-w.changes:
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			sync()
		}
	}
}

// isTemplatePath reports whether a path looks like a template file.
func isTemplatePath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
