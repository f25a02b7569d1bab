// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package templates manages named, reusable pipeline definitions. Templates
// come from two places: the durable store (pushed over the API) and an
// optional YAML directory that a watcher keeps in sync while the service
// runs.
package templates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

// ErrUnknownTemplate is returned when a named template is not registered.
var ErrUnknownTemplate = errors.New("unknown template")

// Store is the durable persistence the registry consumes. May be nil;
// file-sourced templates then live only in memory.
type Store interface {
	SaveTemplate(ctx context.Context, tmpl *dag.Template) error
	ListTemplates(ctx context.Context) ([]*dag.Template, error)
	DeleteTemplate(ctx context.Context, name string) error
}

// templateFile is the on-disk YAML shape.
type templateFile struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Jobs        []dag.JobConfig `yaml:"jobs"`
	Edges       []dag.Edge      `yaml:"edges"`
}

// entry tracks where a cached template came from. File-sourced entries are
// replaced wholesale on directory re-sync; stored entries survive it.
type entry struct {
	tmpl     *dag.Template
	edges    []dag.Edge
	fromFile bool
}

// Registry is the in-memory template catalog.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry

	store  Store
	logger *slog.Logger
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]entry),
		store:   store,
		logger:  logger,
	}
}

// LoadFromStore warms the cache with every stored template.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tmpl := range stored {
		r.entries[tmpl.Name] = entry{tmpl: tmpl}
	}
	r.logger.Info("templates loaded from store", "count", len(stored))
	return nil
}

// Put validates and registers a template, persisting it when a store is
// configured. An existing template with the same name is replaced.
func (r *Registry) Put(ctx context.Context, tmpl *dag.Template, edges []dag.Edge) error {
	if tmpl == nil || tmpl.Name == "" {
		return fmt.Errorf("%w: template with name required", dag.ErrInvalidInput)
	}
	if _, verr := dag.Validate(tmpl.Name, tmpl.Jobs, edges); verr != nil {
		return verr
	}

	now := time.Now()
	tmpl.UpdatedAt = now
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = now
	}

	if r.store != nil {
		if err := r.store.SaveTemplate(ctx, tmpl); err != nil {
			return fmt.Errorf("save template %s: %w", tmpl.Name, err)
		}
	}

	r.mu.Lock()
	r.entries[tmpl.Name] = entry{tmpl: tmpl, edges: edges}
	r.mu.Unlock()
	return nil
}

// Get returns a registered template and its extra edges.
func (r *Registry) Get(name string) (*dag.Template, []dag.Edge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return e.tmpl, e.edges, nil
}

// List returns all registered templates sorted by name.
func (r *Registry) List() []*dag.Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*dag.Template, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes a template from the cache and the store.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	if r.store != nil {
		if err := r.store.DeleteTemplate(ctx, name); err != nil {
			return fmt.Errorf("delete template %s: %w", name, err)
		}
	}
	return nil
}

// SyncDir re-reads every YAML file in dir and replaces the registry's
// file-sourced templates with the result. Invalid files are logged and
// skipped; they never evict a previously good template of another name.
// Returns the number of templates loaded.
func (r *Registry) SyncDir(dir string) (int, error) {
	names, err := listTemplateFiles(dir)
	if err != nil {
		return 0, err
	}

	loaded := make(map[string]entry)
	for _, path := range names {
		tmpl, edges, err := parseTemplateFile(path)
		if err != nil {
			r.logger.Warn("skipping template file", "path", path, "error", err)
			continue
		}
		if _, dup := loaded[tmpl.Name]; dup {
			r.logger.Warn("duplicate template name in directory",
				"path", path, "template", tmpl.Name)
			continue
		}
		loaded[tmpl.Name] = entry{tmpl: tmpl, edges: edges, fromFile: true}
	}

	r.mu.Lock()
	for name, e := range r.entries {
		if e.fromFile {
			if _, still := loaded[name]; !still {
				delete(r.entries, name)
			}
		}
	}
	for name, e := range loaded {
		r.entries[name] = e
	}
	r.mu.Unlock()

	r.logger.Info("template directory synced", "dir", dir, "templates", len(loaded))
	return len(loaded), nil
}

// listTemplateFiles returns the YAML files directly under dir, sorted.
func listTemplateFiles(dir string) ([]string, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}
	var names []string
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, filepath.Join(dir, d.Name()))
		}
	}
	sort.Strings(names)
	return names, nil
}

// parseTemplateFile reads and validates one template file. The template
// name defaults to the file name without extension.
func parseTemplateFile(path string) (*dag.Template, []dag.Edge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var tf templateFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, nil, fmt.Errorf("parse yaml: %w", err)
	}
	if tf.Name == "" {
		base := filepath.Base(path)
		tf.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if _, verr := dag.Validate(tf.Name, tf.Jobs, tf.Edges); verr != nil {
		return nil, nil, verr
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	return &dag.Template{
		Name:        tf.Name,
		Description: tf.Description,
		Jobs:        tf.Jobs,
		CreatedAt:   info.ModTime(),
		UpdatedAt:   info.ModTime(),
	}, tf.Edges, nil
}
