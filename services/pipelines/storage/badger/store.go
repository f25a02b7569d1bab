// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
	"github.com/AleutianAI/AleutianPipelines/services/pipelines/events"
)

// Store backs both the engine's snapshot persistence and the event
// buffer's history spill.
var (
	_ dag.SnapshotStore = (*Store)(nil)
	_ events.EventStore = (*Store)(nil)
)

// ErrTemplateNotFound is returned when a named template does not exist.
var ErrTemplateNotFound = errors.New("template not found")

const (
	execPrefix   = "exec:"
	logPrefix    = "log:"
	metricPrefix = "metric:"
	tmplPrefix   = "tmpl:"
	seqPrefix    = "seq:"
)

// Store persists executions, event history and templates.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
type Store struct {
	db *DB
}

// NewStore wraps an open database.
func NewStore(db *DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &Store{db: db}, nil
}

// === Executions ===

// SaveExecution upserts an execution snapshot. The stored form is the
// checksummed envelope, so corruption surfaces at load time.
func (s *Store) SaveExecution(ctx context.Context, execution *dag.DAGExecution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("%w: execution with id required", dag.ErrInvalidInput)
	}
	data, err := dag.EncodeSnapshot(execution)
	if err != nil {
		return err
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(execPrefix+execution.ID), data)
	})
}

// LoadExecution fetches and verifies one execution snapshot.
func (s *Store) LoadExecution(ctx context.Context, id string) (*dag.DAGExecution, error) {
	var execution *dag.DAGExecution
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(execPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", dag.ErrExecutionNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			execution, err = dag.DecodeSnapshot(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return execution, nil
}

// ListExecutions returns stored executions sorted newest first.
//
// Snapshots that fail checksum verification are skipped rather than
// failing the whole listing; LoadExecution still reports them.
func (s *Store) ListExecutions(ctx context.Context, filter dag.ExecutionFilter) ([]*dag.DAGExecution, error) {
	var executions []*dag.DAGExecution
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(execPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				execution, err := dag.DecodeSnapshot(val)
				if err != nil {
					return nil
				}
				if filter.Status != "" && execution.Status != filter.Status {
					return nil
				}
				executions = append(executions, execution)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].CreatedAt.After(executions[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(executions) {
			return nil, nil
		}
		executions = executions[filter.Offset:]
	}
	if filter.Limit > 0 && len(executions) > filter.Limit {
		executions = executions[:filter.Limit]
	}
	return executions, nil
}

// DeleteExecution removes an execution and its log and metric history.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(execPrefix + id)); err != nil {
			return err
		}
		for _, prefix := range []string{
			logPrefix + id + ":",
			metricPrefix + id + ":",
			seqPrefix + id + ":",
		} {
			if err := deletePrefix(txn, []byte(prefix)); err != nil {
				return err
			}
		}
		return nil
	})
}

// === Event history ===

// AppendLogs appends log entries to an execution's history in order.
func (s *Store) AppendLogs(ctx context.Context, executionID string, entries []dag.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		seq, err := nextSeq(txn, executionID, "log", uint64(len(entries)))
		if err != nil {
			return err
		}
		for i, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("encode log entry: %w", err)
			}
			if err := txn.Set(seqKey(logPrefix, executionID, seq+uint64(i)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadLogs returns an execution's persisted log history in append order,
// starting at the given offset.
func (s *Store) LoadLogs(ctx context.Context, executionID string, offset int) ([]dag.LogEntry, error) {
	var entries []dag.LogEntry
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(logPrefix + executionID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()
		skipped := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			err := it.Item().Value(func(val []byte) error {
				var entry dag.LogEntry
				if err := json.Unmarshal(val, &entry); err != nil {
					return fmt.Errorf("decode log entry: %w", err)
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// AppendMetrics appends metric samples to an execution's history.
func (s *Store) AppendMetrics(ctx context.Context, executionID string, samples []dag.MetricData) error {
	if len(samples) == 0 {
		return nil
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		seq, err := nextSeq(txn, executionID, "metric", uint64(len(samples)))
		if err != nil {
			return err
		}
		for i, sample := range samples {
			data, err := json.Marshal(sample)
			if err != nil {
				return fmt.Errorf("encode metric: %w", err)
			}
			if err := txn.Set(seqKey(metricPrefix, executionID, seq+uint64(i)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadMetrics returns persisted metric samples in append order, optionally
// filtered by metric name.
func (s *Store) LoadMetrics(ctx context.Context, executionID, name string) ([]dag.MetricData, error) {
	var samples []dag.MetricData
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metricPrefix + executionID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var sample dag.MetricData
				if err := json.Unmarshal(val, &sample); err != nil {
					return fmt.Errorf("decode metric: %w", err)
				}
				if name == "" || sample.Name == name {
					samples = append(samples, sample)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// === Templates ===

// SaveTemplate upserts a template by name.
func (s *Store) SaveTemplate(ctx context.Context, tmpl *dag.Template) error {
	if tmpl == nil || tmpl.Name == "" {
		return fmt.Errorf("%w: template with name required", dag.ErrInvalidInput)
	}
	data, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(tmplPrefix+tmpl.Name), data)
	})
}

// LoadTemplate fetches a template by name.
func (s *Store) LoadTemplate(ctx context.Context, name string) (*dag.Template, error) {
	var tmpl dag.Template
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tmplPrefix + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &tmpl)
		})
	})
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// ListTemplates returns every stored template sorted by name.
func (s *Store) ListTemplates(ctx context.Context) ([]*dag.Template, error) {
	var templates []*dag.Template
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(tmplPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var tmpl dag.Template
				if err := json.Unmarshal(val, &tmpl); err != nil {
					return fmt.Errorf("decode template: %w", err)
				}
				templates = append(templates, &tmpl)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(templates, func(i, j int) bool {
		return strings.Compare(templates[i].Name, templates[j].Name) < 0
	})
	return templates, nil
}

// DeleteTemplate removes a template by name.
func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(tmplPrefix + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		if err != nil {
			return err
		}
		return txn.Delete([]byte(tmplPrefix + name))
	})
}

// === Internals ===

// seqKey builds "<prefix><executionID>:<seq>" with a big-endian sequence
// so lexicographic iteration equals append order.
func seqKey(prefix, executionID string, seq uint64) []byte {
	key := make([]byte, 0, len(prefix)+len(executionID)+9)
	key = append(key, prefix...)
	key = append(key, executionID...)
	key = append(key, ':')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// nextSeq reserves n sequence numbers for one history stream and returns
// the first.
func nextSeq(txn *badger.Txn, executionID, stream string, n uint64) (uint64, error) {
	key := []byte(seqPrefix + executionID + ":" + stream)
	var current uint64
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		err = item.Value(func(val []byte) error {
			if len(val) == 8 {
				current = binary.BigEndian.Uint64(val)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], current+n)
	if err := txn.Set(key, buf[:]); err != nil {
		return 0, err
	}
	return current, nil
}

// deletePrefix removes every key under a prefix.
func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
