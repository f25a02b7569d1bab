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
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipelines/services/pipelines/dag"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func TestNewStore_NilDB(t *testing.T) {
	store, err := NewStore(nil)
	assert.Error(t, err)
	assert.Nil(t, store)
}

func sampleExecution(id string, status dag.ExecutionStatus, created time.Time) *dag.DAGExecution {
	return &dag.DAGExecution{
		ID:        id,
		Name:      "pipeline-" + id,
		Status:    status,
		CreatedAt: created,
		Jobs: map[string]*dag.JobExecution{
			"train": {JobID: "train", Type: dag.JobTypeTraining, Status: dag.JobPending},
		},
	}
}

func TestStoreExecutionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	execution := sampleExecution("exec-1", dag.ExecutionRunning, time.Now().UTC())
	require.NoError(t, store.SaveExecution(ctx, execution))

	loaded, err := store.LoadExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, execution.ID, loaded.ID)
	assert.Equal(t, execution.Name, loaded.Name)
	assert.Equal(t, execution.Status, loaded.Status)
	require.Contains(t, loaded.Jobs, "train")
	assert.Equal(t, dag.JobTypeTraining, loaded.Jobs["train"].Type)
}

func TestStoreLoadExecutionNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadExecution(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, dag.ErrExecutionNotFound)
}

func TestStoreSaveExecutionRejectsEmpty(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveExecution(context.Background(), nil)
	assert.ErrorIs(t, err, dag.ErrInvalidInput)

	err = store.SaveExecution(context.Background(), &dag.DAGExecution{})
	assert.ErrorIs(t, err, dag.ErrInvalidInput)
}

func TestStoreListExecutionsSortedAndFiltered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveExecution(ctx, sampleExecution("old", dag.ExecutionCompleted, base)))
	require.NoError(t, store.SaveExecution(ctx, sampleExecution("mid", dag.ExecutionFailed, base.Add(time.Hour))))
	require.NoError(t, store.SaveExecution(ctx, sampleExecution("new", dag.ExecutionCompleted, base.Add(2*time.Hour))))

	all, err := store.ListExecutions(ctx, dag.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "mid", all[1].ID)
	assert.Equal(t, "old", all[2].ID)

	completed, err := store.ListExecutions(ctx, dag.ExecutionFilter{Status: dag.ExecutionCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, "new", completed[0].ID)
	assert.Equal(t, "old", completed[1].ID)

	paged, err := store.ListExecutions(ctx, dag.ExecutionFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "mid", paged[0].ID)

	past, err := store.ListExecutions(ctx, dag.ExecutionFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestStoreDeleteExecutionRemovesHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveExecution(ctx, sampleExecution("exec-del", dag.ExecutionCompleted, time.Now())))
	require.NoError(t, store.AppendLogs(ctx, "exec-del", []dag.LogEntry{
		{JobID: "train", Level: dag.LogInfo, Message: "started", Timestamp: time.Now()},
	}))
	require.NoError(t, store.AppendMetrics(ctx, "exec-del", []dag.MetricData{
		{Name: "loss", Value: 0.42, Timestamp: time.Now()},
	}))

	require.NoError(t, store.DeleteExecution(ctx, "exec-del"))

	_, err := store.LoadExecution(ctx, "exec-del")
	assert.ErrorIs(t, err, dag.ErrExecutionNotFound)

	logs, err := store.LoadLogs(ctx, "exec-del", 0)
	require.NoError(t, err)
	assert.Empty(t, logs)

	metrics, err := store.LoadMetrics(ctx, "exec-del", "")
	require.NoError(t, err)
	assert.Empty(t, metrics)
}

func TestStoreLogsPreserveAppendOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := []dag.LogEntry{
		{JobID: "a", Level: dag.LogInfo, Message: "one", Timestamp: time.Now()},
		{JobID: "a", Level: dag.LogInfo, Message: "two", Timestamp: time.Now()},
	}
	second := []dag.LogEntry{
		{JobID: "b", Level: dag.LogError, Message: "three", Timestamp: time.Now()},
	}
	require.NoError(t, store.AppendLogs(ctx, "exec-logs", first))
	require.NoError(t, store.AppendLogs(ctx, "exec-logs", second))

	logs, err := store.LoadLogs(ctx, "exec-logs", 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "one", logs[0].Message)
	assert.Equal(t, "two", logs[1].Message)
	assert.Equal(t, "three", logs[2].Message)

	tail, err := store.LoadLogs(ctx, "exec-logs", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "three", tail[0].Message)
}

func TestStoreMetricsFilterByName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendMetrics(ctx, "exec-m", []dag.MetricData{
		{Name: "loss", Value: 1.5, Timestamp: time.Now()},
		{Name: "accuracy", Value: 0.8, Timestamp: time.Now()},
		{Name: "loss", Value: 1.1, Timestamp: time.Now()},
	}))

	all, err := store.LoadMetrics(ctx, "exec-m", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	loss, err := store.LoadMetrics(ctx, "exec-m", "loss")
	require.NoError(t, err)
	require.Len(t, loss, 2)
	assert.Equal(t, 1.5, loss[0].Value)
	assert.Equal(t, 1.1, loss[1].Value)
}

func TestStoreTemplateCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tmpl := &dag.Template{
		Name:        "nightly-train",
		Description: "nightly training run",
		Jobs: []dag.JobConfig{
			{ID: "train", Type: dag.JobTypeTraining},
		},
	}
	require.NoError(t, store.SaveTemplate(ctx, tmpl))

	loaded, err := store.LoadTemplate(ctx, "nightly-train")
	require.NoError(t, err)
	assert.Equal(t, tmpl.Description, loaded.Description)
	require.Len(t, loaded.Jobs, 1)
	assert.Equal(t, dag.JobTypeTraining, loaded.Jobs[0].Type)

	require.NoError(t, store.SaveTemplate(ctx, &dag.Template{Name: "ab-test"}))
	templates, err := store.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "ab-test", templates[0].Name)
	assert.Equal(t, "nightly-train", templates[1].Name)

	require.NoError(t, store.DeleteTemplate(ctx, "ab-test"))
	_, err = store.LoadTemplate(ctx, "ab-test")
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	err = store.DeleteTemplate(ctx, "never-existed")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestStoreSnapshotCorruptionDetected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveExecution(ctx, sampleExecution("exec-c", dag.ExecutionRunning, time.Now())))

	// Overwrite the stored envelope with garbage behind the store's back.
	err := store.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(execPrefix+"exec-c"), []byte(`{"version":"1.0.0"}`))
	})
	require.NoError(t, err)

	_, err = store.LoadExecution(ctx, "exec-c")
	require.Error(t, err)
}
