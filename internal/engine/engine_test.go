package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/relstore/coredb/internal/config"
	"github.com/relstore/coredb/internal/mvcc"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.WALWriter.LogDirectory = filepath.Join(dir, "wal")
	e, err := Open(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestWriteCommitThenReadInNewTransaction(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tx1, err := e.Begin(mvcc.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	key := mvcc.RowKey{TableID: 1, RowID: 1}
	if err := e.Write(ctx, tx1, key, []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Commit(tx1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := e.Begin(mvcc.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	got, ok := e.Read(tx2, key)
	if !ok {
		t.Fatalf("expected committed row to be visible")
	}
	if string(got) != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}
	e.Commit(tx2)
}

func TestAbortDiscardsUncommittedWrite(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	key := mvcc.RowKey{TableID: 1, RowID: 2}

	tx1, _ := e.Begin(mvcc.ReadCommitted)
	if err := e.Write(ctx, tx1, key, []byte("discarded")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Abort(tx1); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	tx2, _ := e.Begin(mvcc.ReadCommitted)
	if _, ok := e.Read(tx2, key); ok {
		t.Fatalf("expected aborted write to not be visible")
	}
	e.Commit(tx2)
}

func TestConflictingWritersSerializeThroughLockManager(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	key := mvcc.RowKey{TableID: 1, RowID: 3}

	tx1, _ := e.Begin(mvcc.ReadCommitted)
	if err := e.Write(ctx, tx1, key, []byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	tx2, _ := e.Begin(mvcc.ReadCommitted)
	done := make(chan error, 1)
	go func() {
		done <- e.Write(ctx, tx2, key, []byte("b"))
	}()

	if err := e.Commit(tx1); err != nil {
		t.Fatalf("Commit tx1: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("expected tx2's write to succeed once tx1 released its lock: %v", err)
	}
	e.Commit(tx2)
}

func TestRunCheckpointPublishesLastLSN(t *testing.T) {
	e := newTestEngine(t)
	rec, err := e.RunCheckpoint(context.Background())
	if err != nil {
		t.Fatalf("RunCheckpoint: %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("expected a checkpoint id")
	}
}

func TestCloseThenReopenAfterCleanShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.WALWriter.LogDirectory = filepath.Join(dir, "wal")
	ctx := context.Background()

	e, err := Open(ctx, cfg, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tx, _ := e.Begin(mvcc.ReadCommitted)
	e.Write(ctx, tx, mvcc.RowKey{TableID: 1, RowID: 9}, []byte("x"))
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(ctx, cfg, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e2.Close(ctx)
}
