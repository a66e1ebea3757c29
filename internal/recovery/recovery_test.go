package recovery

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/relstore/coredb/internal/buffer"
	"github.com/relstore/coredb/internal/page"
	"github.com/relstore/coredb/internal/wal"
)

func pageTargetPayload(fileID page.FileID, pageID page.ID, body []byte) []byte {
	buf := make([]byte, 12+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(fileID))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(pageID))
	copy(buf[12:], body)
	return buf
}

func newFixture(t *testing.T) (*wal.Writer, *buffer.Pool, page.FileID, page.ID) {
	t.Helper()
	store, err := page.NewStore(page.Config{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	fileID, err := store.CreateFile("data.db", page.TypeData, page.DefaultExtensionConfig())
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	pageID, err := store.Allocate(fileID, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	buf := page.New(page.KindData, pageID)
	page.SetCRC(buf)
	if err := store.Write(fileID, pageID, buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	wcfg := wal.DefaultWriterConfig(t.TempDir())
	wcfg.SyncLevel = wal.SyncAlways
	w, err := wal.OpenWriter(wcfg)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	pool := buffer.NewPool(store, buffer.DefaultConfig())
	return w, pool, fileID, pageID
}

func TestRedoReappliesCommittedTransaction(t *testing.T) {
	w, pool, fileID, pageID := newFixture(t)
	ctx := context.Background()

	if _, err := w.Append(wal.Record{Type: wal.TxBegin, TxID: 1, HasTxID: true}); err != nil {
		t.Fatalf("Append TxBegin: %v", err)
	}
	if _, err := w.Append(wal.Record{Type: wal.DataInsert, TxID: 1, HasTxID: true, Payload: pageTargetPayload(fileID, pageID, []byte("hello"))}); err != nil {
		t.Fatalf("Append DataInsert: %v", err)
	}
	if _, err := w.AppendSync(wal.Record{Type: wal.TxCommit, TxID: 1, HasTxID: true}); err != nil {
		t.Fatalf("Append TxCommit: %v", err)
	}

	m := New(DefaultConfig(), w, pool)
	stats, err := m.Run(ctx, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.RedoCount != 1 {
		t.Fatalf("expected 1 redo, got %d", stats.RedoCount)
	}
	if stats.TransactionsRedone != 1 {
		t.Fatalf("expected 1 transaction redone, got %d", stats.TransactionsRedone)
	}

	got, err := pool.ReadPage(ctx, fileID, pageID)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if string(got[page.HeaderSize:page.HeaderSize+5]) != "hello" {
		t.Fatalf("expected committed write to be redone, got %q", got[page.HeaderSize:page.HeaderSize+5])
	}
}

func TestRedoIsIdempotentOnAlreadyAppliedPage(t *testing.T) {
	w, pool, fileID, pageID := newFixture(t)
	ctx := context.Background()

	if _, err := w.Append(wal.Record{Type: wal.TxBegin, TxID: 1, HasTxID: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	lsn, err := w.Append(wal.Record{Type: wal.DataInsert, TxID: 1, HasTxID: true, Payload: pageTargetPayload(fileID, pageID, []byte("hello"))})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.AppendSync(wal.Record{Type: wal.TxCommit, TxID: 1, HasTxID: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Simulate the page already having been flushed with this LSN stamped.
	buf, err := pool.ReadPage(ctx, fileID, pageID)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	page.SetLSN(buf, uint64(lsn))
	page.SetCRC(buf)
	if err := pool.WritePage(ctx, fileID, pageID, buf, true); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	m := New(DefaultConfig(), w, pool)
	stats, err := m.Run(ctx, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.RedoCount != 0 {
		t.Fatalf("expected redo to be skipped for an already-applied page, got %d applications", stats.RedoCount)
	}
}

func TestUndoAbortsActiveTransaction(t *testing.T) {
	w, pool, fileID, pageID := newFixture(t)
	ctx := context.Background()

	if _, err := w.Append(wal.Record{Type: wal.TxBegin, TxID: 7, HasTxID: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.Append(wal.Record{Type: wal.DataInsert, TxID: 7, HasTxID: true, Payload: pageTargetPayload(fileID, pageID, []byte("uncommitted"))}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// No TxCommit or TxAbort: tx 7 is left Active, as if the process crashed.

	m := New(DefaultConfig(), w, pool)
	stats, err := m.Run(ctx, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TransactionsUndone != 1 {
		t.Fatalf("expected 1 transaction undone, got %d", stats.TransactionsUndone)
	}

	recs, err := w.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var sawAbort bool
	for _, r := range recs {
		if r.Type == wal.TxAbort && r.TxID == 7 {
			sawAbort = true
		}
	}
	if !sawAbort {
		t.Fatalf("expected undo to append a synthetic TxAbort for tx 7")
	}
}

func TestAbortedTransactionIsNotRedone(t *testing.T) {
	w, pool, fileID, pageID := newFixture(t)
	ctx := context.Background()

	if _, err := w.Append(wal.Record{Type: wal.TxBegin, TxID: 3, HasTxID: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.Append(wal.Record{Type: wal.DataInsert, TxID: 3, HasTxID: true, Payload: pageTargetPayload(fileID, pageID, []byte("rolled-back"))}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.AppendSync(wal.Record{Type: wal.TxAbort, TxID: 3, HasTxID: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	m := New(DefaultConfig(), w, pool)
	stats, err := m.Run(ctx, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.RedoCount != 0 {
		t.Fatalf("expected an already-aborted transaction to never be redone, got %d redos", stats.RedoCount)
	}
	if stats.TransactionsUndone != 0 {
		t.Fatalf("expected an already-aborted transaction to not be undone again, got %d", stats.TransactionsUndone)
	}
}
