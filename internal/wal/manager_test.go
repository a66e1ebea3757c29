package wal

import (
	"testing"
	"time"

	"github.com/relstore/coredb/internal/coreerr"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	w := newTestWriter(t)
	m := NewManager(w, DefaultManagerConfig())
	t.Cleanup(m.Stop)
	return m
}

func TestBeginCommitRetiresTransaction(t *testing.T) {
	m := newTestManager(t)
	tid, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := m.LogInsert(tid, []byte("row")); err != nil {
		t.Fatalf("LogInsert: %v", err)
	}
	if _, err := m.Commit(tid); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, ok := m.ActiveTransactions()[tid]; ok {
		t.Fatalf("expected committed tx to be removed from the active table")
	}
}

func TestOperationAfterCommitIsRejected(t *testing.T) {
	m := newTestManager(t)
	tid, _ := m.Begin()
	if _, err := m.Commit(tid); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := m.LogInsert(tid, []byte("x")); !coreerr.Is(err, coreerr.NotFound) {
		t.Fatalf("expected NotFound for operation on retired tx, got %v", err)
	}
}

func TestAbortRetiresTransaction(t *testing.T) {
	m := newTestManager(t)
	tid, _ := m.Begin()
	m.LogUpdate(tid, []byte("x"))
	if _, err := m.Abort(tid); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, ok := m.ActiveTransactions()[tid]; ok {
		t.Fatalf("expected aborted tx to be removed from the active table")
	}
}

func TestMaxActiveTransactionsOverloaded(t *testing.T) {
	w := newTestWriter(t)
	cfg := DefaultManagerConfig()
	cfg.MaxActiveTransactions = 1
	m := NewManager(w, cfg)
	defer m.Stop()

	if _, err := m.Begin(); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if _, err := m.Begin(); !coreerr.Is(err, coreerr.Overloaded) {
		t.Fatalf("expected Overloaded on exceeding max_active_transactions, got %v", err)
	}
}

func TestRecordsChainViaPrevLSN(t *testing.T) {
	m := newTestManager(t)
	tid, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	lsn1, err := m.LogInsert(tid, []byte("a"))
	if err != nil {
		t.Fatalf("LogInsert: %v", err)
	}
	lsn2, err := m.LogUpdate(tid, []byte("b"))
	if err != nil {
		t.Fatalf("LogUpdate: %v", err)
	}

	recs, err := m.w.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var second Record
	for _, r := range recs {
		if r.LSN == lsn2 {
			second = r
		}
	}
	if second.PrevLSN != lsn1 {
		t.Fatalf("expected record %d to chain to %d via PrevLSN, got %d", lsn2, lsn1, second.PrevLSN)
	}
}

func TestIdleTransactionIsAborted(t *testing.T) {
	w := newTestWriter(t)
	cfg := DefaultManagerConfig()
	cfg.IdleTimeout = time.Millisecond
	m := NewManager(w, cfg)
	defer m.Stop()

	tid, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	m.scanIdleTransactions()

	if _, ok := m.ActiveTransactions()[tid]; ok {
		t.Fatalf("expected idle transaction to be aborted by the scan")
	}
}
