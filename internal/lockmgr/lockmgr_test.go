package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/relstore/coredb/internal/coreerr"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DeadlockCheckInterval = 20 * time.Millisecond
	m := New(cfg)
	t.Cleanup(m.Close)
	return m
}

func rec(table, page, id uint64) Resource {
	return Resource{Level: LevelRecord, TableID: table, PageID: page, RecID: id}
}

func TestExclusiveLocksAreMutuallyExclusive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	r := rec(1, 1, 1)

	if err := m.Acquire(ctx, 1, r, ModeX, time.Second); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Acquire(ctx, 2, r, ModeX, 100*time.Millisecond) }()

	select {
	case err := <-done:
		if !coreerr.Is(err, coreerr.LockTimeout) {
			t.Fatalf("expected second Acquire to time out, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("second Acquire never returned")
	}
}

func TestSharedLocksAreCompatible(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	r := rec(1, 1, 1)

	if err := m.Acquire(ctx, 1, r, ModeS, time.Second); err != nil {
		t.Fatalf("tx1 Acquire S: %v", err)
	}
	if err := m.Acquire(ctx, 2, r, ModeS, time.Second); err != nil {
		t.Fatalf("tx2 Acquire S: %v", err)
	}
}

func TestIntentLocksPropagateToAncestors(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	r := rec(1, 1, 1)

	if err := m.Acquire(ctx, 1, r, ModeX, time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	st := m.Stats()
	// Record X plus IX on Page, Table, Database ancestors = 4 held locks.
	if st.HeldLocks != 4 {
		t.Fatalf("expected 4 held locks (record + 3 intent ancestors), got %d", st.HeldLocks)
	}
}

func TestReleaseGrantsQueuedWaiterFIFO(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	r := rec(1, 1, 1)

	if err := m.Acquire(ctx, 1, r, ModeX, time.Second); err != nil {
		t.Fatalf("tx1 Acquire: %v", err)
	}

	granted := make(chan TxID, 1)
	go func() {
		if err := m.Acquire(ctx, 2, r, ModeX, 2*time.Second); err == nil {
			granted <- 2
		}
	}()
	time.Sleep(50 * time.Millisecond) // let tx2 enqueue

	m.ReleaseAll(1)

	select {
	case who := <-granted:
		if who != 2 {
			t.Fatalf("expected tx2 to be granted, got %d", who)
		}
	case <-time.After(time.Second):
		t.Fatalf("queued waiter was never granted after release")
	}
}

func TestDeadlockDetectionPicksYoungestVictim(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	rA := rec(1, 1, 1)
	rB := rec(1, 1, 2)

	if err := m.Acquire(ctx, 1, rA, ModeX, time.Second); err != nil {
		t.Fatalf("tx1 Acquire A: %v", err)
	}
	if err := m.Acquire(ctx, 2, rB, ModeX, time.Second); err != nil {
		t.Fatalf("tx2 Acquire B: %v", err)
	}

	err1 := make(chan error, 1)
	err2 := make(chan error, 1)
	go func() { err1 <- m.Acquire(ctx, 1, rB, ModeX, 3*time.Second) }()
	go func() { err2 <- m.Acquire(ctx, 2, rA, ModeX, 3*time.Second) }()

	select {
	case e := <-err1:
		t.Fatalf("expected tx2 (the younger) to be the deadlock victim, but tx1's request returned first with %v", e)
	case e := <-err2:
		if !coreerr.Is(e, coreerr.Deadlock) {
			t.Fatalf("expected tx2 (the younger) to fail with Deadlock, got %v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("deadlock was never detected")
	}
}
