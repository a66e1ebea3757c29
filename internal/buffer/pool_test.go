package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/relstore/coredb/internal/page"
)

func newTestPool(t *testing.T) (*Pool, page.FileID) {
	t.Helper()
	store, err := page.NewStore(page.Config{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	id, err := store.CreateFile("data.db", page.TypeData, page.DefaultExtensionConfig())
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	cfg := DefaultConfig()
	cfg.MaxBufferTime = time.Hour // disable the timer trigger for deterministic tests
	return NewPool(store, cfg), id
}

func TestCacheHitAfterMiss(t *testing.T) {
	pool, fileID := newTestPool(t)
	ctx := context.Background()

	store := pool.store
	start, err := store.Allocate(fileID, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	buf := page.New(page.KindData, start)
	page.SetCRC(buf)
	if err := store.Write(fileID, start, buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := pool.ReadPage(ctx, fileID, start); err != nil {
		t.Fatalf("first read (miss): %v", err)
	}
	if _, err := pool.ReadPage(ctx, fileID, start); err != nil {
		t.Fatalf("second read (hit): %v", err)
	}

	st := pool.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", st)
	}
}

func TestWritePageThenReadReturnsLatest(t *testing.T) {
	pool, fileID := newTestPool(t)
	ctx := context.Background()

	start, err := pool.store.Allocate(fileID, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	buf := page.New(page.KindData, start)
	copy(buf[page.HeaderSize:], []byte("payload"))
	page.SetCRC(buf)

	if err := pool.WritePage(ctx, fileID, start, buf, false); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	got, err := pool.ReadPage(ctx, fileID, start)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if string(got[page.HeaderSize:page.HeaderSize+7]) != "payload" {
		t.Fatalf("unexpected page contents: %q", got[page.HeaderSize:page.HeaderSize+7])
	}
}

func TestCriticalWriteFlushesImmediately(t *testing.T) {
	pool, fileID := newTestPool(t)
	ctx := context.Background()

	start, err := pool.store.Allocate(fileID, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	buf := page.New(page.KindData, start)
	page.SetCRC(buf)

	if err := pool.WritePage(ctx, fileID, start, buf, true); err != nil {
		t.Fatalf("WritePage(critical): %v", err)
	}
	pool.mu.Lock()
	pending := len(pool.writeBuf)
	pool.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected critical write to flush immediately, %d entries still pending", pending)
	}
}

func TestSafePageLSNBlocksFlush(t *testing.T) {
	pool, fileID := newTestPool(t)
	ctx := context.Background()

	start, err := pool.store.Allocate(fileID, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	buf := page.New(page.KindData, start)
	page.SetLSN(buf, 100)

	pool.SetSafePageLSN(50) // page's LSN (100) exceeds the safe watermark
	if err := pool.WritePage(ctx, fileID, start, buf, true); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	pool.mu.Lock()
	pending := len(pool.writeBuf)
	pool.mu.Unlock()
	if pending == 0 {
		t.Fatalf("expected write to be re-queued until its LSN is durable")
	}
}
