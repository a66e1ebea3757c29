// Package buffer implements the buffered I/O layer that sits in front of
// the page store: an LRU page cache, a write-behind buffer with time/size/
// critical flush triggers, and optional sequential prefetch. It presents
// the same page-addressed interface as internal/page but adds caching and
// batching (spec §4.B).
package buffer

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/relstore/coredb/internal/coreerr"
	"github.com/relstore/coredb/internal/page"
)

// Priority orders queued requests. Prefetch reads are always Low.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Key identifies one cached page across all open files.
type Key struct {
	FileID page.FileID
	PageID page.ID
}

type frame struct {
	key   Key
	data  []byte
	dirty bool
	elem  *list.Element
}

// Config configures the buffer pool (spec §6 "I/O buffer").
type Config struct {
	MaxWriteBufferSize   int           // flush when the write buffer reaches this many entries
	MaxBufferTime        time.Duration // flush when the oldest buffered write is older than this
	MaxConcurrentOps     int           // bounded semaphore for in-flight page I/O
	PageCacheSize        int           // LRU capacity, in pages
	EnablePrefetch       bool
	PrefetchWindow       int
	Logger               *log.Logger
}

// DefaultConfig returns the spec's implied defaults.
func DefaultConfig() Config {
	return Config{
		MaxWriteBufferSize: 256,
		MaxBufferTime:      2 * time.Second,
		MaxConcurrentOps:   64,
		PageCacheSize:      1024,
		EnablePrefetch:     true,
		PrefetchWindow:     4,
	}
}

// bufferedWrite is one pending write-behind entry (spec §4.B BufferedWrite).
type bufferedWrite struct {
	key      Key
	data     []byte
	ts       time.Time
	critical bool
}

// Stats tracks cache and write-buffer counters.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Flushes       uint64
	PrefetchReads uint64
}

// HitRatio returns the rolling hit ratio, or 0 if there have been no reads.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Pool is the LRU page cache plus write-behind buffer described in spec §4.B.
type Pool struct {
	cfg   Config
	store *page.Store
	log   *log.Logger

	mu       sync.Mutex
	cache    map[Key]*frame
	lru      *list.List // front = most recently used
	writeBuf []bufferedWrite
	oldest   time.Time

	sem chan struct{}

	statsMu sync.Mutex
	stats   Stats

	safeLSN uint64 // WAL invariant gate: refuse flushing a page whose LSN exceeds this

	flushTimer *time.Timer
	closeOnce  sync.Once
	closed     chan struct{}
}

// NewPool wraps store with a buffer pool.
func NewPool(store *page.Store, cfg Config) *Pool {
	if cfg.PageCacheSize <= 0 {
		cfg.PageCacheSize = DefaultConfig().PageCacheSize
	}
	if cfg.MaxConcurrentOps <= 0 {
		cfg.MaxConcurrentOps = DefaultConfig().MaxConcurrentOps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	p := &Pool{
		cfg:    cfg,
		store:  store,
		log:    logger,
		cache:  make(map[Key]*frame),
		lru:    list.New(),
		sem:    make(chan struct{}, cfg.MaxConcurrentOps),
		closed: make(chan struct{}),
	}
	return p
}

// SetSafePageLSN publishes the WAL-durability watermark: pages stamped with
// an LSN above this value may not be flushed to their home file yet (spec §5
// "Write-Ahead Logging invariant").
func (p *Pool) SetSafePageLSN(lsn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.safeLSN = lsn
}

func (p *Pool) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) release() { <-p.sem }

// ReadPage returns a page's bytes, populating the cache on a miss and
// scheduling low-priority prefetch of sequential neighbors when enabled.
func (p *Pool) ReadPage(ctx context.Context, fileID page.FileID, pageID page.ID) ([]byte, error) {
	key := Key{fileID, pageID}

	p.mu.Lock()
	if f, ok := p.cache[key]; ok {
		p.lru.MoveToFront(f.elem)
		data := append([]byte(nil), f.data...)
		p.mu.Unlock()
		p.recordHit()
		return data, nil
	}
	p.mu.Unlock()
	p.recordMiss()

	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	data, err := p.store.Read(fileID, pageID)
	p.release()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.insertLocked(key, append([]byte(nil), data...), false)
	p.mu.Unlock()

	if p.cfg.EnablePrefetch {
		go p.prefetch(fileID, pageID)
	}
	return data, nil
}

func (p *Pool) prefetch(fileID page.FileID, pageID page.ID) {
	for i := 1; i <= p.cfg.PrefetchWindow; i++ {
		neighbor := pageID + page.ID(i)
		key := Key{fileID, neighbor}
		p.mu.Lock()
		_, cached := p.cache[key]
		p.mu.Unlock()
		if cached {
			continue
		}
		_, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		data, err := p.store.Read(fileID, neighbor)
		cancel()
		if err != nil {
			return // ran past end of file or I/O error, stop prefetching
		}
		p.mu.Lock()
		p.insertLocked(key, data, false)
		p.mu.Unlock()
		p.statsMu.Lock()
		p.stats.PrefetchReads++
		p.statsMu.Unlock()
	}
}

// WritePage updates the cache and appends a write-behind entry. Critical
// writes (per spec §4.B) trigger an immediate flush of the whole buffer.
func (p *Pool) WritePage(ctx context.Context, fileID page.FileID, pageID page.ID, data []byte, critical bool) error {
	if len(data) != page.Size {
		return coreerr.New(coreerr.Validation, "buffer", fmt.Sprintf("write requires %d bytes", page.Size))
	}
	key := Key{fileID, pageID}
	cp := append([]byte(nil), data...)

	p.mu.Lock()
	p.insertLocked(key, cp, true)
	now := time.Now()
	if len(p.writeBuf) == 0 {
		p.oldest = now
	}
	p.writeBuf = append(p.writeBuf, bufferedWrite{key: key, data: cp, ts: now, critical: critical})
	needFlush := critical ||
		len(p.writeBuf) >= p.cfg.MaxWriteBufferSize ||
		(p.cfg.MaxBufferTime > 0 && now.Sub(p.oldest) > p.cfg.MaxBufferTime)
	p.mu.Unlock()

	if needFlush {
		return p.SyncAll(ctx)
	}
	return nil
}

func (p *Pool) insertLocked(key Key, data []byte, dirty bool) {
	if f, ok := p.cache[key]; ok {
		f.data = data
		if dirty {
			f.dirty = true
		}
		p.lru.MoveToFront(f.elem)
		return
	}
	f := &frame{key: key, data: data, dirty: dirty}
	f.elem = p.lru.PushFront(f)
	p.cache[key] = f
	p.evictIfNeededLocked()
}

func (p *Pool) evictIfNeededLocked() {
	for len(p.cache) > p.cfg.PageCacheSize {
		back := p.lru.Back()
		if back == nil {
			return
		}
		f := back.Value.(*frame)
		if f.dirty {
			// Don't evict dirty frames silently: move them to front so a
			// real flush (not eviction) is what clears them. In a fuller
			// implementation this would force a synchronous flush; the
			// core keeps the simpler behavior of refusing to evict dirty
			// pages out from under a write-behind buffer.
			p.lru.MoveToFront(back)
			return
		}
		p.lru.Remove(back)
		delete(p.cache, f.key)
	}
}

// SyncAll drains the write buffer to the page store, grouping writes by
// file id and refusing to flush any page whose stamped LSN exceeds the
// published safe_page_lsn watermark (spec §5 WAL invariant).
func (p *Pool) SyncAll(ctx context.Context) error {
	p.mu.Lock()
	pending := p.writeBuf
	p.writeBuf = nil
	safe := p.safeLSN
	p.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	byFile := make(map[page.FileID][]bufferedWrite)
	for _, w := range pending {
		byFile[w.key.FileID] = append(byFile[w.key.FileID], w)
	}

	for fileID, writes := range byFile {
		for _, w := range writes {
			if safe > 0 && page.LSNOf(w.data) > safe {
				// Re-queue: this page's log record is not yet durable.
				p.mu.Lock()
				p.writeBuf = append(p.writeBuf, w)
				p.mu.Unlock()
				continue
			}
			if err := p.acquire(ctx); err != nil {
				return err
			}
			err := p.store.Write(fileID, w.key.PageID, w.data)
			p.release()
			if err != nil {
				return err
			}
			p.mu.Lock()
			if f, ok := p.cache[w.key]; ok {
				f.dirty = false
			}
			p.mu.Unlock()
		}
		if err := p.store.Sync(fileID); err != nil {
			return err
		}
	}

	p.statsMu.Lock()
	p.stats.Flushes++
	p.statsMu.Unlock()
	return nil
}

func (p *Pool) recordHit() {
	p.statsMu.Lock()
	p.stats.Hits++
	p.statsMu.Unlock()
}

func (p *Pool) recordMiss() {
	p.statsMu.Lock()
	p.stats.Misses++
	p.statsMu.Unlock()
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// DirtyPageCount reports how many cached pages have not yet been flushed —
// used by the checkpoint manager to decide when to trigger (spec §4.G).
func (p *Pool) DirtyPageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, f := range p.cache {
		if f.dirty {
			n++
		}
	}
	return n
}

// DirtyPages returns the (fileID,pageID) set currently dirty, used by the
// checkpoint manager to build its fuzzy snapshot.
func (p *Pool) DirtyPages() []Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Key, 0)
	for k, f := range p.cache {
		if f.dirty {
			out = append(out, k)
		}
	}
	return out
}

// Close flushes all pending writes and releases resources.
func (p *Pool) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.SyncAll(ctx)
	})
	return err
}
