package wal

import (
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/relstore/coredb/internal/coreerr"
)

// SyncLevel selects when append forces durability (spec §4.C).
type SyncLevel uint8

const (
	SyncNever SyncLevel = iota
	SyncPeriodic
	SyncOnCommit
	SyncAlways
)

// WriterConfig configures the WAL writer (spec §6 "WAL writer").
type WriterConfig struct {
	LogDirectory         string
	MaxLogFileSize       int64 // bytes, default 100 MiB
	MaxLogFiles          int   // 0 = unbounded
	EnableCompression    bool
	SyncLevel            SyncLevel
	PeriodicSyncInterval time.Duration
	EnableIntegrityCheck bool
	Logger               *log.Logger
}

// DefaultWriterConfig applies the defaults spec §6 names.
func DefaultWriterConfig(dir string) WriterConfig {
	return WriterConfig{
		LogDirectory:         dir,
		MaxLogFileSize:       100 * 1024 * 1024,
		SyncLevel:            SyncOnCommit,
		PeriodicSyncInterval: time.Second,
		EnableIntegrityCheck: true,
	}
}

// segment is one append-only log file holding a contiguous LSN range
// (spec §3 LogSegment).
type segment struct {
	startLSN LSN
	uuid     string
	path     string
	file     *os.File
	size     int64
}

func segmentName(start LSN, id string) string {
	return fmt.Sprintf("%020d-%s.wal", uint64(start), id)
}

// Writer durably appends log records and hands back LSNs (spec §4.C).
type Writer struct {
	cfg WriterConfig
	log *log.Logger

	mu      sync.Mutex
	nextLSN atomic.Uint64
	active  *segment
	buf     []byte // pending bytes not yet written to the segment file
	segList []segment

	flushedLSN atomic.Uint64
	waiters    map[LSN][]chan struct{}

	stopPeriodic chan struct{}
}

// OpenWriter opens (creating if needed) the log directory and resumes
// appending after the highest LSN found on disk.
func OpenWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.LogDirectory == "" {
		return nil, coreerr.New(coreerr.Validation, "wal", "log_directory required")
	}
	if cfg.MaxLogFileSize <= 0 {
		cfg.MaxLogFileSize = DefaultWriterConfig(cfg.LogDirectory).MaxLogFileSize
	}
	if err := os.MkdirAll(cfg.LogDirectory, 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.IoFailure, "wal", "create log directory", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	w := &Writer{cfg: cfg, log: logger, waiters: make(map[LSN][]chan struct{}), stopPeriodic: make(chan struct{})}

	existing, err := listSegments(cfg.LogDirectory)
	if err != nil {
		return nil, err
	}
	w.segList = existing

	var startLSN LSN = 1
	for i := len(existing) - 1; i >= 0; i-- {
		_, lsn, err := scanSegmentTail(existing[i].path)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.Corrupted, "wal", "scan segment tail", err)
		}
		if lsn > 0 {
			startLSN = lsn + 1
			break
		}
	}
	w.nextLSN.Store(uint64(startLSN))
	w.flushedLSN.Store(uint64(startLSN) - 1)

	if err := w.openNewSegment(startLSN); err != nil {
		return nil, err
	}

	if cfg.SyncLevel == SyncPeriodic {
		interval := cfg.PeriodicSyncInterval
		if interval <= 0 {
			interval = time.Second
		}
		go w.periodicFlush(interval)
	}
	return w, nil
}

func listSegments(dir string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IoFailure, "wal", "list segments", err)
	}
	var segs []segment
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".wal") {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(name, ".wal"), "-", 2)
		if len(parts) != 2 {
			continue
		}
		n, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, segment{startLSN: LSN(n), uuid: parts[1], path: filepath.Join(dir, name)})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].startLSN < segs[j].startLSN })
	return segs, nil
}

// scanSegmentTail reads every record in a segment and returns the count and
// the highest LSN seen (used to resume after restart).
func scanSegmentTail(path string) (int, LSN, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	var count int
	var maxLSN LSN
	off := 0
	for off < len(data) {
		r, n, err := Decode(data[off:])
		if err != nil {
			break // truncate at the last good record boundary (spec §7)
		}
		if r.LSN > maxLSN {
			maxLSN = r.LSN
		}
		count++
		off += n
	}
	return count, maxLSN, nil
}

func (w *Writer) openNewSegment(start LSN) error {
	id := uuid.NewString()
	path := filepath.Join(w.cfg.LogDirectory, segmentName(start, id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return coreerr.Wrap(coreerr.IoFailure, "wal", "open segment", err)
	}
	info, _ := f.Stat()
	seg := &segment{startLSN: start, uuid: id, path: path, file: f}
	if info != nil {
		seg.size = info.Size()
	}
	w.mu.Lock()
	w.active = seg
	w.segList = append(w.segList, *seg)
	w.mu.Unlock()
	return nil
}

// Append stamps lsn and checksum, buffers the serialized record, and
// returns the assigned LSN without waiting for durability.
func (w *Writer) Append(r Record) (LSN, error) {
	w.mu.Lock()
	lsn := LSN(w.nextLSN.Add(1) - 1)
	r.LSN = lsn
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixNano()
	}
	framed := Encode(r)

	if w.active.size+int64(len(framed)) > w.cfg.MaxLogFileSize {
		if err := w.rotateLocked(); err != nil {
			w.mu.Unlock()
			return 0, err
		}
	}
	if _, err := w.active.file.Write(framed); err != nil {
		w.mu.Unlock()
		return 0, coreerr.Wrap(coreerr.IoFailure, "wal", "append record", err)
	}
	w.active.size += int64(len(framed))
	w.mu.Unlock()

	if w.cfg.SyncLevel == SyncAlways || (w.cfg.SyncLevel == SyncOnCommit && r.RequiresImmediateFlush()) {
		if err := w.Flush(); err != nil {
			return lsn, err
		}
	}
	return lsn, nil
}

// AppendSync appends r and blocks until it (and every record before it) is
// durable on stable storage.
func (w *Writer) AppendSync(r Record) (LSN, error) {
	r.Priority = PriorityCritical
	lsn, err := w.Append(r)
	if err != nil {
		return lsn, err
	}
	if err := w.Flush(); err != nil {
		return lsn, err
	}
	return lsn, nil
}

// rotateLocked opens a new segment atomically before the old one is
// released, preserving LSN continuity (spec §4.C). Caller must hold w.mu.
func (w *Writer) rotateLocked() error {
	next := LSN(w.nextLSN.Load())
	old := w.active
	id := uuid.NewString()
	path := filepath.Join(w.cfg.LogDirectory, segmentName(next, id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return coreerr.Wrap(coreerr.IoFailure, "wal", "rotate segment", err)
	}
	w.active = &segment{startLSN: next, uuid: id, path: path, file: f}
	w.segList = append(w.segList, *w.active)

	if err := old.file.Sync(); err != nil {
		w.log.Printf("wal: sync old segment before release: %v", err)
	}
	if w.cfg.EnableCompression {
		go w.compress(old.path)
	}
	if w.cfg.MaxLogFiles > 0 {
		go w.trimOldSegments()
	}
	return nil
}

// Flush drains any OS-buffered bytes and fsyncs the active segment.
func (w *Writer) Flush() error {
	w.mu.Lock()
	active := w.active
	w.mu.Unlock()
	if err := active.file.Sync(); err != nil {
		return coreerr.Wrap(coreerr.IoFailure, "wal", "fsync segment", err)
	}
	w.flushedLSN.Store(uint64(w.nextLSN.Load() - 1))
	return nil
}

func (w *Writer) periodicFlush(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := w.Flush(); err != nil {
				w.log.Printf("wal: periodic flush failed: %v", err)
			}
		case <-w.stopPeriodic:
			return
		}
	}
}

// FlushedLSN returns the highest LSN known to be durable.
func (w *Writer) FlushedLSN() LSN { return LSN(w.flushedLSN.Load()) }

// compress gzips a retired segment into path+".gz" and removes the original.
// rotateLocked calls it for every segment it retires when EnableCompression
// is set; it does not check the segment against the oldest active
// transaction or the last completed checkpoint, and nothing in this package
// reads the .gz files back.
func (w *Writer) compress(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()
	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer out.Close()
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		return
	}
	os.Remove(path)
}

func (w *Writer) trimOldSegments() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.segList) <= w.cfg.MaxLogFiles {
		return
	}
	excess := len(w.segList) - w.cfg.MaxLogFiles
	for i := 0; i < excess; i++ {
		os.Remove(w.segList[i].path)
	}
	w.segList = w.segList[excess:]
}

// ReadAll reads every record across every segment, in ascending LSN order,
// for use by the recovery manager (spec §4.H).
func (w *Writer) ReadAll() ([]Record, error) {
	w.mu.Lock()
	segs := append([]segment(nil), w.segList...)
	w.mu.Unlock()

	var out []Record
	for _, seg := range segs {
		data, err := os.ReadFile(seg.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // compacted away
			}
			return nil, coreerr.Wrap(coreerr.IoFailure, "wal", "read segment", err)
		}
		off := 0
		for off < len(data) {
			r, n, err := Decode(data[off:])
			if err != nil {
				break // truncate at the last good record boundary
			}
			out = append(out, r)
			off += n
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LSN < out[j].LSN })
	return out, nil
}

// Close flushes and closes every open segment file.
func (w *Writer) Close() error {
	close(w.stopPeriodic)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != nil {
		w.active.file.Sync()
		return w.active.file.Close()
	}
	return nil
}
