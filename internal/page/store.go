package page

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relstore/coredb/internal/coreerr"
)

// FileID is a dense identifier assigned to every file opened or created
// within one Store.
type FileID uint32

// ExtensionConfig configures how a file grows when allocation fails.
type ExtensionConfig struct {
	Policy         ExtensionPolicy
	FixedSize      uint64 // pages added under ExtensionFixed
	MinExtension   uint64 // floor for Linear/Exponential/Adaptive, pages
	GrowthFactor   float64 // Exponential: new = max(min, (growth-1)*current)
	LinearFraction float64 // Linear: new = max(min, fraction*current)
}

// DefaultExtensionConfig mirrors the defaults implied by spec §4.A.
func DefaultExtensionConfig() ExtensionConfig {
	return ExtensionConfig{
		Policy:         ExtensionLinear,
		FixedSize:      128,
		MinExtension:   16,
		GrowthFactor:   1.5,
		LinearFraction: 0.1,
	}
}

// nextExtension computes how many pages to add given the current total and
// the extension policy, following spec §4.A verbatim.
func (c ExtensionConfig) nextExtension(current uint64, recentExtensions int) uint64 {
	switch c.Policy {
	case ExtensionFixed:
		return c.FixedSize
	case ExtensionLinear:
		v := uint64(math.Ceil(c.LinearFraction * float64(current)))
		if v < c.MinExtension {
			v = c.MinExtension
		}
		return v
	case ExtensionExponential:
		v := uint64(math.Ceil((c.GrowthFactor - 1) * float64(current)))
		if v < c.MinExtension {
			v = c.MinExtension
		}
		return v
	case ExtensionAdaptive:
		mult := uint64(1)
		switch {
		case recentExtensions > 10:
			mult = 3
		case recentExtensions > 3:
			mult = 2
		}
		return c.MinExtension * mult
	default:
		return c.MinExtension
	}
}

// File is an open file within the Store: its OS handle, header, and free map.
type File struct {
	mu       sync.RWMutex
	id       FileID
	name     string
	osFile   *os.File
	header   Header
	free     *FreeMap
	ext      ExtensionConfig
	writes   atomic.Uint64
	reads    atomic.Uint64
}

// Stats summarizes a file's current bookkeeping counters.
type Stats struct {
	TotalPages   uint64
	UsedPages    uint64
	FreePages    uint64
	WriteCount   uint64
	ReadCount    uint64
	LargestBlock uint64
}

// Store is the page-oriented file manager (spec §4.A). It owns a directory
// of page files, each independently extendable, each guarded by its own
// lock so unrelated files never contend.
type Store struct {
	mu       sync.RWMutex
	dir      string
	nextID   atomic.Uint32
	byID     map[FileID]*File
	byName   map[string]FileID
	dbID     uint32
	clock    func() time.Time
}

// Config configures a Store.
type Config struct {
	Directory  string
	DatabaseID uint32
	// Clock is overridable for deterministic tests; defaults to time.Now.
	Clock func() time.Time
}

// NewStore opens a page store rooted at cfg.Directory, creating it if absent.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Directory == "" {
		return nil, coreerr.New(coreerr.Validation, "page", "directory required")
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.IoFailure, "page", "create store directory", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		dir:    cfg.Directory,
		byID:   make(map[FileID]*File),
		byName: make(map[string]FileID),
		dbID:   cfg.DatabaseID,
		clock:  clock,
	}, nil
}

// CreateFile creates a new page file with a zeroed header page. Fails with
// coreerr.AlreadyExists if the name is already open or already on disk.
func (s *Store) CreateFile(name string, ftype Type, extCfg ExtensionConfig) (FileID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[name]; ok {
		return 0, coreerr.New(coreerr.AlreadyExists, "page", fmt.Sprintf("file %q already open", name))
	}
	path := s.pathFor(name)
	if _, err := os.Stat(path); err == nil {
		return 0, coreerr.New(coreerr.AlreadyExists, "page", fmt.Sprintf("file %q exists on disk", name))
	}

	osf, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.IoFailure, "page", "create file", err)
	}

	now := uint64(s.clock().Unix())
	h := Header{
		Version:      CurrentVersion,
		PageSize:     Size,
		TotalPages:   1,
		UsedPages:    1,
		FreePages:    0,
		FileType:     ftype,
		FileState:    StateActive,
		DatabaseID:   s.dbID,
		FileSequence: s.nextID.Load(),
		CreatedAt:    now,
		ModifiedAt:   now,
		LastCheckAt:  now,
		Flags:        FlagChecksumEnabled,
	}
	buf := MarshalHeader(h)
	if _, err := osf.WriteAt(buf, 0); err != nil {
		osf.Close()
		return 0, coreerr.Wrap(coreerr.IoFailure, "page", "write header", err)
	}
	if err := osf.Sync(); err != nil {
		osf.Close()
		return 0, coreerr.Wrap(coreerr.IoFailure, "page", "sync header", err)
	}

	id := FileID(s.nextID.Add(1))
	f := &File{id: id, name: name, osFile: osf, header: h, free: NewFreeMap(), ext: extCfg}
	s.byID[id] = f
	s.byName[name] = id
	return id, nil
}

// OpenFile opens an existing page file and validates its header.
func (s *Store) OpenFile(name string) (FileID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byName[name]; ok {
		return id, nil
	}
	path := s.pathFor(name)
	osf, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, coreerr.New(coreerr.NotFound, "page", fmt.Sprintf("file %q not found", name))
		}
		return 0, coreerr.Wrap(coreerr.IoFailure, "page", "open file", err)
	}
	hdrBuf := make([]byte, Size)
	if _, err := osf.ReadAt(hdrBuf, 0); err != nil {
		osf.Close()
		return 0, coreerr.Wrap(coreerr.IoFailure, "page", "read header", err)
	}
	h, err := UnmarshalHeader(hdrBuf)
	if err != nil {
		osf.Close()
		return 0, coreerr.Wrap(coreerr.Corrupted, "page", "validate header", err)
	}

	id := FileID(s.nextID.Add(1))
	f := &File{id: id, name: name, osFile: osf, header: h, free: NewFreeMap(), ext: DefaultExtensionConfig()}

	if ID(h.FreePageMapStart) != Invalid {
		if err := s.loadFreeMap(f); err != nil {
			osf.Close()
			return 0, coreerr.Wrap(coreerr.Corrupted, "page", "load free map", err)
		}
	}

	s.byID[id] = f
	s.byName[name] = id
	return id, nil
}

func (s *Store) loadFreeMap(f *File) error {
	pid := ID(f.header.FreePageMapStart)
	remaining := f.header.FreePageMapPages
	for remaining > 0 && pid != Invalid {
		buf := make([]byte, Size)
		if _, err := f.osFile.ReadAt(buf, int64(pid)*Size); err != nil {
			return err
		}
		extents, err := UnmarshalExtentMapPage(buf)
		if err != nil {
			return err
		}
		for _, e := range extents {
			f.free.Free(e.Start, e.Count)
		}
		remaining--
		pid++ // free-map pages are written contiguously, see flushHeaderLocked
	}
	return nil
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) file(id FileID) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.byID[id]
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "page", fmt.Sprintf("file id %d not open", id))
	}
	return f, nil
}

// Allocate reserves count contiguous pages in fileID, extending the file if
// necessary, and returns the starting page id (spec §4.A Guarantees).
func (s *Store) Allocate(fileID FileID, count uint64) (ID, error) {
	f, err := s.file(fileID)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if start, ok := f.free.Allocate(count); ok {
		f.header.UsedPages += count
		f.header.FreePages -= count
		return start, nil
	}
	if err := s.extendLocked(f, count); err != nil {
		return 0, err
	}
	start, ok := f.free.Allocate(count)
	if !ok {
		return 0, coreerr.New(coreerr.Internal, "page", "extension did not yield enough free pages")
	}
	f.header.UsedPages += count
	f.header.FreePages -= count
	return start, nil
}

func (s *Store) extendLocked(f *File, want uint64) error {
	recent := 0
	cutoff := s.clock().Add(-time.Hour).Unix()
	for _, h := range f.free.History() {
		if h.Timestamp >= cutoff {
			recent++
		}
	}
	addPages := f.ext.nextExtension(f.header.TotalPages, recent)
	if addPages < want {
		addPages = want
	}
	oldTotal := f.header.TotalPages
	newTotal := oldTotal + addPages

	if f.header.MaxPages != 0 && newTotal > f.header.MaxPages {
		return coreerr.New(coreerr.Overloaded, "page", "file extension would exceed max_pages")
	}

	if err := f.osFile.Truncate(int64(newTotal) * Size); err != nil {
		return coreerr.Wrap(coreerr.IoFailure, "page", "extend file", err)
	}
	f.free.Free(ID(oldTotal), addPages)
	f.header.TotalPages = newTotal
	f.header.FreePages += addPages
	f.free.RecordExtension(ExtentHistoryEntry{
		Timestamp: s.clock().Unix(),
		OldPages:  oldTotal,
		NewPages:  newTotal,
		Reason:    "allocate: no extent large enough",
	})
	return s.flushHeaderLocked(f)
}

// NeedsPreExtension reports whether used/total exceeds the 0.8 threshold
// spec §4.A recommends pre-extension at.
func (f *File) NeedsPreExtension() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.header.TotalPages == 0 {
		return false
	}
	return float64(f.header.UsedPages)/float64(f.header.TotalPages) > 0.8
}

// Free returns a run of pages to fileID's free map.
func (s *Store) Free(fileID FileID, start ID, count uint64) error {
	f, err := s.file(fileID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free.Free(start, count)
	f.header.UsedPages -= count
	f.header.FreePages += count
	return nil
}

// Read returns the contents of one page. Fails coreerr.OutOfRange if
// pageID >= total_pages.
func (s *Store) Read(fileID FileID, pageID ID) ([]byte, error) {
	f, err := s.file(fileID)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	total := f.header.TotalPages
	f.mu.RUnlock()
	if uint64(pageID) >= total {
		return nil, coreerr.New(coreerr.OutOfRange, "page", fmt.Sprintf("page %d >= total_pages %d", pageID, total))
	}
	buf := make([]byte, Size)
	if _, err := f.osFile.ReadAt(buf, int64(pageID)*Size); err != nil {
		return nil, coreerr.Wrap(coreerr.IoFailure, "page", "read page", err)
	}
	f.reads.Add(1)
	f.mu.Lock()
	f.header.ReadCount++
	f.mu.Unlock()
	return buf, nil
}

// Write overwrites one page. len(buf) must equal Size.
func (s *Store) Write(fileID FileID, pageID ID, buf []byte) error {
	if len(buf) != Size {
		return coreerr.New(coreerr.Validation, "page", fmt.Sprintf("write requires %d bytes, got %d", Size, len(buf)))
	}
	f, err := s.file(fileID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if uint64(pageID) >= f.header.TotalPages {
		return coreerr.New(coreerr.OutOfRange, "page", fmt.Sprintf("page %d >= total_pages %d", pageID, f.header.TotalPages))
	}
	if _, err := f.osFile.WriteAt(buf, int64(pageID)*Size); err != nil {
		return coreerr.Wrap(coreerr.IoFailure, "page", "write page", err)
	}
	f.writes.Add(1)
	f.header.WriteCount++
	f.header.ModifiedAt = uint64(s.clock().Unix())
	return nil
}

// Sync flushes OS buffers for the file.
func (s *Store) Sync(fileID FileID) error {
	f, err := s.file(fileID)
	if err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.osFile.Sync(); err != nil {
		return coreerr.Wrap(coreerr.IoFailure, "page", "sync file", err)
	}
	return nil
}

// Stats returns the current bookkeeping counters for a file.
func (s *Store) Stats(fileID FileID) (Stats, error) {
	f, err := s.file(fileID)
	if err != nil {
		return Stats{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{
		TotalPages:   f.header.TotalPages,
		UsedPages:    f.header.UsedPages,
		FreePages:    f.header.FreePages,
		WriteCount:   f.header.WriteCount,
		ReadCount:    f.header.ReadCount,
		LargestBlock: f.free.LargestBlock(),
	}, nil
}

// flushHeaderLocked persists the free map into dedicated pages and rewrites
// the file header to point at them (spec §4.A "Serialized ... on every
// header update"). Caller must hold f.mu.
func (s *Store) flushHeaderLocked(f *File) error {
	extents := f.free.Extents()
	perPage := EntriesPerPage()
	var mapPages [][]byte
	startID := ID(f.header.TotalPages)
	// Map pages are placed past the current end of the file, extending it by
	// exactly the pages the map needs, rather than taken from the free map,
	// so they need no free-map bookkeeping of their own.
	_ = startID

	needed := uint64(0)
	if len(extents) > 0 {
		needed = uint64((len(extents) + perPage - 1) / perPage)
	}
	if needed > 0 {
		if ID(f.header.FreePageMapStart) == Invalid || uint64(f.header.FreePageMapPages) < needed {
			// Grow the file to host the map pages, outside the free map
			// itself (these pages are never returned by Allocate).
			base := f.header.TotalPages
			if err := f.osFile.Truncate(int64(base+needed) * Size); err != nil {
				return coreerr.Wrap(coreerr.IoFailure, "page", "extend for free map", err)
			}
			f.header.TotalPages = base + needed
			f.header.FreePageMapStart = base
			f.header.FreePageMapPages = uint32(needed)
		}
		pid := ID(f.header.FreePageMapStart)
		for i := 0; i < len(extents); i += perPage {
			end := i + perPage
			if end > len(extents) {
				end = len(extents)
			}
			buf := MarshalExtentMapPage(pid, true, f.free.TotalFree(), f.free.LargestBlock(), s.clock().Unix(), extents[i:end])
			mapPages = append(mapPages, buf)
			pid++
		}
		for i, buf := range mapPages {
			off := int64(ID(f.header.FreePageMapStart)+ID(i)) * Size
			if _, err := f.osFile.WriteAt(buf, off); err != nil {
				return coreerr.Wrap(coreerr.IoFailure, "page", "write free map", err)
			}
		}
	}

	f.header.ModifiedAt = uint64(s.clock().Unix())
	hdrBuf := MarshalHeader(f.header)
	if _, err := f.osFile.WriteAt(hdrBuf, 0); err != nil {
		return coreerr.Wrap(coreerr.IoFailure, "page", "rewrite header", err)
	}
	return f.osFile.Sync()
}

// Flush persists a file's header and free map immediately.
func (s *Store) Flush(fileID FileID) error {
	f, err := s.file(fileID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return s.flushHeaderLocked(f)
}

// Close closes every open file in the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.byID {
		if err := s.flushHeaderLocked(f); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.osFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PageSizeBytes returns the fixed page size (exported for callers that want
// to avoid importing the page package just for the constant).
func PageSizeBytes() int { return Size }
