package page

import (
	"testing"

	"github.com/relstore/coredb/internal/coreerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{Directory: t.TempDir(), DatabaseID: 1})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestCreateFileThenOpen(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateFile("data.db", TypeData, DefaultExtensionConfig())
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	stats, err := s.Stats(id)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalPages != 1 {
		t.Fatalf("expected 1 total page for a fresh file, got %d", stats.TotalPages)
	}

	if _, err := s.CreateFile("data.db", TypeData, DefaultExtensionConfig()); !coreerr.Is(err, coreerr.AlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.OpenFile("missing.db"); !coreerr.Is(err, coreerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

// TestReadAfterWrite is testable property 6: read_page immediately after
// write_page returns the written bytes regardless of cache state.
func TestReadAfterWrite(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateFile("data.db", TypeData, DefaultExtensionConfig())
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	start, err := s.Allocate(id, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	want := New(KindData, start)
	copy(want[HeaderSize:HeaderSize+5], []byte("hello"))
	SetCRC(want)
	if err := s.Write(id, start, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(id, start)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got[HeaderSize:HeaderSize+5]) != "hello" {
		t.Fatalf("read-after-write mismatch: got %q", got[HeaderSize:HeaderSize+5])
	}
}

func TestReadOutOfRange(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateFile("data.db", TypeData, DefaultExtensionConfig())
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := s.Read(id, 999); !coreerr.Is(err, coreerr.OutOfRange) {
		t.Fatalf("expected OutOfRange, got %v", err)
	}
}

func TestWriteWrongSize(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateFile("data.db", TypeData, DefaultExtensionConfig())
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := s.Write(id, 0, []byte("too short")); !coreerr.Is(err, coreerr.Validation) {
		t.Fatalf("expected Validation, got %v", err)
	}
}

// TestAllocateTriggersExtension exercises the allocate-then-extend path
// when no free extent is large enough.
func TestAllocateTriggersExtension(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateFile("data.db", TypeData, ExtensionConfig{Policy: ExtensionFixed, FixedSize: 4})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	start, err := s.Allocate(id, 4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	stats, _ := s.Stats(id)
	if stats.TotalPages < 5 { // header page (1) + at least 4 extended
		t.Fatalf("expected file to grow, total pages = %d", stats.TotalPages)
	}
	if start < 1 {
		t.Fatalf("allocation should not return the header page, got %d", start)
	}
}

// TestFreeMapCoalescing is scenario S5 from spec §8.
func TestFreeMapCoalescing(t *testing.T) {
	fm := NewFreeMap()
	fm.Free(1, 10) // pretend pages [1,11) are free to start
	a, ok := fm.Allocate(10)
	if !ok || a != 1 {
		t.Fatalf("expected allocate 10 @1, got %d ok=%v", a, ok)
	}
	fm.Free(11, 5)
	b, ok := fm.Allocate(5)
	if !ok || b != 11 {
		t.Fatalf("expected allocate 5 @11, got %d ok=%v", b, ok)
	}
	fm.Free(1, 10)
	fm.Free(11, 5)
	ext := fm.Extents()
	if len(ext) != 1 || ext[0].Start != 1 || ext[0].Count != 15 {
		t.Fatalf("expected one coalesced extent (1,15), got %v", ext)
	}
}

func TestFreeMapNoOverlap(t *testing.T) {
	fm := NewFreeMap()
	fm.Free(100, 10)
	fm.Free(50, 10)
	fm.Free(200, 5)
	ext := fm.Extents()
	for i := 1; i < len(ext); i++ {
		if ext[i-1].Start+ID(ext[i-1].Count) > ext[i].Start {
			t.Fatalf("overlapping extents: %v", ext)
		}
	}
}
