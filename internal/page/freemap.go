package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// Extent is a contiguous run of free pages [Start, Start+Count).
type Extent struct {
	Start ID
	Count uint64
}

// ExtentHistoryEntry records one file-extension event (bounded ring, spec §4.A).
type ExtentHistoryEntry struct {
	Timestamp int64
	OldPages  uint64
	NewPages  uint64
	Reason    string
}

const maxExtensionHistory = 1000

// FreeMap is the in-memory sorted, non-overlapping set of free extents for
// one file, generalizing the teacher's single-page free-list
// (pager/freelist.go) to page runs so large allocations don't require one
// entry per page. A guarded exclusive mutex serializes mutation; reads take
// the read lock, matching the "mutate exclusive / lookup read-shared" rule
// in spec §5.
type FreeMap struct {
	mu       sync.RWMutex
	extents  []Extent // sorted by Start, no two overlap, no two adjacent
	bitmap   map[ID]bool
	history  []ExtentHistoryEntry
	fileID   uint32
	pageSize int
}

// NewFreeMap creates an empty free map for a file.
func NewFreeMap() *FreeMap {
	return &FreeMap{bitmap: make(map[ID]bool)}
}

// Allocate finds the first extent with Count >= want using first-fit,
// splits it if it's larger than needed, and returns the starting page.
// Returns (0, false) when no extent is big enough.
func (fm *FreeMap) Allocate(want uint64) (ID, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	for i, e := range fm.extents {
		if e.Count >= want {
			start := e.Start
			if e.Count == want {
				fm.extents = append(fm.extents[:i], fm.extents[i+1:]...)
			} else {
				fm.extents[i] = Extent{Start: e.Start + ID(want), Count: e.Count - want}
			}
			for p := start; p < start+ID(want); p++ {
				delete(fm.bitmap, p)
			}
			return start, true
		}
	}
	return 0, false
}

// Free returns a run of pages to the map, eagerly coalescing with any
// adjacent free neighbors (spec §3 FreeExtent invariant).
func (fm *FreeMap) Free(start ID, count uint64) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.insertLocked(Extent{Start: start, Count: count})
}

func (fm *FreeMap) insertLocked(e Extent) {
	// Find insertion point keeping fm.extents sorted by Start.
	i := sort.Search(len(fm.extents), func(i int) bool { return fm.extents[i].Start >= e.Start })
	fm.extents = append(fm.extents, Extent{})
	copy(fm.extents[i+1:], fm.extents[i:])
	fm.extents[i] = e

	// Coalesce with the following neighbor.
	if i+1 < len(fm.extents) {
		next := fm.extents[i+1]
		if e.Start+ID(e.Count) == next.Start {
			fm.extents[i].Count += next.Count
			fm.extents = append(fm.extents[:i+1], fm.extents[i+2:]...)
		}
	}
	// Coalesce with the preceding neighbor.
	if i > 0 {
		prev := fm.extents[i-1]
		cur := fm.extents[i]
		if prev.Start+ID(prev.Count) == cur.Start {
			fm.extents[i-1].Count += cur.Count
			fm.extents = append(fm.extents[:i], fm.extents[i+1:]...)
		}
	}
	for p := e.Start; p < e.Start+ID(e.Count); p++ {
		fm.bitmap[p] = true
	}
}

// LargestBlock returns the size of the largest free extent, used to decide
// whether pre-extension is warranted.
func (fm *FreeMap) LargestBlock() uint64 {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	var largest uint64
	for _, e := range fm.extents {
		if e.Count > largest {
			largest = e.Count
		}
	}
	return largest
}

// TotalFree returns the sum of all free pages across extents.
func (fm *FreeMap) TotalFree() uint64 {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	var total uint64
	for _, e := range fm.extents {
		total += e.Count
	}
	return total
}

// Extents returns a copy of the current extent list (sorted by Start).
func (fm *FreeMap) Extents() []Extent {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	out := make([]Extent, len(fm.extents))
	copy(out, fm.extents)
	return out
}

// RecordExtension appends an extension event to the bounded history,
// evicting the oldest entry once the history reaches maxExtensionHistory.
func (fm *FreeMap) RecordExtension(e ExtentHistoryEntry) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.history = append(fm.history, e)
	if len(fm.history) > maxExtensionHistory {
		fm.history = fm.history[len(fm.history)-maxExtensionHistory:]
	}
}

// History returns a copy of the bounded extension history.
func (fm *FreeMap) History() []ExtentHistoryEntry {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	out := make([]ExtentHistoryEntry, len(fm.history))
	copy(out, fm.history)
	return out
}

// ───────────────────────────────────────────────────────────────────────────
// Serialization — free-page-map page layout (spec §6)
// ───────────────────────────────────────────────────────────────────────────
//
//	Per-page payload (after the common PageHeader, offset HeaderSize):
//	  [0:4]   Magic         uint32 LE (0x46524545, "FREE")
//	  [4:6]   Version       uint16 LE
//	  [6:10]  EntryCount    uint32 LE
//	  [10:14] Active        uint32 LE (1 = this page is in use)
//	  [14:22] TotalFree     uint64 LE
//	  [22:26] LargestBlock  uint32 LE
//	  [26:34] LastUpdated   uint64 LE (unix seconds)
//	  [34:38] Checksum      uint32 LE (CRC32-C over [0:34])
//	  entries starting at offset 38: {StartPage u64, PageCount u32, Priority u8, Flags u8}

const freeMapMagic uint32 = 0x46524545

const (
	fmPayloadOff   = HeaderSize
	fmMagicOff     = fmPayloadOff + 0
	fmVersionOff   = fmPayloadOff + 4
	fmEntryCntOff  = fmPayloadOff + 6
	fmActiveOff    = fmPayloadOff + 10
	fmTotalFreeOff = fmPayloadOff + 14
	fmLargestOff   = fmPayloadOff + 22
	fmUpdatedOff   = fmPayloadOff + 26
	fmChecksumOff  = fmPayloadOff + 34
	fmEntriesOff   = fmPayloadOff + 38
	fmEntrySize    = 8 + 4 + 1 + 1 // 14 bytes
)

// EntriesPerPage returns how many free-extent entries fit in one free-map page.
func EntriesPerPage() int {
	return (Size - fmEntriesOff) / fmEntrySize
}

// MarshalExtentMapPage serializes a chunk of extents into one free-map page.
func MarshalExtentMapPage(id ID, active bool, totalFree uint64, largest uint64, updatedAt int64, chunk []Extent) []byte {
	buf := New(KindFreeExtentMap, id)
	binary.LittleEndian.PutUint32(buf[fmMagicOff:], freeMapMagic)
	binary.LittleEndian.PutUint16(buf[fmVersionOff:], 1)
	binary.LittleEndian.PutUint32(buf[fmEntryCntOff:], uint32(len(chunk)))
	activeVal := uint32(0)
	if active {
		activeVal = 1
	}
	binary.LittleEndian.PutUint32(buf[fmActiveOff:], activeVal)
	binary.LittleEndian.PutUint64(buf[fmTotalFreeOff:], totalFree)
	binary.LittleEndian.PutUint32(buf[fmLargestOff:], uint32(largest))
	binary.LittleEndian.PutUint64(buf[fmUpdatedOff:], uint64(updatedAt))

	off := fmEntriesOff
	for _, e := range chunk {
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.Start))
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(e.Count))
		buf[off+12] = 0 // priority, unused by the core
		buf[off+13] = 0 // flags, unused by the core
		off += fmEntrySize
	}

	binary.LittleEndian.PutUint32(buf[fmChecksumOff:], crcPayload(buf[fmPayloadOff:fmChecksumOff]))
	SetCRC(buf)
	return buf
}

func crcPayload(b []byte) uint32 {
	return computeCRCRaw(b)
}

// UnmarshalExtentMapPage parses a free-map page back into its extents.
// It validates the embedded magic, payload checksum, and non-overlap of
// the decoded extents (spec §4.A "Invariants enforced on load").
func UnmarshalExtentMapPage(buf []byte) ([]Extent, error) {
	if err := VerifyCRC(buf); err != nil {
		return nil, fmt.Errorf("freemap page: %w", err)
	}
	magic := binary.LittleEndian.Uint32(buf[fmMagicOff:])
	if magic != freeMapMagic {
		return nil, fmt.Errorf("freemap page: bad magic %08x", magic)
	}
	stored := binary.LittleEndian.Uint32(buf[fmChecksumOff:])
	computed := crcPayload(buf[fmPayloadOff:fmChecksumOff])
	if stored != computed {
		return nil, fmt.Errorf("freemap page: payload checksum mismatch")
	}
	count := int(binary.LittleEndian.Uint32(buf[fmEntryCntOff:]))
	out := make([]Extent, 0, count)
	off := fmEntriesOff
	for i := 0; i < count; i++ {
		start := ID(binary.LittleEndian.Uint64(buf[off:]))
		cnt := uint64(binary.LittleEndian.Uint32(buf[off+8:]))
		out = append(out, Extent{Start: start, Count: cnt})
		off += fmEntrySize
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	for i := 1; i < len(out); i++ {
		if out[i-1].Start+ID(out[i-1].Count) > out[i].Start {
			return nil, fmt.Errorf("freemap page: overlapping extents %v and %v", out[i-1], out[i])
		}
	}
	return out, nil
}

// computeCRCRaw computes CRC32-C over an arbitrary byte slice (used for the
// free-map payload checksum, which covers a sub-range rather than a whole page).
func computeCRCRaw(b []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(b)
	return h.Sum32()
}
