// Package page implements the page-oriented file manager: fixed-size pages,
// a free-extent map, and adaptive file extension. It is the lowest layer of
// the storage core — the buffer pool (internal/buffer), WAL (internal/wal),
// and everything above address storage exclusively through a Store.
package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Size is the fixed page size in bytes. The spec fixes this at 4096; unlike
// the teacher (which supports 4 KiB–64 KiB pages), this format hard-codes
// one size so every file in a database shares the same page geometry.
const Size = 4096

// ID identifies a page within a single file. Page 0 is always the file
// header.
type ID uint64

// Invalid is the null page id.
const Invalid ID = 0

// HeaderSize is the size of the per-page common header written at the start
// of every page (distinct from the file header on page 0, see header.go).
// Layout mirrors the teacher's PageHeader (pager/page.go) widened to 64-bit
// page ids and LSNs:
//
//	[0:8]   PageID    uint64 LE
//	[8:16]  LSN       uint64 LE
//	[16]    PageKind  uint8
//	[17]    Flags     uint8
//	[18:20] Reserved  2 bytes
//	[20:24] CRC       uint32 LE (over the whole page, CRC field zeroed)
//	[24:32] Reserved  8 bytes
const HeaderSize = 32

// Kind identifies the contents of a page.
type Kind uint8

const (
	KindFileHeader Kind = iota
	KindData
	KindFreeExtentMap
	KindOverflow
)

func (k Kind) String() string {
	switch k {
	case KindFileHeader:
		return "FileHeader"
	case KindData:
		return "Data"
	case KindFreeExtentMap:
		return "FreeExtentMap"
	case KindOverflow:
		return "Overflow"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(k))
	}
}

// PageHeader is the common per-page header.
type PageHeader struct {
	ID    ID
	LSN   uint64
	Kind  Kind
	Flags uint8
	CRC   uint32
}

// MarshalPageHeader writes h into the first HeaderSize bytes of buf.
func MarshalPageHeader(h PageHeader, buf []byte) {
	if len(buf) < HeaderSize {
		panic("page: buffer too small for header")
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.ID))
	binary.LittleEndian.PutUint64(buf[8:16], h.LSN)
	buf[16] = byte(h.Kind)
	buf[17] = h.Flags
	binary.LittleEndian.PutUint32(buf[20:24], h.CRC)
}

// UnmarshalPageHeader reads a PageHeader from the first HeaderSize bytes of buf.
func UnmarshalPageHeader(buf []byte) PageHeader {
	return PageHeader{
		ID:    ID(binary.LittleEndian.Uint64(buf[0:8])),
		LSN:   binary.LittleEndian.Uint64(buf[8:16]),
		Kind:  Kind(buf[16]),
		Flags: buf[17],
		CRC:   binary.LittleEndian.Uint32(buf[20:24]),
	}
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeCRC computes the CRC32-C of a full page, treating the CRC field
// (bytes 20:24) as zero during computation — same convention as the
// teacher's ComputePageCRC (pager/page.go).
func ComputeCRC(buf []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(buf[:20])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[24:])
	return h.Sum32()
}

// SetCRC computes and stores the CRC into the page header.
func SetCRC(buf []byte) {
	binary.LittleEndian.PutUint32(buf[20:24], ComputeCRC(buf))
}

// VerifyCRC checks the CRC of buf against its stored value.
func VerifyCRC(buf []byte) error {
	stored := binary.LittleEndian.Uint32(buf[20:24])
	computed := ComputeCRC(buf)
	if stored != computed {
		return fmt.Errorf("page CRC mismatch: stored=%08x computed=%08x", stored, computed)
	}
	return nil
}

// New allocates a zeroed page buffer with its header pre-filled.
func New(kind Kind, id ID) []byte {
	buf := make([]byte, Size)
	MarshalPageHeader(PageHeader{Kind: kind, ID: id}, buf)
	return buf
}

// LSNOf reads the LSN stamped on a page buffer without fully unmarshalling it.
func LSNOf(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[8:16])
}

// SetLSN stamps an LSN onto a page buffer's header and recomputes its CRC.
func SetLSN(buf []byte, lsn uint64) {
	binary.LittleEndian.PutUint64(buf[8:16], lsn)
	SetCRC(buf)
}
