package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Magic identifies a valid database file, encoded "RUST" as a big-endian
// uint32 per the external file format (spec §6).
const Magic uint32 = 0x52555354

// CurrentVersion is the on-disk file-header format version this build
// writes and the only version it accepts on open.
const CurrentVersion uint16 = 1

// Type classifies what a file is used for.
type Type uint8

const (
	TypeData Type = iota
	TypeIndex
	TypeLog
	TypeTemporary
	TypeSystem
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "Data"
	case TypeIndex:
		return "Index"
	case TypeLog:
		return "Log"
	case TypeTemporary:
		return "Temporary"
	case TypeSystem:
		return "System"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// State is a file's lifecycle state.
type State uint8

const (
	StateCreating State = iota
	StateActive
	StateReadOnly
	StateMarkedForDeletion
	StateCorrupted
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "Creating"
	case StateActive:
		return "Active"
	case StateReadOnly:
		return "ReadOnly"
	case StateMarkedForDeletion:
		return "MarkedForDeletion"
	case StateCorrupted:
		return "Corrupted"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Flag bits stored in the file header.
type Flag uint32

const (
	FlagCompressed Flag = 1 << iota
	FlagEncrypted
	FlagChecksumEnabled
	FlagDebug
)

// ExtensionPolicy selects how a file grows when it runs out of free pages.
type ExtensionPolicy uint8

const (
	ExtensionFixed ExtensionPolicy = iota
	ExtensionLinear
	ExtensionExponential
	ExtensionAdaptive
)

func (p ExtensionPolicy) String() string {
	switch p {
	case ExtensionFixed:
		return "Fixed"
	case ExtensionLinear:
		return "Linear"
	case ExtensionExponential:
		return "Exponential"
	case ExtensionAdaptive:
		return "Adaptive"
	default:
		return fmt.Sprintf("ExtensionPolicy(%d)", uint8(p))
	}
}

// Header is the parsed contents of page 0 of every file (spec §6). Offsets
// below are listed for documentation; Marshal/Unmarshal are the sole source
// of truth for the wire layout.
//
//	0       4   Magic              uint32 LE ("RUST")
//	4       2   Version            uint16 LE
//	6       2   Subversion         uint16 LE
//	8       4   PageSize           uint32 LE (= 4096)
//	12      8   TotalPages         uint64 LE
//	20      8   UsedPages          uint64 LE
//	28      8   FreePages          uint64 LE
//	36      1   FileType           uint8
//	37      1   FileState          uint8
//	38      4   DatabaseID         uint32 LE
//	42      4   FileSequence       uint32 LE
//	46      8   CatalogRootPage    uint64 LE
//	54      8   FreePageMapStart   uint64 LE
//	62      4   FreePageMapPages   uint32 LE
//	66      8   MaxPages           uint64 LE (0 = unbounded)
//	74      4   ExtensionSize      uint32 LE
//	78      1   ExtensionPolicy    uint8
//	79      8   CreatedAt          uint64 LE (unix seconds)
//	87      8   ModifiedAt         uint64 LE
//	95      8   LastCheckAt        uint64 LE
//	103     8   WriteCount         uint64 LE
//	111     8   ReadCount          uint64 LE
//	119     4   Flags              uint32 LE
//	123     4   Checksum           uint32 LE (CRC32-C over bytes [0:123])
//	127     ≥64 Reserved           zero-padded
type Header struct {
	Version          uint16
	Subversion       uint16
	PageSize         uint32
	TotalPages       uint64
	UsedPages        uint64
	FreePages        uint64
	FileType         Type
	FileState        State
	DatabaseID       uint32
	FileSequence     uint32
	CatalogRootPage  uint64
	FreePageMapStart uint64
	FreePageMapPages uint32
	MaxPages         uint64
	ExtensionSize    uint32
	ExtensionPolicy  ExtensionPolicy
	CreatedAt        uint64
	ModifiedAt       uint64
	LastCheckAt      uint64
	WriteCount       uint64
	ReadCount        uint64
	Flags            Flag
}

const (
	hMagicOff       = 0
	hVersionOff     = 4
	hSubversionOff  = 6
	hPageSizeOff    = 8
	hTotalPagesOff  = 12
	hUsedPagesOff   = 20
	hFreePagesOff   = 28
	hFileTypeOff    = 36
	hFileStateOff   = 37
	hDatabaseIDOff  = 38
	hFileSeqOff     = 42
	hCatalogRootOff = 46
	hFreeMapStart   = 54
	hFreeMapPages   = 62
	hMaxPagesOff    = 66
	hExtSizeOff     = 74
	hExtPolicyOff   = 78
	hCreatedAtOff   = 79
	hModifiedAtOff  = 87
	hLastCheckOff   = 95
	hWriteCountOff  = 103
	hReadCountOff   = 111
	hFlagsOff       = 119
	hChecksumOff    = 123
	hChecksummedLen = hChecksumOff
	hMinReserved    = 64
	hTotalLen       = hChecksumOff + 4 + hMinReserved // must fit within Size
)

// MarshalHeader serializes h into a full Size-byte page buffer.
func MarshalHeader(h Header) []byte {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint32(buf[hMagicOff:], Magic)
	binary.LittleEndian.PutUint16(buf[hVersionOff:], h.Version)
	binary.LittleEndian.PutUint16(buf[hSubversionOff:], h.Subversion)
	binary.LittleEndian.PutUint32(buf[hPageSizeOff:], h.PageSize)
	binary.LittleEndian.PutUint64(buf[hTotalPagesOff:], h.TotalPages)
	binary.LittleEndian.PutUint64(buf[hUsedPagesOff:], h.UsedPages)
	binary.LittleEndian.PutUint64(buf[hFreePagesOff:], h.FreePages)
	buf[hFileTypeOff] = byte(h.FileType)
	buf[hFileStateOff] = byte(h.FileState)
	binary.LittleEndian.PutUint32(buf[hDatabaseIDOff:], h.DatabaseID)
	binary.LittleEndian.PutUint32(buf[hFileSeqOff:], h.FileSequence)
	binary.LittleEndian.PutUint64(buf[hCatalogRootOff:], h.CatalogRootPage)
	binary.LittleEndian.PutUint64(buf[hFreeMapStart:], h.FreePageMapStart)
	binary.LittleEndian.PutUint32(buf[hFreeMapPages:], h.FreePageMapPages)
	binary.LittleEndian.PutUint64(buf[hMaxPagesOff:], h.MaxPages)
	binary.LittleEndian.PutUint32(buf[hExtSizeOff:], h.ExtensionSize)
	buf[hExtPolicyOff] = byte(h.ExtensionPolicy)
	binary.LittleEndian.PutUint64(buf[hCreatedAtOff:], h.CreatedAt)
	binary.LittleEndian.PutUint64(buf[hModifiedAtOff:], h.ModifiedAt)
	binary.LittleEndian.PutUint64(buf[hLastCheckOff:], h.LastCheckAt)
	binary.LittleEndian.PutUint64(buf[hWriteCountOff:], h.WriteCount)
	binary.LittleEndian.PutUint64(buf[hReadCountOff:], h.ReadCount)
	binary.LittleEndian.PutUint32(buf[hFlagsOff:], uint32(h.Flags))

	crc := crc32.Checksum(buf[:hChecksummedLen], crcTable)
	binary.LittleEndian.PutUint32(buf[hChecksumOff:], crc)
	return buf
}

// UnmarshalHeader parses and validates page 0 of a file. It returns a
// coreerr-Corrupted-flavoured error on bad magic, unknown version, or a
// checksum mismatch (callers are expected to wrap with coreerr.Corrupted).
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < hTotalLen {
		return Header{}, fmt.Errorf("file header: page too small (%d bytes)", len(buf))
	}
	magic := binary.LittleEndian.Uint32(buf[hMagicOff:])
	if magic != Magic {
		return Header{}, fmt.Errorf("file header: bad magic %08x", magic)
	}
	stored := binary.LittleEndian.Uint32(buf[hChecksumOff:])
	computed := crc32.Checksum(buf[:hChecksummedLen], crcTable)
	if stored != computed {
		return Header{}, fmt.Errorf("file header: checksum mismatch: stored=%08x computed=%08x", stored, computed)
	}
	h := Header{
		Version:          binary.LittleEndian.Uint16(buf[hVersionOff:]),
		Subversion:       binary.LittleEndian.Uint16(buf[hSubversionOff:]),
		PageSize:         binary.LittleEndian.Uint32(buf[hPageSizeOff:]),
		TotalPages:       binary.LittleEndian.Uint64(buf[hTotalPagesOff:]),
		UsedPages:        binary.LittleEndian.Uint64(buf[hUsedPagesOff:]),
		FreePages:        binary.LittleEndian.Uint64(buf[hFreePagesOff:]),
		FileType:         Type(buf[hFileTypeOff]),
		FileState:        State(buf[hFileStateOff]),
		DatabaseID:       binary.LittleEndian.Uint32(buf[hDatabaseIDOff:]),
		FileSequence:     binary.LittleEndian.Uint32(buf[hFileSeqOff:]),
		CatalogRootPage:  binary.LittleEndian.Uint64(buf[hCatalogRootOff:]),
		FreePageMapStart: binary.LittleEndian.Uint64(buf[hFreeMapStart:]),
		FreePageMapPages: binary.LittleEndian.Uint32(buf[hFreeMapPages:]),
		MaxPages:         binary.LittleEndian.Uint64(buf[hMaxPagesOff:]),
		ExtensionSize:    binary.LittleEndian.Uint32(buf[hExtSizeOff:]),
		ExtensionPolicy:  ExtensionPolicy(buf[hExtPolicyOff]),
		CreatedAt:        binary.LittleEndian.Uint64(buf[hCreatedAtOff:]),
		ModifiedAt:       binary.LittleEndian.Uint64(buf[hModifiedAtOff:]),
		LastCheckAt:      binary.LittleEndian.Uint64(buf[hLastCheckOff:]),
		WriteCount:       binary.LittleEndian.Uint64(buf[hWriteCountOff:]),
		ReadCount:        binary.LittleEndian.Uint64(buf[hReadCountOff:]),
		Flags:            Flag(binary.LittleEndian.Uint32(buf[hFlagsOff:])),
	}
	if h.Version != CurrentVersion {
		return Header{}, fmt.Errorf("file header: unsupported version %d", h.Version)
	}
	if h.PageSize != Size {
		return Header{}, fmt.Errorf("file header: unexpected page size %d", h.PageSize)
	}
	return h, nil
}
