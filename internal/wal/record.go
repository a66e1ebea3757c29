// Package wal implements the write-ahead log: an append-only, monotonically
// numbered record stream (spec §4.C) plus the transaction state machine
// built on top of it (spec §4.D). It is grounded on the teacher's
// pager/wal.go (record framing, segment header) and storage/wal_advanced.go
// (per-transaction bookkeeping, typed operations), generalized from single
// full-page images to the record taxonomy spec §3 requires.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// LSN is a globally monotonic, dense log sequence number.
type LSN uint64

// TxID identifies a transaction.
type TxID uint64

// RecordType tags a LogRecord's payload shape (spec §3).
type RecordType uint8

const (
	TxBegin RecordType = iota + 1
	TxCommit
	TxAbort
	DataInsert
	DataUpdate
	DataDelete
	Checkpoint
	CheckpointEnd
	FileCreate
	FileDelete
	FileExtend
	MetadataUpdate
	Compaction
)

func (t RecordType) String() string {
	switch t {
	case TxBegin:
		return "TxBegin"
	case TxCommit:
		return "TxCommit"
	case TxAbort:
		return "TxAbort"
	case DataInsert:
		return "DataInsert"
	case DataUpdate:
		return "DataUpdate"
	case DataDelete:
		return "DataDelete"
	case Checkpoint:
		return "Checkpoint"
	case CheckpointEnd:
		return "CheckpointEnd"
	case FileCreate:
		return "FileCreate"
	case FileDelete:
		return "FileDelete"
	case FileExtend:
		return "FileExtend"
	case MetadataUpdate:
		return "MetadataUpdate"
	case Compaction:
		return "Compaction"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Priority mirrors the buffer package's request priorities so that WAL
// records inherit the same Critical > High > Normal > Low ordering.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// UndoMeta, when set on a DataDelete record produced during crash recovery,
// marks it as a compensation log record (spec §4.H, "recommended"): a CLR
// so a crash during recovery's undo phase can resume instead of re-undoing
// already-undone work.
type UndoMeta struct {
	IsCompensation bool
	UndoNextLSN    LSN // the prev_lsn to resume undo from, once this CLR is itself applied
}

// Record is one immutable, self-describing WAL entry (spec §3).
type Record struct {
	LSN       LSN
	PrevLSN   LSN // 0 if this is the first record for the transaction
	TxID      TxID
	HasTxID   bool
	Type      RecordType
	Timestamp int64 // unix nanoseconds
	Priority  Priority
	Payload   []byte
	Undo      *UndoMeta
	Checksum  uint32
}

// RequiresImmediateFlush reports whether this record must be durable before
// its appender's call returns, per spec §4.C's OnCommit sync policy.
func (r Record) RequiresImmediateFlush() bool {
	switch r.Type {
	case TxCommit, TxAbort, Checkpoint, CheckpointEnd:
		return true
	}
	return r.Priority == PriorityCritical
}

// ───────────────────────────────────────────────────────────────────────────
// Wire framing — spec §6 "a sequence of framed records {length|payload|checksum}"
// ───────────────────────────────────────────────────────────────────────────
//
// Record frame (after the 4-byte length prefix):
//
//	[0:8]   LSN         uint64 LE
//	[8:16]  PrevLSN     uint64 LE
//	[16:24] TxID        uint64 LE (0 and HasTxID=false for tx-less records)
//	[24]    HasTxID     uint8 (0/1)
//	[25]    Type        uint8
//	[26]    Priority    uint8
//	[27]    HasUndo     uint8 (0 = none, 1 = UndoMeta, 2 = UndoMeta marking a compensation record)
//	[28:36] Timestamp   int64 LE
//	[36:44] UndoNextLSN uint64 LE (valid iff HasUndo)
//	[44:48] PayloadLen  uint32 LE
//	[48:48+PayloadLen]  Payload
//	trailing 4 bytes: Checksum uint32 LE, CRC32-C over everything above

const fixedFrameLen = 48

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Encode serializes r into a self-framed byte slice: a 4-byte little-endian
// length prefix followed by the record body and trailing checksum.
func Encode(r Record) []byte {
	bodyLen := fixedFrameLen + len(r.Payload)
	body := make([]byte, bodyLen+4) // +4 for the checksum trailer
	binary.LittleEndian.PutUint64(body[0:8], uint64(r.LSN))
	binary.LittleEndian.PutUint64(body[8:16], uint64(r.PrevLSN))
	binary.LittleEndian.PutUint64(body[16:24], uint64(r.TxID))
	if r.HasTxID {
		body[24] = 1
	}
	body[25] = byte(r.Type)
	body[26] = byte(r.Priority)
	var undoNext LSN
	if r.Undo != nil {
		body[27] = 1
		undoNext = r.Undo.UndoNextLSN
		if r.Undo.IsCompensation {
			body[27] = 2
		}
	}
	binary.LittleEndian.PutUint64(body[28:36], uint64(r.Timestamp))
	binary.LittleEndian.PutUint64(body[36:44], uint64(undoNext))
	binary.LittleEndian.PutUint32(body[44:48], uint32(len(r.Payload)))
	copy(body[48:bodyLen], r.Payload)

	crc := crc32.Checksum(body[:bodyLen], crcTable)
	binary.LittleEndian.PutUint32(body[bodyLen:], crc)

	framed := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(framed[0:4], uint32(len(body)))
	copy(framed[4:], body)
	return framed
}

// Decode parses one framed record starting at the beginning of buf, and
// returns the number of bytes consumed. It validates the checksum.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < 4 {
		return Record{}, 0, fmt.Errorf("wal: truncated length prefix")
	}
	bodyLen := int(binary.LittleEndian.Uint32(buf[0:4]))
	if bodyLen < fixedFrameLen+4 || len(buf) < 4+bodyLen {
		return Record{}, 0, fmt.Errorf("wal: truncated record body")
	}
	body := buf[4 : 4+bodyLen]
	payloadLen := int(binary.LittleEndian.Uint32(body[44:48]))
	if fixedFrameLen+payloadLen+4 != bodyLen {
		return Record{}, 0, fmt.Errorf("wal: payload length mismatch")
	}

	stored := binary.LittleEndian.Uint32(body[bodyLen-4:])
	computed := crc32.Checksum(body[:bodyLen-4], crcTable)
	if stored != computed {
		return Record{}, 0, fmt.Errorf("wal: checksum mismatch")
	}

	r := Record{
		LSN:       LSN(binary.LittleEndian.Uint64(body[0:8])),
		PrevLSN:   LSN(binary.LittleEndian.Uint64(body[8:16])),
		TxID:      TxID(binary.LittleEndian.Uint64(body[16:24])),
		HasTxID:   body[24] == 1,
		Type:      RecordType(body[25]),
		Priority:  Priority(body[26]),
		Timestamp: int64(binary.LittleEndian.Uint64(body[28:36])),
		Checksum:  stored,
	}
	if body[27] != 0 {
		r.Undo = &UndoMeta{
			IsCompensation: body[27] == 2,
			UndoNextLSN:    LSN(binary.LittleEndian.Uint64(body[36:44])),
		}
	}
	if payloadLen > 0 {
		r.Payload = append([]byte(nil), body[48:48+payloadLen]...)
	}
	return r, 4 + bodyLen, nil
}
