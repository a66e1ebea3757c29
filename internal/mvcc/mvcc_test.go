package mvcc

import "testing"

func TestReadUncommittedSeesUncommittedWrite(t *testing.T) {
	s := New(nil)
	writer := s.Begin(1, ReadUncommitted)
	key := RowKey{TableID: 1, RowID: 1}
	s.Write(writer, key, []byte("v1"))

	reader := s.Begin(2, ReadUncommitted)
	data, ok := s.Read(reader, key)
	if !ok || string(data) != "v1" {
		t.Fatalf("expected ReadUncommitted to see the uncommitted write, got %q ok=%v", data, ok)
	}
}

func TestReadCommittedHidesUncommittedWrite(t *testing.T) {
	s := New(nil)
	writer := s.Begin(1, ReadUncommitted)
	key := RowKey{TableID: 1, RowID: 1}
	s.Write(writer, key, []byte("v1"))

	reader := s.Begin(2, ReadCommitted)
	if _, ok := s.Read(reader, key); ok {
		t.Fatalf("expected ReadCommitted to not see an uncommitted version")
	}
}

func TestReadCommittedSeesAfterCommit(t *testing.T) {
	s := New(nil)
	writer := s.Begin(1, ReadUncommitted)
	key := RowKey{TableID: 1, RowID: 1}
	s.Write(writer, key, []byte("v1"))
	if _, err := s.Commit(writer); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader := s.Begin(2, ReadCommitted)
	data, ok := s.Read(reader, key)
	if !ok || string(data) != "v1" {
		t.Fatalf("expected ReadCommitted to see the committed write, got %q ok=%v", data, ok)
	}
}

// TestRepeatableReadSnapshotStability is testable property 9: two reads of
// the same key in one tx return identical bytes regardless of concurrent
// commits.
func TestRepeatableReadSnapshotStability(t *testing.T) {
	s := New(nil)
	key := RowKey{TableID: 1, RowID: 1}

	setup := s.Begin(1, ReadUncommitted)
	s.Write(setup, key, []byte("v1"))
	s.Commit(setup)

	reader := s.Begin(2, RepeatableRead)
	first, _ := s.Read(reader, key)

	writer := s.Begin(3, ReadUncommitted)
	s.Write(writer, key, []byte("v2"))
	s.Commit(writer)

	second, _ := s.Read(reader, key)
	if string(first) != string(second) {
		t.Fatalf("expected stable snapshot, got %q then %q", first, second)
	}
}

func TestAbortRemovesUncommittedVersion(t *testing.T) {
	s := New(nil)
	key := RowKey{TableID: 1, RowID: 1}
	writer := s.Begin(1, ReadUncommitted)
	s.Write(writer, key, []byte("v1"))
	s.Abort(writer)

	reader := s.Begin(2, ReadUncommitted)
	if _, ok := s.Read(reader, key); ok {
		t.Fatalf("expected aborted version to be invisible")
	}
}

func TestDeleteTombstoneHidesRow(t *testing.T) {
	s := New(nil)
	key := RowKey{TableID: 1, RowID: 1}
	writer := s.Begin(1, ReadUncommitted)
	s.Write(writer, key, []byte("v1"))
	s.Commit(writer)

	deleter := s.Begin(2, ReadUncommitted)
	s.Delete(deleter, key)
	s.Commit(deleter)

	reader := s.Begin(3, ReadUncommitted)
	if _, ok := s.Read(reader, key); ok {
		t.Fatalf("expected deleted row to be invisible after tombstone commit")
	}
}

func TestSerializableFirstUpdaterWinsConflict(t *testing.T) {
	s := New(nil)
	key := RowKey{TableID: 1, RowID: 1}
	setup := s.Begin(1, ReadUncommitted)
	s.Write(setup, key, []byte("v1"))
	s.Commit(setup)

	txA := s.Begin(2, Serializable)
	txB := s.Begin(3, Serializable)

	if _, ok := s.Read(txA, key); !ok {
		t.Fatalf("txA should see the committed base version")
	}
	if _, ok := s.Read(txB, key); !ok {
		t.Fatalf("txB should see the committed base version")
	}

	s.Write(txB, key, []byte("from-b"))
	if _, err := s.Commit(txB); err != nil {
		t.Fatalf("txB commit should succeed as the first updater: %v", err)
	}

	s.Write(txA, key, []byte("from-a"))
	if _, err := s.Commit(txA); err == nil {
		t.Fatalf("expected txA commit to fail with a write-write conflict")
	}
}

func TestVacuumReclaimsSupersededVersions(t *testing.T) {
	s := New(nil)
	key := RowKey{TableID: 1, RowID: 1}

	tx1 := s.Begin(1, ReadUncommitted)
	s.Write(tx1, key, []byte("v1"))
	s.Commit(tx1)

	tx2 := s.Begin(2, ReadUncommitted)
	s.Write(tx2, key, []byte("v2"))
	s.Commit(tx2)

	// No transaction is active, so the watermark is the current clock and
	// the superseded v1 is collectible while v2 (newest committed) is kept.
	reclaimed := s.Vacuum()
	if reclaimed == 0 {
		t.Fatalf("expected at least one version reclaimed")
	}

	reader := s.Begin(3, ReadUncommitted)
	data, ok := s.Read(reader, key)
	if !ok || string(data) != "v2" {
		t.Fatalf("expected the newest committed version to survive vacuum, got %q ok=%v", data, ok)
	}
}
