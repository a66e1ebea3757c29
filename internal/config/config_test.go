package config

import (
	"path/filepath"
	"testing"
)

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coredb.yaml")

	want := Default(dir)
	want.Checkpoint.MaxDirtyPages = 42

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Checkpoint.MaxDirtyPages != 42 {
		t.Fatalf("expected round-tripped MaxDirtyPages=42, got %d", got.Checkpoint.MaxDirtyPages)
	}
	if got.WALWriter.SyncLevel != "on_commit" {
		t.Fatalf("expected default sync_level to round-trip, got %q", got.WALWriter.SyncLevel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/coredb.yaml"); err == nil {
		t.Fatalf("expected an error loading a missing config file")
	}
}
