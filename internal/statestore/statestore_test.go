package statestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	d := Descriptor{
		SandboxID:   "abc123ef",
		WorkspaceID: "abc123ef",
		Template:    "default",
		MemoryMiB:   512,
		VCPUCount:   2,
		VsockCID:    3,
		Status:      StatusRunning,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		VMMPid:      4242,
	}

	if err := Save(dir, d); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != d {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, d)
	}

	if _, err := os.Stat(filepath.Join(dir, "state.json")); err != nil {
		t.Fatalf("expected state.json to exist: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Fatalf("expected only state.json in dir, got %v", entries)
	}
}

func TestSaveOverwritesPriorDescriptor(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	d := Descriptor{SandboxID: "s1", Status: StatusStarting}
	if err := Save(dir, d); err != nil {
		t.Fatalf("Save: %v", err)
	}

	d.Status = StatusRunning
	if err := Save(dir, d); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("expected Running, got %s", got.Status)
	}
}

func TestLoadAllSkipsCorruptEntries(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	good := filepath.Join(dir, "good")
	if err := os.MkdirAll(good, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := Save(good, Descriptor{SandboxID: "good", Status: StatusRunning}); err != nil {
		t.Fatal(err)
	}

	bad := filepath.Join(dir, "bad")
	if err := os.MkdirAll(bad, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(Path(bad), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadAll(dir)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 1 || got[0].SandboxID != "good" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestLoadAllMissingDirReturnsEmpty(t *testing.T) {
	t.Parallel()
	got, err := LoadAll(filepath.Join(t.TempDir(), "nonexistent"))
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty, got %+v", got)
	}
}
