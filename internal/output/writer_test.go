package output

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "io.csv")

	if err := WriteCSV(path, IoCSVHeader, []string{"read.count,3", "write.count,1"}); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := "key,value\nread.count,3\nwrite.count,1\n"
	if string(data) != want {
		t.Fatalf("unexpected content %q", data)
	}

	// no temp files may survive the rename
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("leftover files in %s: %v", dir, entries)
	}
}

func TestWriteCSVEmptyRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	if err := WriteCSV(path, TraceCSVHeader, nil); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "timestamp_ns,event\n" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestPrepareRootRefusesExisting(t *testing.T) {
	root := filepath.Join(t.TempDir(), "results")
	if err := PrepareRoot(root, false); err != nil {
		t.Fatalf("first PrepareRoot: %v", err)
	}
	if err := PrepareRoot(root, false); err == nil {
		t.Fatal("expected refusal for existing root")
	}
}

func TestPrepareRootForceRemoves(t *testing.T) {
	root := filepath.Join(t.TempDir(), "results")
	if err := os.MkdirAll(filepath.Join(root, "old"), 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := PrepareRoot(root, true); err != nil {
		t.Fatalf("PrepareRoot --force: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "old")); !os.IsNotExist(err) {
		t.Fatal("old content survived --force")
	}
}

func TestWriteSkippedAndClearIteration(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	for _, name := range []string{"perf.csv", "stdout", "stderr"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("setup %s: %v", name, err)
		}
	}

	if err := WriteSkipped(dir, "CollectorInitFailed: perf"); err != nil {
		t.Fatalf("WriteSkipped: %v", err)
	}
	if err := ClearIteration(dir); err != nil {
		t.Fatalf("ClearIteration: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != SkippedSentinel {
		t.Fatalf("expected only sentinel, got %v", entries)
	}

	data, err := os.ReadFile(filepath.Join(dir, SkippedSentinel))
	if err != nil {
		t.Fatalf("read sentinel: %v", err)
	}
	if string(data) != "CollectorInitFailed: perf\n" {
		t.Fatalf("unexpected sentinel %q", data)
	}
}

func TestKV(t *testing.T) {
	if got := KV("read.count", uint64(42)); got != "read.count,42" {
		t.Fatalf("KV = %q", got)
	}
	if got := CSVRow("a", "", "c"); got != "a,,c" {
		t.Fatalf("CSVRow = %q", got)
	}
}
