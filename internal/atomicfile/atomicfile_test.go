package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWrite_CreatesThenPreservesMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "bhid.conf")

	if err := Write(path, []byte("v1"), 0o640); err != nil {
		t.Fatalf("first write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("expected mode 0640, got %v", info.Mode().Perm())
	}

	mode := ModeOrDefault(path, 0o600)
	if err := Write(path, []byte("v2"), mode); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "v2" {
		t.Fatalf("expected v2, got %q", data)
	}
	info, _ = os.Stat(path)
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("expected mode preserved at 0640, got %v", info.Mode().Perm())
	}
}

func TestWrite_NoLeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bhid.conf")
	if err := Write(path, []byte("data"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file, got %d", len(entries))
	}
}
