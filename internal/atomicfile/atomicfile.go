// Package atomicfile implements the write-temp-then-rename durability
// point spec.md uses throughout (§2 ConnectionsList.save, §4.5 token
// rewrites, §5 "configuration file writes go temp-rename to keep
// atomicity").
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write atomically replaces path's contents with data, preserving mode.
// If path does not yet exist, it is created with mode.
func Write(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("atomicfile: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("atomicfile: create temp in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicfile: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("atomicfile: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomicfile: rename into place: %w", err)
	}
	return nil
}

// ModeOrDefault stats path for its current mode, or returns def if the
// file does not exist yet — used so a rewrite never silently loosens
// permissions on an existing file (spec.md §8 "file mode is preserved").
func ModeOrDefault(path string, def os.FileMode) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return def
}
