// Package keycache implements the single-writer on-disk cache of peer RSA
// public keys (spec.md §4.1 step 1), following the same
// resolver/reader/writer split the teacher uses in
// settings/*_configuration.
package keycache

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bhid/internal/atomicfile"
)

// Store is rooted at <configDir>/peers.
type Store struct {
	root string
}

func New(configDir string) *Store {
	return &Store{root: filepath.Join(configDir, "peers")}
}

func identityOf(derBytes []byte) string {
	sum := sha256.Sum256([]byte(base64.StdEncoding.EncodeToString(derBytes)))
	return fmt.Sprintf("%x", sum)
}

// FindByIdentity scans <root>/<tracker>/*.rsa for a cached key whose
// recomputed identity equals identity (spec.md §4.1 step 1). Filenames are
// full peer names with '/' escaped as '_' so they fit one path segment.
func (s *Store) FindByIdentity(tracker, identity string) (name string, derBytes []byte, found bool, err error) {
	dir := filepath.Join(s.root, tracker)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, false, nil
		}
		return "", nil, false, fmt.Errorf("keycache: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rsa") {
			continue
		}
		data, readErr := os.ReadFile(filepath.Join(dir, e.Name()))
		if readErr != nil {
			continue
		}
		if identityOf(data) == identity {
			return unescapeName(strings.TrimSuffix(e.Name(), ".rsa")), data, true, nil
		}
	}
	return "", nil, false, nil
}

// Load reads the cached key for a known peer name directly, used when the
// caller already knows which file it wants (e.g. re-verifying a
// previously bound session).
func (s *Store) Load(tracker, name string) ([]byte, error) {
	path := filepath.Join(s.root, tracker, escapeName(name)+".rsa")
	return os.ReadFile(path)
}

// Save atomically writes a peer's RSA public key (DER) to the cache.
func (s *Store) Save(tracker, name string, derBytes []byte) error {
	path := filepath.Join(s.root, tracker, escapeName(name)+".rsa")
	return atomicfile.Write(path, derBytes, 0o600)
}

func escapeName(name string) string {
	return strings.ReplaceAll(name, "/", "_")
}

func unescapeName(escaped string) string {
	return strings.ReplaceAll(escaped, "_", "/")
}
