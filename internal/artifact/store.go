// Package artifact implements the Artifact Store: a content-addressed cache
// of intermediate pipeline products keyed by ArtifactKey (sha256 of tile
// raster bytes).
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/geoplace/orchestrator/internal/geoerr"
)

// Key is the content address of a tile's pipeline artifacts.
type Key string

// KeyOf computes the ArtifactKey for a tile's raster bytes.
func KeyOf(tileBytes []byte) Key {
	sum := sha256.Sum256(tileBytes)
	return Key(hex.EncodeToString(sum[:]))
}

// Meta is the persisted bundle manifest for a key.
type Meta struct {
	Hash       string      `json:"hash"`
	Attributes interface{} `json:"attrs,omitempty"`
	Prompt     string      `json:"prompt,omitempty"`
	Quality    string      `json:"quality,omitempty"`
	Output     string      `json:"output,omitempty"`
	OutputType string      `json:"output_type,omitempty"`
	Error      string      `json:"error,omitempty"`
	Trace      string      `json:"trace,omitempty"`
}

// Store persists attribute JSON, synthesized PNGs, mesh files, and meta
// manifests under a single cache directory, keyed by ArtifactKey.
type Store struct {
	dir string
	// writeMu serializes all writes through this store (one mutex, not one per
	// key) to avoid torn temp-file races when the same key is regenerated
	// concurrently (cache-miss races across jobs).
	writeMu sync.Mutex
}

// New constructs a Store rooted at dir (typically "<cache>/pipe").
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) metaPath(key Key) string {
	return filepath.Join(s.dir, string(key)+".json")
}

func (s *Store) assetPath(key Key, name string) string {
	return filepath.Join(s.dir, name)
}

// Meta loads the meta manifest for key. It returns (nil, nil) if absent.
func (s *Store) Meta(key Key) (*Meta, error) {
	raw, err := os.ReadFile(s.metaPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, geoerr.New(geoerr.KindIOFailure, "artifact", err)
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, geoerr.New(geoerr.KindIOFailure, "artifact", fmt.Errorf("decode meta %s: %w", key, err))
	}
	return &m, nil
}

// PutMeta atomically writes the meta manifest for key.
func (s *Store) PutMeta(key Key, m *Meta) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return geoerr.New(geoerr.KindIOFailure, "artifact", err)
	}
	return s.writeAtomic(s.metaPath(key), raw)
}

// PutFile atomically writes an arbitrary artifact file (PNG, GLB, OBJ, ...)
// under the store directory and returns its absolute path.
func (s *Store) PutFile(name string, data []byte) (string, error) {
	path := s.assetPath("", name)
	if err := s.writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// AssetExists reports whether a named artifact file is present on disk.
func (s *Store) AssetExists(name string) bool {
	_, err := os.Stat(s.assetPath("", name))
	return err == nil
}

// AssetPath returns the absolute path an artifact with the given name would
// occupy, without checking existence.
func (s *Store) AssetPath(name string) string {
	return s.assetPath("", name)
}

func (s *Store) writeAtomic(path string, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return geoerr.New(geoerr.KindIOFailure, "artifact", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return geoerr.New(geoerr.KindIOFailure, "artifact", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return geoerr.New(geoerr.KindIOFailure, "artifact", err)
	}
	return nil
}

// CacheHit reports whether a non-error meta exists for key and its referenced
// asset file is still present on disk. A relative Output is resolved against
// the store directory; an absolute Output is checked as is.
func (s *Store) CacheHit(key Key) (*Meta, bool) {
	m, err := s.Meta(key)
	if err != nil || m == nil {
		return nil, false
	}
	if m.Error != "" {
		return m, false
	}
	if m.Output == "" {
		return m, false
	}
	// The pipeline records the asset's absolute path: meshes are installed
	// under the Reconstruct adapter's own snapshot directory, not necessarily
	// under this store's directory.
	out := m.Output
	if !filepath.IsAbs(out) {
		out = s.AssetPath(out)
	}
	if _, err := os.Stat(out); err != nil {
		return m, false
	}
	return m, true
}
