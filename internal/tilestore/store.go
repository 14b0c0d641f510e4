// Package tilestore implements the Tile Store: persistence of per-tile raster
// bytes, a read-through disk+memory cache, and the dirty set of tiles
// awaiting generation.
package tilestore

import (
	"bytes"
	"container/list"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/geoplace/orchestrator/internal/geoerr"
)

// DefaultCacheEntries is the default bound on the in-memory tile cache (N~500 per spec).
const DefaultCacheEntries = 500

// Store owns tile raster files, the memory cache, and the dirty set.
type Store struct {
	dataDir    string
	cacheDir   string
	tilePx     int
	maxEntries int
	logger     *slog.Logger

	cacheMu  sync.Mutex
	cache    map[Coord][]byte
	order    *list.List // FIFO eviction order, front = oldest
	elements map[Coord]*list.Element

	dirtyMu sync.Mutex
	dirty   map[Coord]struct{}
}

// New constructs a Store rooted at dataDir, with a legacy disk cache at cacheDir/images.
func New(dataDir, cacheDir string, tilePx int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dataDir:    dataDir,
		cacheDir:   cacheDir,
		tilePx:     tilePx,
		maxEntries: DefaultCacheEntries,
		logger:     logger.With("component", "tilestore"),
		cache:      make(map[Coord][]byte),
		order:      list.New(),
		elements:   make(map[Coord]*list.Element),
		dirty:      make(map[Coord]struct{}),
	}
}

func (s *Store) tilePath(c Coord) string {
	return filepath.Join(s.dataDir, "tiles", c.Path("png"))
}

func (s *Store) legacyCachePath(c Coord) string {
	return filepath.Join(s.cacheDir, "images", c.Path("png"))
}

// SaveTile validates and persists a full tile raster, updates the cache, and
// marks the tile dirty. pixels must contain exactly TilePx*TilePx RGBA quads.
func (s *Store) SaveTile(c Coord, pixels [][4]uint8) error {
	want := s.tilePx * s.tilePx
	if len(pixels) != want {
		return geoerr.New(geoerr.KindInvalidInput, "tilestore",
			fmt.Errorf("pixel count %d does not match TILE_PX^2=%d", len(pixels), want))
	}

	img := image.NewNRGBA(image.Rect(0, 0, s.tilePx, s.tilePx))
	for i, p := range pixels {
		x := i % s.tilePx
		y := i / s.tilePx
		img.SetNRGBA(x, y, color.NRGBA{R: p[0], G: p[1], B: p[2], A: p[3]})
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return geoerr.New(geoerr.KindIOFailure, "tilestore", fmt.Errorf("encode tile: %w", err))
	}
	raw := buf.Bytes()

	path := s.tilePath(c)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return geoerr.New(geoerr.KindIOFailure, "tilestore", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return geoerr.New(geoerr.KindIOFailure, "tilestore", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return geoerr.New(geoerr.KindIOFailure, "tilestore", err)
	}

	s.cachePut(c, raw)
	s.markDirty(c)

	s.logger.Debug("tile saved", "tile", c.String(), "bytes", len(raw))
	return nil
}

// GetTileBytes returns the PNG bytes for a tile, trying the memory cache, the
// canonical on-disk file, a legacy cache directory, and finally synthesizing
// a transparent placeholder that is never persisted back to disk.
func (s *Store) GetTileBytes(c Coord) ([]byte, error) {
	if raw, ok := s.cacheGet(c); ok {
		return raw, nil
	}

	if raw, ok := s.readCorruptionChecked(s.tilePath(c)); ok {
		s.cachePut(c, raw)
		return raw, nil
	}

	if raw, ok := s.readCorruptionChecked(s.legacyCachePath(c)); ok {
		s.cachePut(c, raw)
		return raw, nil
	}

	raw, err := s.synthesizeTransparent()
	if err != nil {
		return nil, geoerr.New(geoerr.KindIOFailure, "tilestore", err)
	}
	// Placeholders are never written to disk, per the "never poison the disk
	// cache" policy, and are not written into the memory cache s.cache either.
	return raw, nil
}

// readCorruptionChecked reads a PNG file, validating its header. A concurrent
// writer can catch the file mid-rename, so a bad header is retried up to 3
// times with a short delay before the file is treated as genuinely corrupt
// and removed.
func (s *Store) readCorruptionChecked(path string) ([]byte, bool) {
	const maxAttempts = 3
	const retryDelay = 50 * time.Millisecond

	var raw []byte
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, false
		}
		if isPNGHeader(raw) {
			return raw, true
		}
		if attempt < maxAttempts-1 {
			time.Sleep(retryDelay)
		}
	}

	s.logger.Warn("corrupt tile cache file after retries, removing", "path", path, "attempts", maxAttempts)
	_ = os.Remove(path)
	return nil, false
}

func isPNGHeader(b []byte) bool {
	sig := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	if len(b) < len(sig) {
		return false
	}
	return bytes.Equal(b[:len(sig)], sig)
}

func (s *Store) synthesizeTransparent() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, s.tilePx, s.tilePx))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DirtySnapshot returns the current dirty set without clearing it.
func (s *Store) DirtySnapshot() []Coord {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	out := make([]Coord, 0, len(s.dirty))
	for c := range s.dirty {
		out = append(out, c)
	}
	return out
}

// ClearDirty removes the given tiles from the dirty set.
func (s *Store) ClearDirty(tiles []Coord) {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	for _, c := range tiles {
		delete(s.dirty, c)
	}
}

func (s *Store) markDirty(c Coord) {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	s.dirty[c] = struct{}{}
}

func (s *Store) cacheGet(c Coord) ([]byte, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	raw, ok := s.cache[c]
	return raw, ok
}

func (s *Store) cachePut(c Coord, raw []byte) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if _, exists := s.cache[c]; !exists {
		el := s.order.PushBack(c)
		s.elements[c] = el
	}
	s.cache[c] = raw

	for len(s.cache) > s.maxEntries {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		oc := oldest.Value.(Coord)
		delete(s.cache, oc)
		delete(s.elements, oc)
	}
}
