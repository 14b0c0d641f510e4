package tilestore

import (
	"bytes"
	"image/png"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir, dir, 4, nil)
}

func solidPixels(n int, r, g, b, a uint8) [][4]uint8 {
	px := make([][4]uint8, n)
	for i := range px {
		px[i] = [4]uint8{r, g, b, a}
	}
	return px
}

func TestSaveTileRejectsWrongLength(t *testing.T) {
	s := newTestStore(t)
	c := Coord{X: 1, Y: 1}

	err := s.SaveTile(c, solidPixels(3, 255, 0, 0, 255))
	if err == nil {
		t.Fatal("expected InvalidInput error for wrong pixel count")
	}

	if len(s.DirtySnapshot()) != 0 {
		t.Fatal("dirty set must be unchanged on rejected save")
	}
}

func TestSaveThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	c := Coord{X: 3, Y: 4}

	if err := s.SaveTile(c, solidPixels(16, 255, 0, 0, 255)); err != nil {
		t.Fatalf("SaveTile: %v", err)
	}

	raw, err := s.GetTileBytes(c)
	if err != nil {
		t.Fatalf("GetTileBytes: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	r, g, b, a := img.At(0, 0).RGBA()
	if r>>8 != 255 || g>>8 != 0 || b>>8 != 0 || a>>8 != 255 {
		t.Fatalf("unexpected pixel: %v %v %v %v", r, g, b, a)
	}

	dirty := s.DirtySnapshot()
	if len(dirty) != 1 || dirty[0] != c {
		t.Fatalf("expected tile in dirty set, got %v", dirty)
	}

	s.ClearDirty([]Coord{c})
	if len(s.DirtySnapshot()) != 0 {
		t.Fatal("expected dirty set empty after ClearDirty")
	}
}

func TestGetTileBytesFallsBackToTransparent(t *testing.T) {
	s := newTestStore(t)
	raw, err := s.GetTileBytes(Coord{X: 99, Y: 99})
	if err != nil {
		t.Fatalf("GetTileBytes: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected non-empty placeholder PNG")
	}
	if _, ok := s.cacheGet(Coord{X: 99, Y: 99}); ok {
		t.Fatal("placeholder tiles must not poison the cache")
	}
}

func TestCacheEvictsFIFO(t *testing.T) {
	s := newTestStore(t)
	s.maxEntries = 2

	for i := 0; i < 3; i++ {
		c := Coord{X: i, Y: 0}
		if err := s.SaveTile(c, solidPixels(16, 0, 0, 0, 255)); err != nil {
			t.Fatalf("SaveTile: %v", err)
		}
	}

	if _, ok := s.cacheGet(Coord{X: 0, Y: 0}); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := s.cacheGet(Coord{X: 2, Y: 0}); !ok {
		t.Fatal("newest entry should remain cached")
	}
}
