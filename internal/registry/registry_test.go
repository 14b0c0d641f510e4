package registry

import (
	"path/filepath"
	"strconv"
	"sync"
	"testing"
)

func TestRegisterReadYourWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "objects.json")
	r, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	obj := Object{ID: "tile_3_4", TileX: 3, TileY: 4, Quality: QualityLight}
	if err := r.Register(obj); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.Get("tile_3_4")
	if !ok {
		t.Fatal("expected entry to be observable immediately after Register")
	}
	if got.TileX != 3 || got.TileY != 4 {
		t.Fatalf("unexpected object: %+v", got)
	}
}

func TestRegisterReplacesPriorEntryForSameID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "objects.json")
	r, _ := New(path)

	_ = r.Register(Object{ID: "tile_1_1", Quality: QualityLight})
	_ = r.Register(Object{ID: "tile_1_1", Quality: QualityRefined})

	list := r.Load()
	count := 0
	for _, o := range list {
		if o.ID == "tile_1_1" {
			count++
			if o.Quality != QualityRefined {
				t.Fatalf("expected latest generation to win, got %q", o.Quality)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one entry per id, got %d", count)
	}
}

func TestConcurrentRegisterIsLinearizable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "objects.json")
	r, _ := New(path)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "tile_" + strconv.Itoa(i) + "_0"
			_ = r.Register(Object{ID: id, Quality: QualityLight})
		}(i)
	}
	wg.Wait()

	list := r.Load()
	seen := make(map[string]int)
	for _, o := range list {
		seen[o.ID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("id %s appears %d times", id, n)
		}
	}
	if len(list) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(list))
	}

	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Load()) != 50 {
		t.Fatalf("expected 50 entries after reload, got %d", len(reloaded.Load()))
	}
}
