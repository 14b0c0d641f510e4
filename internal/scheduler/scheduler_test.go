package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/geoplace/orchestrator/internal/artifact"
	"github.com/geoplace/orchestrator/internal/pipeline"
	"github.com/geoplace/orchestrator/internal/progressbus"
	"github.com/geoplace/orchestrator/internal/registry"
	"github.com/geoplace/orchestrator/internal/stage"
	"github.com/geoplace/orchestrator/internal/tilestore"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *tilestore.Store) {
	t.Helper()
	dir := t.TempDir()

	store := tilestore.New(filepath.Join(dir, "data"), filepath.Join(dir, "cache"), 4, nil)

	artifacts := artifact.New(filepath.Join(dir, "pipe"))
	u := &stage.Understand{}
	synth := &stage.Synthesize{Retries: 0, Timeout: 2 * time.Second, Generator: fakeDiagnostic{}}
	recon := &stage.Reconstruct{
		SnapshotDir: filepath.Join(dir, "assets", "glb"),
		OutputsDir:  filepath.Join(dir, "triposr_outputs"),
		Timeout:     2 * time.Second,
		Retries:     0,
	}
	pipe := pipeline.New(artifacts, u, synth, recon, nil)

	reg, err := registry.New(filepath.Join(dir, "objects.json"))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	bus := progressbus.New(nil)

	cfg.TileScaleMeters = 1.0
	s := New(cfg, store, pipe, reg, bus, nil)
	t.Cleanup(s.Stop)
	return s, store
}

type fakeDiagnostic struct{}

func (fakeDiagnostic) Generate(ctx context.Context, prompt string, seed int64, steps int) ([]byte, error) {
	return nil, nil
}

func waitForStatus(t *testing.T, s *Scheduler, jobID string, want Status, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, ok := s.Status(jobID)
		if !ok {
			t.Fatalf("job %s disappeared", jobID)
		}
		if Status(snap.Status) == want {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s in time", jobID, want)
	return Snapshot{}
}

func TestEnqueueDedupesTilesPreservingOrder(t *testing.T) {
	s, _ := newTestScheduler(t, Config{Workers: 1})
	tiles := []tilestore.Coord{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 0}}
	jobID, err := s.Enqueue(tiles)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s.mu.Lock()
	job := s.jobs[jobID]
	s.mu.Unlock()
	if len(job.Tiles) != 2 {
		t.Fatalf("expected deduped to 2 tiles, got %d", len(job.Tiles))
	}
}

func TestRunJobReachesLightReadyAndRegistersObjects(t *testing.T) {
	s, store := newTestScheduler(t, Config{Workers: 1, PerTileCooldown: 0})
	tile := tilestore.Coord{X: 2, Y: 3}
	if err := store.SaveTile(tile, makeTilePixels(4)); err != nil {
		t.Fatalf("SaveTile: %v", err)
	}

	jobID, err := s.Enqueue([]tilestore.Coord{tile})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	snap := waitForStatus(t, s, jobID, StatusLightReady, 5*time.Second)
	if snap.Progress != 1 || snap.Total != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if _, ok := s.registry.Get(tile.ObjectID()); !ok {
		t.Fatal("expected tile to be registered")
	}
}

func TestCancelStopsRemainingTiles(t *testing.T) {
	s, store := newTestScheduler(t, Config{Workers: 1, PerTileCooldown: 200 * time.Millisecond})
	tiles := []tilestore.Coord{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 2, Y: 0}}
	for _, tile := range tiles {
		if err := store.SaveTile(tile, makeTilePixels(4)); err != nil {
			t.Fatalf("SaveTile: %v", err)
		}
	}

	jobID, err := s.Enqueue(tiles)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if !s.Cancel(jobID) {
		t.Fatal("expected Cancel to find the job")
	}

	snap := waitForStatus(t, s, jobID, StatusCancelled, 5*time.Second)
	if snap.Progress >= len(tiles) {
		t.Fatalf("expected cancellation before all tiles processed, got progress=%d", snap.Progress)
	}
}

func makeTilePixels(n int) [][4]uint8 {
	px := make([][4]uint8, n*n)
	for i := range px {
		px[i] = [4]uint8{10, 20, 30, 255}
	}
	return px
}
