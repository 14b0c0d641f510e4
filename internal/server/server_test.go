package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/geoplace/orchestrator/internal/artifact"
	"github.com/geoplace/orchestrator/internal/pipeline"
	"github.com/geoplace/orchestrator/internal/progressbus"
	"github.com/geoplace/orchestrator/internal/registry"
	"github.com/geoplace/orchestrator/internal/scheduler"
	"github.com/geoplace/orchestrator/internal/search"
	"github.com/geoplace/orchestrator/internal/stage"
	"github.com/geoplace/orchestrator/internal/tilestore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	store := tilestore.New(filepath.Join(dir, "data"), filepath.Join(dir, "cache"), 4, nil)
	artifacts := artifact.New(filepath.Join(dir, "pipe"))
	pipe := pipeline.New(artifacts, &stage.Understand{}, &stage.Synthesize{Timeout: time.Second}, &stage.Reconstruct{
		SnapshotDir: filepath.Join(dir, "assets", "glb"),
		OutputsDir:  filepath.Join(dir, "triposr_outputs"),
		Timeout:     time.Second,
	}, nil)

	reg, err := registry.New(filepath.Join(dir, "objects.json"))
	if err != nil {
		t.Fatal(err)
	}
	bus := progressbus.New(nil)
	sched := scheduler.New(scheduler.Config{Workers: 1, TileScaleMeters: 1.0}, store, pipe, reg, bus, nil)
	t.Cleanup(sched.Stop)

	idx, err := search.NewIndex(filepath.Join(dir, "search.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	searchSvc := search.New(idx, "", nil)

	return New(Config{TilePx: 4, CacheDir: filepath.Join(dir, "cache")}, store, sched, reg, bus, searchSvc, nil)
}

func TestHandleTileNeverNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tile/7/9", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a tile miss (placeholder), got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
}

func TestHandlePaintRejectsWrongPixelCount(t *testing.T) {
	s := newTestServer(t)
	body := `{"tile_x":1,"tile_y":2,"pixels":[[1,2,3,4]],"tile_size":4,"user_id":"u1"}`
	req := httptest.NewRequest(http.MethodPost, "/paint", jsonBody(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong pixel count, got %d", rec.Code)
	}
}

func TestHandleGenerateReturnsJobID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/generate", jsonBody(`{"tiles":[[1,1]]}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["job_id"] == "" || resp["job_id"] == nil {
		t.Fatalf("expected a job_id in response, got %v", resp)
	}
}

func TestHandleStatusMissingJobReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestHandlePublicInfo(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/public_info", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func jsonBody(s string) *strings.Reader { return strings.NewReader(s) }
