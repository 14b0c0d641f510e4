package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/geoplace/orchestrator/internal/artifact"
	"github.com/geoplace/orchestrator/internal/stage"
)

func newTestPipeline(t *testing.T) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()

	artifacts := artifact.New(filepath.Join(dir, "pipe"))
	u := &stage.Understand{} // no URL configured -> canonical fallback attrs
	s := &stage.Synthesize{Retries: 0, Timeout: 2_000_000_000, Generator: diagnosticStub{}}
	r := &stage.Reconstruct{
		// Python/Entry left empty: invoke() will fail immediately (exec.Command
		// with empty name errors), exercising the fallback-install path.
		SnapshotDir: filepath.Join(dir, "assets", "glb"),
		OutputsDir:  filepath.Join(dir, "triposr_outputs"),
		Timeout:     2_000_000_000,
		Retries:     0,
	}

	return New(artifacts, u, s, r, nil), dir
}

type diagnosticStub struct{}

func (diagnosticStub) Generate(ctx context.Context, prompt string, seed int64, steps int) ([]byte, error) {
	return nil, nil // force SanityCheck failure via empty PNG, exercising retries->fallback
}

func TestRunLightProducesFallbackWhenReconstructUnconfigured(t *testing.T) {
	p, _ := newTestPipeline(t)

	result, err := p.RunLight(context.Background(), []byte("some tile bytes"))
	if err != nil {
		t.Fatalf("RunLight: %v", err)
	}
	if result.Quality != "fallback" {
		t.Fatalf("expected fallback quality, got %q", result.Quality)
	}
	if _, statErr := os.Stat(result.AssetPath); statErr != nil {
		t.Fatalf("expected fallback asset on disk: %v", statErr)
	}
}

func TestRunLightCacheShortCircuits(t *testing.T) {
	p, _ := newTestPipeline(t)

	first, err := p.RunLight(context.Background(), []byte("cache me"))
	if err != nil {
		t.Fatalf("first RunLight: %v", err)
	}

	second, err := p.RunLight(context.Background(), []byte("cache me"))
	if err != nil {
		t.Fatalf("second RunLight: %v", err)
	}

	if first.AssetPath != second.AssetPath {
		t.Fatalf("expected idempotent asset path, got %q vs %q", first.AssetPath, second.AssetPath)
	}
}

func TestRunRefineDecoratesExistingAsset(t *testing.T) {
	dir := t.TempDir()
	p := &Pipeline{Artifacts: artifact.New(dir)}

	existing := filepath.Join(dir, "abc_light.obj")
	if err := os.WriteFile(existing, []byte("OBJDATA"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := p.RunRefine(existing)
	if err != nil {
		t.Fatalf("RunRefine: %v", err)
	}
	if result.Quality != "refined" {
		t.Fatalf("expected refined quality, got %q", result.Quality)
	}

	data, err := os.ReadFile(result.AssetPath)
	if err != nil {
		t.Fatalf("read refined asset: %v", err)
	}
	if string(data) != "OBJDATA_REFINED" {
		t.Fatalf("unexpected refined content: %q", data)
	}
}
