package stage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"github.com/geoplace/orchestrator/internal/config"
)

// glbMarkers are byte substrings that mark a GLB as a known placeholder
// rather than a genuine reconstruction. The canonical three tokens from the
// spec are listed explicitly; the GLB_FALLBACK prefix additionally catches
// the broader marker vocabulary a real reconstruction tool may emit
// (GLB_FALLBACK_NO_PYTHON, GLB_FALLBACK_CONV_ERROR, ...) without needing an
// exhaustive hard-coded list.
var glbMarkers = []string{"GLB_PLACEHOLDER", "GLB_FALLBACK", "DUMMY_GLB"}

const discoveryRounds = 5
const discoveryDeadline = 60 * time.Second
const stabilityChecks = 2
const stabilityInterval = 500 * time.Millisecond

// Mesh describes the installed reconstruction output.
type Mesh struct {
	Path       string
	OutputType string // "glb" or "obj"
	Quality    string // registry.QualityLight or registry.QualityFallback
}

// Reconstruct wraps the mesh-reconstruction external process.
type Reconstruct struct {
	Python       string
	Entry        string
	OutputFormat string
	BakeTexture  bool
	Timeout      time.Duration
	Retries      int

	LogDir      string
	DebugDir    string
	OutputsDir  string
	SnapshotDir string

	Logger *slog.Logger
}

// NewReconstruct constructs a Reconstruct adapter from configuration.
func NewReconstruct(cfg config.Config, logger *slog.Logger) *Reconstruct {
	if logger == nil {
		logger = slog.Default()
	}
	fmt_ := cfg.ReconOutputFormat
	if fmt_ == "" {
		fmt_ = "glb"
	}
	return &Reconstruct{
		Python:       cfg.ReconPython,
		Entry:        cfg.ReconEntry,
		OutputFormat: fmt_,
		BakeTexture:  cfg.ReconBakeTexture,
		Timeout:      300 * time.Second,
		Retries:      1,
		LogDir:       filepath.Join(cfg.CacheDir, "triposr_logs"),
		DebugDir:     filepath.Join(cfg.CacheDir, "triposr_debug"),
		OutputsDir:   filepath.Join(cfg.CacheDir, "triposr_outputs"),
		SnapshotDir:  filepath.Join(cfg.AssetDir, "glb"),
		Logger:       logger.With("component", "reconstruct"),
	}
}

// Run invokes the reconstruction process on inputPNG, discovers its output
// under a fresh per-invocation directory with bounded retries, and installs
// the accepted mesh atomically. If the process fails or no valid mesh is
// discovered, a deterministic textured-quad OBJ fallback is installed
// instead, and the fallback is still reported as a success (quality
// "fallback"), matching the Pipeline's expectation that Reconstruct always
// installs *something*.
func (r *Reconstruct) Run(ctx context.Context, inputDigest string, inputPNG []byte, inputPNGPath string) (Mesh, StageLog, error) {
	logEntry := newStageLog("reconstruct", inputDigest)
	ts := timestamp()
	runDir := filepath.Join(r.OutputsDir, ts)

	_, runErr := runWithRetry(ctx, r.Timeout, r.Retries, func(callCtx context.Context, round int) (struct{}, error) {
		return struct{}{}, r.invoke(callCtx, inputPNGPath, runDir)
	})

	logEntry.FinishedAt = time.Now()
	if runErr != nil {
		logEntry.Err = runErr.Error()
		mesh, err := r.installFallback(inputDigest, inputPNG)
		return mesh, logEntry, err
	}

	candidate, discErr := r.discover(ctx, runDir)
	if discErr != nil {
		logEntry.Err = discErr.Error()
		mesh, err := r.installFallback(inputDigest, inputPNG)
		return mesh, logEntry, err
	}

	mesh, installErr := r.installCandidate(inputDigest, candidate, runDir, ts)
	if installErr != nil {
		logEntry.Err = installErr.Error()
		fb, err := r.installFallback(inputDigest, inputPNG)
		return fb, logEntry, err
	}

	return mesh, logEntry, nil
}

func (r *Reconstruct) invoke(ctx context.Context, inputPNGPath, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	args := []string{r.Entry, inputPNGPath, "--output-dir", outDir, "--model-save-format", r.OutputFormat}
	if r.BakeTexture {
		args = append(args, "--bake-texture")
	}
	cmd := exec.CommandContext(ctx, r.Python, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	r.writeLog(cmd.Args, stdout.String(), stderr.String(), runErr)

	if runErr != nil {
		return fmt.Errorf("reconstruct process failed: %w", runErr)
	}
	return nil
}

func (r *Reconstruct) writeLog(args []string, stdout, stderr string, runErr error) {
	if r.LogDir == "" {
		return
	}
	if err := os.MkdirAll(r.LogDir, 0o755); err != nil {
		return
	}
	status := "ok"
	if runErr != nil {
		status = runErr.Error()
	}
	content := fmt.Sprintf("CMD: %v\nSTATUS: %s\n\nSTDOUT:\n%s\nSTDERR:\n%s\n", args, status, stdout, stderr)
	name := fmt.Sprintf("triposr_%s.log", timestamp())
	_ = os.WriteFile(filepath.Join(r.LogDir, name), []byte(content), 0o644)
}

// candidate is a discovered, stability-checked output file awaiting
// validation and install.
type candidate struct {
	path     string
	strategy string
	round    int
}

// discover performs the bounded-rounds search across discoveryRounds with
// exponential backoff, honoring discoveryDeadline as an overall ceiling.
// Strategies are tried in priority order each round: .glb recursive, .obj
// recursive, .ply recursive, filename-contains-"mesh", single-nested-dir
// flatten. The first stability-checked match wins.
func (r *Reconstruct) discover(ctx context.Context, runDir string) (candidate, error) {
	deadline := time.Now().Add(discoveryDeadline)

	for round := 0; round < discoveryRounds; round++ {
		if time.Now().After(deadline) {
			break
		}

		if c, ok := r.findCandidate(runDir); ok {
			if r.isStable(c.path) {
				c.round = round
				return c, nil
			}
		}

		if round < discoveryRounds-1 {
			select {
			case <-time.After(backoff(round)):
			case <-ctx.Done():
				return candidate{}, ctx.Err()
			}
		}
	}

	return candidate{}, fmt.Errorf("no reconstruction output discovered under %s", runDir)
}

func (r *Reconstruct) findCandidate(runDir string) (candidate, bool) {
	if p, ok := findByExt(runDir, ".glb"); ok {
		return candidate{path: p, strategy: "glb"}, true
	}
	if p, ok := findByExt(runDir, ".obj"); ok {
		return candidate{path: p, strategy: "obj"}, true
	}
	if p, ok := findByExt(runDir, ".ply"); ok {
		return candidate{path: p, strategy: "ply"}, true
	}
	if p, ok := findByNameContains(runDir, "mesh"); ok {
		return candidate{path: p, strategy: "name_contains_mesh"}, true
	}
	if p, ok := findSingleNestedDir(runDir); ok {
		return candidate{path: p, strategy: "nested_dir_flatten"}, true
	}
	return candidate{}, false
}

func findByExt(root, ext string) (string, bool) {
	var found string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if info != nil && !info.IsDir() && strings.EqualFold(filepath.Ext(path), ext) {
			found = path
		}
		return nil
	})
	return found, found != ""
}

func findByNameContains(root, substr string) (string, bool) {
	var found string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if info != nil && !info.IsDir() && strings.Contains(strings.ToLower(info.Name()), substr) {
			found = path
		}
		return nil
	})
	return found, found != ""
}

// findSingleNestedDir handles tools that place their one real output inside a
// single nested subdirectory with an unpredictable name; the first file
// found inside is "flattened" up as the candidate.
func findSingleNestedDir(root string) (string, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	if len(dirs) != 1 {
		return "", false
	}
	inner, err := os.ReadDir(dirs[0])
	if err != nil || len(inner) == 0 {
		return "", false
	}
	for _, e := range inner {
		if !e.IsDir() {
			return filepath.Join(dirs[0], e.Name()), true
		}
	}
	return "", false
}

// isStable checks that a file's size is unchanged across stabilityChecks
// samples separated by stabilityInterval, guarding against reading a file
// that a slow external process is still writing.
func (r *Reconstruct) isStable(path string) bool {
	var lastSize int64 = -1
	for i := 0; i < stabilityChecks; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if lastSize >= 0 && info.Size() != lastSize {
			return false
		}
		lastSize = info.Size()
		if i < stabilityChecks-1 {
			time.Sleep(stabilityInterval)
		}
	}
	return lastSize > 0
}

// installCandidate validates and atomically installs a discovered candidate,
// recording a debugging snapshot meta.json alongside it.
func (r *Reconstruct) installCandidate(inputDigest string, c candidate, runDir, ts string) (Mesh, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return Mesh{}, fmt.Errorf("read candidate: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(c.path))
	outputType := strings.TrimPrefix(ext, ".")

	switch outputType {
	case "glb":
		if err := ValidateGLB(data); err != nil {
			return Mesh{}, err
		}
	case "obj":
		if err := ValidateOBJ(data); err != nil {
			return Mesh{}, err
		}
	}

	finalName := fmt.Sprintf("%s_light.%s", inputDigest, outputType)
	finalPath := filepath.Join(r.SnapshotDir, finalName)
	if err := atomicInstall(finalPath, data); err != nil {
		return Mesh{}, err
	}

	r.writeSnapshotMeta(inputDigest, c, finalPath, runDir, ts)

	return Mesh{Path: finalPath, OutputType: outputType, Quality: "light"}, nil
}

func (r *Reconstruct) writeSnapshotMeta(inputDigest string, c candidate, finalPath, runDir, ts string) {
	if r.DebugDir == "" {
		return
	}
	dir := filepath.Join(r.DebugDir, ts)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	meta := fmt.Sprintf(
		"{\n  \"source\": %q,\n  \"snapshot\": %q,\n  \"final\": %q,\n  \"round\": %d,\n  \"strategy\": %q,\n  \"timestamp\": %q\n}\n",
		c.path, runDir, finalPath, c.round, c.strategy, ts,
	)
	_ = os.WriteFile(filepath.Join(dir, "meta.json"), []byte(meta), 0o644)
}

// fallbackTextureSize is the canonical square resolution the quad's texture
// is resampled to, independent of whatever size Synthesize produced.
const fallbackTextureSize = 256

// resizeTexture decodes a PNG and resamples it to a uniform square texture.
// If the input isn't decodable as an image, it passes through unchanged
// rather than failing the fallback install over a cosmetic resize step.
func resizeTexture(raw []byte) []byte {
	src, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return raw
	}
	dst := image.NewNRGBA(image.Rect(0, 0, fallbackTextureSize, fallbackTextureSize))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return raw
	}
	return buf.Bytes()
}

// installFallback writes the deterministic textured-quad OBJ fallback: four
// vertices, four UV coordinates, one face, referencing an auto-generated
// MTL and a resampled PNG copy of the synthesized input image.
func (r *Reconstruct) installFallback(inputDigest string, synthesizedPNG []byte) (Mesh, error) {
	objName := fmt.Sprintf("%s_light_fallback.obj", inputDigest)
	mtlName := fmt.Sprintf("%s_light_fallback.mtl", inputDigest)
	pngName := fmt.Sprintf("%s_fallback.png", inputDigest)

	objPath := filepath.Join(r.SnapshotDir, objName)
	mtlPath := filepath.Join(r.SnapshotDir, mtlName)
	pngPath := filepath.Join(r.SnapshotDir, pngName)

	obj := fmt.Sprintf(`mtllib %s
v -0.5 0.0 -0.5
v 0.5 0.0 -0.5
v 0.5 0.0 0.5
v -0.5 0.0 0.5
vt 0.0 0.0
vt 1.0 0.0
vt 1.0 1.0
vt 0.0 1.0
usemtl fallback
f 1/1 2/2 3/3 4/4
`, mtlName)

	mtl := fmt.Sprintf(`newmtl fallback
map_Kd %s
`, pngName)

	if err := atomicInstall(objPath, []byte(obj)); err != nil {
		return Mesh{}, err
	}
	if err := atomicInstall(mtlPath, []byte(mtl)); err != nil {
		return Mesh{}, err
	}
	if err := atomicInstall(pngPath, resizeTexture(synthesizedPNG)); err != nil {
		return Mesh{}, err
	}

	return Mesh{Path: objPath, OutputType: "obj", Quality: "fallback"}, nil
}

// ValidateGLB rejects a GLB unless its prefix is the glTF magic and it
// carries none of the known placeholder markers.
func ValidateGLB(data []byte) error {
	if len(data) < 4 || string(data[:4]) != "glTF" {
		return fmt.Errorf("invalid GLB: missing glTF magic prefix")
	}
	for _, marker := range glbMarkers {
		if bytes.Contains(data, []byte(marker)) {
			return fmt.Errorf("GLB carries placeholder marker %q", marker)
		}
	}
	return nil
}

// ValidateOBJ rejects an OBJ with fewer than 5 vertex lines.
func ValidateOBJ(data []byte) error {
	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "v ") {
			count++
		}
	}
	if count < 5 {
		return fmt.Errorf("OBJ has only %d vertex lines, want >= 5", count)
	}
	return nil
}

func atomicInstall(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func timestamp() string {
	return time.Now().UTC().Format("20060102T150405Z")
}
