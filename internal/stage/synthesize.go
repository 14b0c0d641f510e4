package stage

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/geoplace/orchestrator/internal/config"
)

// ComposePrompt builds the Synthesize prompt from Attributes, per the
// voxel-style template. If rawCandidate is substantive (see LooksSubstantive)
// it is used verbatim instead.
func ComposePrompt(attrs Attributes, rawCandidate string) string {
	if rawCandidate != "" && LooksSubstantive(rawCandidate) {
		return rawCandidate
	}
	return ToPrompt(attrs)
}

// ImageGenerator is the in-process execution path for Synthesize: it turns a
// prompt into PNG bytes. The default implementation renders a deterministic
// diagnostic image; callers wire in a real model by providing their own.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string, seed int64, steps int) ([]byte, error)
}

type diagnosticGenerator struct{}

func (diagnosticGenerator) Generate(_ context.Context, _ string, seed int64, _ int) ([]byte, error) {
	return diagnosticImage(seed, 512, 512)
}

// Synthesize wraps the image-synthesis external service.
type Synthesize struct {
	Steps      int
	Resolution int
	VenvPython string
	WorkerPath string
	LogDir     string
	Timeout    time.Duration
	Retries    int

	Generator ImageGenerator
	Logger    *slog.Logger
}

// NewSynthesize constructs a Synthesize adapter from configuration.
func NewSynthesize(cfg config.Config, logger *slog.Logger) *Synthesize {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesize{
		Steps:      cfg.SDStepsLight,
		Resolution: cfg.SDResolution,
		VenvPython: cfg.SDVenvPython,
		WorkerPath: filepath.Join("scripts", "sd_worker.py"),
		LogDir:     filepath.Join(cfg.CacheDir, "sd_logs"),
		Timeout:    240 * time.Second,
		Retries:    3,
		Generator:  diagnosticGenerator{},
		Logger:     logger.With("component", "synthesize"),
	}
}

// Run produces a sanity-checked PNG for the given prompt, retrying with a
// varied seed and an appended ", detailed, vivid, pass {n}" suffix whenever
// the sanity check fails, and falling back to a diagnostic image once
// retries are exhausted.
func (s *Synthesize) Run(ctx context.Context, inputDigest, prompt string) ([]byte, StageLog, error) {
	logEntry := newStageLog("synthesize", inputDigest)
	basePrompt := prompt

	raw, err := runWithRetry(ctx, s.Timeout, s.Retries, func(callCtx context.Context, round int) ([]byte, error) {
		variant := basePrompt
		if round > 0 {
			variant = fmt.Sprintf("%s, detailed, vivid, pass %d", basePrompt, round+1)
		}
		seed := int64((round+1)*1009) % (1 << 31)

		data, genErr := s.generateOnce(callCtx, variant, seed, round)
		if genErr != nil {
			return nil, genErr
		}
		if sanityErr := SanityCheck(data); sanityErr != nil {
			s.logAttempt(inputDigest, round, variant, sanityErr)
			return nil, sanityErr
		}
		s.logAttempt(inputDigest, round, variant, nil)
		return data, nil
	})

	logEntry.FinishedAt = time.Now()
	if err != nil {
		logEntry.Err = err.Error()
		fallback, fbErr := diagnosticImage(1, s.resolutionOrDefault(), s.resolutionOrDefault())
		if fbErr != nil {
			return nil, logEntry, fbErr
		}
		return fallback, logEntry, nil
	}

	return raw, logEntry, nil
}

func (s *Synthesize) resolutionOrDefault() int {
	if s.Resolution > 0 {
		return s.Resolution
	}
	return 512
}

func (s *Synthesize) generateOnce(ctx context.Context, prompt string, seed int64, round int) ([]byte, error) {
	if s.VenvPython != "" {
		return s.generateSubprocess(ctx, prompt, seed, round)
	}
	if s.Generator == nil {
		s.Generator = diagnosticGenerator{}
	}
	return s.Generator.Generate(ctx, prompt, seed, s.Steps)
}

// generateSubprocess shells out to the sd_worker.py CLI contract:
// python <worker> --prompt <s> --out <png> [--steps N].
func (s *Synthesize) generateSubprocess(ctx context.Context, prompt string, seed int64, round int) ([]byte, error) {
	outPath := filepath.Join(os.TempDir(), fmt.Sprintf("sd_out_%d_%d.png", seed, round))
	defer os.Remove(outPath)

	cmd := exec.CommandContext(ctx, s.VenvPython, s.WorkerPath,
		"--prompt", prompt,
		"--out", outPath,
		"--steps", fmt.Sprintf("%d", s.Steps))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	s.writeSubprocessLog(round, cmd.Args, stdout.String(), stderr.String())

	if runErr != nil {
		return nil, fmt.Errorf("sd_worker exited: %w", runErr)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("sd_worker produced no output: %w", err)
	}
	return data, nil
}

func (s *Synthesize) writeSubprocessLog(round int, args []string, stdout, stderr string) {
	if s.LogDir == "" {
		return
	}
	if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
		return
	}
	name := fmt.Sprintf("sd_worker_%d_attempt%d.log", time.Now().UnixNano(), round+1)
	content := fmt.Sprintf("CMD: %v\n\nSTDOUT:\n%s\nSTDERR:\n%s\n", args, stdout, stderr)
	_ = os.WriteFile(filepath.Join(s.LogDir, name), []byte(content), 0o644)
}

func (s *Synthesize) logAttempt(inputDigest string, round int, prompt string, sanityErr error) {
	status := "ok"
	if sanityErr != nil {
		status = "sanity_failed: " + sanityErr.Error()
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("synthesize attempt", "key", inputDigest, "round", round, "prompt", prompt, "status", status)
}

// SanityCheck rejects images whose every channel has at most one unique
// value (the classic single-color model fallback), and as a cheaper
// pre-filter, images whose total distinct-color set has two or fewer
// members.
func SanityCheck(pngData []byte) error {
	img, err := png.Decode(bytes.NewReader(pngData))
	if err != nil {
		return fmt.Errorf("decode synthesized image: %w", err)
	}

	bounds := img.Bounds()
	rs := make(map[uint32]struct{})
	gs := make(map[uint32]struct{})
	bs := make(map[uint32]struct{})
	colors := make(map[[3]uint32]struct{})

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			rs[r] = struct{}{}
			gs[g] = struct{}{}
			bs[b] = struct{}{}
			colors[[3]uint32{r, g, b}] = struct{}{}
		}
	}

	if len(colors) <= 2 {
		return fmt.Errorf("synthesized image has only %d distinct colors", len(colors))
	}
	if len(rs) <= 1 && len(gs) <= 1 && len(bs) <= 1 {
		return fmt.Errorf("synthesized image appears single-color")
	}
	return nil
}
