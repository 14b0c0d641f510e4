package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/geoplace/orchestrator/internal/artifact"
	"github.com/geoplace/orchestrator/internal/config"
	"github.com/geoplace/orchestrator/internal/pipeline"
	"github.com/geoplace/orchestrator/internal/progressbus"
	"github.com/geoplace/orchestrator/internal/registry"
	"github.com/geoplace/orchestrator/internal/scheduler"
	"github.com/geoplace/orchestrator/internal/search"
	"github.com/geoplace/orchestrator/internal/server"
	"github.com/geoplace/orchestrator/internal/stage"
	"github.com/geoplace/orchestrator/internal/tilestore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the paint ingress, tile egress, object registry, and Progress Bus",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	d := config.Default()

	serveCmd.Flags().String("addr", d.ListenAddr, "Listen address (host:port)")
	serveCmd.Flags().Int("tile-px", d.TilePx, "Tile side length in pixels")
	serveCmd.Flags().Int("max-workers", d.MaxWorkers, "Number of parallel Scheduler workers")
	serveCmd.Flags().Duration("per-tile-cooldown", d.PerTileCooldown, "Delay after each tile before the next, rate-limiting external stages")
	serveCmd.Flags().Bool("enable-refiner", d.EnableRefiner, "Schedule a refine sub-pass after a job's light pass completes")
	serveCmd.Flags().Duration("refine-delay", d.RefineDelay, "Delay before a refine sub-pass starts")
	serveCmd.Flags().Duration("refine-timeout", d.RefineTimeout, "Per-object timeout context for the refine sub-pass; the refine call takes no context, so it is not bounded by this value")
	serveCmd.Flags().Float64("tile-scale-meters", d.TileScaleMeters, "World-space meters per tile, used to derive Object world coordinates")

	serveCmd.Flags().String("sd-model-id", d.SDModelID, "Synthesize model identifier")
	serveCmd.Flags().Int("sd-steps-light", d.SDStepsLight, "Synthesize diffusion steps for the light pass")
	serveCmd.Flags().Int("sd-steps-high", d.SDStepsHigh, "Synthesize diffusion steps for a refine pass; the refine sub-pass does not run Synthesize, so no stage reads this value")
	serveCmd.Flags().Int("sd-resolution", d.SDResolution, "Synthesize output resolution in pixels")
	serveCmd.Flags().String("sd-venv-python", d.SDVenvPython, "Python interpreter for an out-of-process Synthesize worker; empty runs the in-process diagnostic generator")

	serveCmd.Flags().String("recon-dir", d.ReconDir, "Directory holding the Reconstruct tool")
	serveCmd.Flags().String("recon-entry", d.ReconEntry, "Entry script for the Reconstruct tool")
	serveCmd.Flags().String("recon-python", d.ReconPython, "Python interpreter for the Reconstruct tool")
	serveCmd.Flags().Bool("recon-bake-texture", d.ReconBakeTexture, "Pass --bake-texture to the Reconstruct tool")
	serveCmd.Flags().String("recon-output-format", d.ReconOutputFormat, "Reconstruct output format (glb or obj)")

	serveCmd.Flags().String("understand-url", d.UnderstandURL, "Understand stage endpoint; empty uses the canonical fallback Attributes")
	serveCmd.Flags().String("understand-token", d.UnderstandToken, "Bearer token for the Understand endpoint")
	serveCmd.Flags().Duration("understand-timeout", d.UnderstandTimeout, "Per-call timeout for the Understand stage")
	serveCmd.Flags().Int("understand-retries", d.UnderstandRetries, "Bounded retries for the Understand stage")
	serveCmd.Flags().String("understand-mode", string(d.UnderstandMode), "Understand transport mode (image_b64, openai_chat, multipart)")

	serveCmd.Flags().String("public-url", d.PublicURL, "Public URL reported by /public_info")
	serveCmd.Flags().String("search-lm-url", d.SearchLMURL, "Optional LM rerank endpoint for the Search Service")
	serveCmd.Flags().String("cache-control", "no-store", "Cache-Control header for served tiles")

	mustBind := func(key, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
	for _, pair := range [][2]string{
		{"serve.addr", "addr"},
		{"TILE_PX", "tile-px"},
		{"MAX_WORKERS", "max-workers"},
		{"PER_TILE_COOLDOWN", "per-tile-cooldown"},
		{"ENABLE_REFINER", "enable-refiner"},
		{"REFINE_DELAY", "refine-delay"},
		{"REFINE_TIMEOUT", "refine-timeout"},
		{"serve.tile_scale_meters", "tile-scale-meters"},
		{"SD_MODEL_ID", "sd-model-id"},
		{"SD_STEPS_LIGHT", "sd-steps-light"},
		{"SD_STEPS_HIGH", "sd-steps-high"},
		{"SD_RESOLUTION", "sd-resolution"},
		{"SD_VENV_PYTHON", "sd-venv-python"},
		{"RECON_DIR", "recon-dir"},
		{"RECON_ENTRY", "recon-entry"},
		{"RECON_PYTHON", "recon-python"},
		{"RECON_BAKE_TEXTURE", "recon-bake-texture"},
		{"RECON_OUTPUT_FORMAT", "recon-output-format"},
		{"UNDERSTAND_URL", "understand-url"},
		{"UNDERSTAND_TOKEN", "understand-token"},
		{"UNDERSTAND_TIMEOUT", "understand-timeout"},
		{"UNDERSTAND_RETRIES", "understand-retries"},
		{"UNDERSTAND_MODE", "understand-mode"},
		{"PUBLIC_URL", "public-url"},
		{"serve.search_lm_url", "search-lm-url"},
		{"serve.cache_control", "cache-control"},
	} {
		mustBind(pair[0], pair[1])
	}
}

func buildConfig() config.Config {
	cfg := config.Default()

	cfg.DataDir = viper.GetString("data-dir")
	cfg.CacheDir = viper.GetString("cache-dir")
	cfg.AssetDir = viper.GetString("asset-dir")

	cfg.TilePx = viper.GetInt("TILE_PX")
	cfg.MaxWorkers = viper.GetInt("MAX_WORKERS")
	cfg.PerTileCooldown = viper.GetDuration("PER_TILE_COOLDOWN")
	cfg.EnableRefiner = viper.GetBool("ENABLE_REFINER")
	cfg.RefineDelay = viper.GetDuration("REFINE_DELAY")
	cfg.RefineTimeout = viper.GetDuration("REFINE_TIMEOUT")
	cfg.TileScaleMeters = viper.GetFloat64("serve.tile_scale_meters")

	cfg.SDModelID = viper.GetString("SD_MODEL_ID")
	cfg.SDStepsLight = viper.GetInt("SD_STEPS_LIGHT")
	cfg.SDStepsHigh = viper.GetInt("SD_STEPS_HIGH")
	cfg.SDResolution = viper.GetInt("SD_RESOLUTION")
	cfg.SDVenvPython = viper.GetString("SD_VENV_PYTHON")

	cfg.ReconDir = viper.GetString("RECON_DIR")
	cfg.ReconEntry = viper.GetString("RECON_ENTRY")
	cfg.ReconPython = viper.GetString("RECON_PYTHON")
	cfg.ReconBakeTexture = viper.GetBool("RECON_BAKE_TEXTURE")
	cfg.ReconOutputFormat = viper.GetString("RECON_OUTPUT_FORMAT")

	cfg.UnderstandURL = viper.GetString("UNDERSTAND_URL")
	cfg.UnderstandToken = viper.GetString("UNDERSTAND_TOKEN")
	cfg.UnderstandTimeout = viper.GetDuration("UNDERSTAND_TIMEOUT")
	cfg.UnderstandRetries = viper.GetInt("UNDERSTAND_RETRIES")
	if mode := viper.GetString("UNDERSTAND_MODE"); mode != "" {
		cfg.UnderstandMode = config.UnderstandMode(mode)
	}

	cfg.PublicURL = viper.GetString("PUBLIC_URL")
	cfg.SearchLMURL = viper.GetString("serve.search_lm_url")
	cfg.ListenAddr = viper.GetString("serve.addr")

	return cfg
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	cfg := buildConfig()

	store := tilestore.New(cfg.DataDir, cfg.CacheDir, cfg.TilePx, logger)

	artifacts := artifact.New(filepath.Join(cfg.CacheDir, "pipe"))
	understand := stage.NewUnderstand(cfg, logger)
	synthesize := stage.NewSynthesize(cfg, logger)
	reconstruct := stage.NewReconstruct(cfg, logger)
	pipe := pipeline.New(artifacts, understand, synthesize, reconstruct, logger)

	reg, err := registry.New(filepath.Join(cfg.AssetDir, "glb", "objects.json"))
	if err != nil {
		return fmt.Errorf("open object registry: %w", err)
	}

	bus := progressbus.New(logger)

	sched := scheduler.New(scheduler.Config{
		Workers:         cfg.MaxWorkers,
		PerTileCooldown: cfg.PerTileCooldown,
		EnableRefiner:   cfg.EnableRefiner,
		RefineDelay:     cfg.RefineDelay,
		RefineTimeout:   cfg.RefineTimeout,
		TileScaleMeters: cfg.TileScaleMeters,
	}, store, pipe, reg, bus, logger)
	defer sched.Stop()

	searchIndex, err := search.NewIndex(filepath.Join(cfg.CacheDir, "search", "index.db"))
	if err != nil {
		return fmt.Errorf("open search index: %w", err)
	}
	defer searchIndex.Close()
	if n, err := search.IngestLogDir(searchIndex, filepath.Join(cfg.CacheDir, "vlm_logs")); err != nil {
		logger.Warn("search index ingest failed", "error", err)
	} else if n > 0 {
		logger.Info("search index ingested existing StageLogs", "count", n)
	}
	searchSvc := search.New(searchIndex, cfg.SearchLMURL, logger)

	srv := server.New(server.Config{
		PublicURL:    cfg.PublicURL,
		CacheDir:     cfg.CacheDir,
		AssetDir:     cfg.AssetDir,
		TilePx:       cfg.TilePx,
		CacheControl: viper.GetString("serve.cache_control"),
	}, store, sched, reg, bus, searchSvc, logger)

	logger.Info("geoplace orchestrator listening",
		"addr", cfg.ListenAddr,
		"data_dir", cfg.DataDir,
		"cache_dir", cfg.CacheDir,
		"asset_dir", cfg.AssetDir,
		"max_workers", cfg.MaxWorkers,
		"enable_refiner", cfg.EnableRefiner,
	)

	httpServer := server.NewHTTPServer(cfg.ListenAddr, srv.Handler())
	return httpServer.ListenAndServe()
}
