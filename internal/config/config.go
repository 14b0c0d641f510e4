// Package config holds the typed runtime configuration for the orchestrator,
// mirroring the enumerated configuration keys of the generation pipeline.
package config

import "time"

// UnderstandMode selects the wire format used to talk to the Understand stage.
type UnderstandMode string

const (
	ModeImageB64    UnderstandMode = "image_b64"
	ModeOpenAIChat  UnderstandMode = "openai_chat"
	ModeMultipart   UnderstandMode = "multipart"
)

// Config is the fully-resolved configuration for a running orchestrator.
type Config struct {
	TilePx   int
	CanvasW  int
	CanvasH  int

	DataDir  string
	CacheDir string
	AssetDir string

	MaxWorkers       int
	PerTileCooldown  time.Duration
	EnableRefiner    bool
	RefineDelay      time.Duration
	RefineTimeout    time.Duration

	TileScaleMeters float64

	SDModelID       string
	SDStepsLight    int
	SDStepsHigh     int
	SDResolution    int
	SDVenvPython    string

	ReconDir           string
	ReconEntry         string
	ReconPython        string
	ReconBakeTexture   bool
	ReconOutputFormat  string

	UnderstandURL      string
	UnderstandToken    string
	UnderstandTimeout  time.Duration
	UnderstandRetries  int
	UnderstandMode     UnderstandMode

	PublicURL string

	SearchLMURL string

	ListenAddr string
}

// Default returns the configuration used when no file, env var, or flag overrides a key.
func Default() Config {
	return Config{
		TilePx:            32,
		CanvasW:           4096,
		CanvasH:           4096,
		DataDir:           "./data",
		CacheDir:          "./cache",
		AssetDir:          "./assets",
		MaxWorkers:        4,
		PerTileCooldown:   5 * time.Second,
		EnableRefiner:     false,
		RefineDelay:       0,
		RefineTimeout:     120 * time.Second,
		TileScaleMeters:   1.0,
		SDModelID:         "runwayml/stable-diffusion-v1-5",
		SDStepsLight:      20,
		SDStepsHigh:       40,
		SDResolution:      512,
		ReconOutputFormat: "glb",
		UnderstandTimeout: 10 * time.Second,
		UnderstandRetries: 2,
		UnderstandMode:    ModeImageB64,
		ListenAddr:        ":8088",
	}
}
