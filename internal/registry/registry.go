// Package registry implements the Object Registry: the single authoritative
// JSON list of placed 3D objects, with atomic read/write and de-duplication
// by object id.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/geoplace/orchestrator/internal/geoerr"
)

// Quality tiers an Object can carry.
const (
	QualityLight    = "light"
	QualityRefined  = "refined"
	QualityFallback = "fallback"
)

// Object is one registry entry.
type Object struct {
	ID         string      `json:"id"`
	TileX      int         `json:"tile_x"`
	TileY      int         `json:"tile_y"`
	WorldX     float64     `json:"world_x"`
	WorldY     float64     `json:"world_y"`
	WorldZ     float64     `json:"world_z"`
	RotX       float64     `json:"rot_x"`
	RotY       float64     `json:"rot_y"`
	RotZ       float64     `json:"rot_z"`
	Scale      float64     `json:"scale"`
	AssetURL   string      `json:"asset_url"`
	Quality    string      `json:"quality"`
	Attributes interface{} `json:"attributes,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Registry guards the single objects.json file behind a process-wide mutex.
type Registry struct {
	path string

	mu      sync.Mutex
	objects map[string]Object
	// order preserves insertion/replace order for stable JSON output.
	order []string
}

// New loads (or initializes) the registry stored at path.
func New(path string) (*Registry, error) {
	r := &Registry{path: path, objects: make(map[string]Object)}
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadLocked() error {
	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return geoerr.New(geoerr.KindIOFailure, "registry", err)
	}
	var list []Object
	if err := json.Unmarshal(raw, &list); err != nil {
		return geoerr.New(geoerr.KindIOFailure, "registry", err)
	}
	for _, o := range list {
		if _, exists := r.objects[o.ID]; !exists {
			r.order = append(r.order, o.ID)
		}
		r.objects[o.ID] = o
	}
	return nil
}

// Register removes any prior entry with the same id, appends the new one,
// and persists the registry. After Register returns, a subsequent Load from
// the same process observes the new entry (read-your-writes).
func (r *Registry) Register(o Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.objects[o.ID]; exists {
		for i, id := range r.order {
			if id == o.ID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.order = append(r.order, o.ID)
	r.objects[o.ID] = o

	return r.persistLocked()
}

// Load returns a defensive copy of the full registry, in insertion order.
func (r *Registry) Load() []Object {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Object, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.objects[id])
	}
	return out
}

// Get returns a single object by id.
func (r *Registry) Get(id string) (Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[id]
	return o, ok
}

func (r *Registry) persistLocked() error {
	list := make([]Object, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, r.objects[id])
	}

	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return geoerr.New(geoerr.KindIOFailure, "registry", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return geoerr.New(geoerr.KindIOFailure, "registry", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return geoerr.New(geoerr.KindIOFailure, "registry", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return geoerr.New(geoerr.KindIOFailure, "registry", err)
	}
	return nil
}

// ScaleForSize maps an Attributes.size bucket to the registry scale invariant.
func ScaleForSize(size string) float64 {
	switch size {
	case "small":
		return 0.5
	case "large":
		return 1.5
	default:
		return 1.0
	}
}

// WorldCoords derives deterministic world coordinates from tile coordinates
// and the configured tile-to-meter scale: wx = x*s, wz = y*s, wy = 0.
func WorldCoords(x, y int, scaleMeters float64) (wx, wy, wz float64) {
	return float64(x) * scaleMeters, 0, float64(y) * scaleMeters
}
