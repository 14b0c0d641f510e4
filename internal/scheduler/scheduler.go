// Package scheduler implements the Scheduler: a bounded pool of workers that
// serves a FIFO queue of Jobs, each Job's tiles processed sequentially by a
// single worker, emitting progress over the Progress Bus and persisting
// accepted tiles to the Object Registry.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geoplace/orchestrator/internal/pipeline"
	"github.com/geoplace/orchestrator/internal/progressbus"
	"github.com/geoplace/orchestrator/internal/registry"
	"github.com/geoplace/orchestrator/internal/tilestore"
)

// Config bounds concurrency and the per-tile cooldown that rate-limits the
// external stage calls.
type Config struct {
	Workers         int
	PerTileCooldown time.Duration
	EnableRefiner   bool
	RefineDelay     time.Duration
	RefineTimeout   time.Duration
	TileScaleMeters float64
}

// Scheduler owns the job queue and the worker pool draining it. Jobs are
// served FIFO; tiles within a job are processed sequentially on whichever
// worker picked up the job, so progress events for one job are strictly
// ordered and external stages are naturally rate-limited per job.
type Scheduler struct {
	cfg      Config
	store    *tilestore.Store
	pipe     *pipeline.Pipeline
	registry *registry.Registry
	bus      *progressbus.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    map[string]*Job
	queue   []string
	cancels map[string]context.CancelFunc
	closed  bool

	wg sync.WaitGroup
}

// New constructs a Scheduler and starts cfg.Workers worker goroutines. Stop
// should be called to drain and release them on shutdown.
func New(cfg Config, store *tilestore.Store, pipe *pipeline.Pipeline, reg *registry.Registry, bus *progressbus.Bus, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		pipe:     pipe,
		registry: reg,
		bus:      bus,
		logger:   logger.With("component", "scheduler"),
		jobs:     make(map[string]*Job),
		cancels:  make(map[string]context.CancelFunc),
	}
	s.cond = sync.NewCond(&s.mu)

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
	return s
}

// Enqueue creates a Job over the given tiles (deduplicated, insertion order
// preserved) and appends it to the FIFO queue. An empty tiles list is
// substituted with the Tile Store's current dirty snapshot.
func (s *Scheduler) Enqueue(tiles []tilestore.Coord) (string, error) {
	deduped := dedupe(tiles)
	if len(deduped) == 0 {
		deduped = s.store.DirtySnapshot()
	}

	job := newJob(uuid.NewString(), deduped)

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.queue = append(s.queue, job.ID)
	s.mu.Unlock()
	s.cond.Signal()

	return job.ID, nil
}

func dedupe(tiles []tilestore.Coord) []tilestore.Coord {
	seen := make(map[tilestore.Coord]struct{}, len(tiles))
	out := make([]tilestore.Coord, 0, len(tiles))
	for _, t := range tiles {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Status returns a defensive snapshot of a Job's current state.
func (s *Scheduler) Status(jobID string) (Snapshot, bool) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return job.snapshot(), true
}

// Cancel requests cancellation of a running or queued Job. The currently
// in-flight tile (if any) completes or times out naturally; any stage call
// in progress is best-effort aborted by cancelling its context. Remaining
// tiles of the job are skipped and the job ends in the cancelled state.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	cancel, hasCancel := s.cancels[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	job.requestCancel()
	if hasCancel {
		cancel()
	}
	return true
}

// Stop signals all worker goroutines to exit once the queue drains and
// waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		jobID := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.runJob(jobID)
	}
}

func (s *Scheduler) runJob(jobID string) {
	s.mu.Lock()
	job := s.jobs[jobID]
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[jobID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, jobID)
		s.mu.Unlock()
	}()

	job.setStatus(StatusProcessing)
	s.logger.Info("job started", "job_id", jobID, "tiles", len(job.Tiles))

	succeeded := make([]tilestore.Coord, 0, len(job.Tiles))

	for _, tile := range job.Tiles {
		if job.cancelRequested() {
			job.setStatus(StatusCancelled)
			s.logger.Info("job cancelled", "job_id", jobID)
			return
		}

		if err := s.processTile(ctx, jobID, job, tile); err != nil {
			if errors.Is(err, context.Canceled) {
				job.setStatus(StatusCancelled)
				s.logger.Info("job cancelled mid-tile", "job_id", jobID, "tile", tile.String())
				return
			}
			job.fail(err.Error())
			s.bus.Publish(progressbus.Event{
				Type:    progressbus.TypeJobError,
				JobID:   jobID,
				Tile:    tile.String(),
				Message: err.Error(),
			})
			s.logger.Error("job tile failed, aborting remaining tiles", "job_id", jobID, "tile", tile.String(), "error", err)
			return
		}

		succeeded = append(succeeded, tile)
		job.advance(tile.String())
		s.bus.Publish(progressbus.Event{
			Type:     progressbus.TypeJobProgress,
			JobID:    jobID,
			Stage:    "light",
			Tile:     tile.String(),
			Progress: len(succeeded),
			Total:    len(job.Tiles),
		})

		if s.cfg.PerTileCooldown > 0 {
			select {
			case <-time.After(s.cfg.PerTileCooldown):
			case <-ctx.Done():
				job.setStatus(StatusCancelled)
				return
			}
		}
	}

	s.store.ClearDirty(succeeded)
	job.setStatus(StatusLightReady)
	s.bus.Publish(progressbus.Event{Type: progressbus.TypeJobDone, JobID: jobID, Stage: "light"})
	s.logger.Info("job light pass complete", "job_id", jobID, "tiles", len(succeeded))

	if s.cfg.EnableRefiner {
		job.setStatus(StatusRefining)
		s.wg.Add(1)
		go s.runRefine(jobID, job)
	}
}

func (s *Scheduler) processTile(ctx context.Context, jobID string, job *Job, tile tilestore.Coord) error {
	tileBytes, err := s.store.GetTileBytes(tile)
	if err != nil {
		return err
	}

	result, err := s.pipe.RunLight(ctx, tileBytes)
	if err != nil {
		return err
	}

	wx, wy, wz := registry.WorldCoords(tile.X, tile.Y, s.cfg.TileScaleMeters)
	obj := registry.Object{
		ID:         tile.ObjectID(),
		TileX:      tile.X,
		TileY:      tile.Y,
		WorldX:     wx,
		WorldY:     wy,
		WorldZ:     wz,
		Scale:      registry.ScaleForSize(result.Attributes.Size),
		AssetURL:   result.AssetPath,
		Quality:    result.Quality,
		Attributes: result.Attributes,
		CreatedAt:  time.Now(),
	}
	return s.registry.Register(obj)
}

// runRefine runs the refine sub-pass for a job's tiles on its own goroutine,
// outside the cfg.Workers pool and the FIFO queue (it is tracked by s.wg so
// Stop waits for it). A context with RefineTimeout is created per object, but
// RunRefine takes no context, so that timeout does not bound the refine call.
func (s *Scheduler) runRefine(jobID string, job *Job) {
	defer s.wg.Done()

	if s.cfg.RefineDelay > 0 {
		time.Sleep(s.cfg.RefineDelay)
	}

	for _, tile := range job.Tiles {
		if job.cancelRequested() {
			job.setStatus(StatusCancelled)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefineTimeout)
		obj, ok := s.registry.Get(tile.ObjectID())
		if !ok {
			cancel()
			continue
		}

		result, err := s.pipe.RunRefine(obj.AssetURL)
		cancel()
		if err != nil {
			s.logger.Warn("refine failed for tile, keeping light asset", "job_id", jobID, "tile", tile.String(), "error", err)
			continue
		}

		obj.AssetURL = result.AssetPath
		obj.Quality = result.Quality
		if err := s.registry.Register(obj); err != nil {
			s.logger.Error("refine registry update failed", "job_id", jobID, "tile", tile.String(), "error", err)
		}
	}

	job.markRefined()
	s.bus.Publish(progressbus.Event{Type: progressbus.TypeJobDone, JobID: jobID, Stage: "refine"})
	s.logger.Info("job refine pass complete", "job_id", jobID)
}
