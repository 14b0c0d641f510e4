// Package server wires the HTTP/JSON ingress, the tile-PNG egress, the
// WebSocket Progress Bus fan-out, and the admin/search/debug endpoints onto
// a single net/http.ServeMux, matching the teacher architecture's flat
// serve.go composition.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/geoplace/orchestrator/internal/geoerr"
	"github.com/geoplace/orchestrator/internal/progressbus"
	"github.com/geoplace/orchestrator/internal/registry"
	"github.com/geoplace/orchestrator/internal/scheduler"
	"github.com/geoplace/orchestrator/internal/search"
	"github.com/geoplace/orchestrator/internal/tilestore"
)

// Config bundles the external-facing knobs the server needs beyond its
// wired components.
type Config struct {
	PublicURL    string
	CacheDir     string
	AssetDir     string
	TilePx       int
	CacheControl string
}

// Server holds every component the HTTP/WS layer dispatches into.
type Server struct {
	cfg       Config
	store     *tilestore.Store
	scheduler *scheduler.Scheduler
	registry  *registry.Registry
	bus       *progressbus.Bus
	search    *search.Service
	logger    *slog.Logger

	upgrader websocket.Upgrader
}

// New constructs a Server and its routed ServeMux.
func New(cfg Config, store *tilestore.Store, sched *scheduler.Scheduler, reg *registry.Registry, bus *progressbus.Bus, searchSvc *search.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		scheduler: sched,
		registry:  reg,
		bus:       bus,
		search:    searchSvc,
		logger:    logger.With("component", "server"),
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Mux builds the fully-routed ServeMux.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/paint", s.handlePaint)
	mux.HandleFunc("/generate", s.handleGenerate)
	mux.HandleFunc("/status/", s.handleStatus)
	mux.HandleFunc("/tile/", s.handleTile)
	mux.HandleFunc("/objects.json", s.handleObjects)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/format_prompt", s.handleFormatPrompt)
	mux.HandleFunc("/public_info", s.handlePublicInfo)
	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("/admin/models", s.handleAdminModels)
	mux.HandleFunc("/admin/clear_cache", s.handleAdminClearCache)
	mux.HandleFunc("/admin/delete_models", s.handleAdminDeleteModels)
	mux.HandleFunc("/admin/delete_images", s.handleAdminDeleteImages)

	return mux
}

// withCORS mirrors the teacher architecture's permissive demo-server CORS wrapper.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the CORS-wrapped mux ready for http.Server.Handler.
func (s *Server) Handler() http.Handler {
	return withCORS(s.Mux())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "message": message})
}

type paintRequest struct {
	TileX    int        `json:"tile_x"`
	TileY    int        `json:"tile_y"`
	Pixels   [][4]uint8 `json:"pixels"`
	TileSize int        `json:"tile_size"`
	UserID   string     `json:"user_id"`
}

func (s *Server) handlePaint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req paintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	tile := tilestore.Coord{X: req.TileX, Y: req.TileY}
	if err := s.store.SaveTile(tile, req.Pixels); err != nil {
		status := http.StatusInternalServerError
		if geoerr.Is(err, geoerr.KindInvalidInput) {
			status = http.StatusBadRequest
		} else {
			s.logger.Error("paint save failed", "tile", tile.String(), "error", err)
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "modified_count": 1})
}

type generateRequest struct {
	Tiles [][2]int `json:"tiles"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req generateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // absent/empty body means "use dirty snapshot"
	}

	tiles := make([]tilestore.Coord, 0, len(req.Tiles))
	for _, t := range req.Tiles {
		tiles = append(tiles, tilestore.Coord{X: t[0], Y: t[1]})
	}

	jobID, err := s.scheduler.Enqueue(tiles)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "message": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "tiles": tiles})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Path[len("/status/"):]
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}
	snap, ok := s.scheduler.Status(jobID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path[len("/tile/"):]
	var x, y int
	if n, err := parseTilePath(path, &x, &y); err != nil || n != 2 {
		http.NotFound(w, r) // a path that is not two integer coordinates is not a tile lookup; only tile misses get a placeholder
		return
	}

	raw, err := s.store.GetTileBytes(tilestore.Coord{X: x, Y: y})
	if err != nil {
		s.logger.Error("failed to load tile bytes", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if s.cfg.CacheControl != "" {
		w.Header().Set("Cache-Control", s.cfg.CacheControl)
	}
	_, _ = w.Write(raw)
}

func parseTilePath(path string, x, y *int) (int, error) {
	var xs, ys string
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			xs, ys = path[:i], path[i+1:]
			break
		}
	}
	if xs == "" || ys == "" {
		return 0, os.ErrInvalid
	}
	xi, err := strconv.Atoi(xs)
	if err != nil {
		return 0, err
	}
	yi, err := strconv.Atoi(ys)
	if err != nil {
		return 0, err
	}
	*x, *y = xi, yi
	return 2, nil
}

func (s *Server) handleObjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Load())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	topK := 10
	if ts := r.URL.Query().Get("top_k"); ts != "" {
		if n, err := strconv.Atoi(ts); err == nil && n > 0 {
			topK = n
		}
	}
	target := r.URL.Query().Get("target")

	results, err := s.search.Search(r.Context(), q, topK, target)
	if err != nil {
		s.logger.Error("search failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": results})
}

// handleFormatPrompt is a debug-only endpoint: it returns the query string
// alongside a copy of the fixed system instruction the Search Service sends
// to the LM rerank endpoint, without performing a search. It does not build
// the candidate list or the user message of the LM payload.
func (s *Server) handleFormatPrompt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	writeJSON(w, http.StatusOK, map[string]any{
		"query":  q,
		"system": "Score each candidate's relevance to the query from 0 to 1. Respond with JSON only: a list of objects with id, score, text, comment.",
	})
}

func (s *Server) handlePublicInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"public_url": s.cfg.PublicURL,
		"notes":      "GeoPlace orchestrator instance",
	})
}

func (s *Server) handleAdminModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"understand": "remote", "synthesize": "configured", "reconstruct": "configured"})
}

func (s *Server) handleAdminClearCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := os.RemoveAll(s.cfg.CacheDir); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAdminDeleteModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "no local model weights to delete; stages are remote"})
}

func (s *Server) handleAdminDeleteImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := os.RemoveAll(s.cfg.CacheDir + "/pipe"); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleWebSocket upgrades the single Progress Bus egress endpoint. On
// connect it sends a hello event with the current registry/dirty snapshot;
// every subsequent Progress Bus publish is forwarded until the connection
// breaks, at which point the subscription is silently dropped. Inbound
// client messages are treated purely as keep-alives and answered ping_ack.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.bus.Subscribe()
	defer cancel()

	hello := progressbus.Event{
		Type:    progressbus.TypeHello,
		Objects: s.registry.Load(),
		Dirty:   s.store.DirtySnapshot(),
	}
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.WriteJSON(progressbus.Event{Type: progressbus.TypePingAck})
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// NewHTTPServer wraps the Server's handler in an http.Server with the
// teacher architecture's header-timeout hardening.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
}
