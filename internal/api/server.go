// Package api serves the simulation status and control endpoints next to the
// health probes and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/stargnss/internal/auth"
	"github.com/star/stargnss/internal/health"
	"github.com/star/stargnss/internal/httputil"
	"github.com/star/stargnss/internal/metrics"
	"github.com/star/stargnss/internal/sim"
)

// Controller is the view of a simulation the API exposes.
type Controller interface {
	ID() string
	Strategy() string
	State() sim.RunState
	Progress() sim.Progress
	SatelliteCap() int
	Snapshot() *sim.Snapshot
	Pause() error
	Resume() error
	Cancel() error
}

// Config configures the HTTP server.
type Config struct {
	Addr string
	Auth auth.Config
	// TrustProxy takes the client address of request logs from
	// X-Forwarded-For / X-Real-IP.
	TrustProxy bool
	// Events serves the simulation event stream when set.
	Events http.Handler
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	ctrl       Controller
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server for ctrl.
func NewServer(cfg Config, ctrl Controller, logger *slog.Logger) *Server {
	s := &Server{ctrl: ctrl, logger: logger.With("component", "api")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(s.ready))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/v1/simulation", s.handleStatus)
	mux.HandleFunc("GET /api/v1/simulation/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/v1/simulation/snapshot/{system}", s.handleSnapshot)
	if cfg.Events != nil {
		mux.Handle("GET /api/v1/simulation/events", cfg.Events)
	}
	mux.HandleFunc("POST /api/v1/simulation/pause", s.control("pause", ctrl.Pause))
	mux.HandleFunc("POST /api/v1/simulation/resume", s.control("resume", ctrl.Resume))
	mux.HandleFunc("POST /api/v1/simulation/cancel", s.control("cancel", ctrl.Cancel))

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(cfg.Auth)(handler)
	handler = loggingMiddleware(s.logger, cfg.TrustProxy)(handler)
	handler = metrics.Middleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// ready passes while the run has not ended.
func (s *Server) ready() error {
	switch st := s.ctrl.State(); st {
	case sim.StateReady, sim.StateInitializing, sim.StateRunning, sim.StatePausing, sim.StatePaused:
		return nil
	default:
		return fmt.Errorf("simulation %s", st)
	}
}

type statusResponse struct {
	ID               string  `json:"id"`
	Strategy         string  `json:"strategy"`
	State            string  `json:"state"`
	Progress         float64 `json:"progress"`
	SimTime          string  `json:"sim_time,omitempty"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	SlicesWritten    int64   `json:"slices_written"`
	Underruns        int64   `json:"underruns"`
	SatelliteCap     int     `json:"satellite_cap"`
	Visible          int     `json:"visible_satellites"`
}

func (s *Server) status() statusResponse {
	p := s.ctrl.Progress()
	resp := statusResponse{
		ID:               s.ctrl.ID(),
		Strategy:         s.ctrl.Strategy(),
		State:            s.ctrl.State().String(),
		Progress:         p.Fraction,
		ElapsedSeconds:   p.Elapsed.Seconds(),
		RemainingSeconds: p.Remaining.Seconds(),
		SlicesWritten:    p.SlicesWritten,
		Underruns:        p.Underruns,
		SatelliteCap:     s.ctrl.SatelliteCap(),
	}
	if !p.SimTime.IsZero() {
		resp.SimTime = p.SimTime.UTC().Format(time.RFC3339Nano)
	}
	if snap := s.ctrl.Snapshot(); snap != nil {
		resp.Visible = snap.Count()
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

type observationJSON struct {
	Sat          string  `json:"sat"`
	PRN          int     `json:"prn"`
	ElevationDeg float64 `json:"elevation_deg"`
	AzimuthDeg   float64 `json:"azimuth_deg"`
	RangeM       float64 `json:"range_m"`
	RangeRateMps float64 `json:"range_rate_mps"`
	Healthy      bool    `json:"healthy"`
	Enabled      bool    `json:"enabled"`
}

type snapshotResponse struct {
	IntervalStart string                       `json:"interval_start,omitempty"`
	IntervalEnd   string                       `json:"interval_end,omitempty"`
	Count         int                          `json:"count"`
	Systems       map[string][]observationJSON `json:"systems"`
}

// handleSnapshot returns the visible satellites of the last published
// snapshot, optionally restricted to one system.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var only sim.System
	if name := r.PathValue("system"); name != "" {
		sys, err := sim.ParseSystem(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		only = sys
	}

	resp := snapshotResponse{Systems: make(map[string][]observationJSON)}
	snap := s.ctrl.Snapshot()
	if snap == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if !snap.Interval.Start.IsZero() {
		resp.IntervalStart = snap.Interval.Start.UTC().Format(time.RFC3339Nano)
		resp.IntervalEnd = snap.Interval.End.UTC().Format(time.RFC3339Nano)
	}
	for sys, obs := range snap.Visible {
		if only != 0 && sys != only {
			continue
		}
		list := make([]observationJSON, 0, len(obs))
		for _, o := range obs {
			list = append(list, observationJSON{
				Sat:          o.Sat.String(),
				PRN:          o.Sat.PRN,
				ElevationDeg: o.ElevationDeg,
				AzimuthDeg:   o.AzimuthDeg,
				RangeM:       o.RangeM,
				RangeRateMps: o.RangeRateMps,
				Healthy:      o.Healthy,
				Enabled:      o.Enabled,
			})
		}
		resp.Systems[sys.String()] = list
		resp.Count += len(list)
	}
	writeJSON(w, http.StatusOK, resp)
}

// control wraps a run transition. Transitions the run cannot make in its
// current state are conflicts; transitions its strategy does not support
// are not implemented.
func (s *Server) control(action string, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn()
		switch {
		case err == nil:
			s.logger.Info("simulation control", "action", action, "state", s.ctrl.State().String())
			writeJSON(w, http.StatusAccepted, s.status())
		case errors.Is(err, sim.ErrInvalidState):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, sim.ErrUnsupported):
			writeError(w, http.StatusNotImplemented, err.Error())
		default:
			s.logger.Error("simulation control failed", "action", action, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

func loggingMiddleware(logger *slog.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", httputil.ClientIP(r, trustProxy),
			)
		})
	}
}
