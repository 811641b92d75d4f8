// Command stargnss renders GNSS baseband I/Q for a receiver trajectory and
// serves the run's status and controls over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/star/stargnss/internal/api"
	"github.com/star/stargnss/internal/config"
	"github.com/star/stargnss/internal/constellation"
	"github.com/star/stargnss/internal/metrics"
	"github.com/star/stargnss/internal/output"
	"github.com/star/stargnss/internal/propagation"
	gnsssignal "github.com/star/stargnss/internal/signal"
	"github.com/star/stargnss/internal/sim"
	"github.com/star/stargnss/internal/stream"
	"github.com/star/stargnss/internal/tle"
	"github.com/star/stargnss/internal/trajectory"
)

// progressLogInterval rate-limits progress log lines.
const progressLogInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "config file (default: stargnss.yaml in /etc/stargnss or the working directory)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if err := run(*configPath, logger); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := loadAlmanacs(ctx, cfg, logger)
	if err != nil {
		return err
	}
	prop := propagation.NewPropagator(store, cfg.Propagation, logger)

	var consts []sim.Constellation
	for _, sys := range cfg.Run.Systems {
		if store.Get(constellation.StoreKey(sys)) == nil {
			logger.Warn("system disabled, no almanac", "system", sys.String())
			continue
		}
		consts = append(consts, constellation.New(sys, store, prop, cfg.Constellation, logger))
	}

	traj, live, err := buildTrajectory(cfg, logger)
	if err != nil {
		return err
	}
	out, err := buildOutput(cfg, logger)
	if err != nil {
		return err
	}

	params := sim.Parameters{
		Interval:       cfg.Run.Interval(),
		SliceLength:    cfg.Run.SliceLength,
		Systems:        cfg.Run.Systems,
		ElevationMask:  cfg.Run.ElevationMask,
		SatLimit:       cfg.Run.SatLimit,
		Trajectory:     traj,
		Output:         out,
		Constellations: consts,
		Generator:      gnsssignal.NewGenerator(cfg.Signal, cfg.Run.Start, logger),
	}
	if cfg.Run.StartDelay > 0 {
		params.StartAt = time.Now().Add(cfg.Run.StartDelay)
	}

	s, err := sim.New(params, cfg.Sim, logger)
	if err != nil {
		out.Close()
		return err
	}
	defer s.Dispose()
	s.Subscribe(progressLogger(logger))

	srv := api.NewServer(api.Config{
		Addr:       cfg.HTTPAddr,
		Auth:       cfg.Auth,
		TrustProxy: cfg.TrustProxy,
		Events:     stream.NewHandler(s, cfg.Stream, logger),
	}, s, logger)
	go func() {
		logger.Info("starting server", "addr", cfg.HTTPAddr, "auth_enabled", cfg.Auth.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			stop()
		}
	}()

	// Background goroutine to update almanac age gauges.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			for _, sys := range store.Systems() {
				if age := store.AgeSeconds(sys); age >= 0 {
					metrics.SetAlmanacAge(sys, age)
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	if live != nil {
		go live.Run(ctx)
	}

	if err := s.Start(); err != nil {
		return fmt.Errorf("starting simulation: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested, cancelling simulation")
		if err := s.Cancel(); err != nil {
			logger.Warn("cancel", "error", err)
		}
	case <-s.Done():
	}
	comp, _ := s.Wait(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	p := s.Progress()
	logger.Info("simulation completed",
		"state", comp.State.String(),
		"cancelled", comp.Cancelled,
		"slices_written", p.SlicesWritten,
		"underruns", p.Underruns,
		"elapsed_seconds", p.Elapsed.Seconds(),
	)
	return comp.Err
}

// loadAlmanacs fills a store with the almanac of every configured system.
// Missing systems are only fatal when none loaded.
func loadAlmanacs(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tle.Store, error) {
	store := tle.NewStore()
	loader := &tle.Loader{
		Store:  store,
		Cache:  tle.NewCache(cfg.TLE.CacheDir, cfg.TLE.MaxFiles),
		Logger: logger,
	}
	if cfg.TLE.Fetch {
		loader.Fetcher = tle.NewFetcher(cfg.TLE.BaseURL, logger)
	}

	keys := make([]string, len(cfg.Run.Systems))
	for i, sys := range cfg.Run.Systems {
		keys[i] = constellation.StoreKey(sys)
	}
	if err := loader.LoadSystems(ctx, keys, cfg.TLE.Files); err != nil {
		if len(store.Systems()) == 0 {
			return nil, fmt.Errorf("no almanac available: %w", err)
		}
		logger.Warn("some almanacs could not be loaded", "error", err)
	}
	return store, nil
}

func buildTrajectory(cfg *config.Config, logger *slog.Logger) (sim.Trajectory, *trajectory.Live, error) {
	t := cfg.Trajectory
	switch t.Kind {
	case config.TrajectoryWaypoints:
		w, err := trajectory.LoadWaypoints(t.File)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("waypoint trajectory loaded", "file", t.File, "span", w.Span().String())
		return w, nil, nil
	case config.TrajectoryLive:
		l := trajectory.NewLive(t.Position, t.SampleRate, cfg.Run.Start, logger)
		return l, l, nil
	default:
		return trajectory.NewStatic(t.Position, t.SampleRate), nil, nil
	}
}

func buildOutput(cfg *config.Config, logger *slog.Logger) (sim.Output, error) {
	o := cfg.Output
	switch o.Kind {
	case config.OutputNull:
		return output.NewNull(cfg.Channels), nil
	case config.OutputEmulated:
		return output.NewEmulated(cfg.Channels, output.EmulatedConfig{
			SliceLength: cfg.Run.SliceLength,
			BufferCount: o.BufferCount,
			ReadyDelay:  o.ReadyDelay,
		}, logger)
	default:
		return output.NewFile(o.Dir, o.Prefix, cfg.Channels, cfg.Run.Start, logger)
	}
}

// progressLogger logs state changes, underruns and at most one progress
// line per progressLogInterval.
func progressLogger(logger *slog.Logger) sim.Listener {
	var last atomic.Int64
	return sim.Listener{
		OnProgress: func(p sim.Progress) {
			now := time.Now().UnixNano()
			prev := last.Load()
			if now-prev < int64(progressLogInterval) || !last.CompareAndSwap(prev, now) {
				return
			}
			logger.Info("progress",
				"fraction", p.Fraction,
				"sim_time", p.SimTime.Format(time.RFC3339Nano),
				"elapsed_seconds", p.Elapsed.Seconds(),
				"remaining_seconds", p.Remaining.Seconds(),
				"slices_written", p.SlicesWritten,
			)
		},
		OnStateChanged: func(from, to sim.RunState) {
			logger.Info("run state changed", "from", from.String(), "to", to.String())
		},
		OnUnderrun: func(delay time.Duration) {
			logger.Warn("output underrun", "delay_ms", delay.Milliseconds())
		},
	}
}
