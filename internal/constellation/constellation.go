// Package constellation is the reference sim.Constellation: it propagates a
// system's almanac with SGP4 and reports the satellites above the elevation
// mask as seen from the receiver.
package constellation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/star/stargnss/internal/propagation"
	"github.com/star/stargnss/internal/sim"
	"github.com/star/stargnss/internal/tle"
	"github.com/star/stargnss/internal/transform"
)

// Config tunes a Constellation. Zero values select defaults.
type Config struct {
	// KeyframeStep is the propagation grid; instants in between are
	// extrapolated (default: 1s).
	KeyframeStep time.Duration
	// CacheSize is the number of keyframes kept (default: 8).
	CacheSize int
	// MaxAlmanacAge marks satellites unhealthy when their elements are
	// further than this from the simulated time (0 disables the check).
	MaxAlmanacAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeyframeStep <= 0 {
		c.KeyframeStep = time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 8
	}
	return c
}

// StoreKey is the tle.Store key of a system's almanac.
func StoreKey(sys sim.System) string {
	return strings.ToLower(sys.String())
}

// Constellation computes visible satellites of one system.
type Constellation struct {
	system sim.System
	key    string
	store  *tle.Store
	prop   *propagation.Propagator
	cfg    Config
	logger *slog.Logger

	cache *ephemerisCache
	mu    sync.Mutex // serializes keyframe builds
}

// New creates a constellation backed by the almanac stored under
// StoreKey(system).
func New(system sim.System, store *tle.Store, prop *propagation.Propagator, cfg Config, logger *slog.Logger) *Constellation {
	cfg = cfg.withDefaults()
	return &Constellation{
		system: system,
		key:    StoreKey(system),
		store:  store,
		prop:   prop,
		cfg:    cfg,
		logger: logger.With("component", "constellation", "system", system.String()),
		cache:  newEphemerisCache(cfg.KeyframeStep, cfg.CacheSize),
	}
}

// System returns the constellation's GNSS system.
func (c *Constellation) System() sim.System {
	return c.system
}

// VisibleSatellites returns the satellites above p.ElevationMask as seen from
// the first sample, ordered by PRN.
func (c *Constellation) VisibleSatellites(ctx context.Context, samples []sim.TrajectorySample, p *sim.Parameters) ([]sim.Observation, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no trajectory samples")
	}
	rx := samples[0]

	kf, err := c.keyframe(ctx, rx.Time)
	if err != nil {
		return nil, err
	}

	observer := transform.NewObserver(transform.Vec3(rx.Position), transform.Vec3(rx.Velocity))
	dt := rx.Time.Sub(kf.at).Seconds()

	obs := make([]sim.Observation, 0, len(kf.states))
	for _, st := range kf.states {
		sat := extrapolate(st.ECEF, dt)
		look := observer.Look(sat.Pos)
		if look.ElevationDeg < p.ElevationMask {
			continue
		}
		obs = append(obs, sim.Observation{
			Sat:          sim.SatID{System: c.system, PRN: st.PRN},
			Time:         rx.Time,
			RangeM:       look.RangeM,
			RangeRateMps: observer.RangeRate(sat),
			ElevationDeg: look.ElevationDeg,
			AzimuthDeg:   look.AzimuthDeg,
			Healthy:      c.healthy(st, rx.Time),
		})
	}
	return obs, nil
}

func (c *Constellation) healthy(st propagation.SatelliteState, t time.Time) bool {
	if c.cfg.MaxAlmanacAge <= 0 {
		return true
	}
	age := t.Sub(st.Epoch)
	if age < 0 {
		age = -age
	}
	return age <= c.cfg.MaxAlmanacAge
}

// keyframe returns the states at the step boundary at or before t.
func (c *Constellation) keyframe(ctx context.Context, t time.Time) (*keyframe, error) {
	ds := c.store.Get(c.key)
	if ds == nil {
		return nil, fmt.Errorf("no almanac loaded for %s", c.system)
	}
	key := c.cache.roundToStep(t)
	if kf := c.cache.get(key, ds.FetchedAt); kf != nil {
		return kf, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if kf := c.cache.get(key, ds.FetchedAt); kf != nil {
		return kf, nil
	}

	states, used, err := c.prop.PropagateSystem(ctx, c.key, key)
	if err != nil {
		return nil, fmt.Errorf("propagating %s: %w", c.system, err)
	}
	if len(states) == 0 {
		c.logger.Warn("no satellite could be propagated", "time", key.Format(time.RFC3339))
	}

	kf := &keyframe{at: key, fetchedAt: used.FetchedAt, states: states}
	c.cache.put(kf)
	return kf, nil
}
