package propagation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/star/stargnss/internal/metrics"
	"github.com/star/stargnss/internal/tle"
)

// sgp4Cache holds preinitialized SGP4 propagators for one system's dataset.
// Immutable after construction; safe for concurrent reads.
type sgp4Cache struct {
	props     map[int]*SGP4Propagator
	fetchedAt time.Time
}

// Propagator turns the almanacs in a tle.Store into ECEF satellite states.
type Propagator struct {
	store  *tle.Store
	pool   *WorkerPool
	config PropConfig
	logger *slog.Logger
	sgp4   atomic.Pointer[map[string]*sgp4Cache]
	sgp4Mu sync.Mutex // serializes cache rebuilds
}

// NewPropagator creates a new propagation orchestrator.
func NewPropagator(store *tle.Store, config PropConfig, logger *slog.Logger) *Propagator {
	p := &Propagator{
		store:  store,
		pool:   NewWorkerPool(config.Workers),
		config: config,
		logger: logger,
	}
	empty := map[string]*sgp4Cache{}
	p.sgp4.Store(&empty)
	return p
}

// cachedProps returns preinitialized SGP4 propagators for the given dataset.
// Rebuilds the system's cache if the dataset has changed (double-checked locking).
func (p *Propagator) cachedProps(ds *tle.Dataset) map[int]*SGP4Propagator {
	if c := (*p.sgp4.Load())[ds.System]; c != nil && c.fetchedAt.Equal(ds.FetchedAt) {
		return c.props
	}

	p.sgp4Mu.Lock()
	defer p.sgp4Mu.Unlock()

	cur := *p.sgp4.Load()
	if c := cur[ds.System]; c != nil && c.fetchedAt.Equal(ds.FetchedAt) {
		return c.props
	}

	props := make(map[int]*SGP4Propagator, len(ds.Satellites))
	var skipped int
	for _, entry := range ds.Satellites {
		if _, ok := props[entry.NORADID]; ok {
			continue
		}
		sp, err := NewSGP4Propagator(entry.Line1, entry.Line2, entry.NORADID)
		if err != nil {
			p.logger.Warn("sgp4 cache init failed", "system", ds.System, "norad_id", entry.NORADID, "error", err)
			skipped++
			continue
		}
		props[entry.NORADID] = sp
	}

	p.logger.Info("sgp4 propagator cache rebuilt",
		"system", ds.System,
		"cached", len(props),
		"skipped", skipped,
		"dataset_fetched_at", ds.FetchedAt.UTC().Format(time.RFC3339),
	)

	next := make(map[string]*sgp4Cache, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[ds.System] = &sgp4Cache{props: props, fetchedAt: ds.FetchedAt}
	p.sgp4.Store(&next)
	return props
}

// PropagateSystem propagates every satellite of a system's current almanac
// to targetTime. States are ordered by PRN. It also returns the dataset the
// states were computed from.
func (p *Propagator) PropagateSystem(ctx context.Context, system string, targetTime time.Time) ([]SatelliteState, *tle.Dataset, error) {
	ds := p.store.Get(system)
	if ds == nil {
		return nil, nil, fmt.Errorf("no TLE dataset loaded for %s", system)
	}

	props := p.cachedProps(ds)

	start := time.Now()
	batch := p.pool.PropagateBatch(ctx, ds.Satellites, targetTime, props)
	duration := time.Since(start)

	metrics.RecordPropagation(duration, len(batch.Failed))

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	for _, f := range batch.Failed {
		p.logger.Warn("propagation failed",
			"system", system,
			"prn", f.PRN,
			"norad_id", f.NORADID,
			"error", f.Err,
		)
	}
	p.logger.Debug("propagation complete",
		"system", system,
		"target_time", targetTime.UTC().Format(time.RFC3339Nano),
		"success", len(batch.States),
		"errors", len(batch.Failed),
		"duration_ms", duration.Milliseconds(),
	)

	states := batch.States
	sort.Slice(states, func(i, j int) bool { return states[i].PRN < states[j].PRN })
	return states, ds, nil
}
