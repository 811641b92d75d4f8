package constellation

import (
	"sort"
	"sync"
	"time"

	"github.com/star/stargnss/internal/metrics"
	"github.com/star/stargnss/internal/propagation"
	"github.com/star/stargnss/internal/transform"
)

// keyframe holds every satellite of one system at a step boundary.
type keyframe struct {
	at        time.Time
	fetchedAt time.Time // almanac the states were propagated from
	states    []propagation.SatelliteState
}

// ephemerisCache keeps the most recent keyframes so that consecutive slices
// inside one step share a single propagation. Entries from a replaced almanac
// count as misses.
type ephemerisCache struct {
	step     time.Duration
	capacity int

	mu      sync.RWMutex
	entries map[time.Time]*keyframe
}

func newEphemerisCache(step time.Duration, capacity int) *ephemerisCache {
	return &ephemerisCache{
		step:     step,
		capacity: capacity,
		entries:  make(map[time.Time]*keyframe),
	}
}

// roundToStep rounds t down to the step boundary, in UTC.
func (c *ephemerisCache) roundToStep(t time.Time) time.Time {
	return t.UTC().Truncate(c.step)
}

// get returns the keyframe at key if it was built from the almanac fetched
// at fetchedAt.
func (c *ephemerisCache) get(key, fetchedAt time.Time) *keyframe {
	c.mu.RLock()
	kf, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && kf.fetchedAt.Equal(fetchedAt) {
		metrics.IncEphemerisLookup("hit")
		return kf
	}
	metrics.IncEphemerisLookup("miss")
	return nil
}

// put stores kf and evicts the oldest keyframes beyond capacity.
func (c *ephemerisCache) put(kf *keyframe) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[kf.at] = kf
	if len(c.entries) <= c.capacity {
		return
	}

	keys := make([]time.Time, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	for _, k := range keys[:len(keys)-c.capacity] {
		delete(c.entries, k)
	}
}

func (c *ephemerisCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// extrapolate moves an ECEF state forward by dt seconds at constant velocity.
func extrapolate(s transform.StateECEF, dt float64) transform.StateECEF {
	for i := range s.Pos {
		s.Pos[i] += s.Vel[i] * dt
	}
	return s
}
