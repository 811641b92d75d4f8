package sim

import (
	"sort"
	"time"
)

// LimitPolicy tunes the automatic satellite-count hill climb. The defaults
// were tuned empirically against specific playback hardware and are not
// derived from a throughput model.
type LimitPolicy struct {
	// Divisor scales the shrink step: cap -= visible/Divisor + 1 (default 30).
	Divisor int
	// Step is the growth applied when the cap is not binding (default 1).
	Step int
	// MinSlices is the number of real slices that must have been processed
	// before an underrun is acted on (default: concurrency).
	MinSlices int64
}

func (p LimitPolicy) withDefaults(concurrency int) LimitPolicy {
	if p.Divisor <= 0 {
		p.Divisor = 30
	}
	if p.Step <= 0 {
		p.Step = 1
	}
	if p.MinSlices <= 0 {
		p.MinSlices = int64(concurrency)
	}
	return p
}

// Limiter caps how many satellites are rendered and damps the reaction to
// buffer underruns. After an acted-on underrun the next K slices skip full
// rendering and further underruns are ignored for 2K slices, K being the
// pipeline concurrency.
type Limiter struct {
	mu          *timedMutex
	mode        LimitMode
	policy      LimitPolicy
	concurrency int

	cap      int // 0 = not yet initialised (auto) or unlimited (off)
	skip     int
	mute     int
	produced int64

	prev        map[SatID]bool
	lastVisible int
	lastEnabled int
}

// NewLimiter builds a limiter for the requested limit mode.
func NewLimiter(limit SatLimit, policy LimitPolicy, concurrency int, lockTimeout time.Duration) *Limiter {
	l := &Limiter{
		mu:          newTimedMutex("satellite limiter", lockTimeout),
		mode:        limit.Mode,
		policy:      policy.withDefaults(concurrency),
		concurrency: concurrency,
		prev:        make(map[SatID]bool),
	}
	if limit.Mode != LimitOff {
		l.cap = limit.Max
	}
	return l
}

// Assign marks which observations are rendered. Healthy satellites that were
// enabled in the previous slice keep priority, then higher elevation wins, so
// the rendered set changes minimally between adjacent slices.
func (l *Limiter) Assign(obs []Observation) []Observation {
	out := make([]Observation, len(obs))
	copy(out, obs)

	order := make([]int, 0, len(out))
	for i := range out {
		out[i].Enabled = false
		if out[i].Healthy {
			order = append(order, i)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sort.SliceStable(order, func(a, b int) bool {
		oa, ob := out[order[a]], out[order[b]]
		pa, pb := l.prev[oa.Sat], l.prev[ob.Sat]
		if pa != pb {
			return pa
		}
		if oa.ElevationDeg != ob.ElevationDeg {
			return oa.ElevationDeg > ob.ElevationDeg
		}
		return oa.Sat.less(ob.Sat)
	})

	if l.mode == LimitAuto && l.cap == 0 && len(order) > 0 {
		l.cap = len(order)
	}

	limit := len(order)
	if l.mode != LimitOff && l.cap > 0 && l.cap < limit {
		limit = l.cap
	}

	next := make(map[SatID]bool, limit)
	for _, idx := range order[:limit] {
		out[idx].Enabled = true
		next[out[idx].Sat] = true
	}
	l.prev = next
	l.lastVisible = len(obs)
	l.lastEnabled = limit

	return out
}

// OnUnderrun reacts to a hardware underrun. It returns false when the report
// was ignored (too early in the run, or inside the mute window).
func (l *Limiter) OnUnderrun() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.produced < l.policy.MinSlices || l.mute > 0 {
		return false
	}

	l.skip = l.concurrency
	l.mute = 2 * l.concurrency

	if l.mode == LimitAuto {
		l.climb()
	}
	return true
}

// climb adjusts the automatic cap. Caller holds mu.
func (l *Limiter) climb() {
	if l.cap == 0 || l.cap > l.lastVisible {
		l.cap = l.lastVisible
	}
	if l.cap == 0 {
		return
	}

	if l.lastEnabled+1 >= l.cap {
		l.cap -= l.lastVisible/l.policy.Divisor + 1
		if l.cap < 1 {
			l.cap = 1
		}
		return
	}

	if l.cap+l.policy.Step <= l.lastVisible {
		l.cap += l.policy.Step
	}
}

// TakeSkip is called once per real slice before rendering. It advances the
// mute window and reports whether this slice should substitute placeholder
// output for full rendering.
func (l *Limiter) TakeSkip() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.produced++
	if l.mute > 0 {
		l.mute--
	}
	if l.skip > 0 {
		l.skip--
		return true
	}
	return false
}

// Cap returns the current satellite cap, or 0 when unlimited.
func (l *Limiter) Cap() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mode == LimitOff {
		return 0
	}
	return l.cap
}

// Counters returns the pending skip and mute counts.
func (l *Limiter) Counters() (skip, mute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skip, l.mute
}

// Produced returns the number of real slices that went through TakeSkip.
func (l *Limiter) Produced() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.produced
}
