package sim

import (
	"fmt"
	"strings"
	"time"
)

// LimitMode selects how the number of rendered satellites is capped.
type LimitMode int

const (
	LimitOff LimitMode = iota
	LimitManual
	LimitAuto
)

func (m LimitMode) String() string {
	switch m {
	case LimitOff:
		return "off"
	case LimitManual:
		return "manual"
	case LimitAuto:
		return "auto"
	default:
		return fmt.Sprintf("LimitMode(%d)", int(m))
	}
}

// ParseLimitMode parses "off", "manual" or "auto".
func ParseLimitMode(s string) (LimitMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return LimitOff, nil
	case "manual", "fixed":
		return LimitManual, nil
	case "auto", "automatic":
		return LimitAuto, nil
	}
	return LimitOff, fmt.Errorf("unknown satellite limit mode %q", s)
}

// SatLimit is the caller's satellite-count limit request.
type SatLimit struct {
	Mode LimitMode
	Max  int // manual cap, or initial cap in auto mode (0 = number visible)
}

// Parameters is the immutable run configuration.
type Parameters struct {
	// Interval is the simulated time span. A zero End is only valid for
	// live trajectories and means "until cancelled".
	Interval      Interval
	SliceLength   time.Duration
	Systems       []System // empty enables every supplied constellation
	ElevationMask float64  // degrees
	SatLimit      SatLimit

	// StartAt is the wall-clock instant the first buffer may be written to
	// a live output. Zero means immediately.
	StartAt time.Time

	Trajectory     Trajectory
	Output         Output
	Constellations []Constellation
	Generator      SignalGenerator
	Policy         FeaturePolicy
}

// SystemEnabled reports whether sys is part of this run.
func (p *Parameters) SystemEnabled(sys System) bool {
	if len(p.Systems) == 0 {
		return true
	}
	for _, s := range p.Systems {
		if s == sys {
			return true
		}
	}
	return false
}

// sliceInterval returns the interval of the seq-th slice.
func (p *Parameters) sliceInterval(seq int64) Interval {
	start := p.Interval.Start.Add(time.Duration(seq) * p.SliceLength)
	return Interval{Start: start, End: start.Add(p.SliceLength)}
}

// totalSlices returns the number of slices covering Interval, or 0 when the
// run is open-ended. Output buffers always hold a whole slice, so when
// Interval is not a multiple of SliceLength the count rounds up and the last
// slice runs past Interval.End.
func (p *Parameters) totalSlices() int64 {
	if p.Interval.End.IsZero() {
		return 0
	}
	d := p.Interval.Duration()
	n := int64(d / p.SliceLength)
	if d%p.SliceLength != 0 {
		n++
	}
	return n
}

func (p *Parameters) validate() error {
	if p.SliceLength <= 0 {
		return fmt.Errorf("slice length must be positive, got %s", p.SliceLength)
	}
	if p.Interval.Start.IsZero() {
		return fmt.Errorf("interval start is required")
	}
	if !p.Interval.End.IsZero() && !p.Interval.End.After(p.Interval.Start) {
		return fmt.Errorf("interval end %s is not after start %s", p.Interval.End, p.Interval.Start)
	}
	if p.Trajectory == nil {
		return fmt.Errorf("trajectory is required")
	}
	if p.Output == nil {
		return fmt.Errorf("output is required")
	}
	if p.Generator == nil {
		return fmt.Errorf("signal generator is required")
	}
	if len(p.Constellations) == 0 {
		return fmt.Errorf("at least one constellation is required")
	}
	if len(p.Output.Channels()) == 0 {
		return fmt.Errorf("output exposes no channels")
	}
	if p.SatLimit.Mode == LimitManual && p.SatLimit.Max < 1 {
		return fmt.Errorf("manual satellite limit requires max >= 1, got %d", p.SatLimit.Max)
	}
	if p.SatLimit.Max < 0 {
		return fmt.Errorf("satellite limit max must not be negative")
	}
	return nil
}

// Config holds tuning knobs for the pipeline. Zero values select defaults.
type Config struct {
	// Concurrency is the number of in-flight slices (ring slots).
	// Default: 3 for file output, 2 for live output.
	Concurrency int
	// PacingDelay is slept by the creator after each of the first
	// Concurrency slices (default: 10ms, negative disables).
	PacingDelay time.Duration
	// LockTimeout bounds every internal lock (default: 10s).
	LockTimeout time.Duration
	// QueueWatermark is the latency-pipeline queue depth treated as fatal
	// (default: 256).
	QueueWatermark int
	// WarmupSlices is the number of dummy slices rendered before a live run
	// starts (default: 3).
	WarmupSlices int
	// LevelWindow is the number of RMS measurements averaged by the AGC
	// (default: 20).
	LevelWindow int
	// DisableAGC quantizes with unit gain.
	DisableAGC bool
	// Limit tunes the automatic satellite limiter.
	Limit LimitPolicy
}

func (c Config) withDefaults(live bool) Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
		if live {
			c.Concurrency = 2
		}
	}
	if c.PacingDelay < 0 {
		c.PacingDelay = 0
	} else if c.PacingDelay == 0 {
		c.PacingDelay = 10 * time.Millisecond
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
	if c.QueueWatermark <= 0 {
		c.QueueWatermark = 256
	}
	if c.WarmupSlices <= 0 {
		c.WarmupSlices = 3
	}
	if c.LevelWindow <= 0 {
		c.LevelWindow = 20
	}
	c.Limit = c.Limit.withDefaults(c.Concurrency)
	return c
}
