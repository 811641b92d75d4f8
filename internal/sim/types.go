package sim

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// System identifies a GNSS constellation.
type System int

const (
	GPS System = iota + 1
	GLONASS
	BeiDou
	Galileo
)

// AllSystems lists every supported constellation in a stable order.
var AllSystems = []System{GPS, GLONASS, BeiDou, Galileo}

func (s System) String() string {
	switch s {
	case GPS:
		return "GPS"
	case GLONASS:
		return "GLONASS"
	case BeiDou:
		return "BeiDou"
	case Galileo:
		return "Galileo"
	default:
		return fmt.Sprintf("System(%d)", int(s))
	}
}

// prefix returns the RINEX single-letter system code.
func (s System) prefix() string {
	switch s {
	case GPS:
		return "G"
	case GLONASS:
		return "R"
	case BeiDou:
		return "C"
	case Galileo:
		return "E"
	default:
		return "?"
	}
}

// ParseSystem accepts a system name ("gps", "GLONASS", ...) or its RINEX letter.
func ParseSystem(name string) (System, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gps", "g":
		return GPS, nil
	case "glonass", "glo", "r":
		return GLONASS, nil
	case "beidou", "bds", "c":
		return BeiDou, nil
	case "galileo", "gal", "e":
		return Galileo, nil
	}
	return 0, fmt.Errorf("unknown GNSS system %q", name)
}

// SatID identifies one satellite within its constellation.
type SatID struct {
	System System
	PRN    int
}

func (id SatID) String() string {
	return fmt.Sprintf("%s%02d", id.System.prefix(), id.PRN)
}

// less orders satellites by system, then PRN.
func (id SatID) less(o SatID) bool {
	if id.System != o.System {
		return id.System < o.System
	}
	return id.PRN < o.PRN
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Duration returns End - Start.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Midpoint returns the instant halfway through the interval.
func (iv Interval) Midpoint() time.Time {
	return iv.Start.Add(iv.Duration() / 2)
}

// Contains reports whether t lies in [Start, End).
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s)", iv.Start.UTC().Format(time.RFC3339Nano), iv.End.UTC().Format(time.RFC3339Nano))
}

// TrajectorySample is one receiver position/velocity fix in ECEF.
type TrajectorySample struct {
	Time     time.Time
	Position [3]float64 // meters
	Velocity [3]float64 // m/s
}

// Observation describes one satellite as seen from the receiver during a slice.
type Observation struct {
	Sat          SatID
	Time         time.Time
	RangeM       float64
	RangeRateMps float64
	ElevationDeg float64
	AzimuthDeg   float64
	Healthy      bool
	Enabled      bool // set by the satellite limiter
}

// Snapshot is the most recently computed set of visible satellites,
// grouped per constellation. Published by atomic pointer swap; never mutated
// after publication.
type Snapshot struct {
	Interval Interval
	Visible  map[System][]Observation
}

// Count returns the number of visible satellites across all systems.
func (s *Snapshot) Count() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, obs := range s.Visible {
		n += len(obs)
	}
	return n
}

// EnabledCount returns the number of satellites selected for rendering.
func (s *Snapshot) EnabledCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, obs := range s.Visible {
		for _, o := range obs {
			if o.Enabled {
				n++
			}
		}
	}
	return n
}

// Channel is one independently modulated output stream.
type Channel struct {
	Index           int
	Name            string
	CenterFrequency float64 // Hz
	SampleRate      float64 // complex samples per second
	Quantization    int     // bits per I or Q component: 8 or 16
	Systems         []System
}

// BytesPerSample returns the size of one interleaved I/Q sample.
func (c Channel) BytesPerSample() int {
	return 2 * c.Quantization / 8
}

// SamplesFor returns the number of complex samples covering d.
func (c Channel) SamplesFor(d time.Duration) int {
	return int(math.Round(c.SampleRate * d.Seconds()))
}

// BytesFor returns the number of output bytes covering d.
func (c Channel) BytesFor(d time.Duration) int {
	return c.SamplesFor(d) * c.BytesPerSample()
}

// Carries reports whether signals of sys are modulated onto this channel.
// A channel with no explicit systems carries everything.
func (c Channel) Carries(sys System) bool {
	if len(c.Systems) == 0 {
		return true
	}
	for _, s := range c.Systems {
		if s == sys {
			return true
		}
	}
	return false
}

// RunState is the global simulation state.
type RunState int32

const (
	StateNone RunState = iota
	StateReady
	StateInitializing
	StateRunning
	StatePausing
	StatePaused
	StateCancelling
	StateCancelled
	StateFinished
)

var runStateNames = [...]string{
	StateNone:         "none",
	StateReady:        "ready",
	StateInitializing: "initializing",
	StateRunning:      "running",
	StatePausing:      "pausing",
	StatePaused:       "paused",
	StateCancelling:   "cancelling",
	StateCancelled:    "cancelled",
	StateFinished:     "finished",
}

func (s RunState) String() string {
	if s >= 0 && int(s) < len(runStateNames) {
		return runStateNames[s]
	}
	return fmt.Sprintf("RunState(%d)", int(s))
}

// Active reports whether pipeline stages should keep looping in this state.
func (s RunState) Active() bool {
	switch s {
	case StateInitializing, StateRunning, StatePausing, StatePaused:
		return true
	}
	return false
}

// Terminal reports whether the run has completed.
func (s RunState) Terminal() bool {
	return s == StateCancelled || s == StateFinished
}
