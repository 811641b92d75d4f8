package sim

import (
	"context"
	"time"
)

// Output consumes finished slices. Write is called from the writer stage
// only, in slice order; once it returns the slice buffers go back to the pool,
// so implementations must copy anything they keep.
type Output interface {
	Channels() []Channel
	ByteCountForInterval(ch Channel, d time.Duration) int
	Write(s *Slice) error
	Close() error
}

// LiveOutputEvents receives asynchronous notifications from a live device.
// Handlers may be invoked from any goroutine.
type LiveOutputEvents struct {
	OnUnderrun        func(delay time.Duration)
	OnPlaybackStarted func()
	OnError           func(err error)
}

// LiveOutput is real-time playback hardware.
type LiveOutput interface {
	Output
	Ready() bool
	Alive() bool
	// BufferCount is how many slices of pre-roll the device wants queued
	// before playback starts.
	BufferCount() int
	SetEventHandler(h LiveOutputEvents)
}

// Trajectory supplies receiver positions.
type Trajectory interface {
	// Samples returns the ordered samples covering iv, or ErrNotAvailable.
	Samples(iv Interval) ([]TrajectorySample, error)
	SampleRate() float64
	// External reports whether samples are pushed by an outside clock.
	External() bool
}

// LiveTrajectory is an externally clocked trajectory.
type LiveTrajectory interface {
	Trajectory
	// OnNewSample registers fn to be called with the time of every new
	// sample. The returned function detaches fn.
	OnNewSample(fn func(t time.Time)) (unsubscribe func())
	// AdvanceSampleClock moves the sampling clock forward by d so that
	// subsequent samples arrive earlier.
	AdvanceSampleClock(d time.Duration)
}

// Constellation computes visible satellites for one GNSS system.
type Constellation interface {
	System() System
	VisibleSatellites(ctx context.Context, samples []TrajectorySample, p *Parameters) ([]Observation, error)
}

// SignalGenerator prepares per-channel modulation for a slice.
type SignalGenerator interface {
	Modulate(ch Channel, iv Interval, obs []Observation) (Modulation, error)
}

// Modulation renders prepared signals into interleaved I/Q floats.
// len(dst) is twice the number of complex samples in the slice.
type Modulation interface {
	Render(dst []float64) error
}

// FeaturePolicy gates optional features. It is consulted once when a
// simulation is built; the core keeps no global feature state.
type FeaturePolicy interface {
	Allow(feature string) bool
}

// Feature names understood by the core.
const (
	FeatureLiveOutput = "live-output"
	FeatureAutoLimit  = "auto-satellite-limit"
)

// SystemFeature is the feature name gating one constellation.
func SystemFeature(s System) string {
	return "system:" + s.String()
}

// AllowAll is the default FeaturePolicy.
type AllowAll struct{}

// Allow always returns true.
func (AllowAll) Allow(string) bool { return true }
