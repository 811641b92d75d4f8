// Package trajectory holds the reference receiver trajectories: a fixed
// position, a YAML waypoint recording and a live feed clocked by a ticker.
package trajectory

import (
	"fmt"
	"time"

	"github.com/star/stargnss/internal/sim"
	"github.com/star/stargnss/internal/transform"
)

// DefaultSampleRate is used when a trajectory is configured without one.
const DefaultSampleRate = 10.0

// Static is a receiver that never moves.
type Static struct {
	pos  transform.Vec3
	rate float64
}

// NewStatic places the receiver at g. sampleRate <= 0 selects
// DefaultSampleRate.
func NewStatic(g transform.Geodetic, sampleRate float64) *Static {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Static{pos: g.ECEF(), rate: sampleRate}
}

func (s *Static) SampleRate() float64 { return s.rate }

func (s *Static) External() bool { return false }

// Samples returns the fixes at every sample instant in iv.
func (s *Static) Samples(iv sim.Interval) ([]sim.TrajectorySample, error) {
	times, err := sampleTimes(iv, s.rate)
	if err != nil {
		return nil, err
	}
	out := make([]sim.TrajectorySample, len(times))
	for i, t := range times {
		out[i] = sim.TrajectorySample{Time: t, Position: s.pos}
	}
	return out, nil
}

// sampleTimes lists iv.Start, iv.Start+1/rate, ... up to but excluding
// iv.End. A zero-length interval yields its start.
func sampleTimes(iv sim.Interval, rate float64) ([]time.Time, error) {
	if iv.End.Before(iv.Start) {
		return nil, fmt.Errorf("interval %s ends before it starts", iv)
	}
	step := time.Duration(float64(time.Second) / rate)
	if step <= 0 {
		step = time.Nanosecond
	}
	times := []time.Time{iv.Start}
	for t := iv.Start.Add(step); t.Before(iv.End); t = t.Add(step) {
		times = append(times, t)
	}
	return times, nil
}
