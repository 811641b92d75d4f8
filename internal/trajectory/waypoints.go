package trajectory

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/star/stargnss/internal/sim"
	"github.com/star/stargnss/internal/transform"
)

// Waypoint is one recorded receiver position.
type Waypoint struct {
	Time               time.Time `yaml:"time"`
	transform.Geodetic `yaml:",inline"`
}

type waypointFile struct {
	SampleRate float64    `yaml:"sample_rate"`
	Waypoints  []Waypoint `yaml:"waypoints"`
}

type fix struct {
	t   time.Time
	pos transform.Vec3
}

// Waypoints is a pre-recorded trajectory. Positions between waypoints are
// interpolated linearly in ECEF and the velocity is constant on each leg.
type Waypoints struct {
	rate  float64
	fixes []fix
}

// LoadWaypoints reads a waypoint file:
//
//	sample_rate: 10
//	waypoints:
//	  - {time: 2024-04-10T08:00:00Z, lat: 48.85, lon: 2.35, alt: 35}
//	  - {time: 2024-04-10T08:10:00Z, lat: 48.86, lon: 2.36, alt: 35}
func LoadWaypoints(path string) (*Waypoints, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening waypoints: %w", err)
	}
	defer f.Close()
	return ParseWaypoints(f)
}

// ParseWaypoints decodes a waypoint document from r.
func ParseWaypoints(r io.Reader) (*Waypoints, error) {
	var doc waypointFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding waypoints: %w", err)
	}
	return NewWaypoints(doc.Waypoints, doc.SampleRate)
}

// NewWaypoints builds a trajectory through wps, which must hold at least two
// waypoints at strictly increasing times.
func NewWaypoints(wps []Waypoint, sampleRate float64) (*Waypoints, error) {
	if len(wps) < 2 {
		return nil, fmt.Errorf("need at least 2 waypoints, got %d", len(wps))
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	w := &Waypoints{rate: sampleRate, fixes: make([]fix, len(wps))}
	for i, wp := range wps {
		if wp.Time.IsZero() {
			return nil, fmt.Errorf("waypoint %d has no time", i)
		}
		if i > 0 && !wp.Time.After(wps[i-1].Time) {
			return nil, fmt.Errorf("waypoint %d at %s is not after the previous one", i, wp.Time.Format(time.RFC3339))
		}
		w.fixes[i] = fix{t: wp.Time, pos: wp.ECEF()}
	}
	return w, nil
}

func (w *Waypoints) SampleRate() float64 { return w.rate }

func (w *Waypoints) External() bool { return false }

// Span returns the recorded time range.
func (w *Waypoints) Span() sim.Interval {
	return sim.Interval{Start: w.fixes[0].t, End: w.fixes[len(w.fixes)-1].t}
}

// Samples interpolates the fixes at every sample instant in iv. Instants
// outside the recording are an error.
func (w *Waypoints) Samples(iv sim.Interval) ([]sim.TrajectorySample, error) {
	times, err := sampleTimes(iv, w.rate)
	if err != nil {
		return nil, err
	}
	span := w.Span()
	out := make([]sim.TrajectorySample, len(times))
	for i, t := range times {
		if t.Before(span.Start) || t.After(span.End) {
			return nil, fmt.Errorf("%s is outside the recorded trajectory %s", t.UTC().Format(time.RFC3339Nano), span)
		}
		out[i] = w.at(t)
	}
	return out, nil
}

func (w *Waypoints) at(t time.Time) sim.TrajectorySample {
	// First fix strictly after t, clamped so that [k-1, k] is a valid leg.
	k := sort.Search(len(w.fixes), func(i int) bool { return w.fixes[i].t.After(t) })
	if k == 0 {
		k = 1
	} else if k == len(w.fixes) {
		k = len(w.fixes) - 1
	}
	a, b := w.fixes[k-1], w.fixes[k]

	leg := b.t.Sub(a.t).Seconds()
	f := t.Sub(a.t).Seconds() / leg
	var s sim.TrajectorySample
	s.Time = t
	for j := 0; j < 3; j++ {
		d := b.pos[j] - a.pos[j]
		s.Position[j] = a.pos[j] + f*d
		s.Velocity[j] = d / leg
	}
	return s
}
