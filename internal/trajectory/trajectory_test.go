package trajectory

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/star/stargnss/internal/sim"
	"github.com/star/stargnss/internal/transform"
)

var (
	testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	t0         = time.Date(2024, 4, 10, 8, 0, 0, 0, time.UTC)
	equator    = transform.Geodetic{}
)

var (
	_ sim.Trajectory     = (*Static)(nil)
	_ sim.Trajectory     = (*Waypoints)(nil)
	_ sim.LiveTrajectory = (*Live)(nil)
)

func TestStaticSamples(t *testing.T) {
	s := NewStatic(equator, 4)
	assert.False(t, s.External())
	assert.Equal(t, 4.0, s.SampleRate())

	samples, err := s.Samples(sim.Interval{Start: t0, End: t0.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, samples, 4)
	for i, smp := range samples {
		assert.Equal(t, t0.Add(time.Duration(i)*250*time.Millisecond), smp.Time)
		assert.InDelta(t, 6378137.0, smp.Position[0], 1e-6)
		assert.Zero(t, smp.Velocity)
	}

	samples, err = s.Samples(sim.Interval{Start: t0, End: t0})
	require.NoError(t, err)
	require.Len(t, samples, 1, "zero-length interval still yields its start")

	_, err = s.Samples(sim.Interval{Start: t0, End: t0.Add(-time.Second)})
	assert.Error(t, err)

	assert.Equal(t, DefaultSampleRate, NewStatic(equator, 0).SampleRate())
}

func TestWaypointsInterpolate(t *testing.T) {
	w, err := LoadWaypoints("testdata/route.yaml")
	require.NoError(t, err)
	assert.Equal(t, 2.0, w.SampleRate())
	assert.Equal(t, sim.Interval{Start: t0, End: t0.Add(20 * time.Second)}, w.Span())

	tests := []struct {
		name string
		at   time.Duration
		alt  float64
		vx   float64
	}{
		{"first waypoint", 0, 0, 10},
		{"mid first leg", 5 * time.Second, 50, 10},
		{"on a waypoint", 10 * time.Second, 100, 20},
		{"mid second leg", 15 * time.Second, 200, 20},
		{"last waypoint", 20 * time.Second, 300, 20},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			at := t0.Add(tc.at)
			samples, err := w.Samples(sim.Interval{Start: at, End: at})
			require.NoError(t, err)
			require.Len(t, samples, 1)
			assert.InDelta(t, 6378137.0+tc.alt, samples[0].Position[0], 1e-6)
			assert.InDelta(t, tc.vx, samples[0].Velocity[0], 1e-9)
		})
	}

	samples, err := w.Samples(sim.Interval{Start: t0, End: t0.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, samples, 4)
}

func TestWaypointsOutsideRecording(t *testing.T) {
	w, err := LoadWaypoints("testdata/route.yaml")
	require.NoError(t, err)

	_, err = w.Samples(sim.Interval{Start: t0.Add(-time.Second), End: t0})
	assert.Error(t, err)
	_, err = w.Samples(sim.Interval{Start: t0.Add(19 * time.Second), End: t0.Add(22 * time.Second)})
	assert.Error(t, err)
}

func TestParseWaypointsErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "waypoints: [\n"},
		{"single waypoint", "waypoints:\n  - {time: 2024-04-10T08:00:00Z, lat: 1, lon: 2, alt: 3}\n"},
		{"missing time", "waypoints:\n  - {lat: 1}\n  - {time: 2024-04-10T08:00:00Z}\n"},
		{"out of order", "waypoints:\n  - {time: 2024-04-10T08:00:10Z}\n  - {time: 2024-04-10T08:00:00Z}\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseWaypoints(strings.NewReader(tc.doc))
			assert.Error(t, err)
		})
	}

	_, err := LoadWaypoints("testdata/missing.yaml")
	assert.Error(t, err)
}

func TestLiveEmitsSamples(t *testing.T) {
	l := NewLive(equator, 200, t0, testLogger)
	assert.True(t, l.External())

	_, err := l.Samples(sim.Interval{Start: t0, End: t0})
	assert.ErrorIs(t, err, sim.ErrNotAvailable)

	var mu sync.Mutex
	var seen []time.Time
	unsubscribe := l.OnNewSample(func(at time.Time) {
		mu.Lock()
		seen = append(seen, at)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, t0, seen[0])
	assert.Equal(t, t0.Add(5*time.Millisecond), seen[1])
	mu.Unlock()

	samples, err := l.Samples(sim.Interval{Start: t0, End: t0.Add(10 * time.Millisecond)})
	require.NoError(t, err)
	assert.Len(t, samples, 2)
	_, err = l.Samples(sim.Interval{Start: t0, End: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, sim.ErrNotAvailable)

	unsubscribe()
	unsubscribe()
	mu.Lock()
	n := len(seen)
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, n, len(seen), "no callbacks after unsubscribe")
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
	assert.Greater(t, l.Emitted(), int64(3))
}

func TestLiveAdvanceSampleClock(t *testing.T) {
	l := NewLive(equator, 10, t0, testLogger)
	l.tick()
	l.AdvanceSampleClock(time.Second)
	l.AdvanceSampleClock(-time.Second)

	var got time.Time
	l.OnNewSample(func(at time.Time) { got = at })
	l.tick()
	assert.Equal(t, t0.Add(100*time.Millisecond+time.Second), got)

	_, err := l.Samples(sim.Interval{Start: t0, End: got})
	assert.NoError(t, err)
}
