package trajectory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/star/stargnss/internal/sim"
	"github.com/star/stargnss/internal/transform"
)

// Live is an externally clocked receiver feed. Run emits one sample per
// sample period of wall time; samples are stamped on a simulated clock that
// starts at the configured epoch and that AdvanceSampleClock can move ahead
// when the output falls behind.
type Live struct {
	pos    transform.Vec3
	rate   float64
	period time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	next    time.Time // stamp of the next sample
	latest  time.Time // newest emitted sample, zero before the first
	emitted int64
	subs    map[int]func(time.Time)
	subID   int
}

// NewLive creates a feed for a receiver at g whose first sample is stamped
// start. sampleRate <= 0 selects DefaultSampleRate.
func NewLive(g transform.Geodetic, sampleRate float64, start time.Time, logger *slog.Logger) *Live {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Live{
		pos:    g.ECEF(),
		rate:   sampleRate,
		period: time.Duration(float64(time.Second) / sampleRate),
		logger: logger.With("component", "trajectory", "kind", "live"),
		next:   start,
		subs:   make(map[int]func(time.Time)),
	}
}

func (l *Live) SampleRate() float64 { return l.rate }

func (l *Live) External() bool { return true }

// Samples returns the fixes in iv once the feed has emitted a sample at or
// after the end of iv, and sim.ErrNotAvailable before that.
func (l *Live) Samples(iv sim.Interval) ([]sim.TrajectorySample, error) {
	l.mu.Lock()
	latest := l.latest
	l.mu.Unlock()

	if latest.IsZero() || iv.End.After(latest) {
		return nil, sim.ErrNotAvailable
	}
	times, err := sampleTimes(iv, l.rate)
	if err != nil {
		return nil, err
	}
	out := make([]sim.TrajectorySample, len(times))
	for i, t := range times {
		out[i] = sim.TrajectorySample{Time: t, Position: l.pos}
	}
	return out, nil
}

// OnNewSample registers fn for every emitted sample. Callbacks run on the
// Run goroutine, one at a time.
func (l *Live) OnNewSample(fn func(t time.Time)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.subID
	l.subID++
	l.subs[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
}

// AdvanceSampleClock moves the stamp of every following sample d ahead.
func (l *Live) AdvanceSampleClock(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.next = l.next.Add(d)
	l.mu.Unlock()
	l.logger.Debug("sample clock advanced", "delay_ms", d.Milliseconds())
}

// Emitted returns the number of samples emitted so far.
func (l *Live) Emitted() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.emitted
}

// Run emits samples until ctx is done.
func (l *Live) Run(ctx context.Context) error {
	if l.period <= 0 {
		return fmt.Errorf("sample rate %g is too high", l.rate)
	}
	l.logger.Info("live trajectory started", "sample_rate", l.rate)

	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	l.tick()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("live trajectory stopped", "samples", l.Emitted())
			return nil
		case <-ticker.C:
			l.tick()
		}
	}
}

// tick emits one sample.
func (l *Live) tick() {
	l.mu.Lock()
	t := l.next
	l.latest = t
	l.next = t.Add(l.period)
	l.emitted++
	subs := make([]func(time.Time), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	for _, fn := range subs {
		fn(t)
	}
}
