package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/star/stargnss/internal/metrics"
)

const (
	// sampleRetryDelay is how long the creator waits before asking a live
	// trajectory again for samples it did not have yet.
	sampleRetryDelay = 5 * time.Millisecond
	// readyPollDelay is the live output readiness poll interval.
	readyPollDelay = 10 * time.Millisecond
)

// samplesFor fetches trajectory samples for iv. Live trajectories are retried
// until the samples arrive or the run halts.
func (s *Simulation) samplesFor(iv Interval) ([]TrajectorySample, error) {
	for {
		samples, err := s.params.Trajectory.Samples(iv)
		if err == nil {
			return samples, nil
		}
		if !errors.Is(err, ErrNotAvailable) || !s.params.Trajectory.External() {
			return nil, fmt.Errorf("trajectory samples for %s: %w", iv, err)
		}
		if !sleep(sampleRetryDelay, s.haltCh) {
			return nil, ErrHalted
		}
	}
}

// observe asks every enabled constellation for visible satellites, applies
// the satellite limit and optionally publishes the result as the current
// snapshot.
func (s *Simulation) observe(ctx context.Context, iv Interval, samples []TrajectorySample, publish bool) ([]Observation, error) {
	var all []Observation
	for _, c := range s.sources {
		obs, err := c.VisibleSatellites(ctx, samples, &s.params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrHalted
			}
			return nil, fmt.Errorf("%s visible satellites: %w", c.System(), err)
		}
		all = append(all, obs...)
	}

	all = s.limiter.Assign(all)
	if publish {
		s.publish(iv, all)
	}
	return all, nil
}

// publish swaps in a new snapshot. Snapshots are never mutated afterwards.
func (s *Simulation) publish(iv Interval, obs []Observation) {
	snap := &Snapshot{Interval: iv, Visible: make(map[System][]Observation, len(s.sources))}
	for _, c := range s.sources {
		snap.Visible[c.System()] = []Observation{}
	}
	for _, o := range obs {
		snap.Visible[o.Sat.System] = append(snap.Visible[o.Sat.System], o)
	}
	s.snapshot.Store(snap)

	for sys, list := range snap.Visible {
		enabled := 0
		for _, o := range list {
			if o.Enabled {
				enabled++
			}
		}
		metrics.SetSatellites(sys.String(), len(list), enabled)
	}
	metrics.SetSatelliteCap(s.limiter.Cap())
}

// createSlice builds slice seq covering iv: it computes observations from the
// trajectory samples covering at, takes one buffer per channel from the pools
// and prepares modulation. It returns ErrHalted if the run stops while it
// waits for samples or buffers.
func (s *Simulation) createSlice(seq int64, iv, at Interval, dummy bool) (*Slice, error) {
	start := time.Now()

	samples, err := s.samplesFor(at)
	if err != nil {
		return nil, err
	}
	obs, err := s.observe(s.ctx, iv, samples, !dummy)
	if err != nil {
		return nil, err
	}

	sl := &Slice{
		Seq:          seq,
		Interval:     iv,
		Buffers:      make([][]byte, len(s.channels)),
		Observations: obs,
		Dummy:        dummy,
		mods:         make([]Modulation, len(s.channels)),
	}
	for i := range s.channels {
		buf, ok := s.pools[i].Get(s.haltCh)
		if !ok {
			s.recycle(sl)
			return nil, ErrHalted
		}
		sl.Buffers[i] = buf
		metrics.SetPoolAvailable(channelLabel(s.channels[i]), s.pools[i].Available())
	}

	enabled := sl.EnabledObservations()
	for i, ch := range s.channels {
		carried := make([]Observation, 0, len(enabled))
		for _, o := range enabled {
			if ch.Carries(o.Sat.System) {
				carried = append(carried, o)
			}
		}
		mod, err := s.params.Generator.Modulate(ch, iv, carried)
		if err != nil {
			s.recycle(sl)
			return nil, fmt.Errorf("modulate channel %q slice %d: %w", ch.Name, seq, err)
		}
		sl.mods[i] = mod
	}

	if !dummy {
		metrics.IncSlicesCreated()
	}
	metrics.ObserveStage("create", time.Since(start))
	s.logger.Debug("slice created",
		"seq", seq,
		"start", iv.Start.UTC().Format(time.RFC3339Nano),
		"visible", len(obs),
		"enabled", len(enabled),
		"dummy", dummy,
	)
	return sl, nil
}

// processSlice renders and quantizes sl in place. scratch holds one float
// buffer per channel, owned by the calling processor; it is grown on demand.
// While the limiter requests skipping, real slices are zero-filled instead of
// rendered.
func (s *Simulation) processSlice(sl *Slice, scratch [][]float64) error {
	start := time.Now()
	sl.advance(SliceProcessingStarted)

	skip := false
	if !sl.Dummy {
		skip = s.limiter.TakeSkip()
	}

	for i, ch := range s.channels {
		buf := sl.Buffers[i]
		if skip {
			clear(buf)
			continue
		}

		n := 2 * (len(buf) / ch.BytesPerSample())
		if cap(scratch[i]) < n {
			scratch[i] = make([]float64, n)
		}
		dst := scratch[i][:n]
		clear(dst)

		if err := sl.mods[i].Render(dst); err != nil {
			return fmt.Errorf("render channel %q slice %d: %w", ch.Name, sl.Seq, err)
		}
		scale := s.level.Scale(i, rms(dst), fullScale(ch.Quantization))
		quantize(buf, dst, scale, ch.Quantization)
	}

	sl.mods = nil
	sl.advance(SliceProcessingFinished)

	mode := "full"
	if skip {
		mode = "skipped"
	}
	if !sl.Dummy {
		metrics.IncSlicesProcessed(mode)
	}
	metrics.ObserveStage("process", time.Since(start))
	return nil
}

// writeSlice hands sl to the output and reports progress for real slices.
// The caller recycles the buffers afterwards.
func (s *Simulation) writeSlice(sl *Slice) error {
	start := time.Now()
	sl.advance(SliceWritingStarted)
	if err := s.params.Output.Write(sl); err != nil {
		return fmt.Errorf("write slice %d: %w", sl.Seq, err)
	}
	sl.advance(SliceWritingFinished)
	metrics.ObserveStage("write", time.Since(start))

	if sl.Dummy {
		return nil
	}
	bytes := 0
	for _, b := range sl.Buffers {
		bytes += len(b)
	}
	metrics.RecordSliceWritten(bytes)
	s.reportProgress(sl)
	return nil
}

// recycle returns every buffer still attached to sl to its pool.
func (s *Simulation) recycle(sl *Slice) {
	if sl == nil {
		return
	}
	for i, buf := range sl.Buffers {
		if buf == nil {
			continue
		}
		s.pools[i].Put(buf)
		sl.Buffers[i] = nil
		metrics.SetPoolAvailable(channelLabel(s.channels[i]), s.pools[i].Available())
	}
	sl.mods = nil
}

// awaitStart gates the first write to a live output: it waits on the
// monotonic clock until StartAt and then until the device reports ready.
func (s *Simulation) awaitStart() bool {
	if s.live == nil {
		return true
	}
	if !s.params.StartAt.IsZero() {
		if !sleep(time.Until(s.params.StartAt), s.haltCh) {
			return false
		}
	}
	for !s.live.Ready() {
		if !s.live.Alive() {
			s.fail(fmt.Errorf("live output stopped before playback"))
			return false
		}
		if !sleep(readyPollDelay, s.haltCh) {
			return false
		}
	}
	return true
}
