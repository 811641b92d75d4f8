// Package sim is the orchestration core of the GNSS signal simulator.
//
// A run is cut into fixed-length slices. Each slice flows through three
// stages: a creator computes visible satellites and prepares modulation into
// pooled buffers, a processor renders and quantizes the samples, and a writer
// hands the buffers to the output and recycles them. Two strategies schedule
// these stages:
//
//   - throughput: a fixed ring of slots for pre-recorded trajectories, with
//     strictly ordered output and bounded memory;
//   - latency: unbounded queues driven by a live trajectory feed, with a
//     warm-up pre-roll and underrun-driven clock correction.
//
// Cancellation is cooperative: closing the halt channel releases every wait,
// stages exit their loops, and the orchestrator joins them before reporting
// completion.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/star/stargnss/internal/metrics"
)

// pipeline is one scheduling strategy.
type pipeline interface {
	name() string
	start() error
	pause() error
	resume() error
	// detach stops new work from entering the pipeline.
	detach()
	// join waits for every stage goroutine to exit.
	join()
	// reclaim returns buffers still attached to in-flight slices.
	reclaim()
	onUnderrun(delay time.Duration)
}

// Simulation owns the run state machine, the buffer pools and the reaction
// to output backpressure.
type Simulation struct {
	id       string
	params   Parameters
	cfg      Config
	logger   *slog.Logger
	live     LiveOutput
	channels []Channel
	sources  []Constellation

	pools   []*BufferPool
	limiter *Limiter
	level   *LevelControl
	pipe    pipeline

	ctx    context.Context
	cancel context.CancelFunc

	stateMu  sync.Mutex
	state    RunState
	resumeCh chan struct{}

	haltCh   chan struct{}
	haltOnce sync.Once
	doneCh   chan struct{}

	shutdownOnce sync.Once
	disposeOnce  sync.Once
	completion   Completion

	errOnce  sync.Once
	failure  atomic.Pointer[error]
	snapshot atomic.Pointer[Snapshot]

	listeners listenerSet

	startedAt atomic.Int64 // unix nanos
	written   atomic.Int64
	simTime   atomic.Int64 // unix nanos of the last written slice end
	underruns atomic.Int64
	total     int64
}

// New validates params, selects the scheduling strategy and computes the
// first visible-satellite snapshot. The returned simulation is Ready.
func New(params Parameters, cfg Config, logger *slog.Logger) (*Simulation, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if params.Policy == nil {
		params.Policy = AllowAll{}
	}

	live, isLive := params.Output.(LiveOutput)
	if isLive && !params.Policy.Allow(FeatureLiveOutput) {
		return nil, fmt.Errorf("live output: %w", ErrUnsupported)
	}
	if params.SatLimit.Mode == LimitAuto && !params.Policy.Allow(FeatureAutoLimit) {
		return nil, fmt.Errorf("automatic satellite limit: %w", ErrUnsupported)
	}

	var liveTraj LiveTrajectory
	if params.Trajectory.External() {
		lt, ok := params.Trajectory.(LiveTrajectory)
		if !ok {
			return nil, fmt.Errorf("external trajectory without live sample events: %w", ErrUnsupported)
		}
		if !isLive {
			return nil, fmt.Errorf("live trajectory requires a live output: %w", ErrUnsupported)
		}
		liveTraj = lt
	} else if params.Interval.End.IsZero() {
		return nil, fmt.Errorf("pre-recorded trajectory requires an interval end: %w", ErrUnsupported)
	}

	cfg = cfg.withDefaults(isLive)

	s := &Simulation{
		id:       uuid.NewString(),
		params:   params,
		cfg:      cfg,
		channels: params.Output.Channels(),
		resumeCh: make(chan struct{}),
		haltCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		total:    params.totalSlices(),
	}
	if isLive {
		s.live = live
	}
	for _, c := range params.Constellations {
		if params.SystemEnabled(c.System()) && params.Policy.Allow(SystemFeature(c.System())) {
			s.sources = append(s.sources, c)
		}
	}
	if len(s.sources) == 0 {
		return nil, fmt.Errorf("no enabled constellation: %w", ErrUnsupported)
	}

	strategy := "throughput"
	if liveTraj != nil {
		strategy = "latency"
	}
	s.logger = logger.With("component", "sim", "run_id", s.id, "strategy", strategy)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	preroll := 0
	if s.live != nil {
		preroll = s.live.BufferCount()
	}
	poolSize := cfg.Concurrency + preroll
	if liveTraj != nil {
		poolSize = cfg.WarmupSlices + preroll + cfg.Concurrency
	}
	for _, ch := range s.channels {
		size := params.Output.ByteCountForInterval(ch, params.SliceLength)
		if size <= 0 {
			return nil, fmt.Errorf("channel %q: output reports %d bytes per slice", ch.Name, size)
		}
		if size%ch.BytesPerSample() != 0 {
			return nil, fmt.Errorf("channel %q: %d bytes is not a whole number of samples", ch.Name, size)
		}
		s.pools = append(s.pools, NewBufferPool(ch.Index, poolSize, size))
	}

	s.limiter = NewLimiter(params.SatLimit, cfg.Limit, cfg.Concurrency, cfg.LockTimeout)
	s.level = NewLevelControl(len(s.channels), cfg.LevelWindow, cfg.DisableAGC, cfg.LockTimeout)

	if liveTraj != nil {
		// Live runs finish on the interval end, not on a slice count.
		s.total = 0
		s.pipe = newLatencyPipeline(s, liveTraj)
	} else {
		s.pipe = newThroughputPipeline(s)
	}

	if s.live != nil {
		s.live.SetEventHandler(LiveOutputEvents{
			OnUnderrun:        s.handleUnderrun,
			OnPlaybackStarted: s.handlePlaybackStarted,
			OnError:           func(err error) { s.fail(fmt.Errorf("live output: %w", err)) },
		})
	}

	if err := s.initialSnapshot(); err != nil {
		s.cancel()
		return nil, err
	}

	s.logger.Info("simulation ready",
		"interval_start", params.Interval.Start.UTC().Format(time.RFC3339),
		"slice_ms", params.SliceLength.Milliseconds(),
		"total_slices", s.total,
		"channels", len(s.channels),
		"constellations", len(s.sources),
		"concurrency", cfg.Concurrency,
		"pool_size", poolSize,
		"live_output", s.live != nil,
		"satellite_limit", params.SatLimit.Mode.String(),
	)
	s.setState(StateNone, StateReady)
	return s, nil
}

// initialSnapshot computes the visible satellites for the first slice. A
// live trajectory that has not produced samples yet leaves the snapshot empty.
func (s *Simulation) initialSnapshot() error {
	iv := s.params.sliceInterval(0)
	samples, err := s.params.Trajectory.Samples(iv)
	if errors.Is(err, ErrNotAvailable) && s.params.Trajectory.External() {
		s.snapshot.Store(&Snapshot{Interval: iv, Visible: map[System][]Observation{}})
		return nil
	}
	if err != nil {
		return fmt.Errorf("initial trajectory samples: %w", err)
	}
	if _, err := s.observe(s.ctx, iv, samples, true); err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	return nil
}

// ID returns the run identifier used in logs.
func (s *Simulation) ID() string { return s.id }

// Strategy returns "throughput" or "latency".
func (s *Simulation) Strategy() string { return s.pipe.name() }

// Concurrency returns the number of slices in flight.
func (s *Simulation) Concurrency() int { return s.cfg.Concurrency }

// Channels returns the output channel plan.
func (s *Simulation) Channels() []Channel { return s.channels }

// State returns the current run state.
func (s *Simulation) State() RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Snapshot returns the last published visible-satellite snapshot.
func (s *Simulation) Snapshot() *Snapshot { return s.snapshot.Load() }

// Underruns returns the number of underrun reports received while running.
func (s *Simulation) Underruns() int64 { return s.underruns.Load() }

// SatelliteCap returns the current limiter cap (0 = unlimited).
func (s *Simulation) SatelliteCap() int { return s.limiter.Cap() }

// Pools returns the per-channel buffer pools.
func (s *Simulation) Pools() []*BufferPool { return s.pools }

// Subscribe registers l and returns a function that removes it.
func (s *Simulation) Subscribe(l Listener) (unsubscribe func()) {
	return s.listeners.add(l)
}

// Done is closed once the completion event has been delivered.
func (s *Simulation) Done() <-chan struct{} { return s.doneCh }

// Wait blocks until the run completes or ctx is done.
func (s *Simulation) Wait(ctx context.Context) (Completion, error) {
	select {
	case <-s.doneCh:
		return s.completion, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// Start launches the pipeline. Valid only when Ready.
func (s *Simulation) Start() error {
	if !s.setState(StateReady, StateInitializing) {
		return fmt.Errorf("start from %s: %w", s.State(), ErrInvalidState)
	}
	s.startedAt.Store(time.Now().UnixNano())

	if err := s.pipe.start(); err != nil {
		s.fail(fmt.Errorf("start %s pipeline: %w", s.pipe.name(), err))
		return err
	}
	s.logger.Info("simulation started")
	return nil
}

// Pause stops the creator after the slice in progress. Slices already in
// flight are still processed and written.
func (s *Simulation) Pause() error {
	if err := s.pipe.pause(); err != nil {
		return err
	}
	if !s.setState(StateRunning, StatePausing) {
		return fmt.Errorf("pause from %s: %w", s.State(), ErrInvalidState)
	}
	s.logger.Info("simulation pausing")
	return nil
}

// Resume continues a paused run, or withdraws a pause the creator has not
// acknowledged yet.
func (s *Simulation) Resume() error {
	if err := s.pipe.resume(); err != nil {
		return err
	}

	s.stateMu.Lock()
	from := s.state
	switch from {
	case StatePaused:
		close(s.resumeCh)
		s.resumeCh = make(chan struct{})
	case StatePausing:
		// The creator has not parked yet; withdrawing the request is enough.
	default:
		s.stateMu.Unlock()
		return fmt.Errorf("resume from %s: %w", from, ErrInvalidState)
	}
	s.state = StateRunning
	s.stateMu.Unlock()

	s.stateChanged(from, StateRunning)
	s.logger.Info("simulation resumed")
	return nil
}

// Cancel requests an orderly shutdown and returns immediately; use Wait or
// Done to observe completion. Cancelling a run that is already shutting down
// is a no-op.
func (s *Simulation) Cancel() error {
	st := s.State()
	switch {
	case st == StateNone || st.Terminal():
		return fmt.Errorf("cancel from %s: %w", st, ErrInvalidState)
	case st == StateCancelling:
		return nil
	}
	s.logger.Info("simulation cancel requested", "state", st.String())
	s.beginShutdown(true)
	return nil
}

// Dispose cancels the run if it is still alive and waits for completion.
// Pools stay readable afterwards. Safe to call more than once.
func (s *Simulation) Dispose() {
	s.disposeOnce.Do(func() {
		if !s.State().Terminal() {
			_ = s.Cancel()
		}
		<-s.doneCh
		s.cancel()
	})
}

// setState performs a guarded transition and reports whether it happened.
func (s *Simulation) setState(from, to RunState) bool {
	s.stateMu.Lock()
	if s.state != from {
		s.stateMu.Unlock()
		return false
	}
	s.state = to
	s.stateMu.Unlock()

	s.stateChanged(from, to)
	return true
}

func (s *Simulation) stateChanged(from, to RunState) {
	metrics.SetRunState(int(to))
	s.logger.Debug("state changed", "from", from.String(), "to", to.String())
	s.listeners.each(func(l Listener) {
		if l.OnStateChanged != nil {
			l.OnStateChanged(from, to)
		}
	})
}

// checkpoint is called by creators before each slice. It acknowledges a
// pending pause, parks while paused, and reports whether to continue.
func (s *Simulation) checkpoint() bool {
	for {
		s.stateMu.Lock()
		st := s.state
		if st == StatePausing {
			s.state = StatePaused
			s.stateMu.Unlock()
			s.stateChanged(StatePausing, StatePaused)
			s.logger.Info("simulation paused", "slices_written", s.written.Load())
			continue
		}
		resume := s.resumeCh
		s.stateMu.Unlock()

		switch st {
		case StateInitializing, StateRunning:
			return !s.failed() && !s.halted()
		case StatePaused:
			select {
			case <-resume:
			case <-s.haltCh:
				return false
			}
		default:
			return false
		}
	}
}

func (s *Simulation) halted() bool {
	select {
	case <-s.haltCh:
		return true
	default:
		return false
	}
}

func (s *Simulation) halt() {
	s.haltOnce.Do(func() {
		close(s.haltCh)
		s.cancel()
	})
}

func (s *Simulation) failed() bool {
	return s.failure.Load() != nil
}

// fail latches the first error and shuts the run down. Errors raised once
// shutdown has begun are side effects of it, such as a write released by
// the output closing, and are not latched.
func (s *Simulation) fail(err error) {
	if st := s.State(); st == StateCancelling || st.Terminal() {
		s.logger.Debug("error during shutdown ignored", "error", err)
		return
	}
	s.errOnce.Do(func() {
		s.failure.Store(&err)
		s.logger.Error("simulation failed", "error", err)
	})
	s.beginShutdown(false)
}

// finish is called by the writer after the last slice.
func (s *Simulation) finish() {
	s.beginShutdown(false)
}

// beginShutdown moves the run to Cancelling and starts the shutdown sequence
// in the background.
func (s *Simulation) beginShutdown(cancelled bool) {
	s.stateMu.Lock()
	from := s.state
	if from == StateNone || from == StateCancelling || from.Terminal() {
		s.stateMu.Unlock()
		return
	}
	s.state = StateCancelling
	s.stateMu.Unlock()
	s.stateChanged(from, StateCancelling)

	go s.shutdown(cancelled)
}

// shutdown detaches new work, releases every wait, closes the output, joins
// all stages, reclaims buffers and reports completion.
func (s *Simulation) shutdown(cancelled bool) {
	s.shutdownOnce.Do(func() {
		start := time.Now()
		s.pipe.detach()
		s.halt()

		if err := s.params.Output.Close(); err != nil {
			s.logger.Warn("output close failed", "error", err)
		}

		s.pipe.join()
		s.pipe.reclaim()
		for i, p := range s.pools {
			metrics.SetPoolAvailable(channelLabel(s.channels[i]), p.Available())
			if p.Available() != p.Cap() {
				s.logger.Error("buffers leaked", "channel", s.channels[i].Name, "available", p.Available(), "cap", p.Cap())
			}
		}

		c := Completion{Cancelled: cancelled}
		if errp := s.failure.Load(); errp != nil {
			c.Err = *errp
			c.Cancelled = false
		}
		c.State = StateFinished
		if cancelled || c.Err != nil {
			c.State = StateCancelled
		}
		s.completion = c

		s.setState(StateCancelling, c.State)
		s.logger.Info("simulation stopped",
			"state", c.State.String(),
			"cancelled", c.Cancelled,
			"slices_written", s.written.Load(),
			"underruns", s.underruns.Load(),
			"shutdown_ms", time.Since(start).Milliseconds(),
		)

		s.listeners.each(func(l Listener) {
			if l.OnCompleted != nil {
				l.OnCompleted(c)
			}
		})
		close(s.doneCh)
	})
}

// handleUnderrun reacts to a live output buffer underrun.
func (s *Simulation) handleUnderrun(delay time.Duration) {
	switch s.State() {
	case StateRunning, StatePausing, StatePaused:
	default:
		return
	}

	n := s.underruns.Add(1)
	acted := s.limiter.OnUnderrun()
	if acted {
		metrics.IncUnderruns("damped")
		metrics.SetSatelliteCap(s.limiter.Cap())
	} else {
		metrics.IncUnderruns("ignored")
	}
	s.logger.Warn("buffer underrun",
		"delay_ms", delay.Milliseconds(),
		"count", n,
		"damped", acted,
		"satellite_cap", s.limiter.Cap(),
	)

	s.pipe.onUnderrun(delay)

	s.listeners.each(func(l Listener) {
		if l.OnUnderrun != nil {
			l.OnUnderrun(delay)
		}
	})
}

func (s *Simulation) handlePlaybackStarted() {
	metrics.IncPlaybackStarts()
	s.logger.Info("live playback started")
}

// Progress returns the progress as of the last written slice.
func (s *Simulation) Progress() Progress {
	p := Progress{
		SlicesWritten: s.written.Load(),
		Underruns:     s.underruns.Load(),
	}
	if ns := s.simTime.Load(); ns != 0 {
		p.SimTime = time.Unix(0, ns).UTC()
	}
	if ns := s.startedAt.Load(); ns != 0 {
		p.Elapsed = time.Since(time.Unix(0, ns))
	}

	switch {
	case s.total > 0:
		p.Fraction = float64(p.SlicesWritten) / float64(s.total)
	case !s.params.Interval.End.IsZero() && !p.SimTime.IsZero():
		p.Fraction = float64(p.SimTime.Sub(s.params.Interval.Start)) / float64(s.params.Interval.Duration())
	}
	if p.Fraction > 1 {
		p.Fraction = 1
	}
	if p.Fraction > 0 {
		p.Remaining = time.Duration(float64(p.Elapsed) * (1 - p.Fraction) / p.Fraction)
	}
	return p
}

func (s *Simulation) reportProgress(sl *Slice) {
	s.written.Add(1)
	s.simTime.Store(sl.Interval.End.UnixNano())

	p := s.Progress()
	metrics.SetProgress(p.Fraction)
	s.listeners.each(func(l Listener) {
		if l.OnProgress != nil {
			l.OnProgress(p)
		}
	})
}

// channelLabel names a channel for metrics.
func channelLabel(ch Channel) string {
	if ch.Name != "" {
		return ch.Name
	}
	return strconv.Itoa(ch.Index)
}
