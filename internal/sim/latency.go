package sim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/star/stargnss/internal/metrics"
)

// latencyPipeline serves externally clocked trajectories. Slice production is
// driven by sample arrival, so the stages are connected by unbounded queues
// instead of a ring. A nil slice in a queue means end of stream.
type latencyPipeline struct {
	sim  *Simulation
	traj LiveTrajectory

	// mu serializes sample events; join takes it to wait out a callback
	// that was already running when the pipeline detached.
	mu       sync.Mutex
	detached atomic.Bool
	warm     bool
	base     time.Time

	subMu       sync.Mutex
	unsubscribe func()

	creation   *fifo[time.Time]
	processing *fifo[*Slice]
	writing    *fifo[*Slice]

	wg sync.WaitGroup
}

func newLatencyPipeline(s *Simulation, traj LiveTrajectory) *latencyPipeline {
	w := s.cfg.QueueWatermark
	return &latencyPipeline{
		sim:        s,
		traj:       traj,
		creation:   newFIFO[time.Time]("creation", w),
		processing: newFIFO[*Slice]("processing", w),
		writing:    newFIFO[*Slice]("writing", w),
	}
}

func (p *latencyPipeline) name() string { return "latency" }

// start launches the three stages and subscribes to sample events. The run
// becomes Running once the first sample has been seen and the warm-up
// slices are ready.
func (p *latencyPipeline) start() error {
	p.launch(p.create)
	p.launch(p.process)
	p.launch(p.write)

	p.subMu.Lock()
	p.unsubscribe = p.traj.OnNewSample(p.onSample)
	p.subMu.Unlock()
	return nil
}

func (p *latencyPipeline) launch(fn func(ready chan<- struct{})) {
	ready := make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(ready)
	}()
	<-ready
}

func (p *latencyPipeline) pause() error {
	return fmt.Errorf("pause a live trajectory: %w", ErrUnsupported)
}

func (p *latencyPipeline) resume() error {
	return fmt.Errorf("resume a live trajectory: %w", ErrUnsupported)
}

func (p *latencyPipeline) detach() {
	if p.detached.Swap(true) {
		return
	}
	// Not under mu: a callback holding it may be blocked until halt.
	p.subMu.Lock()
	unsub := p.unsubscribe
	p.subMu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (p *latencyPipeline) join() {
	p.wg.Wait()
	// Wait out a sample callback that was already running.
	p.mu.Lock()
	p.mu.Unlock()
}

func (p *latencyPipeline) reclaim() {
	p.creation.drain()
	for _, q := range []*fifo[*Slice]{p.processing, p.writing} {
		for _, sl := range q.drain() {
			p.sim.recycle(sl)
		}
		metrics.SetQueueDepth(q.name, 0)
	}
	metrics.SetQueueDepth(p.creation.name, 0)
}

func (p *latencyPipeline) onUnderrun(delay time.Duration) {
	p.traj.AdvanceSampleClock(delay)
}

// onSample queues the time of a new trajectory sample. The first sample also
// triggers the warm-up.
func (p *latencyPipeline) onSample(t time.Time) {
	s := p.sim
	if p.detached.Load() || s.halted() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached.Load() {
		return
	}

	if !p.warm {
		p.warm = true
		p.base = t
		if err := p.warmUp(t); err != nil {
			if !errors.Is(err, ErrHalted) {
				s.fail(fmt.Errorf("warm-up: %w", err))
			}
			return
		}
		s.setState(StateInitializing, StateRunning)
		s.logger.Info("live pipeline warmed up", "first_sample", t.UTC().Format(time.RFC3339Nano))
	}

	enqueue(s, p.creation, t)
}

// warmUp creates and processes the dummy slices covering the slice lengths
// just before t and queues them for writing ahead of any real slice. They
// use the samples at t since earlier ones do not exist.
func (p *latencyPipeline) warmUp(t time.Time) error {
	s := p.sim
	at := Interval{Start: t, End: t}
	scratch := make([][]float64, len(s.channels))

	n := s.cfg.WarmupSlices
	dummies := make([]*Slice, 0, n)
	for i := n; i > 0; i-- {
		start := t.Add(-time.Duration(i) * s.params.SliceLength)
		iv := Interval{Start: start, End: start.Add(s.params.SliceLength)}

		sl, err := s.createSlice(-int64(i), iv, at, true)
		if err != nil {
			for _, d := range dummies {
				s.recycle(d)
			}
			return err
		}
		dummies = append(dummies, sl)
		if err := s.processSlice(sl, scratch); err != nil {
			for _, d := range dummies {
				s.recycle(d)
			}
			return err
		}
	}

	for _, sl := range dummies {
		enqueue(s, p.writing, sl)
	}
	return nil
}

// enqueue pushes v and fails the run once the queue passes its watermark.
func enqueue[T any](s *Simulation, q *fifo[T], v T) {
	n, err := q.push(v)
	metrics.SetQueueDepth(q.name, n)
	if err != nil {
		s.fail(err)
	}
}

// create turns queued sample times into slices. Every slice whose end is not
// after the newest sample time is produced, in order, from the first sample
// onwards.
func (p *latencyPipeline) create(ready chan<- struct{}) {
	close(ready)
	s := p.sim
	end := s.params.Interval.End
	var seq int64

	for {
		t, ok := p.creation.pop(s.haltCh)
		if !ok {
			return
		}
		metrics.SetQueueDepth(p.creation.name, p.creation.len())

		p.mu.Lock()
		base := p.base
		p.mu.Unlock()

		for {
			start := base.Add(time.Duration(seq) * s.params.SliceLength)
			iv := Interval{Start: start, End: start.Add(s.params.SliceLength)}
			if !end.IsZero() && !iv.Start.Before(end) {
				enqueue(s, p.processing, (*Slice)(nil))
				s.logger.Debug("creator reached interval end", "slices", seq)
				return
			}
			if iv.End.After(t) {
				break
			}
			if !s.checkpoint() {
				return
			}

			sl, err := s.createSlice(seq, iv, iv, false)
			if err != nil {
				if !errors.Is(err, ErrHalted) {
					s.fail(err)
				}
				return
			}
			seq++
			enqueue(s, p.processing, sl)
		}
	}
}

func (p *latencyPipeline) process(ready chan<- struct{}) {
	close(ready)
	s := p.sim
	scratch := make([][]float64, len(s.channels))

	for {
		sl, ok := p.processing.pop(s.haltCh)
		if !ok {
			return
		}
		metrics.SetQueueDepth(p.processing.name, p.processing.len())
		if sl == nil {
			enqueue(s, p.writing, (*Slice)(nil))
			return
		}
		if !s.failed() {
			if err := s.processSlice(sl, scratch); err != nil {
				s.fail(err)
			}
		}
		enqueue(s, p.writing, sl)
	}
}

func (p *latencyPipeline) write(ready chan<- struct{}) {
	close(ready)
	s := p.sim
	started := false

	for {
		sl, ok := p.writing.pop(s.haltCh)
		if !ok {
			return
		}
		metrics.SetQueueDepth(p.writing.name, p.writing.len())
		if sl == nil {
			s.finish()
			return
		}
		if s.failed() || s.halted() {
			s.recycle(sl)
			return
		}
		if !started {
			if !s.awaitStart() {
				s.recycle(sl)
				return
			}
			started = true
		}

		err := s.writeSlice(sl)
		s.recycle(sl)
		if err != nil {
			s.fail(err)
			return
		}
	}
}
