package sim

import (
	"errors"
	"sync"
	"time"
)

// ringSlot is one position of the throughput ring. The three handoffs form
// the create -> process -> write -> reuse chain; written starts signalled so
// the slot is initially free.
type ringSlot struct {
	index     int
	created   handoff
	processed handoff
	written   handoff

	// slice is set by the creator before created and cleared by the writer
	// before written; the handoffs order every access. nil after created
	// means end of stream.
	slice *Slice

	// scratch is the processor's float render buffer per channel.
	scratch [][]float64
}

// throughputPipeline runs pre-recorded trajectories through a fixed ring of
// slots: one creator, one processor per slot and a single writer that drains
// the slots round-robin, so output order equals creation order.
type throughputPipeline struct {
	sim   *Simulation
	slots []*ringSlot
	wg    sync.WaitGroup
}

func newThroughputPipeline(s *Simulation) *throughputPipeline {
	p := &throughputPipeline{sim: s}
	for i := 0; i < s.cfg.Concurrency; i++ {
		p.slots = append(p.slots, &ringSlot{
			index:     i,
			created:   newHandoff(false),
			processed: newHandoff(false),
			written:   newHandoff(true),
			scratch:   make([][]float64, len(s.channels)),
		})
	}
	return p
}

func (p *throughputPipeline) name() string { return "throughput" }

// start launches creator, processors and writer in that order; each
// goroutine announces readiness before the next one is started.
func (p *throughputPipeline) start() error {
	p.launch(p.create)
	for _, slot := range p.slots {
		p.launch(func(ready chan<- struct{}) { p.process(slot, ready) })
	}
	p.launch(p.write)

	p.sim.setState(StateInitializing, StateRunning)
	return nil
}

func (p *throughputPipeline) launch(fn func(ready chan<- struct{})) {
	ready := make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(ready)
	}()
	<-ready
}

func (p *throughputPipeline) pause() error  { return nil }
func (p *throughputPipeline) resume() error { return nil }

// detach is a no-op: nothing outside the pipeline feeds it.
func (p *throughputPipeline) detach() {}

func (p *throughputPipeline) join() { p.wg.Wait() }

func (p *throughputPipeline) reclaim() {
	for _, slot := range p.slots {
		if slot.slice != nil {
			p.sim.recycle(slot.slice)
			slot.slice = nil
		}
	}
}

// onUnderrun has nothing to adjust; the limiter already reacted.
func (p *throughputPipeline) onUnderrun(_ time.Duration) {}

func (p *throughputPipeline) create(ready chan<- struct{}) {
	close(ready)
	s := p.sim
	n := int64(len(p.slots))

	var seq int64
	for ; seq < s.total; seq++ {
		if !s.checkpoint() {
			return
		}
		slot := p.slots[seq%n]
		if !slot.written.wait(s.haltCh) {
			return
		}

		iv := s.params.sliceInterval(seq)
		sl, err := s.createSlice(seq, iv, iv, false)
		if err != nil {
			if !errors.Is(err, ErrHalted) {
				s.fail(err)
			}
			return
		}
		slot.slice = sl
		slot.created.set()

		if seq < n && !sleep(s.cfg.PacingDelay, s.haltCh) {
			return
		}
	}

	// End of stream: one sentinel per slot, in the order the writer visits.
	for i := int64(0); i < n; i++ {
		slot := p.slots[(seq+i)%n]
		if !slot.written.wait(s.haltCh) {
			return
		}
		slot.slice = nil
		slot.created.set()
	}
	s.logger.Debug("creator finished", "slices", seq)
}

func (p *throughputPipeline) process(slot *ringSlot, ready chan<- struct{}) {
	close(ready)
	s := p.sim

	for {
		if !slot.created.wait(s.haltCh) {
			return
		}
		sl := slot.slice
		if sl == nil {
			slot.processed.set()
			return
		}
		if !s.failed() {
			if err := s.processSlice(sl, slot.scratch); err != nil {
				s.fail(err)
			}
		}
		slot.processed.set()
	}
}

func (p *throughputPipeline) write(ready chan<- struct{}) {
	close(ready)
	s := p.sim
	started := false

	for i := 0; ; i = (i + 1) % len(p.slots) {
		slot := p.slots[i]
		if !slot.processed.wait(s.haltCh) {
			return
		}
		sl := slot.slice
		if sl == nil {
			s.finish()
			return
		}
		// A slice left behind by failure or shutdown stays in the slot for
		// reclaim.
		if s.failed() || s.halted() {
			return
		}
		if !started {
			if !s.awaitStart() {
				return
			}
			started = true
		}

		err := s.writeSlice(sl)
		s.recycle(sl)
		slot.slice = nil
		if err != nil {
			s.fail(err)
			return
		}
		slot.written.set()
	}
}
