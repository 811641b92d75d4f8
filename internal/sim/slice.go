package sim

import (
	"fmt"
	"sync/atomic"
)

// SliceState tags how far a slice has travelled through the pipeline.
type SliceState int32

const (
	SliceReady SliceState = iota
	SliceProcessingStarted
	SliceProcessingFinished
	SliceWritingStarted
	SliceWritingFinished
)

func (s SliceState) String() string {
	switch s {
	case SliceReady:
		return "ready"
	case SliceProcessingStarted:
		return "processing_started"
	case SliceProcessingFinished:
		return "processing_finished"
	case SliceWritingStarted:
		return "writing_started"
	case SliceWritingFinished:
		return "writing_finished"
	default:
		return fmt.Sprintf("SliceState(%d)", int32(s))
	}
}

// Slice is one interval's worth of generated output for every channel.
type Slice struct {
	Seq      int64
	Interval Interval
	// Buffers holds one pooled byte buffer per channel, indexed like
	// Output.Channels(). Valid only until Output.Write returns.
	Buffers      [][]byte
	Observations []Observation
	// Dummy marks warm-up slices rendered before a live run starts.
	Dummy bool

	mods  []Modulation
	state atomic.Int32
}

// State returns the current lifecycle tag.
func (s *Slice) State() SliceState {
	return SliceState(s.state.Load())
}

// advance moves the slice to the next lifecycle state. Skipping or
// repeating a state is a pipeline bug.
func (s *Slice) advance(to SliceState) {
	from := to - 1
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		panic(fmt.Sprintf("slice %d: illegal transition %s -> %s", s.Seq, s.State(), to))
	}
}

// EnabledObservations returns the observations selected for rendering.
func (s *Slice) EnabledObservations() []Observation {
	out := make([]Observation, 0, len(s.Observations))
	for _, o := range s.Observations {
		if o.Enabled {
			out = append(out, o)
		}
	}
	return out
}
