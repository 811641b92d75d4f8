package sim

import (
	"sync"
	"time"
)

// Progress is reported after every real slice is written.
type Progress struct {
	Fraction      float64 // 0..1, or 0 for open-ended live runs
	SimTime       time.Time
	Elapsed       time.Duration
	Remaining     time.Duration // estimate; 0 when unknown
	SlicesWritten int64
	Underruns     int64
}

// Completion is reported exactly once at the end of a run.
type Completion struct {
	Cancelled bool
	Err       error // non-nil when the run stopped on an output or pipeline failure
	State     RunState
}

// Listener receives simulation events. Any field may be nil. Callbacks run on
// pipeline goroutines, possibly concurrently, and must not block for long.
type Listener struct {
	OnProgress     func(Progress)
	OnCompleted    func(Completion)
	OnUnderrun     func(delay time.Duration)
	OnStateChanged func(from, to RunState)
}

type listenerSet struct {
	mu   sync.RWMutex
	next int
	m    map[int]Listener
}

func (ls *listenerSet) add(l Listener) func() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.m == nil {
		ls.m = make(map[int]Listener)
	}
	id := ls.next
	ls.next++
	ls.m[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			delete(ls.m, id)
			ls.mu.Unlock()
		})
	}
}

// each calls fn for every listener outside the lock, in registration order.
func (ls *listenerSet) each(fn func(Listener)) {
	ls.mu.RLock()
	snapshot := make([]Listener, 0, len(ls.m))
	for id := 0; id < ls.next; id++ {
		if l, ok := ls.m[id]; ok {
			snapshot = append(snapshot, l)
		}
	}
	ls.mu.RUnlock()

	for _, l := range snapshot {
		fn(l)
	}
}
