package sim

import (
	"fmt"
	"sync"
	"time"
)

// handoff is a binary signal between two pipeline stages. set is idempotent
// until a wait consumes it.
type handoff chan struct{}

func newHandoff(signalled bool) handoff {
	h := make(handoff, 1)
	if signalled {
		h <- struct{}{}
	}
	return h
}

func (h handoff) set() {
	select {
	case h <- struct{}{}:
	default:
	}
}

// wait blocks until the signal is set or halt is closed.
func (h handoff) wait(halt <-chan struct{}) bool {
	select {
	case <-h:
		return true
	case <-halt:
		return false
	}
}

// sleep pauses for d unless halt closes first.
func sleep(d time.Duration, halt <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-halt:
		return false
	}
}

// timedMutex is a mutex whose Lock panics with ErrLockTimeout instead of
// blocking forever. A timeout means a stage is stuck; it is never retried.
type timedMutex struct {
	name    string
	timeout time.Duration
	sem     chan struct{}
}

func newTimedMutex(name string, timeout time.Duration) *timedMutex {
	return &timedMutex{
		name:    name,
		timeout: timeout,
		sem:     make(chan struct{}, 1),
	}
}

func (m *timedMutex) Lock() {
	select {
	case m.sem <- struct{}{}:
		return
	default:
	}

	t := time.NewTimer(m.timeout)
	defer t.Stop()
	select {
	case m.sem <- struct{}{}:
	case <-t.C:
		panic(fmt.Errorf("%s: %w after %s", m.name, ErrLockTimeout, m.timeout))
	}
}

func (m *timedMutex) Unlock() {
	select {
	case <-m.sem:
	default:
		panic(m.name + ": unlock of unlocked mutex")
	}
}

// fifo is an unbounded single-consumer queue. push reports ErrQueueOverflow
// once the depth passes the watermark; the item is still queued so it can be
// reclaimed on shutdown.
type fifo[T any] struct {
	name      string
	watermark int

	mu    sync.Mutex
	items []T
	wake  chan struct{}
}

func newFIFO[T any](name string, watermark int) *fifo[T] {
	return &fifo[T]{
		name:      name,
		watermark: watermark,
		wake:      make(chan struct{}, 1),
	}
}

func (q *fifo[T]) push(v T) (int, error) {
	q.mu.Lock()
	q.items = append(q.items, v)
	n := len(q.items)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	if q.watermark > 0 && n > q.watermark {
		return n, fmt.Errorf("%s queue depth %d: %w", q.name, n, ErrQueueOverflow)
	}
	return n, nil
}

// pop blocks until an item is available or halt is closed.
func (q *fifo[T]) pop(halt <-chan struct{}) (T, bool) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-halt:
			return zero, false
		}
	}
}

func (q *fifo[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain removes and returns everything queued.
func (q *fifo[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
