package sim

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoff(t *testing.T) {
	halt := make(chan struct{})

	h := newHandoff(true)
	assert.True(t, h.wait(halt))

	h.set()
	h.set() // idempotent until consumed
	assert.True(t, h.wait(halt))

	close(halt)
	assert.False(t, h.wait(halt))
}

func TestSleepAbortsOnHalt(t *testing.T) {
	halt := make(chan struct{})
	close(halt)

	start := time.Now()
	assert.False(t, sleep(time.Minute, halt))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, sleep(0, halt))
}

// TestTimedMutexTimeout verifies a stuck lock panics with ErrLockTimeout.
func TestTimedMutexTimeout(t *testing.T) {
	m := newTimedMutex("test", 10*time.Millisecond)
	m.Lock()

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, ErrLockTimeout))
	}()
	m.Lock()
}

func TestTimedMutexHandsOver(t *testing.T) {
	m := newTimedMutex("test", time.Second)
	m.Lock()
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.Unlock()
	}()
	m.Lock()
	m.Unlock()
	assert.Panics(t, m.Unlock)
}

// TestFIFOWatermark verifies ordering, overflow reporting and drain.
func TestFIFOWatermark(t *testing.T) {
	q := newFIFO[int]("test", 2)
	halt := make(chan struct{})

	for i := 1; i <= 2; i++ {
		n, err := q.push(i)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err := q.push(3)
	assert.ErrorIs(t, err, ErrQueueOverflow)
	assert.Equal(t, 3, n)

	v, ok := q.pop(halt)
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, []int{2, 3}, q.drain())
	assert.Zero(t, q.len())
}

func TestFIFOPopWaits(t *testing.T) {
	q := newFIFO[string]("test", 0)
	halt := make(chan struct{})

	got := make(chan string)
	go func() {
		v, _ := q.pop(halt)
		got <- v
	}()
	time.Sleep(5 * time.Millisecond)
	_, err := q.push("a")
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, "a", v)
	case <-time.After(time.Second):
		t.Fatal("pop not woken by push")
	}

	close(halt)
	_, ok := q.pop(halt)
	assert.False(t, ok)
}
