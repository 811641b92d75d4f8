package sim

import (
	"fmt"
	"sync"
	"unsafe"
)

// BufferPool is a fixed set of equally sized byte buffers for one channel.
// Buffers are allocated once and circulate pool -> slice -> output -> pool;
// the pool panics if a buffer is returned twice or does not belong to it.
type BufferPool struct {
	channel int
	size    int
	free    chan []byte

	mu     sync.Mutex
	inPool map[*byte]bool // every buffer this pool owns; true while parked
}

// NewBufferPool allocates count buffers of size bytes.
func NewBufferPool(channel, count, size int) *BufferPool {
	if count < 1 || size < 1 {
		panic(fmt.Sprintf("buffer pool for channel %d: invalid count=%d size=%d", channel, count, size))
	}
	p := &BufferPool{
		channel: channel,
		size:    size,
		free:    make(chan []byte, count),
		inPool:  make(map[*byte]bool, count),
	}
	for i := 0; i < count; i++ {
		buf := make([]byte, size)
		p.inPool[unsafe.SliceData(buf)] = true
		p.free <- buf
	}
	return p
}

// Get blocks until a buffer is available or halt is closed.
func (p *BufferPool) Get(halt <-chan struct{}) ([]byte, bool) {
	select {
	case buf := <-p.free:
		p.checkout(buf)
		return buf, true
	default:
	}

	select {
	case buf := <-p.free:
		p.checkout(buf)
		return buf, true
	case <-halt:
		return nil, false
	}
}

func (p *BufferPool) checkout(buf []byte) {
	p.mu.Lock()
	p.inPool[unsafe.SliceData(buf)] = false
	p.mu.Unlock()
}

// Put returns buf to the pool.
func (p *BufferPool) Put(buf []byte) {
	key := unsafe.SliceData(buf)

	p.mu.Lock()
	parked, ours := p.inPool[key]
	if !ours {
		p.mu.Unlock()
		panic(fmt.Sprintf("buffer pool for channel %d: foreign buffer returned", p.channel))
	}
	if parked {
		p.mu.Unlock()
		panic(fmt.Sprintf("buffer pool for channel %d: buffer returned twice", p.channel))
	}
	p.inPool[key] = true
	p.mu.Unlock()

	p.free <- buf[:p.size]
}

// Available returns the number of parked buffers.
func (p *BufferPool) Available() int {
	return len(p.free)
}

// Cap returns the total number of buffers owned by the pool.
func (p *BufferPool) Cap() int {
	return cap(p.free)
}

// BufferSize returns the size of each buffer in bytes.
func (p *BufferPool) BufferSize() int {
	return p.size
}
