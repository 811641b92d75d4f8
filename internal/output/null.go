package output

import (
	"sync/atomic"
	"time"

	"github.com/star/stargnss/internal/sim"
)

// Null discards samples and counts them.
type Null struct {
	channels []sim.Channel
	bytes    atomic.Int64
	slices   atomic.Int64
	closed   atomic.Bool
}

// NewNull creates a sink for channels.
func NewNull(channels []sim.Channel) *Null {
	return &Null{channels: channels}
}

func (o *Null) Channels() []sim.Channel { return o.channels }

func (o *Null) ByteCountForInterval(ch sim.Channel, d time.Duration) int { return ch.BytesFor(d) }

func (o *Null) Write(s *sim.Slice) error {
	for _, b := range s.Buffers {
		o.bytes.Add(int64(len(b)))
	}
	o.slices.Add(1)
	return nil
}

func (o *Null) Close() error {
	o.closed.Store(true)
	return nil
}

// Bytes returns the number of bytes written so far.
func (o *Null) Bytes() int64 { return o.bytes.Load() }

// Slices returns the number of slices written so far.
func (o *Null) Slices() int64 { return o.slices.Load() }

// Closed reports whether Close was called.
func (o *Null) Closed() bool { return o.closed.Load() }
