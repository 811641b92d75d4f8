package output

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/star/stargnss/internal/sim"
)

// ErrDeviceClosed is returned by writes to a closed or failed device.
var ErrDeviceClosed = errors.New("device closed")

// EmulatedConfig tunes the emulated device. Zero values select defaults.
type EmulatedConfig struct {
	// SliceLength is the playback time of one slice. Required.
	SliceLength time.Duration
	// BufferCount is the number of slices queued before playback starts
	// (default: 4).
	BufferCount int
	// QueueDepth is the device FIFO capacity in slices; writes block while
	// it is full (default: 2 * BufferCount).
	QueueDepth int
	// ReadyDelay is how long the device takes to become ready after it is
	// opened.
	ReadyDelay time.Duration
	// Sink receives the played samples of every channel in slice order.
	Sink io.Writer
}

func (c EmulatedConfig) withDefaults() EmulatedConfig {
	if c.BufferCount <= 0 {
		c.BufferCount = 4
	}
	if c.QueueDepth < c.BufferCount {
		c.QueueDepth = 2 * c.BufferCount
	}
	return c
}

// Emulated behaves like real-time playback hardware: it consumes one slice
// per SliceLength of wall time once BufferCount slices are queued, and reports
// an underrun when it finds its queue empty.
type Emulated struct {
	channels []sim.Channel
	cfg      EmulatedConfig
	logger   *slog.Logger
	opened   time.Time

	queue   chan [][]byte
	handler atomic.Pointer[sim.LiveOutputEvents]

	alive     atomic.Bool
	queued    atomic.Int64
	played    atomic.Int64
	underruns atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewEmulated opens an emulated device playing channels.
func NewEmulated(channels []sim.Channel, cfg EmulatedConfig, logger *slog.Logger) (*Emulated, error) {
	if cfg.SliceLength <= 0 {
		return nil, fmt.Errorf("emulated device needs a slice length")
	}
	cfg = cfg.withDefaults()
	d := &Emulated{
		channels: channels,
		cfg:      cfg,
		logger:   logger.With("component", "output", "kind", "emulated"),
		opened:   time.Now(),
		queue:    make(chan [][]byte, cfg.QueueDepth),
		stop:     make(chan struct{}),
	}
	d.alive.Store(true)
	return d, nil
}

func (d *Emulated) Channels() []sim.Channel { return d.channels }

func (d *Emulated) ByteCountForInterval(ch sim.Channel, dur time.Duration) int {
	return ch.BytesFor(dur)
}

// BufferCount returns the pre-roll depth.
func (d *Emulated) BufferCount() int { return d.cfg.BufferCount }

// Ready reports whether the device accepts the first buffer.
func (d *Emulated) Ready() bool {
	return d.alive.Load() && time.Since(d.opened) >= d.cfg.ReadyDelay
}

// Alive reports whether the device is open and has not failed.
func (d *Emulated) Alive() bool { return d.alive.Load() }

// SetEventHandler installs the event callbacks.
func (d *Emulated) SetEventHandler(h sim.LiveOutputEvents) {
	d.handler.Store(&h)
}

// Write queues a copy of the slice, blocking while the device FIFO is full.
func (d *Emulated) Write(s *sim.Slice) error {
	if !d.alive.Load() {
		return ErrDeviceClosed
	}

	bufs := make([][]byte, len(s.Buffers))
	for i, b := range s.Buffers {
		bufs[i] = append([]byte(nil), b...)
	}

	select {
	case d.queue <- bufs:
	case <-d.stop:
		return ErrDeviceClosed
	}

	if d.queued.Add(1) == int64(d.cfg.BufferCount) {
		d.startOnce.Do(func() {
			d.wg.Add(1)
			go d.play()
		})
	}
	return nil
}

// play consumes one slice per period until the device stops.
func (d *Emulated) play() {
	defer d.wg.Done()

	d.logger.Info("playback started", "buffer_count", d.cfg.BufferCount, "slice_ms", d.cfg.SliceLength.Milliseconds())
	if h := d.handler.Load(); h != nil && h.OnPlaybackStarted != nil {
		h.OnPlaybackStarted()
	}

	ticker := time.NewTicker(d.cfg.SliceLength)
	defer ticker.Stop()

	starved := false
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}

		select {
		case bufs := <-d.queue:
			starved = false
			d.played.Add(1)
			if err := d.sink(bufs); err != nil {
				d.Fail(err)
				return
			}
		default:
			if starved {
				continue
			}
			starved = true
			d.underruns.Add(1)
			d.logger.Debug("buffer underrun", "played", d.played.Load())
			if h := d.handler.Load(); h != nil && h.OnUnderrun != nil {
				h.OnUnderrun(d.cfg.SliceLength)
			}
		}
	}
}

func (d *Emulated) sink(bufs [][]byte) error {
	if d.cfg.Sink == nil {
		return nil
	}
	for _, b := range bufs {
		if _, err := d.cfg.Sink.Write(b); err != nil {
			return fmt.Errorf("device sink: %w", err)
		}
	}
	return nil
}

// Fail simulates a device fault: the device dies and reports err.
func (d *Emulated) Fail(err error) {
	if !d.alive.CompareAndSwap(true, false) {
		return
	}
	d.logger.Error("device fault", "error", err)
	d.stopOnce.Do(func() { close(d.stop) })
	if h := d.handler.Load(); h != nil && h.OnError != nil {
		h.OnError(err)
	}
}

// Close stops playback and releases any blocked writer.
func (d *Emulated) Close() error {
	d.alive.Store(false)
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
	d.logger.Info("device closed", "played", d.played.Load(), "underruns", d.underruns.Load())
	return nil
}

// Played returns the number of slices played.
func (d *Emulated) Played() int64 { return d.played.Load() }

// Underruns returns the number of underruns reported.
func (d *Emulated) Underruns() int64 { return d.underruns.Load() }
