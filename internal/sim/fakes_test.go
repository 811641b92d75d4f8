package sim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testSlice = 10 * time.Millisecond

// fillValue is the constant sample value rendered for slice seq. With AGC
// disabled it is also the quantized int8 byte, so a written buffer proves
// which slice filled it.
func fillValue(seq int64) byte {
	return byte(((seq%50)+50)%50 + 1)
}

func seqOf(iv Interval) int64 {
	return int64(iv.Start.Sub(testStart) / testSlice)
}

// written is one slice as seen by an output.
type written struct {
	Seq      int64
	Interval Interval
	Dummy    bool
	Zero     bool
	Enabled  int
}

// recordingOutput records every write and verifies buffer contents.
type recordingOutput struct {
	t        *testing.T
	channels []Channel

	mu      sync.Mutex
	writes  []written
	closed  bool
	failAt  int // fail the n-th write (1-based); 0 = never
	delay   time.Duration
	onWrite func(n int)
	owned   map[*byte]int64 // buffer -> seq while inside Write
}

func newRecordingOutput(t *testing.T, channels int) *recordingOutput {
	o := &recordingOutput{t: t, owned: make(map[*byte]int64)}
	for i := 0; i < channels; i++ {
		o.channels = append(o.channels, Channel{
			Index:        i,
			Name:         []string{"L1", "L2", "L5"}[i],
			SampleRate:   1000,
			Quantization: 8,
		})
	}
	return o
}

func (o *recordingOutput) Channels() []Channel { return o.channels }

func (o *recordingOutput) ByteCountForInterval(ch Channel, d time.Duration) int {
	return ch.BytesFor(d)
}

func (o *recordingOutput) Write(s *Slice) error {
	o.mu.Lock()
	n := len(o.writes) + 1
	if o.failAt > 0 && n == o.failAt {
		o.mu.Unlock()
		return errors.New("disk full")
	}

	w := written{Seq: s.Seq, Interval: s.Interval, Dummy: s.Dummy, Zero: true, Enabled: len(s.EnabledObservations())}
	if s.State() != SliceWritingStarted {
		o.t.Errorf("slice %d written in state %s", s.Seq, s.State())
	}
	for i, buf := range s.Buffers {
		key := &buf[0]
		if prev, busy := o.owned[key]; busy {
			o.t.Errorf("buffer of channel %d handed out twice (slices %d and %d)", i, prev, s.Seq)
		}
		o.owned[key] = s.Seq
		want := fillValue(s.Seq)
		for j, b := range buf {
			if b != 0 {
				w.Zero = false
			}
			if b != 0 && b != want {
				o.t.Errorf("slice %d channel %d byte %d = %d, want %d", s.Seq, i, j, b, want)
				break
			}
		}
	}
	o.writes = append(o.writes, w)
	cb := o.onWrite
	o.mu.Unlock()

	if o.delay > 0 {
		time.Sleep(o.delay)
	}

	o.mu.Lock()
	for _, buf := range s.Buffers {
		delete(o.owned, &buf[0])
	}
	o.mu.Unlock()

	if cb != nil {
		cb(n)
	}
	return nil
}

func (o *recordingOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

func (o *recordingOutput) Writes() []written {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]written, len(o.writes))
	copy(out, o.writes)
	return out
}

func (o *recordingOutput) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// liveRecordingOutput adds the live device surface.
type liveRecordingOutput struct {
	*recordingOutput
	hmu     sync.Mutex
	handler LiveOutputEvents

	notReady atomic.Bool
	dead     atomic.Bool
}

func (o *liveRecordingOutput) Ready() bool      { return !o.notReady.Load() }
func (o *liveRecordingOutput) Alive() bool      { return !o.dead.Load() }
func (o *liveRecordingOutput) BufferCount() int { return 2 }

func (o *liveRecordingOutput) SetEventHandler(h LiveOutputEvents) {
	o.hmu.Lock()
	defer o.hmu.Unlock()
	o.handler = h
}

func (o *liveRecordingOutput) Handler() LiveOutputEvents {
	o.hmu.Lock()
	defer o.hmu.Unlock()
	return o.handler
}

var errDeviceClosed = errors.New("device closed")

// closingOutput accepts free writes and then blocks like a device with a
// full FIFO. Close releases a blocked write with errDeviceClosed, and every
// later write fails the same way.
type closingOutput struct {
	*recordingOutput
	free int

	n         atomic.Int32
	blockOnce sync.Once
	blocked   chan struct{}
	closeOnce sync.Once
	closedCh  chan struct{}
}

func newClosingOutput(t *testing.T, free int) *closingOutput {
	return &closingOutput{
		recordingOutput: newRecordingOutput(t, 1),
		free:            free,
		blocked:         make(chan struct{}),
		closedCh:        make(chan struct{}),
	}
}

func (o *closingOutput) Write(s *Slice) error {
	select {
	case <-o.closedCh:
		return errDeviceClosed
	default:
	}
	if int(o.n.Add(1)) > o.free {
		o.blockOnce.Do(func() { close(o.blocked) })
		<-o.closedCh
		return errDeviceClosed
	}
	return o.recordingOutput.Write(s)
}

func (o *closingOutput) Close() error {
	o.closeOnce.Do(func() { close(o.closedCh) })
	return o.recordingOutput.Close()
}

// staticTrajectory always returns one sample at the interval start.
type staticTrajectory struct{}

func (staticTrajectory) Samples(iv Interval) ([]TrajectorySample, error) {
	return []TrajectorySample{{Time: iv.Start, Position: [3]float64{6378137, 0, 0}}}, nil
}
func (staticTrajectory) SampleRate() float64 { return 100 }
func (staticTrajectory) External() bool      { return false }

// manualLiveTrajectory emits samples when the test calls emit.
type manualLiveTrajectory struct {
	staticTrajectory

	mu       sync.Mutex
	subs     map[int]func(time.Time)
	next     int
	advanced []time.Duration
}

func newManualLiveTrajectory() *manualLiveTrajectory {
	return &manualLiveTrajectory{subs: make(map[int]func(time.Time))}
}

func (m *manualLiveTrajectory) External() bool { return true }

func (m *manualLiveTrajectory) OnNewSample(fn func(time.Time)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *manualLiveTrajectory) AdvanceSampleClock(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanced = append(m.advanced, d)
}

func (m *manualLiveTrajectory) emit(t time.Time) {
	m.mu.Lock()
	fns := make([]func(time.Time), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

func (m *manualLiveTrajectory) subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// mockConstellation is a testify mock of Constellation.
type mockConstellation struct {
	mock.Mock
}

func (m *mockConstellation) System() System {
	return m.Called().Get(0).(System)
}

func (m *mockConstellation) VisibleSatellites(ctx context.Context, samples []TrajectorySample, p *Parameters) ([]Observation, error) {
	args := m.Called(ctx, samples, p)
	obs, _ := args.Get(0).([]Observation)
	return obs, args.Error(1)
}

// fixedConstellation reports the same satellites for every slice.
type fixedConstellation struct {
	system System
	count  int
}

func (c fixedConstellation) System() System { return c.system }

func (c fixedConstellation) VisibleSatellites(_ context.Context, samples []TrajectorySample, _ *Parameters) ([]Observation, error) {
	obs := make([]Observation, c.count)
	for i := range obs {
		obs[i] = Observation{
			Sat:          SatID{System: c.system, PRN: i + 1},
			Time:         samples[0].Time,
			ElevationDeg: float64(10 + 2*i),
			Healthy:      true,
		}
	}
	return obs, nil
}

// constGenerator renders fillValue(seq) into every sample. delay returns an
// artificial render time per slice.
type constGenerator struct {
	delay func(seq int64) time.Duration
}

func (g constGenerator) Modulate(_ Channel, iv Interval, _ []Observation) (Modulation, error) {
	seq := seqOf(iv)
	var d time.Duration
	if g.delay != nil {
		d = g.delay(seq)
	}
	return constModulation{value: float64(fillValue(seq)), delay: d}, nil
}

type constModulation struct {
	value float64
	delay time.Duration
}

func (m constModulation) Render(dst []float64) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	for i := range dst {
		dst[i] = m.value
	}
	return nil
}

// testParams returns throughput parameters covering n slices.
func testParams(out Output, n int) Parameters {
	return Parameters{
		Interval:       Interval{Start: testStart, End: testStart.Add(time.Duration(n) * testSlice)},
		SliceLength:    testSlice,
		Trajectory:     staticTrajectory{},
		Output:         out,
		Constellations: []Constellation{fixedConstellation{system: GPS, count: 8}},
		Generator:      constGenerator{},
	}
}

func testConfig() Config {
	return Config{DisableAGC: true, PacingDelay: -1}
}

// waitDone fails the test if the run does not complete within d.
func waitDone(t *testing.T, s *Simulation, d time.Duration) Completion {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	c, err := s.Wait(ctx)
	require.NoError(t, err, "run did not complete in %s (state %s)", d, s.State())
	return c
}

// stateWatcher forwards state changes to a channel.
func stateWatcher(s *Simulation) <-chan RunState {
	ch := make(chan RunState, 32)
	s.Subscribe(Listener{OnStateChanged: func(_, to RunState) {
		select {
		case ch <- to:
		default:
		}
	}})
	return ch
}

func awaitState(t *testing.T, ch <-chan RunState, want RunState, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case st := <-ch:
			if st == want {
				return
			}
		case <-timeout:
			t.Fatalf("state %s not reached within %s", want, d)
		}
	}
}
