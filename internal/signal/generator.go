// Package signal is the reference sim.SignalGenerator. Each enabled satellite
// contributes its ranging code on a carrier offset from the channel center,
// delayed and Doppler shifted by the satellite's range and range rate, over
// white gaussian noise of unit power.
//
// CDMA systems all use C/A Gold codes at 1.023 Mcps; the signals are meant to
// exercise the pipeline and receivers' acquisition, not to match every ICD.
package signal

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/star/stargnss/internal/sim"
)

const speedOfLight = 299792458.0

// Carrier frequencies in Hz.
const (
	freqL1       = 1575.42e6
	freqB1I      = 1561.098e6
	freqGLONASS  = 1602e6
	stepGLONASS  = 0.5625e6
	chipRateCA   = 1.023e6
	chipRateGLO  = 0.511e6
	glonassSlots = 14
)

// Config tunes the generator. Zero values select defaults.
type Config struct {
	// Seed makes noise reproducible; every slice and channel derives its own
	// stream from it.
	Seed int64
	// NoiseSigma is the standard deviation of I and Q noise (default: 1,
	// negative disables noise).
	NoiseSigma float64
	// ZenithCN0 is the carrier-to-noise density of a satellite at zenith in
	// dB-Hz (default: 45). It falls by up to 6 dB towards the horizon.
	ZenithCN0 float64
}

func (c Config) withDefaults() Config {
	if c.NoiseSigma == 0 {
		c.NoiseSigma = 1
	} else if c.NoiseSigma < 0 {
		c.NoiseSigma = 0
	}
	if c.ZenithCN0 == 0 {
		c.ZenithCN0 = 45
	}
	return c
}

// Generator prepares per-slice modulation. Safe for concurrent use.
type Generator struct {
	cfg    Config
	epoch  time.Time // carrier phase reference
	logger *slog.Logger

	mu    sync.Mutex
	codes map[sim.SatID][]float64
}

// NewGenerator creates a generator whose carrier phases are referenced to
// epoch, normally the start of the simulated interval.
func NewGenerator(cfg Config, epoch time.Time, logger *slog.Logger) *Generator {
	return &Generator{
		cfg:    cfg.withDefaults(),
		epoch:  epoch,
		logger: logger.With("component", "signal"),
		codes:  make(map[sim.SatID][]float64),
	}
}

// satSignal is one satellite's contribution to a slice.
type satSignal struct {
	code     []float64
	chipRate float64
	carrier  float64 // transmitted carrier, Hz
	offset   float64 // carrier minus channel center, Hz
	amp      float64
	range0   float64 // m at t0
	rate     float64 // m/s
	t0       float64 // seconds since epoch of range0
}

// Modulate prepares the signals of obs on ch for iv. Satellites whose carrier
// falls outside the channel bandwidth are left out.
func (g *Generator) Modulate(ch sim.Channel, iv sim.Interval, obs []sim.Observation) (sim.Modulation, error) {
	if ch.SampleRate <= 0 {
		return nil, fmt.Errorf("channel %d has no sample rate", ch.Index)
	}

	m := &modulation{
		sampleRate: ch.SampleRate,
		start:      iv.Start.Sub(g.epoch).Seconds(),
		sigma:      g.cfg.NoiseSigma,
		seed:       g.seedFor(ch, iv),
	}
	for _, o := range obs {
		carrier, chipRate := carrierOf(o.Sat)
		offset := carrier - ch.CenterFrequency
		if math.Abs(offset-o.RangeRateMps*carrier/speedOfLight) >= ch.SampleRate/2 {
			g.logger.Debug("satellite outside channel band", "sat", o.Sat.String(), "channel", ch.Name)
			continue
		}
		code, err := g.code(o.Sat)
		if err != nil {
			return nil, err
		}
		m.sats = append(m.sats, satSignal{
			code:     code,
			chipRate: chipRate,
			carrier:  carrier,
			offset:   offset,
			amp:      g.amplitude(o.ElevationDeg, ch.SampleRate),
			range0:   o.RangeM,
			rate:     o.RangeRateMps,
			t0:       o.Time.Sub(g.epoch).Seconds(),
		})
	}
	return m, nil
}

// amplitude converts elevation to a per-sample amplitude relative to noise
// of unit power per component.
func (g *Generator) amplitude(elevationDeg float64, sampleRate float64) float64 {
	el := math.Max(0, math.Min(90, elevationDeg)) * math.Pi / 180
	cn0 := g.cfg.ZenithCN0 - 6*(1-math.Sin(el))
	return math.Sqrt(2 * math.Pow(10, cn0/10) / sampleRate)
}

// code returns the cached ranging code of sat.
func (g *Generator) code(sat sim.SatID) ([]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.codes[sat]; ok {
		return c, nil
	}
	var (
		c   []float64
		err error
	)
	if sat.System == sim.GLONASS {
		c = glonassCode()
	} else {
		c, err = goldCode(sat.PRN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sat, err)
		}
	}
	g.codes[sat] = c
	return c, nil
}

// seedFor derives the noise stream of one slice on one channel, so renders
// are reproducible whatever order processors pick slices up in.
func (g *Generator) seedFor(ch sim.Channel, iv sim.Interval) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, v := range []int64{g.cfg.Seed, int64(ch.Index), iv.Start.UnixNano()} {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// carrierOf returns the carrier frequency and chip rate of sat. GLONASS
// frequency channels are spread over k = -7..6 by PRN.
func carrierOf(sat sim.SatID) (carrier, chipRate float64) {
	switch sat.System {
	case sim.GLONASS:
		k := (sat.PRN-1)%glonassSlots - 7
		return freqGLONASS + float64(k)*stepGLONASS, chipRateGLO
	case sim.BeiDou:
		return freqB1I, chipRateCA
	default:
		return freqL1, chipRateCA
	}
}

// modulation renders one slice on one channel.
type modulation struct {
	sampleRate float64
	start      float64 // seconds since epoch of the first sample
	sigma      float64
	seed       uint64
	sats       []satSignal
}

// Render writes interleaved I/Q into dst.
func (m *modulation) Render(dst []float64) error {
	if len(dst)%2 != 0 {
		return fmt.Errorf("render buffer length %d is not even", len(dst))
	}
	n := len(dst) / 2

	if m.sigma > 0 {
		noise := distuv.Normal{Mu: 0, Sigma: m.sigma, Src: rand.NewSource(m.seed)}
		for i := range dst {
			dst[i] = noise.Rand()
		}
	} else {
		clear(dst)
	}

	dt := 1 / m.sampleRate
	for _, s := range m.sats {
		codeLen := float64(len(s.code))
		for i := 0; i < n; i++ {
			t := m.start + float64(i)*dt
			rng := s.range0 + s.rate*(t-s.t0)
			delay := rng / speedOfLight

			chip := int(math.Floor(math.Mod((t-delay)*s.chipRate, codeLen)))
			if chip < 0 {
				chip += len(s.code)
			}
			cycles := math.Mod(s.offset*t, 1) - math.Mod(s.carrier*delay, 1)
			sin, cos := math.Sincos(2 * math.Pi * cycles)

			a := s.amp * s.code[chip]
			dst[2*i] += a * cos
			dst[2*i+1] += a * sin
		}
	}
	return nil
}
