package signal

import (
	"io"
	"log/slog"
	"math"
	"math/cmplx"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"github.com/star/stargnss/internal/sim"
)

var (
	testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	epoch      = time.Date(2024, 4, 10, 8, 0, 0, 0, time.UTC)
	l1Channel  = sim.Channel{Index: 0, Name: "L1", CenterFrequency: freqL1, SampleRate: 2.046e6, Quantization: 16}
)

func sliceAt(offset, length time.Duration) sim.Interval {
	start := epoch.Add(offset)
	return sim.Interval{Start: start, End: start.Add(length)}
}

// TestGoldCodes verifies the first ten chips against the IS-GPS-200 octal
// table and the balance of every code.
func TestGoldCodes(t *testing.T) {
	tests := []struct {
		prn   int
		octal int
	}{
		{1, 01440},
		{2, 01620},
		{3, 01710},
		{4, 01744},
		{5, 01133},
	}
	for _, tt := range tests {
		code, err := goldCode(tt.prn)
		require.NoError(t, err)
		got := 0
		for _, c := range code[:10] {
			got <<= 1
			if c > 0 {
				got |= 1
			}
		}
		assert.Equal(t, tt.octal, got, "PRN %d first chips", tt.prn)
	}

	for prn := 1; prn <= len(g2Delays); prn++ {
		code, err := goldCode(prn)
		require.NoError(t, err)
		assert.Len(t, code, goldLength)
		assert.Equal(t, 1.0, sum(code), "PRN %d balance", prn)
	}

	_, err := goldCode(0)
	assert.Error(t, err)
	_, err = goldCode(len(g2Delays) + 1)
	assert.Error(t, err)
}

func TestGlonassCode(t *testing.T) {
	code := glonassCode()
	assert.Len(t, code, glonassChips)
	assert.Equal(t, 1.0, sum(code), "m-sequence has one more one than zeros")
}

func TestCarrierOf(t *testing.T) {
	tests := []struct {
		sat      sim.SatID
		carrier  float64
		chipRate float64
	}{
		{sim.SatID{System: sim.GPS, PRN: 3}, freqL1, chipRateCA},
		{sim.SatID{System: sim.Galileo, PRN: 11}, freqL1, chipRateCA},
		{sim.SatID{System: sim.BeiDou, PRN: 19}, freqB1I, chipRateCA},
		{sim.SatID{System: sim.GLONASS, PRN: 1}, 1598.0625e6, chipRateGLO},
		{sim.SatID{System: sim.GLONASS, PRN: 14}, 1605.375e6, chipRateGLO},
		{sim.SatID{System: sim.GLONASS, PRN: 15}, 1598.0625e6, chipRateGLO},
	}
	for _, tt := range tests {
		t.Run(tt.sat.String(), func(t *testing.T) {
			carrier, chipRate := carrierOf(tt.sat)
			assert.InDelta(t, tt.carrier, carrier, 1e-3)
			assert.Equal(t, tt.chipRate, chipRate)
		})
	}
}

// TestDopplerPeak verifies that after despreading, the spectrum peaks at the
// Doppler implied by the range rate.
func TestDopplerPeak(t *testing.T) {
	g := NewGenerator(Config{NoiseSigma: -1}, epoch, testLogger)
	iv := sliceAt(3*time.Second, 10*time.Millisecond)
	obs := []sim.Observation{{
		Sat:          sim.SatID{System: sim.GPS, PRN: 7},
		Time:         iv.Start,
		RangeM:       21_500_000,
		RangeRateMps: -500,
		ElevationDeg: 40,
		Enabled:      true,
	}}

	mod, err := g.Modulate(l1Channel, iv, obs)
	require.NoError(t, err)

	n := l1Channel.SamplesFor(iv.Duration())
	dst := make([]float64, 2*n)
	require.NoError(t, mod.Render(dst))

	code, err := goldCode(7)
	require.NoError(t, err)
	m := mod.(*modulation)
	s := m.sats[0]

	despread := make([]complex128, n)
	for i := range despread {
		tt := m.start + float64(i)/m.sampleRate
		delay := (s.range0 + s.rate*(tt-s.t0)) / speedOfLight
		chip := int(math.Mod((tt-delay)*s.chipRate, goldLength))
		despread[i] = complex(dst[2*i], dst[2*i+1]) * complex(code[chip], 0)
	}

	coeffs := fourier.NewCmplxFFT(n).Coefficients(nil, despread)
	peak := 0
	for i := range coeffs {
		if cmplx.Abs(coeffs[i]) > cmplx.Abs(coeffs[peak]) {
			peak = i
		}
	}
	freq := float64(peak) * l1Channel.SampleRate / float64(n)
	if peak > n/2 {
		freq -= l1Channel.SampleRate
	}

	want := freqL1 * 500 / speedOfLight
	resolution := l1Channel.SampleRate / float64(n)
	assert.InDelta(t, want, freq, resolution, "Doppler of a satellite approaching at 500 m/s")
}

// TestRenderDeterministic verifies renders depend on seed, channel and slice
// only.
func TestRenderDeterministic(t *testing.T) {
	obs := []sim.Observation{{Sat: sim.SatID{System: sim.GPS, PRN: 1}, Time: epoch, RangeM: 2e7, ElevationDeg: 60}}
	render := func(seed int64, iv sim.Interval) []float64 {
		g := NewGenerator(Config{Seed: seed}, epoch, testLogger)
		mod, err := g.Modulate(l1Channel, iv, obs)
		require.NoError(t, err)
		dst := make([]float64, 2*l1Channel.SamplesFor(iv.Duration()))
		require.NoError(t, mod.Render(dst))
		return dst
	}

	a := render(7, sliceAt(0, time.Millisecond))
	assert.Equal(t, a, render(7, sliceAt(0, time.Millisecond)))
	assert.NotEqual(t, a, render(8, sliceAt(0, time.Millisecond)))
	assert.NotEqual(t, a, render(7, sliceAt(time.Millisecond, time.Millisecond)))
}

// TestNoiseStatistics verifies the noise floor is zero mean with the
// configured deviation.
func TestNoiseStatistics(t *testing.T) {
	g := NewGenerator(Config{Seed: 1, NoiseSigma: 2}, epoch, testLogger)
	mod, err := g.Modulate(l1Channel, sliceAt(0, 10*time.Millisecond), nil)
	require.NoError(t, err)

	dst := make([]float64, 2*l1Channel.SamplesFor(10*time.Millisecond))
	require.NoError(t, mod.Render(dst))

	mean, std := stat.MeanStdDev(dst, nil)
	assert.InDelta(t, 0, mean, 0.05)
	assert.InDelta(t, 2, std, 0.05)
}

// TestModulateSkipsOutOfBand verifies satellites outside the channel
// bandwidth contribute nothing.
func TestModulateSkipsOutOfBand(t *testing.T) {
	g := NewGenerator(Config{}, epoch, testLogger)
	obs := []sim.Observation{
		{Sat: sim.SatID{System: sim.GLONASS, PRN: 3}, Time: epoch, RangeM: 2e7, ElevationDeg: 30},
		{Sat: sim.SatID{System: sim.GPS, PRN: 3}, Time: epoch, RangeM: 2e7, ElevationDeg: 30},
	}
	mod, err := g.Modulate(l1Channel, sliceAt(0, time.Millisecond), obs)
	require.NoError(t, err)
	require.Len(t, mod.(*modulation).sats, 1)
	assert.Equal(t, 0.0, mod.(*modulation).sats[0].offset)

	_, err = g.Modulate(sim.Channel{}, sliceAt(0, time.Millisecond), obs)
	assert.Error(t, err)

	_, err = g.Modulate(l1Channel, sliceAt(0, time.Millisecond), []sim.Observation{
		{Sat: sim.SatID{System: sim.GPS, PRN: 99}, Time: epoch, RangeM: 2e7},
	})
	assert.Error(t, err, "PRN without a code")

	assert.Error(t, mod.Render(make([]float64, 3)))
}

func TestAmplitudeFollowsElevation(t *testing.T) {
	g := NewGenerator(Config{}, epoch, testLogger)
	low := g.amplitude(5, l1Channel.SampleRate)
	high := g.amplitude(85, l1Channel.SampleRate)
	assert.Less(t, low, high)

	// 45 dB-Hz at zenith over 2.046 MHz is about -18 dB per sample.
	zenith := g.amplitude(90, l1Channel.SampleRate)
	assert.InDelta(t, math.Sqrt(2*math.Pow(10, 4.5)/2.046e6), zenith, 1e-12)
}

func sum(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s
}
