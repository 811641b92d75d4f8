package sim

import (
	"encoding/binary"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// targetLevel is the AGC target RMS as a fraction of quantizer full scale,
// leaving ~12 dB of headroom for peaks.
const targetLevel = 0.25

// LevelControl is the per-channel automatic gain control. It keeps a sliding
// window of RMS measurements so the quantization scale follows the average
// level instead of jumping whenever the rendered satellite set changes.
type LevelControl struct {
	mu       *timedMutex
	window   int
	disabled bool

	history [][]float64
	next    []int
	filled  []int
}

// NewLevelControl creates AGC state for the given number of channels.
func NewLevelControl(channels, window int, disabled bool, lockTimeout time.Duration) *LevelControl {
	lc := &LevelControl{
		mu:       newTimedMutex("level control", lockTimeout),
		window:   window,
		disabled: disabled,
		history:  make([][]float64, channels),
		next:     make([]int, channels),
		filled:   make([]int, channels),
	}
	for i := range lc.history {
		lc.history[i] = make([]float64, window)
	}
	return lc
}

// Scale records rms for channel and returns the gain that brings the
// windowed average to the target level of a quantizer with the given full
// scale.
func (lc *LevelControl) Scale(channel int, rms, fullScale float64) float64 {
	if lc.disabled {
		return 1
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if rms > 0 && !math.IsInf(rms, 0) && !math.IsNaN(rms) {
		lc.history[channel][lc.next[channel]] = rms
		lc.next[channel] = (lc.next[channel] + 1) % lc.window
		if lc.filled[channel] < lc.window {
			lc.filled[channel]++
		}
	}

	n := lc.filled[channel]
	if n == 0 {
		return 1
	}
	avg := stat.Mean(lc.history[channel][:n], nil)
	if avg <= 0 {
		return 1
	}
	return targetLevel * fullScale / avg
}

// Average returns the windowed RMS average for channel, or 0 if empty.
func (lc *LevelControl) Average(channel int) float64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	n := lc.filled[channel]
	if n == 0 {
		return 0
	}
	return stat.Mean(lc.history[channel][:n], nil)
}

// rms returns the root mean square of x.
func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Norm(x, 2) / math.Sqrt(float64(len(x)))
}

// fullScale returns the largest positive code of a signed quantizer.
func fullScale(bits int) float64 {
	return float64(int64(1)<<(bits-1) - 1)
}

// quantize scales src and writes it into dst as signed integers of the given
// width (8 or little-endian 16 bits), clamping at full scale.
func quantize(dst []byte, src []float64, scale float64, bits int) {
	hi := fullScale(bits)
	lo := -hi - 1
	switch bits {
	case 8:
		for i, v := range src {
			q := math.Max(lo, math.Min(hi, math.Round(v*scale)))
			dst[i] = byte(int8(q))
		}
	case 16:
		for i, v := range src {
			q := math.Max(lo, math.Min(hi, math.Round(v*scale)))
			binary.LittleEndian.PutUint16(dst[2*i:], uint16(int16(q)))
		}
	default:
		panic("unsupported quantization width")
	}
}
