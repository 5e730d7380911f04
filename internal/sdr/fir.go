package sdr

import (
	"math"

	"gonum.org/v1/gonum/dsp/window"
)

// designLowPass builds a windowed-sinc low-pass FIR of length numTaps with
// the given cutoff (Hz) at sampleRate (Hz), windowed with Blackman-Harris per
// spec.md §4.3 step 2. gonum.org/v1/gonum/dsp/window supplies the window.
func designLowPass(numTaps int, cutoffHz, sampleRate float64) []float64 {
	if numTaps < 1 {
		numTaps = 1
	}
	taps := make([]float64, numTaps)
	fc := cutoffHz / sampleRate // normalized cutoff, cycles/sample
	m := float64(numTaps - 1)

	for n := 0; n < numTaps; n++ {
		x := float64(n) - m/2
		if x == 0 {
			taps[n] = 2 * fc
		} else {
			taps[n] = math.Sin(2*math.Pi*fc*x) / (math.Pi * x)
		}
	}

	taps = window.BlackmanHarris(taps)

	// Normalize for unity DC gain.
	sum := 0.0
	for _, t := range taps {
		sum += t
	}
	if sum != 0 {
		for i := range taps {
			taps[i] /= sum
		}
	}
	return taps
}

// nextPowerOfTwo returns the smallest power of two >= n, used to size the FIR
// circular buffer so it can be indexed with a bitmask (spec.md §4.3 step 2).
func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// circularFIR applies a real FIR filter to a stream of complex samples using
// a power-of-two circular buffer indexed by bitmask.
type circularFIR struct {
	taps []float64
	buf  []complex64
	mask int
	pos  int
}

func newCircularFIR(taps []float64) *circularFIR {
	size := nextPowerOfTwo(len(taps))
	return &circularFIR{
		taps: taps,
		buf:  make([]complex64, size),
		mask: size - 1,
	}
}

// Step pushes one sample and returns the filtered output.
func (f *circularFIR) Step(x complex64) complex64 {
	f.buf[f.pos&f.mask] = x
	var acc complex128
	for i, tap := range f.taps {
		idx := (f.pos - i) & f.mask
		s := f.buf[idx]
		acc += complex(tap, 0) * complex128(s)
	}
	f.pos++
	return complex64(acc)
}
