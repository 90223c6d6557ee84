package dsp

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	suppressWindow = 512
	suppressHop    = suppressWindow / 4

	// floor applied to per-bin gains so suppression never fully mutes a bin
	minBinGain = 0.05

	// share of the quietest frames used to estimate the stationary noise floor
	noiseFrameFraction = 0.1
)

// Suppress attenuates stationary background noise in place. The noise floor
// is estimated per frequency bin from the quietest analysis frames of the
// signal itself, then subtracted from every frame's magnitude spectrum,
// scaled by aggressiveness in [0,1]. Signals shorter than one analysis
// window are returned untouched.
func Suppress(samples []float64, aggressiveness float64) {
	if len(samples) < suppressWindow || aggressiveness <= 0 {
		return
	}
	if aggressiveness > 1 {
		aggressiveness = 1
	}

	window := hann(suppressWindow)
	fft := fourier.NewFFT(suppressWindow)
	bins := suppressWindow/2 + 1

	numFrames := 1 + (len(samples)-suppressWindow)/suppressHop
	spectra := make([][]complex128, numFrames)
	energies := make([]float64, numFrames)

	frame := make([]float64, suppressWindow)
	for f := 0; f < numFrames; f++ {
		off := f * suppressHop
		var energy float64
		for i := 0; i < suppressWindow; i++ {
			frame[i] = samples[off+i] * window[i]
			energy += frame[i] * frame[i]
		}
		spectra[f] = fft.Coefficients(nil, frame)
		energies[f] = energy
	}

	noise := noiseFloor(spectra, energies, bins)

	// Attenuate each frame and overlap-add the result back
	out := make([]float64, len(samples))
	wsum := make([]float64, len(samples))
	for f := 0; f < numFrames; f++ {
		spec := spectra[f]
		for b := 0; b < bins; b++ {
			mag := cmplxAbs(spec[b])
			if mag == 0 {
				continue
			}
			gain := (mag - aggressiveness*noise[b]) / mag
			if gain < minBinGain {
				gain = minBinGain
			}
			spec[b] = scale(spec[b], gain)
		}

		seq := fft.Sequence(nil, spec)
		off := f * suppressHop
		for i := 0; i < suppressWindow; i++ {
			// Sequence is unnormalized; divide by the transform length.
			// Window applied again for smooth cross-fade between frames.
			out[off+i] += seq[i] / suppressWindow * window[i]
			wsum[off+i] += window[i] * window[i]
		}
	}

	for i := range samples {
		if wsum[i] > 1e-9 {
			samples[i] = out[i] / wsum[i]
		}
	}
}

// noiseFloor averages the magnitude spectra of the quietest frames
func noiseFloor(spectra [][]complex128, energies []float64, bins int) []float64 {
	order := make([]int, len(energies))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return energies[order[i]] < energies[order[j]]
	})

	count := int(float64(len(order)) * noiseFrameFraction)
	if count < 1 {
		count = 1
	}

	noise := make([]float64, bins)
	for _, f := range order[:count] {
		for b := 0; b < bins; b++ {
			noise[b] += cmplxAbs(spectra[f][b])
		}
	}
	for b := range noise {
		noise[b] /= float64(count)
	}
	return noise
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func scale(c complex128, g float64) complex128 {
	return complex(real(c)*g, imag(c)*g)
}
