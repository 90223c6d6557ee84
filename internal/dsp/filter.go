package dsp

import "math"

// biquad is one direct-form-I second-order section
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// highpassBiquad designs a second-order high-pass section at the given
// cutoff and Q (RBJ cookbook, bilinear transform).
func highpassBiquad(cutoffHz, sampleRate, q float64) biquad {
	w0 := 2 * math.Pi * cutoffHz / sampleRate
	cosw := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)

	a0 := 1 + alpha
	return biquad{
		b0: (1 + cosw) / 2 / a0,
		b1: -(1 + cosw) / a0,
		b2: (1 + cosw) / 2 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
}

// apply runs the section over the signal in place
func (f biquad) apply(x []float64) {
	var x1, x2, y1, y2 float64
	for i, xn := range x {
		yn := f.b0*xn + f.b1*x1 + f.b2*x2 - f.a1*y1 - f.a2*y2
		x2, x1 = x1, xn
		y2, y1 = y1, yn
		x[i] = yn
	}
}

// fourth-order Butterworth Q values for two cascaded sections
var butterworthQ = [2]float64{
	1 / (2 * math.Cos(math.Pi/8)),
	1 / (2 * math.Cos(3*math.Pi/8)),
}

// Highpass applies a fourth-order Butterworth high-pass filter at cutoffHz,
// zero-phase: the cascade runs forward over the signal, then backward, so
// the passband keeps its timing. The input slice is modified in place.
func Highpass(samples []float64, cutoffHz, sampleRate float64) {
	if len(samples) == 0 || cutoffHz <= 0 {
		return
	}

	sections := [2]biquad{
		highpassBiquad(cutoffHz, sampleRate, butterworthQ[0]),
		highpassBiquad(cutoffHz, sampleRate, butterworthQ[1]),
	}

	for _, s := range sections {
		s.apply(samples)
	}
	reverse(samples)
	for _, s := range sections {
		s.apply(samples)
	}
	reverse(samples)
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
