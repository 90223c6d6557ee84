// Package dsp conditions whispered session audio for speaker verification
// and transcription: high-pass filtering, stationary noise suppression, and
// gain normalization, selected per dictation mode.
package dsp

import (
	"math"

	"github.com/yegors/sotto/pkg/logger"
)

// Dictation modes
const (
	ModeWhisper = "whisper" // full chain: high-pass, suppression, normalize
	ModeClean   = "clean"   // quiet rooms: high-pass and normalize only
	ModeAuto    = "auto"    // picks whisper or clean from leading noise level
)

const (
	// peak the normalizer aims for, leaving headroom before the soft knee
	targetPeak = 0.95

	// gain cap so near-silent recordings are not amplified into pure noise
	maxGain = 8.0

	// onset of soft-knee compression
	kneeStart = 0.9

	// leading window and RMS threshold for the auto mode heuristic
	autoProbeMsec = 200
	autoNoiseRMS  = 0.01
)

// Config holds preprocessing parameters
type Config struct {
	SampleRate       int
	Mode             string
	Aggressiveness   float64
	HighpassCutoffHz float64
}

// Preprocessor applies the conditioning chain to closed session buffers.
// Stateless between sessions; safe for reuse.
type Preprocessor struct {
	cfg    Config
	logger *logger.Logger
}

// NewPreprocessor creates a preprocessor with the given configuration
func NewPreprocessor(cfg Config, log *logger.Logger) *Preprocessor {
	return &Preprocessor{cfg: cfg, logger: log.Named("dsp")}
}

// Process returns a conditioned copy of the session buffer. Output has the
// same length and sample rate as the input; an empty input yields an empty
// output.
func (p *Preprocessor) Process(samples []float32) []float32 {
	if len(samples) == 0 {
		return nil
	}

	buf := make([]float64, len(samples))
	for i, s := range samples {
		buf[i] = float64(s)
	}

	mode := p.cfg.Mode
	if mode == ModeAuto {
		mode = p.pickMode(buf)
	}

	Highpass(buf, p.cfg.HighpassCutoffHz, float64(p.cfg.SampleRate))
	if mode == ModeWhisper {
		Suppress(buf, p.cfg.Aggressiveness)
	}
	normalize(buf)

	out := make([]float32, len(buf))
	for i, s := range buf {
		out[i] = float32(s)
	}
	return out
}

// pickMode inspects the RMS of the leading slice of the session, before any
// speech onset, and selects the full whisper chain when it suggests a noisy
// environment.
func (p *Preprocessor) pickMode(samples []float64) string {
	probe := p.cfg.SampleRate * autoProbeMsec / 1000
	if probe > len(samples) {
		probe = len(samples)
	}
	if probe == 0 {
		return ModeClean
	}

	var sum float64
	for _, s := range samples[:probe] {
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(probe))

	mode := ModeClean
	if rms >= autoNoiseRMS {
		mode = ModeWhisper
	}
	p.logger.Debug("Auto mode selected",
		logger.String("mode", mode),
		logger.Float64("leading_rms", rms))
	return mode
}

// normalize lifts the buffer toward the target peak and applies a soft knee
// above kneeStart so boosted whispers cannot clip
func normalize(samples []float64) {
	var peak float64
	for _, s := range samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return
	}

	gain := targetPeak / peak
	if gain > maxGain {
		gain = maxGain
	}

	for i, s := range samples {
		v := s * gain
		if a := math.Abs(v); a > kneeStart {
			sign := 1.0
			if v < 0 {
				sign = -1
			}
			v = sign * (kneeStart + (1-kneeStart)*math.Tanh((a-kneeStart)/(1-kneeStart)))
		}
		samples[i] = v
	}
}
