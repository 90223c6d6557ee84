package voiceprint

import (
	"context"
	"fmt"
	"sync"

	"github.com/yegors/sotto/pkg/logger"
)

// Verification modes
const (
	ModeEnforce = "enforce" // audio must match the enrolled profile
	ModeBypass  = "bypass"  // verification disabled, every session accepted
)

// Result is the outcome of verifying one session
type Result struct {
	Accepted bool
	Score    float64 // cosine similarity mapped into [0,1]
	Bypassed bool
}

// Config holds verifier parameters
type Config struct {
	Mode        string
	ProfilePath string
}

// Verifier scores session audio against the enrolled profile. Verification
// takes the read lock; enrollment updates take the write lock, so profile
// swaps never race in-flight scoring.
type Verifier struct {
	cfg      Config
	embedder Embedder
	logger   *logger.Logger

	mu      sync.RWMutex
	profile *Profile
}

// NewVerifier creates a verifier. In enforce mode the profile must already
// exist; a missing profile surfaces ErrNotEnrolled so the caller can refuse
// to start.
func NewVerifier(cfg Config, embedder Embedder, log *logger.Logger) (*Verifier, error) {
	v := &Verifier{
		cfg:      cfg,
		embedder: embedder,
		logger:   log.Named("voiceprint"),
	}

	if cfg.Mode == ModeBypass {
		v.logger.Warn("Speaker verification bypassed, all sessions will be accepted")
		return v, nil
	}

	profile, err := LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}
	v.profile = profile
	v.logger.Info("Voice profile loaded",
		logger.String("path", cfg.ProfilePath),
		logger.Int("samples", profile.SampleCount()),
		logger.Float64("threshold", profile.Threshold))
	return v, nil
}

// Verify scores the session audio. The raw cosine similarity in [-1,1] is
// mapped to a score in [0,1]; the session is accepted when the score meets
// the profile threshold, boundary included.
func (v *Verifier) Verify(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	if v.cfg.Mode == ModeBypass {
		return Result{Accepted: true, Score: 1, Bypassed: true}, nil
	}

	embedding, err := v.embedder.Embed(ctx, samples, sampleRate)
	if err != nil {
		return Result{}, fmt.Errorf("embedding session: %w", err)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(embedding) != len(v.profile.Reference) {
		return Result{}, fmt.Errorf("%w: embedding dimension %d, profile dimension %d",
			ErrProfileCorrupt, len(embedding), len(v.profile.Reference))
	}

	score := Score(cosine(embedding, v.profile.Reference))
	accepted := score >= v.profile.Threshold

	v.logger.Debug("Session scored",
		logger.Float64("score", score),
		logger.Float64("threshold", v.profile.Threshold),
		logger.Bool("accepted", accepted))
	return Result{Accepted: accepted, Score: score}, nil
}

// Reload swaps in the profile currently on disk. Used after enrollment while
// the daemon keeps running.
func (v *Verifier) Reload() error {
	if v.cfg.Mode == ModeBypass {
		return nil
	}
	profile, err := LoadProfile(v.cfg.ProfilePath)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.profile = profile
	v.mu.Unlock()
	return nil
}

// Score maps a raw cosine similarity in [-1,1] into [0,1]
func Score(similarity float64) float64 {
	return (similarity + 1) / 2
}
