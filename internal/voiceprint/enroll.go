package voiceprint

import (
	"context"
	"errors"
	"fmt"

	"github.com/yegors/sotto/pkg/logger"
)

// EnrollConfig holds enrollment parameters
type EnrollConfig struct {
	ProfilePath string
	Threshold   float64
	MinSamples  int
}

// Enroller builds or extends the voice profile from enrollment utterances
type Enroller struct {
	cfg      EnrollConfig
	embedder Embedder
	logger   *logger.Logger
}

// NewEnroller creates an enroller writing to the configured profile path
func NewEnroller(cfg EnrollConfig, embedder Embedder, log *logger.Logger) *Enroller {
	return &Enroller{
		cfg:      cfg,
		embedder: embedder,
		logger:   log.Named("enroll"),
	}
}

// Enroll embeds the given utterances and persists the resulting profile.
// With overwrite a fresh profile replaces any existing one; otherwise new
// embeddings are appended to the stored profile. Utterances that fail to
// embed are skipped with a warning. Nothing is written unless the final
// profile holds at least the configured minimum number of samples.
func (e *Enroller) Enroll(ctx context.Context, utterances [][]float32, sampleRate int, overwrite bool) (*Profile, error) {
	profile, err := e.baseProfile(overwrite)
	if err != nil {
		return nil, err
	}

	added := 0
	for i, samples := range utterances {
		embedding, err := e.embedder.Embed(ctx, samples, sampleRate)
		if err != nil {
			e.logger.Warn("Skipping enrollment utterance",
				logger.Int("utterance", i+1),
				logger.Error(err))
			continue
		}
		if err := profile.Add(embedding); err != nil {
			e.logger.Warn("Skipping enrollment utterance",
				logger.Int("utterance", i+1),
				logger.Error(err))
			continue
		}
		added++
	}

	if profile.SampleCount() < e.cfg.MinSamples {
		return nil, fmt.Errorf("only %d valid samples, need at least %d; profile not written",
			profile.SampleCount(), e.cfg.MinSamples)
	}

	if err := profile.Save(e.cfg.ProfilePath); err != nil {
		return nil, err
	}
	e.logger.Info("Voice profile saved",
		logger.String("path", e.cfg.ProfilePath),
		logger.Int("added", added),
		logger.Int("total_samples", profile.SampleCount()))
	return profile, nil
}

func (e *Enroller) baseProfile(overwrite bool) (*Profile, error) {
	if overwrite {
		return NewProfile(e.cfg.Threshold), nil
	}
	profile, err := LoadProfile(e.cfg.ProfilePath)
	if errors.Is(err, ErrNotEnrolled) {
		return NewProfile(e.cfg.Threshold), nil
	}
	if err != nil {
		return nil, err
	}
	return profile, nil
}
