// Package ptt implements the push-to-talk gate: a small state machine that
// turns hotkey press/release transitions into bounded recording sessions.
package ptt

import (
	"time"

	"github.com/google/uuid"
)

// Session is one bounded utterance recorded between a chord press and
// release. Samples are appended in capture order while the gate is recording
// and are immutable once the session closes.
type Session struct {
	ID         string
	Mode       string
	SampleRate int
	StartedAt  time.Time
	EndedAt    time.Time
	Samples    []float32
}

func newSession(mode string, sampleRate int) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Mode:       mode,
		SampleRate: sampleRate,
		StartedAt:  time.Now(),
	}
}

// Duration is the recorded audio length, derived from the sample count so it
// is unaffected by queue latency.
func (s *Session) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}
