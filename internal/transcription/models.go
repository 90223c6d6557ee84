// Package transcription turns accepted session audio into text: streaming
// and batch provider clients, the dispatcher that drives them with retry and
// fallback, and the custom dictionary applied to final transcripts.
package transcription

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTranscriptionFailed marks a session whose audio could not be
	// transcribed by the primary or fallback provider. Scoped to the
	// session; the daemon keeps running.
	ErrTranscriptionFailed = errors.New("transcription failed")

	// ErrEmptyAudio marks a session with no usable audio. Never retried.
	ErrEmptyAudio = errors.New("no usable audio in session")
)

// Segment is a unit of transcribed text. A session yields zero or more
// non-final segments followed by exactly one final segment.
type Segment struct {
	Text       string
	Final      bool
	Provider   string
	ReceivedAt time.Time
}

// StreamConfig parameterizes a live transcription stream
type StreamConfig struct {
	SampleRate int
	Model      string
	Language   string
}

// Stream is one live transcription connection for a single session
type Stream interface {
	// SendChunk submits raw mono samples for recognition
	SendChunk(samples []float32) error

	// Results delivers interim and final segments in arrival order. Closed
	// when the stream ends.
	Results() <-chan Segment

	// Finalize forces endpointing of all submitted audio
	Finalize(ctx context.Context) error

	// Close tears the connection down
	Close() error
}

// StreamingProvider opens live transcription streams
type StreamingProvider interface {
	Name() string
	OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// BatchProvider transcribes a complete session buffer in one call
type BatchProvider interface {
	Name() string
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (Segment, error)
}
