// Package voiceprint implements speaker verification: waveform embeddings,
// the enrolled voice profile, and cosine-similarity scoring against it.
package voiceprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/yegors/sotto/pkg/logger"
)

// Embedder maps a waveform to a fixed-dimension speaker embedding
type Embedder interface {
	Embed(ctx context.Context, samples []float32, sampleRate int) ([]float64, error)
}

// ExecEmbedder shells out to an external embedding tool. The session audio
// is written to a temporary WAV file whose path is appended to the
// configured arguments; the tool prints the embedding to stdout as a JSON
// array of numbers.
type ExecEmbedder struct {
	command string
	args    []string
	logger  *logger.Logger
}

// NewExecEmbedder creates an embedder running the given command
func NewExecEmbedder(command string, args []string, log *logger.Logger) *ExecEmbedder {
	return &ExecEmbedder{
		command: command,
		args:    args,
		logger:  log.Named("embedder"),
	}
}

// Embed runs the embedding tool on the given samples
func (e *ExecEmbedder) Embed(ctx context.Context, samples []float32, sampleRate int) ([]float64, error) {
	dir, err := os.MkdirTemp("", "sotto-embed-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "utterance.wav")
	if err := WriteWAV(wavPath, samples, sampleRate); err != nil {
		return nil, fmt.Errorf("writing utterance: %w", err)
	}

	args := append(append([]string(nil), e.args...), wavPath)
	cmd := exec.CommandContext(ctx, e.command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		e.logger.Error("Embedding tool failed",
			logger.String("command", e.command),
			logger.String("stderr", stderr.String()),
			logger.Error(err))
		return nil, fmt.Errorf("running embedder %s: %w", e.command, err)
	}

	var embedding []float64
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &embedding); err != nil {
		return nil, fmt.Errorf("parsing embedder output: %w", err)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedder %s returned an empty vector", e.command)
	}
	return embedding, nil
}

// StaticEmbedder returns preloaded vectors in order, then repeats the last
// one. Used by tests and enrollment dry runs.
type StaticEmbedder struct {
	Vectors [][]float64
	calls   int
}

// Embed returns the next preloaded vector
func (e *StaticEmbedder) Embed(_ context.Context, _ []float32, _ int) ([]float64, error) {
	if len(e.Vectors) == 0 {
		return nil, fmt.Errorf("static embedder has no vectors")
	}
	i := e.calls
	if i >= len(e.Vectors) {
		i = len(e.Vectors) - 1
	}
	e.calls++
	return append([]float64(nil), e.Vectors[i]...), nil
}

// WriteWAV encodes mono float32 samples as 16-bit PCM
func WriteWAV(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		buf.Data[i] = int(s * 32767)
	}

	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encoding wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalizing wav: %w", err)
	}
	return nil
}
