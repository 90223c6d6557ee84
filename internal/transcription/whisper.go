package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/yegors/sotto/pkg/logger"
)

// WhisperServerConfig holds parameters for a local whisper.cpp style server
type WhisperServerConfig struct {
	URL     string // full endpoint, e.g. http://127.0.0.1:8080/inference
	Model   string
	Timeout time.Duration
}

// WhisperServer is a batch provider posting WAV files to a local
// OpenAI-compatible transcription server.
type WhisperServer struct {
	cfg    WhisperServerConfig
	http   *http.Client
	logger *logger.Logger
}

// NewWhisperServer creates a whisper-server client
func NewWhisperServer(cfg WhisperServerConfig, log *logger.Logger) *WhisperServer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &WhisperServer{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: log.Named("whisper-server"),
	}
}

// Name returns the provider name
func (w *WhisperServer) Name() string { return "whisper-server" }

// Transcribe uploads the session as a 16-bit WAV file and returns the
// transcript from the JSON response.
func (w *WhisperServer) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Segment, error) {
	wavData, err := encodeWAV(samples, sampleRate)
	if err != nil {
		return Segment{}, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "session.wav")
	if err != nil {
		return Segment{}, fmt.Errorf("building upload: %w", err)
	}
	if _, err := part.Write(wavData); err != nil {
		return Segment{}, fmt.Errorf("building upload: %w", err)
	}
	if w.cfg.Model != "" {
		mw.WriteField("model", w.cfg.Model)
	}
	mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return Segment{}, fmt.Errorf("building upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, &body)
	if err != nil {
		return Segment{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.http.Do(req)
	if err != nil {
		return Segment{}, fmt.Errorf("posting audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Segment{}, fmt.Errorf("whisper-server returned %d: %s", resp.StatusCode, msg)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Segment{}, fmt.Errorf("decoding response: %w", err)
	}

	return Segment{
		Text:       strings.TrimSpace(parsed.Text),
		Final:      true,
		Provider:   w.Name(),
		ReceivedAt: time.Now(),
	}, nil
}

// encodeWAV renders mono float32 samples as a 16-bit PCM WAV file. The
// encoder needs a seekable writer for the header, so it goes through a
// temporary file.
func encodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	f, err := os.CreateTemp("", "sotto-*.wav")
	if err != nil {
		return nil, fmt.Errorf("creating temp wav: %w", err)
	}
	defer os.Remove(f.Name())
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
		return nil, fmt.Errorf("encoding wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalizing wav: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding wav: %w", err)
	}
	return io.ReadAll(f)
}
