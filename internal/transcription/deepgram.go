package transcription

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yegors/sotto/pkg/logger"
)

// DeepgramConfig holds Deepgram client parameters
type DeepgramConfig struct {
	APIKey         string
	BaseURL        string // "api.deepgram.com" or a self-hosted endpoint host
	Model          string
	Language       string
	ConnectTimeout time.Duration
	FinalizeWait   time.Duration // grace period for the post-Finalize flush
}

// Deepgram implements both the streaming and batch provider interfaces
// against the Deepgram API.
type Deepgram struct {
	cfg    DeepgramConfig
	http   *http.Client
	logger *logger.Logger
}

// NewDeepgram creates a Deepgram client
func NewDeepgram(cfg DeepgramConfig, log *logger.Logger) *Deepgram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "api.deepgram.com"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.FinalizeWait == 0 {
		cfg.FinalizeWait = 600 * time.Millisecond
	}
	return &Deepgram{
		cfg:    cfg,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: log.Named("deepgram"),
	}
}

// Name returns the provider name
func (d *Deepgram) Name() string { return "deepgram" }

// deepgramResult is the relevant subset of a live "Results" message
type deepgramResult struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// OpenStream dials the live transcription endpoint
func (d *Deepgram) OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	q := url.Values{}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	u := url.URL{Scheme: "wss", Host: d.cfg.BaseURL, Path: "/v1/listen", RawQuery: q.Encode()}

	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.ConnectTimeout}
	header := http.Header{"Authorization": {"Token " + d.cfg.APIKey}}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing deepgram (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing deepgram: %w", err)
	}

	s := &deepgramStream{
		conn:         conn,
		finalizeWait: d.cfg.FinalizeWait,
		results:      make(chan Segment, 16),
		flushed:      make(chan struct{}),
		done:         make(chan struct{}),
		logger:       d.logger,
	}
	go s.readPump()
	return s, nil
}

// deepgramStream is one live connection. The read pump owns the connection's
// read side; writes are serialized by writeMu.
type deepgramStream struct {
	conn         *websocket.Conn
	finalizeWait time.Duration
	logger       *logger.Logger

	writeMu sync.Mutex
	results chan Segment

	flushed   chan struct{} // closed when a from_finalize result arrives
	flushOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
}

func (s *deepgramStream) readPump() {
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok &&
				closeErr.Code != websocket.CloseNormalClosure {
				s.logger.Warn("Stream closed abnormally",
					logger.Int("code", closeErr.Code),
					logger.String("reason", closeErr.Text))
			}
			return
		}

		var res deepgramResult
		if err := json.Unmarshal(data, &res); err != nil || res.Type != "Results" {
			continue
		}
		if res.FromFinalize {
			s.flushOnce.Do(func() { close(s.flushed) })
		}
		if len(res.Channel.Alternatives) == 0 {
			continue
		}
		text := strings.TrimSpace(res.Channel.Alternatives[0].Transcript)
		if text == "" {
			continue
		}

		seg := Segment{
			Text:       text,
			Final:      res.IsFinal,
			Provider:   "deepgram",
			ReceivedAt: time.Now(),
		}
		select {
		case s.results <- seg:
		case <-s.done:
			return
		}
	}
}

// SendChunk converts samples to little-endian 16-bit PCM and writes one
// binary frame.
func (s *deepgramStream) SendChunk(samples []float32) error {
	buf := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := int16(math.Round(float64(f) * 32767))
		if f >= 1 {
			v = math.MaxInt16
		} else if f <= -1 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("sending audio chunk: %w", err)
	}
	return nil
}

// Results delivers segments from the read pump
func (s *deepgramStream) Results() <-chan Segment {
	return s.results
}

// Finalize asks the server to flush all buffered audio as a final result,
// then waits for the flush acknowledgement or the configured grace period.
func (s *deepgramStream) Finalize(ctx context.Context) error {
	s.writeMu.Lock()
	err := s.conn.WriteJSON(map[string]string{"type": "Finalize"})
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("sending finalize: %w", err)
	}

	select {
	case <-s.flushed:
		return nil
	case <-time.After(s.finalizeWait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends the close control message and drops the connection
func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteJSON(map[string]string{"type": "CloseStream"})
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.conn.Close()
	})
	return nil
}

// deepgramBatchResponse is the relevant subset of a prerecorded response
type deepgramBatchResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe submits the whole buffer to the prerecorded endpoint as raw
// linear16 audio.
func (d *Deepgram) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Segment, error) {
	q := url.Values{}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	if d.cfg.Model != "" {
		q.Set("model", d.cfg.Model)
	}
	if d.cfg.Language != "" {
		q.Set("language", d.cfg.Language)
	}
	u := url.URL{Scheme: "https", Host: d.cfg.BaseURL, Path: "/v1/listen", RawQuery: q.Encode()}

	body := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := int16(math.Round(float64(f) * 32767))
		if f >= 1 {
			v = math.MaxInt16
		} else if f <= -1 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(body[i*2:], uint16(v))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Segment{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.cfg.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.http.Do(req)
	if err != nil {
		return Segment{}, fmt.Errorf("posting audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Segment{}, fmt.Errorf("deepgram returned %d: %s", resp.StatusCode, msg)
	}

	var parsed deepgramBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Segment{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return Segment{}, fmt.Errorf("deepgram returned no transcript")
	}

	return Segment{
		Text:       strings.TrimSpace(parsed.Results.Channels[0].Alternatives[0].Transcript),
		Final:      true,
		Provider:   "deepgram",
		ReceivedAt: time.Now(),
	}, nil
}
