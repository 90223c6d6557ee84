package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yegors/sotto/pkg/logger"
)

// DispatcherConfig holds dispatch parameters
type DispatcherConfig struct {
	SampleRate          int
	Streaming           bool
	PrebufferChunks     int // chunks buffered while the stream connects
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	FinalWait           time.Duration // wait for streaming results to settle
}

// Dispatcher routes session audio to the configured providers. Streaming
// sessions feed a live stream while the chord is held; batch sessions (and
// streaming sessions whose stream failed) submit the preprocessed buffer
// after release, with capped exponential retry and a fallback provider.
type Dispatcher struct {
	cfg       DispatcherConfig
	streaming StreamingProvider // nil for batch-only operation
	streamCfg StreamConfig
	batch     BatchProvider
	fallback  BatchProvider // nil when no fallback is configured
	onPartial func(sessionID string, seg Segment)
	logger    *logger.Logger
}

// NewDispatcher creates a dispatcher. streaming and fallback may be nil.
func NewDispatcher(cfg DispatcherConfig, streaming StreamingProvider, streamCfg StreamConfig, batch BatchProvider, fallback BatchProvider, log *logger.Logger) *Dispatcher {
	if cfg.FinalWait == 0 {
		cfg.FinalWait = 2 * time.Second
	}
	if cfg.RetryMaxAttempts < 1 {
		cfg.RetryMaxAttempts = 1
	}
	return &Dispatcher{
		cfg:       cfg,
		streaming: streaming,
		streamCfg: streamCfg,
		batch:     batch,
		fallback:  fallback,
		logger:    log.Named("dispatch"),
	}
}

// OnPartial registers a callback for interim streaming segments. Must be set
// before the first Start.
func (d *Dispatcher) OnPartial(fn func(sessionID string, seg Segment)) {
	d.onPartial = fn
}

// Job is the transcription side of one recording session
type Job struct {
	d         *Dispatcher
	sessionID string

	mu            sync.Mutex
	sendCond      *sync.Cond // signals the sender that sendQ or sendDone changed
	prebuf        [][]float32
	prebufDropped int
	sendQ         [][]float32
	sendDone      bool
	stream        Stream
	streamFailed  bool
	discarded     bool
	finalParts    []string

	opened      chan struct{} // closed once the stream attempt resolves
	readerDone  chan struct{}
	sendFlushed chan struct{} // closed once the sender has drained its queue
}

// Start opens a job for the session. When streaming is enabled the live
// stream is dialed in the background; chunks arriving before the connection
// resolves are held in a bounded prebuffer and flushed on connect, so the
// first syllable is not lost to dial latency.
func (d *Dispatcher) Start(ctx context.Context, sessionID string) *Job {
	j := &Job{
		d:           d,
		sessionID:   sessionID,
		opened:      make(chan struct{}),
		readerDone:  make(chan struct{}),
		sendFlushed: make(chan struct{}),
	}
	j.sendCond = sync.NewCond(&j.mu)

	if !d.cfg.Streaming || d.streaming == nil {
		j.streamFailed = true
		close(j.opened)
		close(j.readerDone)
		close(j.sendFlushed)
		return j
	}

	go j.connect(ctx)
	return j
}

func (j *Job) connect(ctx context.Context) {
	stream, err := j.d.streaming.OpenStream(ctx, j.d.streamCfg)

	j.mu.Lock()
	if err != nil || j.discarded {
		j.streamFailed = true
		j.mu.Unlock()
		close(j.opened)
		close(j.readerDone)
		close(j.sendFlushed)
		if err != nil {
			j.d.logger.Warn("Stream connect failed, session will fall back to batch",
				logger.String("session_id", j.sessionID),
				logger.Error(err))
		} else {
			stream.Close()
		}
		return
	}

	// Queue the prebuffer ahead of any live chunk, so audio reaches the
	// stream in capture order.
	if j.prebufDropped > 0 {
		j.d.logger.Warn("Prebuffer overflowed while connecting",
			logger.String("session_id", j.sessionID),
			logger.Int("dropped_chunks", j.prebufDropped))
	}
	j.sendQ = append(j.sendQ, j.prebuf...)
	j.prebuf = nil
	j.stream = stream
	j.sendCond.Signal()
	j.mu.Unlock()
	close(j.opened)

	go j.readResults(stream)
	go j.sendLoop(stream)
}

// sendLoop drains queued chunks onto the stream in FIFO order. All network
// writes happen here, so backpressure on the socket can never stall the
// goroutine feeding AddChunk.
func (j *Job) sendLoop(stream Stream) {
	defer close(j.sendFlushed)

	for {
		j.mu.Lock()
		for len(j.sendQ) == 0 && !j.sendDone {
			j.sendCond.Wait()
		}
		if len(j.sendQ) == 0 || j.discarded || j.streamFailed {
			j.mu.Unlock()
			return
		}
		chunk := j.sendQ[0]
		j.sendQ = j.sendQ[1:]
		j.mu.Unlock()

		if err := stream.SendChunk(chunk); err != nil {
			j.mu.Lock()
			j.streamFailed = true
			j.sendQ = nil
			j.mu.Unlock()
			j.d.logger.Warn("Chunk send failed, session will fall back to batch",
				logger.String("session_id", j.sessionID),
				logger.Error(err))
			return
		}
	}
}

func (j *Job) readResults(stream Stream) {
	defer close(j.readerDone)
	for seg := range stream.Results() {
		if seg.Final {
			j.mu.Lock()
			if !j.discarded {
				j.finalParts = append(j.finalParts, seg.Text)
			}
			j.mu.Unlock()
			continue
		}
		if j.d.onPartial != nil {
			j.d.onPartial(j.sessionID, seg)
		}
	}
}

// AddChunk queues one frame of raw samples for the live stream, or holds it
// in the bounded prebuffer while the connection is still resolving. Never
// performs network I/O, so the caller cannot stall on backpressure. Safe to
// call on a batch-only job, where it is a no-op. Samples are copied.
func (j *Job) AddChunk(samples []float32) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.discarded || j.streamFailed {
		return
	}

	chunk := append([]float32(nil), samples...)
	if j.stream != nil {
		j.sendQ = append(j.sendQ, chunk)
		j.sendCond.Signal()
		return
	}

	if j.d.cfg.PrebufferChunks > 0 && len(j.prebuf) >= j.d.cfg.PrebufferChunks {
		j.prebuf = j.prebuf[1:]
		j.prebufDropped++
	}
	j.prebuf = append(j.prebuf, chunk)
}

// Finalize signals that the chord was released: queued audio is flushed, the
// live stream is asked to finalize and is closed, which ends the result
// reader. No-op for batch jobs.
func (j *Job) Finalize(ctx context.Context) {
	select {
	case <-j.opened:
	case <-ctx.Done():
		return
	}

	j.mu.Lock()
	stream := j.stream
	j.sendDone = true
	j.sendCond.Signal()
	j.mu.Unlock()
	if stream == nil {
		return
	}

	// Every queued chunk must reach the stream before the flush request
	select {
	case <-j.sendFlushed:
	case <-ctx.Done():
	}

	if err := stream.Finalize(ctx); err != nil {
		j.d.logger.Warn("Stream finalize failed", logger.Error(err))
	}
	stream.Close()
}

// Result blocks for the session transcript. Streaming results are preferred;
// when the stream failed, produced nothing, or streaming is disabled, the
// preprocessed session buffer goes through the batch path with retry and
// fallback. Empty audio is rejected immediately and never retried.
func (j *Job) Result(ctx context.Context, processed []float32) (Segment, error) {
	if len(processed) == 0 {
		j.Discard()
		return Segment{}, ErrEmptyAudio
	}

	select {
	case <-j.readerDone:
	case <-time.After(j.d.cfg.FinalWait):
		j.d.logger.Warn("Timed out waiting for streaming results",
			logger.String("session_id", j.sessionID))
	case <-ctx.Done():
		return Segment{}, ctx.Err()
	}

	j.mu.Lock()
	text := strings.TrimSpace(strings.Join(j.finalParts, " "))
	failed := j.streamFailed
	j.mu.Unlock()

	if text != "" {
		return Segment{
			Text:       text,
			Final:      true,
			Provider:   j.d.streaming.Name(),
			ReceivedAt: time.Now(),
		}, nil
	}
	if !failed {
		j.d.logger.Info("Stream produced no transcript, retrying via batch",
			logger.String("session_id", j.sessionID))
	}

	return j.d.transcribeBatch(ctx, processed)
}

// Discard drops the session: the stream is closed and any collected finals
// are thrown away. Called when speaker verification rejects the audio.
func (j *Job) Discard() {
	j.mu.Lock()
	j.discarded = true
	j.sendDone = true
	j.sendQ = nil
	stream := j.stream
	j.stream = nil
	j.finalParts = nil
	j.sendCond.Signal()
	j.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
}

func (d *Dispatcher) transcribeBatch(ctx context.Context, samples []float32) (Segment, error) {
	seg, primaryErr := d.withRetry(ctx, d.batch, samples)
	if primaryErr == nil {
		return seg, nil
	}
	if errors.Is(primaryErr, ErrEmptyAudio) || ctx.Err() != nil {
		return Segment{}, primaryErr
	}

	if d.fallback != nil {
		d.logger.Warn("Primary provider exhausted, trying fallback",
			logger.String("primary", d.batch.Name()),
			logger.String("fallback", d.fallback.Name()),
			logger.Error(primaryErr))
		seg, err := d.withRetry(ctx, d.fallback, samples)
		if err == nil {
			return seg, nil
		}
		return Segment{}, fmt.Errorf("%w: %s: %v; fallback %s: %v",
			ErrTranscriptionFailed, d.batch.Name(), primaryErr, d.fallback.Name(), err)
	}

	return Segment{}, fmt.Errorf("%w: %s: %v", ErrTranscriptionFailed, d.batch.Name(), primaryErr)
}

func (d *Dispatcher) withRetry(ctx context.Context, provider BatchProvider, samples []float32) (Segment, error) {
	backoff := d.cfg.RetryInitialBackoff
	var lastErr error

	for attempt := 1; attempt <= d.cfg.RetryMaxAttempts; attempt++ {
		seg, err := provider.Transcribe(ctx, samples, d.cfg.SampleRate)
		if err == nil {
			return seg, nil
		}
		lastErr = err
		if errors.Is(err, ErrEmptyAudio) {
			return Segment{}, err
		}
		if attempt == d.cfg.RetryMaxAttempts {
			break
		}

		d.logger.Warn("Transcription attempt failed",
			logger.String("provider", provider.Name()),
			logger.Int("attempt", attempt),
			logger.Duration("backoff", backoff),
			logger.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Segment{}, ctx.Err()
		}
		backoff *= 2
		if d.cfg.RetryMaxBackoff > 0 && backoff > d.cfg.RetryMaxBackoff {
			backoff = d.cfg.RetryMaxBackoff
		}
	}
	return Segment{}, lastErr
}
