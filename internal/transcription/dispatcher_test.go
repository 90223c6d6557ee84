package transcription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yegors/sotto/pkg/logger"
)

// fakeBatch fails a configured number of times before succeeding
type fakeBatch struct {
	name     string
	failures int
	text     string

	mu    sync.Mutex
	calls int
}

func (f *fakeBatch) Name() string { return f.name }

func (f *fakeBatch) Transcribe(_ context.Context, _ []float32, _ int) (Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return Segment{}, fmt.Errorf("simulated %s outage", f.name)
	}
	return Segment{Text: f.text, Final: true, Provider: f.name, ReceivedAt: time.Now()}, nil
}

func (f *fakeBatch) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStream replays scripted segments
type fakeStream struct {
	segments []Segment

	mu        sync.Mutex
	chunks    [][]float32
	results   chan Segment
	finalized bool
	closed    bool
}

func newFakeStream(segments ...Segment) *fakeStream {
	return &fakeStream{segments: segments, results: make(chan Segment, 16)}
}

func (s *fakeStream) SendChunk(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]float32(nil), samples...))
	return nil
}

func (s *fakeStream) Results() <-chan Segment { return s.results }

func (s *fakeStream) Finalize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		for _, seg := range s.segments {
			s.results <- seg
		}
		close(s.results)
	}
	return nil
}

func (s *fakeStream) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

type fakeStreaming struct {
	stream  Stream
	dialErr error
}

func (f *fakeStreaming) Name() string { return "fake-stream" }

func (f *fakeStreaming) OpenStream(context.Context, StreamConfig) (Stream, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f.stream, nil
}

func testDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SampleRate:          16000,
		PrebufferChunks:     12,
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     4 * time.Millisecond,
		FinalWait:           time.Second,
	}
}

func TestDispatcherBatchRetrySucceeds(t *testing.T) {
	primary := &fakeBatch{name: "primary", failures: 2, text: "hello world"}
	cfg := testDispatcherConfig()
	d := NewDispatcher(cfg, nil, StreamConfig{}, primary, nil, logger.NewNop())

	job := d.Start(context.Background(), "s1")
	job.Finalize(context.Background())

	seg, err := job.Result(context.Background(), []float32{0.1, 0.2})
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if seg.Text != "hello world" {
		t.Errorf("text = %q, want %q", seg.Text, "hello world")
	}
	if primary.callCount() != 3 {
		t.Errorf("primary called %d times, want 3", primary.callCount())
	}
}

func TestDispatcherFallsBackAfterRetriesExhausted(t *testing.T) {
	primary := &fakeBatch{name: "primary", failures: 100}
	fallback := &fakeBatch{name: "fallback", text: "saved by fallback"}
	cfg := testDispatcherConfig()
	d := NewDispatcher(cfg, nil, StreamConfig{}, primary, fallback, logger.NewNop())

	job := d.Start(context.Background(), "s1")
	seg, err := job.Result(context.Background(), []float32{0.1})
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if seg.Text != "saved by fallback" {
		t.Errorf("text = %q", seg.Text)
	}
	if primary.callCount() != 3 {
		t.Errorf("primary called %d times before fallback, want 3", primary.callCount())
	}
	if fallback.callCount() != 1 {
		t.Errorf("fallback called %d times, want 1", fallback.callCount())
	}
}

func TestDispatcherAllProvidersFail(t *testing.T) {
	primary := &fakeBatch{name: "primary", failures: 100}
	fallback := &fakeBatch{name: "fallback", failures: 100}
	cfg := testDispatcherConfig()
	d := NewDispatcher(cfg, nil, StreamConfig{}, primary, fallback, logger.NewNop())

	job := d.Start(context.Background(), "s1")
	_, err := job.Result(context.Background(), []float32{0.1})
	if !errors.Is(err, ErrTranscriptionFailed) {
		t.Fatalf("error = %v, want ErrTranscriptionFailed", err)
	}
}

func TestDispatcherEmptyAudioNotRetried(t *testing.T) {
	primary := &fakeBatch{name: "primary", text: "should not run"}
	cfg := testDispatcherConfig()
	d := NewDispatcher(cfg, nil, StreamConfig{}, primary, nil, logger.NewNop())

	job := d.Start(context.Background(), "s1")
	_, err := job.Result(context.Background(), nil)
	if !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("error = %v, want ErrEmptyAudio", err)
	}
	if primary.callCount() != 0 {
		t.Errorf("provider called %d times for empty audio, want 0", primary.callCount())
	}
}

func TestDispatcherStreamingDeliversFinals(t *testing.T) {
	stream := newFakeStream(
		Segment{Text: "hello", Final: false, Provider: "fake-stream"},
		Segment{Text: "hello there", Final: true, Provider: "fake-stream"},
		Segment{Text: "general", Final: true, Provider: "fake-stream"},
	)
	streaming := &fakeStreaming{stream: stream}
	batch := &fakeBatch{name: "batch", text: "batch text"}

	cfg := testDispatcherConfig()
	cfg.Streaming = true
	d := NewDispatcher(cfg, streaming, StreamConfig{SampleRate: 16000}, batch, nil, logger.NewNop())

	var partialMu sync.Mutex
	var partials []string
	d.OnPartial(func(_ string, seg Segment) {
		partialMu.Lock()
		partials = append(partials, seg.Text)
		partialMu.Unlock()
	})

	ctx := context.Background()
	job := d.Start(ctx, "s1")
	job.AddChunk([]float32{0.1, 0.2})
	job.AddChunk([]float32{0.3, 0.4})
	job.Finalize(ctx)

	seg, err := job.Result(ctx, []float32{0.1, 0.2, 0.3, 0.4})
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if seg.Text != "hello there general" {
		t.Errorf("text = %q, want concatenated finals", seg.Text)
	}
	if seg.Provider != "fake-stream" {
		t.Errorf("provider = %q, want fake-stream", seg.Provider)
	}
	if batch.callCount() != 0 {
		t.Errorf("batch called %d times despite streaming success", batch.callCount())
	}
	if stream.chunkCount() != 2 {
		t.Errorf("stream received %d chunks, want 2", stream.chunkCount())
	}

	partialMu.Lock()
	defer partialMu.Unlock()
	if len(partials) != 1 || partials[0] != "hello" {
		t.Errorf("partials = %v, want [hello]", partials)
	}
}

func TestDispatcherStreamDialFailureFallsBackToBatch(t *testing.T) {
	streaming := &fakeStreaming{dialErr: errors.New("connection refused")}
	batch := &fakeBatch{name: "batch", text: "batch text"}

	cfg := testDispatcherConfig()
	cfg.Streaming = true
	d := NewDispatcher(cfg, streaming, StreamConfig{}, batch, nil, logger.NewNop())

	ctx := context.Background()
	job := d.Start(ctx, "s1")
	job.AddChunk([]float32{0.1})
	job.Finalize(ctx)

	seg, err := job.Result(ctx, []float32{0.1})
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if seg.Text != "batch text" {
		t.Errorf("text = %q, want batch fallback", seg.Text)
	}
}

func TestDispatcherDiscardDropsFinals(t *testing.T) {
	stream := newFakeStream(
		Segment{Text: "secret from another speaker", Final: true, Provider: "fake-stream"},
	)
	streaming := &fakeStreaming{stream: stream}
	batch := &fakeBatch{name: "batch", text: "batch text"}

	cfg := testDispatcherConfig()
	cfg.Streaming = true
	d := NewDispatcher(cfg, streaming, StreamConfig{}, batch, nil, logger.NewNop())

	ctx := context.Background()
	job := d.Start(ctx, "s1")
	job.AddChunk([]float32{0.1})
	job.Finalize(ctx)
	job.Discard()
	<-job.readerDone

	job.mu.Lock()
	finals := len(job.finalParts)
	job.mu.Unlock()
	if finals != 0 {
		t.Errorf("discarded job still holds %d finals", finals)
	}
	if batch.callCount() != 0 {
		t.Errorf("batch called %d times on a discarded session", batch.callCount())
	}
}

func TestDispatcherPrebufferFlushedOnConnect(t *testing.T) {
	stream := newFakeStream(Segment{Text: "done", Final: true, Provider: "fake-stream"})
	slow := &slowStreaming{stream: stream, delay: 50 * time.Millisecond}

	cfg := testDispatcherConfig()
	cfg.Streaming = true
	cfg.PrebufferChunks = 3
	d := NewDispatcher(cfg, slow, StreamConfig{}, &fakeBatch{name: "batch"}, nil, logger.NewNop())

	ctx := context.Background()
	job := d.Start(ctx, "s1")
	// Five chunks before the dial resolves; the bounded prebuffer keeps the
	// newest three.
	for i := 0; i < 5; i++ {
		job.AddChunk([]float32{float32(i)})
	}

	job.Finalize(ctx)
	if _, err := job.Result(ctx, []float32{0.1}); err != nil {
		t.Fatalf("Result: %v", err)
	}

	if got := stream.chunkCount(); got != 3 {
		t.Errorf("stream received %d chunks, want 3 (bounded prebuffer)", got)
	}
	stream.mu.Lock()
	first := stream.chunks[0][0]
	stream.mu.Unlock()
	if first != 2 {
		t.Errorf("oldest surviving chunk = %v, want 2", first)
	}
}

// blockingStream stalls every SendChunk until released, simulating network
// backpressure on the socket
type blockingStream struct {
	release   chan struct{}
	results   chan Segment
	closeOnce sync.Once

	mu     sync.Mutex
	chunks [][]float32
}

func newBlockingStream() *blockingStream {
	return &blockingStream{
		release: make(chan struct{}),
		results: make(chan Segment),
	}
}

func (s *blockingStream) SendChunk(samples []float32) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]float32(nil), samples...))
	return nil
}

func (s *blockingStream) Results() <-chan Segment { return s.results }

func (s *blockingStream) Finalize(context.Context) error { return nil }

func (s *blockingStream) Close() error {
	s.closeOnce.Do(func() { close(s.results) })
	return nil
}

func TestDispatcherAddChunkDoesNotBlockOnSlowSend(t *testing.T) {
	stream := newBlockingStream()
	cfg := testDispatcherConfig()
	cfg.Streaming = true
	d := NewDispatcher(cfg, &fakeStreaming{stream: stream}, StreamConfig{},
		&fakeBatch{name: "batch"}, nil, logger.NewNop())

	ctx := context.Background()
	job := d.Start(ctx, "s1")
	<-job.opened

	// The socket accepts nothing; frames must still be absorbed immediately
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			job.AddChunk([]float32{float32(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("AddChunk blocked while the stream was stalled")
	}

	close(stream.release)
	job.Finalize(ctx)

	stream.mu.Lock()
	defer stream.mu.Unlock()
	if len(stream.chunks) != 5 {
		t.Fatalf("stream received %d chunks, want 5", len(stream.chunks))
	}
	for i, chunk := range stream.chunks {
		if chunk[0] != float32(i) {
			t.Errorf("chunk %d carries %v, want %v (send order broken)", i, chunk[0], float32(i))
		}
	}
}

type slowStreaming struct {
	stream *fakeStream
	delay  time.Duration
}

func (s *slowStreaming) Name() string { return "slow-stream" }

func (s *slowStreaming) OpenStream(context.Context, StreamConfig) (Stream, error) {
	time.Sleep(s.delay)
	return s.stream, nil
}
