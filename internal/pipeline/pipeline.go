// Package pipeline is the serial heart of the daemon: one worker goroutine
// drains the capture queue, drives the push-to-talk gate, and runs every
// closed session through preprocessing, speaker verification and
// transcription dispatch. Sessions are strictly ordered; the capture
// callback and hotkey listener never block on this worker.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yegors/sotto/internal/audio"
	"github.com/yegors/sotto/internal/feedback"
	"github.com/yegors/sotto/internal/ptt"
	"github.com/yegors/sotto/internal/storage/sqlite"
	"github.com/yegors/sotto/internal/transcription"
	"github.com/yegors/sotto/internal/voiceprint"
	"github.com/yegors/sotto/pkg/logger"
)

// frames between audio level broadcasts while recording
const levelInterval = 8

// Preprocessor conditions a closed session buffer
type Preprocessor interface {
	Process(samples []float32) []float32
}

// Verifier scores a session against the enrolled voiceprint
type Verifier interface {
	Verify(ctx context.Context, samples []float32, sampleRate int) (voiceprint.Result, error)
}

// Broadcaster pushes feedback events to attached UIs
type Broadcaster interface {
	Broadcast(eventType string, data map[string]any)
}

// History persists session outcomes
type History interface {
	Store(record *sqlite.HistoryRecord) (int64, error)
}

// Notifier raises user-facing notifications
type Notifier interface {
	Notify(title, message string)
}

// Sink receives delivered transcripts
type Sink interface {
	Write(text string) error
}

// Deps wires the pipeline to its collaborators. Feedback and History may be
// nil when those surfaces are disabled.
type Deps struct {
	Queue      *audio.FrameQueue
	Gate       *ptt.Gate
	Pre        Preprocessor
	Verifier   Verifier
	Dispatcher *transcription.Dispatcher
	Dictionary *transcription.Dictionary
	Sink       Sink
	Notifier   Notifier
	History    History
	Feedback   Broadcaster
	Logger     *logger.Logger
}

// Pipeline owns the session lifecycle from frame intake to delivery
type Pipeline struct {
	deps   Deps
	logger *logger.Logger

	mu  sync.Mutex
	job *transcription.Job
	ctx context.Context

	sessions   chan *ptt.Session
	frameCount int
}

// New creates a pipeline. Interim streaming transcripts are forwarded to the
// feedback channel as they arrive.
func New(deps Deps) *Pipeline {
	p := &Pipeline{
		deps:     deps,
		logger:   deps.Logger.Named("pipeline"),
		sessions: make(chan *ptt.Session, 2),
	}
	deps.Dispatcher.OnPartial(func(sessionID string, seg transcription.Segment) {
		p.broadcast(feedback.EventPartial, map[string]any{
			"session_id": sessionID,
			"text":       seg.Text,
			"provider":   seg.Provider,
		})
	})
	return p
}

// Run drains frames and processes sessions until the context is cancelled.
// Blocks; callers run it in a goroutine.
func (p *Pipeline) Run(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	p.broadcast(feedback.EventStatus, map[string]any{"state": "ready"})
	p.logger.Info("Pipeline running")

	for {
		select {
		case <-ctx.Done():
			p.broadcast(feedback.EventStatus, map[string]any{"state": "stopping"})
			return
		case frame := <-p.deps.Queue.Frames():
			p.handleFrame(frame)
		case session := <-p.sessions:
			p.processSession(ctx, session)
		}
	}
}

// OnPress handles a chord press from the hotkey listener
func (p *Pipeline) OnPress(mode string) {
	session, err := p.deps.Gate.Engage(mode)
	if errors.Is(err, ptt.ErrBusy) {
		p.logger.Info("Engage dropped, previous session still finalizing")
		p.deps.Notifier.Notify("Sotto", "Still finishing the previous dictation")
		p.broadcast(feedback.EventPTT, map[string]any{"state": "busy"})
		return
	}
	if session == nil {
		// repeated press, or queued behind the draining session
		return
	}

	ctx := p.runContext()
	p.mu.Lock()
	p.job = p.deps.Dispatcher.Start(ctx, session.ID)
	p.mu.Unlock()

	p.broadcast(feedback.EventPTT, map[string]any{
		"state":      "recording",
		"session_id": session.ID,
		"mode":       session.Mode,
	})
}

// OnRelease handles a chord release from the hotkey listener
func (p *Pipeline) OnRelease(string) {
	session, err := p.deps.Gate.Release()
	if errors.Is(err, ptt.ErrSessionTooShort) {
		p.dropJob()
		p.deps.Notifier.Notify("Sotto", "Recording too short, discarded")
		p.broadcast(feedback.EventPTT, map[string]any{"state": "idle", "reason": "too_short"})
		return
	}
	if session == nil {
		return
	}

	p.broadcast(feedback.EventPTT, map[string]any{
		"state":      "draining",
		"session_id": session.ID,
	})

	select {
	case p.sessions <- session:
	default:
		// the gate serializes sessions, so a full channel means a logic bug
		p.logger.Error("Session channel full, discarding session",
			logger.String("session_id", session.ID))
		p.dropJob()
	}
}

func (p *Pipeline) handleFrame(frame audio.Frame) {
	p.deps.Gate.Append(frame.Samples)

	if p.deps.Gate.State() != ptt.StateRecording {
		return
	}

	p.mu.Lock()
	job := p.job
	p.mu.Unlock()
	if job != nil {
		job.AddChunk(frame.Samples)
	}

	p.frameCount++
	if p.frameCount%levelInterval == 0 {
		p.broadcast(feedback.EventAudioLevel, map[string]any{
			"rms": audio.Level(frame.Samples),
		})
	}
}

func (p *Pipeline) processSession(ctx context.Context, session *ptt.Session) {
	defer p.completeSession()

	p.mu.Lock()
	job := p.job
	p.job = nil
	p.mu.Unlock()
	if job == nil {
		p.logger.Error("Session has no transcription job, discarding",
			logger.String("session_id", session.ID))
		return
	}

	processed := p.deps.Pre.Process(session.Samples)

	type verdict struct {
		res voiceprint.Result
		err error
	}
	verifyCh := make(chan verdict, 1)
	go func() {
		res, err := p.deps.Verifier.Verify(ctx, processed, session.SampleRate)
		verifyCh <- verdict{res: res, err: err}
	}()

	// Force endpointing while verification runs
	job.Finalize(ctx)

	v := <-verifyCh
	if v.err != nil {
		job.Discard()
		p.logger.Error("Verification failed, session discarded",
			logger.String("session_id", session.ID),
			logger.Error(v.err))
		p.deps.Notifier.Notify("Sotto", "Speaker verification failed")
		p.broadcast(feedback.EventVerify, map[string]any{
			"session_id": session.ID,
			"error":      v.err.Error(),
		})
		return
	}

	p.broadcast(feedback.EventVerify, map[string]any{
		"session_id": session.ID,
		"accepted":   v.res.Accepted,
		"score":      v.res.Score,
		"bypassed":   v.res.Bypassed,
	})

	if !v.res.Accepted {
		job.Discard()
		p.logger.Info("Session rejected by speaker verification",
			logger.String("session_id", session.ID),
			logger.Float64("score", v.res.Score))
		p.deps.Notifier.Notify("Sotto", "Voice not recognized, dictation discarded")
		p.record(session, "", "", v.res, false)
		return
	}

	seg, err := job.Result(ctx, processed)
	if err != nil {
		if errors.Is(err, transcription.ErrEmptyAudio) {
			p.logger.Info("Session had no usable audio",
				logger.String("session_id", session.ID))
			return
		}
		p.logger.Error("Transcription failed",
			logger.String("session_id", session.ID),
			logger.Error(err))
		p.deps.Notifier.Notify("Sotto", "Transcription failed")
		p.broadcast(feedback.EventStatus, map[string]any{
			"state":      "error",
			"session_id": session.ID,
			"error":      err.Error(),
		})
		return
	}

	text := p.deps.Dictionary.Apply(seg.Text)
	if err := p.deps.Sink.Write(text); err != nil {
		p.logger.Error("Transcript delivery failed",
			logger.String("session_id", session.ID),
			logger.Error(err))
	}

	p.record(session, text, seg.Provider, v.res, true)
	p.broadcast(feedback.EventFinal, map[string]any{
		"session_id": session.ID,
		"text":       text,
		"provider":   seg.Provider,
	})
	p.logger.Info("Session delivered",
		logger.String("session_id", session.ID),
		logger.String("provider", seg.Provider),
		logger.Int("chars", len(text)))
}

// completeSession returns the gate to idle and replays a queued engage
func (p *Pipeline) completeSession() {
	if mode, queued := p.deps.Gate.Complete(); queued {
		p.OnPress(mode)
	}
}

func (p *Pipeline) dropJob() {
	p.mu.Lock()
	job := p.job
	p.job = nil
	p.mu.Unlock()
	if job != nil {
		job.Discard()
	}
}

func (p *Pipeline) record(session *ptt.Session, text, provider string, res voiceprint.Result, accepted bool) {
	if p.deps.History == nil {
		return
	}
	_, err := p.deps.History.Store(&sqlite.HistoryRecord{
		SessionID:  session.ID,
		CreatedAt:  time.Now().UTC(),
		Content:    text,
		Provider:   provider,
		Mode:       session.Mode,
		Similarity: res.Score,
		Accepted:   accepted,
		DurationMs: session.Duration().Milliseconds(),
	})
	if err != nil {
		p.logger.Error("Failed to store history record", logger.Error(err))
	}
}

func (p *Pipeline) broadcast(eventType string, data map[string]any) {
	if p.deps.Feedback != nil {
		p.deps.Feedback.Broadcast(eventType, data)
	}
}

func (p *Pipeline) runContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return p.ctx
	}
	return context.Background()
}
