package ptt

import (
	"errors"
	"sync"
	"time"

	"github.com/yegors/sotto/pkg/logger"
)

// State is the gate's position in the session lifecycle
type State int

const (
	// StateIdle means no session is active
	StateIdle State = iota
	// StateRecording means a chord is held and frames are being accumulated
	StateRecording
	// StateDraining means the chord was released and the closed session is
	// still being verified and transcribed
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Busy policies for an engage that arrives while a prior session drains
const (
	BusyPolicyDrop  = "drop"
	BusyPolicyQueue = "queue"
)

var (
	// ErrSessionTooShort marks a release below the minimum duration. The
	// session is discarded; callers report it to the user, not as a failure.
	ErrSessionTooShort = errors.New("session shorter than minimum duration")

	// ErrBusy marks an engage dropped because a prior session is still
	// draining under the drop policy
	ErrBusy = errors.New("previous session still finalizing")
)

// Config holds gate parameters
type Config struct {
	SampleRate  int
	MinDuration time.Duration
	BusyPolicy  string // "drop" or "queue"
}

// Gate serializes recording sessions. Engage and Release arrive from the
// hotkey listener goroutine; Append and Complete from the pipeline worker.
// At most one session exists at a time.
type Gate struct {
	cfg    Config
	logger *logger.Logger

	mu      sync.Mutex
	state   State
	session *Session

	// pending engage mode under the queue policy; at most one is held and a
	// later engage replaces it
	pendingMode string
	pendingSet  bool
}

// NewGate creates a gate in the idle state
func NewGate(cfg Config, log *logger.Logger) *Gate {
	return &Gate{
		cfg:    cfg,
		logger: log.Named("ptt"),
	}
}

// State returns the current gate state
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Engage opens a new session in the given mode, returning it so the caller
// can key downstream work to its ID. While recording it is a no-op returning
// (nil, nil). While draining it follows the busy policy: drop returns
// ErrBusy, queue remembers the engage and replays it when the drain
// completes, provided the chord is still held by then.
func (g *Gate) Engage(mode string) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateRecording:
		return nil, nil
	case StateDraining:
		if g.cfg.BusyPolicy == BusyPolicyQueue {
			g.pendingMode = mode
			g.pendingSet = true
			g.logger.Debug("Engage queued behind draining session")
			return nil, nil
		}
		return nil, ErrBusy
	}

	g.session = newSession(mode, g.cfg.SampleRate)
	g.state = StateRecording
	g.logger.Debug("Session opened",
		logger.String("session_id", g.session.ID),
		logger.String("mode", mode))
	return g.session, nil
}

// Append copies samples into the active session. Outside of recording it
// discards them, so the drain worker can call it unconditionally for every
// frame it pops.
func (g *Gate) Append(samples []float32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateRecording {
		return
	}
	g.session.Samples = append(g.session.Samples, samples...)
}

// Release closes the active session and moves the gate to draining. Sessions
// below the minimum duration are discarded and reported via
// ErrSessionTooShort, returning the gate to idle. Release outside of
// recording is a no-op.
func (g *Gate) Release() (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateRecording {
		// Letting go of the chord withdraws a queued engage: replaying it
		// after the drain would open a session no release will ever close.
		if g.pendingSet {
			g.pendingMode, g.pendingSet = "", false
			g.logger.Debug("Queued engage cancelled by release")
		}
		return nil, nil
	}

	session := g.session
	session.EndedAt = time.Now()
	g.session = nil

	if session.Duration() < g.cfg.MinDuration {
		g.state = StateIdle
		g.logger.Info("Discarding too-short session",
			logger.String("session_id", session.ID),
			logger.Duration("duration", session.Duration()),
			logger.Duration("minimum", g.cfg.MinDuration))
		return nil, ErrSessionTooShort
	}

	g.state = StateDraining
	g.logger.Debug("Session closed",
		logger.String("session_id", session.ID),
		logger.Duration("duration", session.Duration()),
		logger.Int("samples", len(session.Samples)))
	return session, nil
}

// Complete marks the drain finished and returns a queued engage mode, if
// any. The caller replays the returned engage by calling Engage again.
func (g *Gate) Complete() (mode string, queued bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateDraining {
		g.state = StateIdle
	}
	if g.pendingSet {
		mode, queued = g.pendingMode, true
		g.pendingMode, g.pendingSet = "", false
	}
	return mode, queued
}
