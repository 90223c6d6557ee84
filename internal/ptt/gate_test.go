package ptt

import (
	"errors"
	"testing"
	"time"

	"github.com/yegors/sotto/pkg/logger"
)

const testRate = 16000

func testGate(policy string) *Gate {
	return NewGate(Config{
		SampleRate:  testRate,
		MinDuration: 300 * time.Millisecond,
		BusyPolicy:  policy,
	}, logger.NewNop())
}

// appendSeconds feeds enough samples for the given duration
func appendSeconds(g *Gate, seconds float64) {
	g.Append(make([]float32, int(seconds*testRate)))
}

func TestGateLifecycle(t *testing.T) {
	g := testGate(BusyPolicyDrop)

	if g.State() != StateIdle {
		t.Fatalf("initial state = %v, want idle", g.State())
	}

	opened, err := g.Engage("whisper")
	if err != nil {
		t.Fatalf("Engage: %v", err)
	}
	if opened == nil {
		t.Fatal("Engage returned no session")
	}
	if g.State() != StateRecording {
		t.Fatalf("state after engage = %v, want recording", g.State())
	}

	appendSeconds(g, 1.0)

	session, err := g.Release()
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if session == nil {
		t.Fatal("Release returned nil session")
	}
	if g.State() != StateDraining {
		t.Fatalf("state after release = %v, want draining", g.State())
	}
	if session.Mode != "whisper" {
		t.Errorf("session mode = %q, want %q", session.Mode, "whisper")
	}
	if session.ID == "" {
		t.Error("session has no ID")
	}
	if got := session.Duration(); got != time.Second {
		t.Errorf("session duration = %v, want 1s", got)
	}

	if mode, queued := g.Complete(); queued {
		t.Errorf("unexpected queued engage %q", mode)
	}
	if g.State() != StateIdle {
		t.Fatalf("state after complete = %v, want idle", g.State())
	}
}

func TestGateEngageWhileRecordingIsNoop(t *testing.T) {
	g := testGate(BusyPolicyDrop)

	if _, err := g.Engage("whisper"); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	appendSeconds(g, 0.5)

	// A repeated press must not restart or fork the session
	again, err := g.Engage("clean")
	if err != nil {
		t.Fatalf("second Engage: %v", err)
	}
	if again != nil {
		t.Error("repeated engage opened a second session")
	}
	appendSeconds(g, 0.5)

	session, err := g.Release()
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if session.Mode != "whisper" {
		t.Errorf("session mode = %q, want original %q", session.Mode, "whisper")
	}
	if got := session.Duration(); got != time.Second {
		t.Errorf("session duration = %v, want combined 1s", got)
	}
}

func TestGateTooShortSessionDiscarded(t *testing.T) {
	g := testGate(BusyPolicyDrop)

	if _, err := g.Engage(""); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	appendSeconds(g, 0.1)

	session, err := g.Release()
	if !errors.Is(err, ErrSessionTooShort) {
		t.Fatalf("Release error = %v, want ErrSessionTooShort", err)
	}
	if session != nil {
		t.Error("too-short release returned a session")
	}
	if g.State() != StateIdle {
		t.Errorf("state = %v, want idle after discard", g.State())
	}
}

func TestGateReleaseWhileIdleIsNoop(t *testing.T) {
	g := testGate(BusyPolicyDrop)

	session, err := g.Release()
	if session != nil || err != nil {
		t.Errorf("Release on idle gate = (%v, %v), want (nil, nil)", session, err)
	}
}

func TestGateBusyPolicyDrop(t *testing.T) {
	g := testGate(BusyPolicyDrop)

	if _, err := g.Engage(""); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	appendSeconds(g, 1.0)
	if _, err := g.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := g.Engage(""); !errors.Is(err, ErrBusy) {
		t.Fatalf("Engage while draining = %v, want ErrBusy", err)
	}

	if mode, queued := g.Complete(); queued {
		t.Errorf("drop policy queued an engage (%q)", mode)
	}
}

func TestGateBusyPolicyQueue(t *testing.T) {
	g := testGate(BusyPolicyQueue)

	if _, err := g.Engage(""); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	appendSeconds(g, 1.0)
	if _, err := g.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := g.Engage("clean"); err != nil {
		t.Fatalf("Engage while draining under queue policy: %v", err)
	}

	mode, queued := g.Complete()
	if !queued {
		t.Fatal("queued engage not returned by Complete")
	}
	if mode != "clean" {
		t.Errorf("queued mode = %q, want %q", mode, "clean")
	}
	if g.State() != StateIdle {
		t.Errorf("state = %v, want idle", g.State())
	}

	// The replayed engage opens a fresh session
	if _, err := g.Engage(mode); err != nil {
		t.Fatalf("replayed Engage: %v", err)
	}
	if g.State() != StateRecording {
		t.Errorf("state = %v, want recording", g.State())
	}
}

func TestGateQueuedEngageCancelledByRelease(t *testing.T) {
	g := testGate(BusyPolicyQueue)

	if _, err := g.Engage(""); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	appendSeconds(g, 1.0)
	if _, err := g.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Tap the chord while the first session drains: press queues an engage,
	// release withdraws it. Replaying it anyway would start recording with no
	// key held and nothing to ever stop it.
	if _, err := g.Engage("clean"); err != nil {
		t.Fatalf("Engage while draining: %v", err)
	}
	if session, err := g.Release(); session != nil || err != nil {
		t.Fatalf("Release while draining = (%v, %v), want (nil, nil)", session, err)
	}

	if mode, queued := g.Complete(); queued {
		t.Fatalf("Complete replayed a withdrawn engage (%q)", mode)
	}
	if g.State() != StateIdle {
		t.Errorf("state = %v, want idle", g.State())
	}
}

func TestGateAppendOutsideRecordingDiscards(t *testing.T) {
	g := testGate(BusyPolicyDrop)

	appendSeconds(g, 1.0)

	if _, err := g.Engage(""); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	appendSeconds(g, 1.0)
	session, err := g.Release()
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := session.Duration(); got != time.Second {
		t.Errorf("session duration = %v, want 1s (pre-engage frames discarded)", got)
	}
}
