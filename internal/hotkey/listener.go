package hotkey

import (
	"context"
	"fmt"
	"sync"

	"github.com/yegors/sotto/pkg/logger"
)

// Event is a single key transition from the platform hook. Key may be raw
// (sided, angle-bracketed); the listener normalizes it.
type Event struct {
	Key     string
	Pressed bool
}

// EventSource delivers global keyboard events. Implementations wrap a
// platform keyboard hook; tests use a channel-backed fake.
type EventSource interface {
	Events() <-chan Event
	Close() error
}

// Binding associates a chord with a dictation mode name. An empty Mode means
// the session runs with the configured default mode.
type Binding struct {
	Chord Chord
	Mode  string
}

// Handler receives chord transitions. OnPress fires once when a bound chord
// becomes fully held, OnRelease once when any of its keys is released.
type Handler interface {
	OnPress(mode string)
	OnRelease(mode string)
}

// Listener tracks held keys from an EventSource and fires the handler on
// chord transitions. At most one binding is engaged at a time; overlapping
// chords resolve to the largest matching one.
type Listener struct {
	source   EventSource
	bindings []Binding
	handler  Handler
	logger   *logger.Logger

	mu      sync.Mutex
	held    map[string]bool
	engaged *Binding
}

// NewListener creates a listener for the given bindings. At least one
// binding is required.
func NewListener(source EventSource, bindings []Binding, handler Handler, log *logger.Logger) (*Listener, error) {
	if len(bindings) == 0 {
		return nil, fmt.Errorf("no hotkey bindings configured")
	}
	return &Listener{
		source:   source,
		bindings: bindings,
		handler:  handler,
		logger:   log.Named("hotkey"),
		held:     make(map[string]bool),
	}, nil
}

// Run consumes events until the context is cancelled or the source closes.
// Blocks; callers run it in a goroutine.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.source.Events():
			if !ok {
				return
			}
			l.handle(ev)
		}
	}
}

func (l *Listener) handle(ev Event) {
	key := NormalizeKey(ev.Key)
	if key == "" {
		return
	}

	l.mu.Lock()
	if ev.Pressed {
		l.held[key] = true
	} else {
		delete(l.held, key)
	}

	var press, release *Binding
	if l.engaged != nil {
		if !ev.Pressed && l.engaged.Chord.Contains(key) {
			release = l.engaged
			l.engaged = nil
		}
	} else if ev.Pressed {
		press = l.match()
		l.engaged = press
	}
	l.mu.Unlock()

	if release != nil {
		l.logger.Debug("Chord released",
			logger.String("chord", release.Chord.String()),
			logger.String("mode", release.Mode))
		l.handler.OnRelease(release.Mode)
	}
	if press != nil {
		l.logger.Debug("Chord pressed",
			logger.String("chord", press.Chord.String()),
			logger.String("mode", press.Mode))
		l.handler.OnPress(press.Mode)
	}
}

// match returns the largest fully-held binding, or nil. Caller holds l.mu.
func (l *Listener) match() *Binding {
	var best *Binding
	for i := range l.bindings {
		b := &l.bindings[i]
		if !b.Chord.HeldBy(l.held) {
			continue
		}
		if best == nil || len(b.Chord) > len(best.Chord) {
			best = b
		}
	}
	return best
}

// Close releases the underlying event source
func (l *Listener) Close() error {
	return l.source.Close()
}
