package hotkey

import (
	"sync"

	hook "github.com/robotn/gohook"
)

// HookSource feeds the listener from the system-wide keyboard hook. One
// instance per process; the underlying hook is global.
type HookSource struct {
	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// NewHookSource starts the global keyboard hook
func NewHookSource() *HookSource {
	s := &HookSource{
		events: make(chan Event, 128),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *HookSource) run() {
	defer close(s.events)

	raw := hook.Start()
	defer hook.End()

	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-raw:
			if !ok {
				return
			}

			var pressed bool
			switch ev.Kind {
			case hook.KeyDown, hook.KeyHold:
				pressed = true
			case hook.KeyUp:
				pressed = false
			default:
				continue
			}

			key := hook.RawcodetoKeychar(ev.Rawcode)
			if key == "" && ev.Keychar != 0 {
				key = string(ev.Keychar)
			}
			if key == "" {
				continue
			}

			// Lossy on overflow: a stale hotkey event is worse than a missed
			// one, and the listener resyncs on the next transition.
			select {
			case s.events <- Event{Key: key, Pressed: pressed}:
			default:
			}
		}
	}
}

// Events returns the hook's event channel
func (s *HookSource) Events() <-chan Event {
	return s.events
}

// Close stops the hook
func (s *HookSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
