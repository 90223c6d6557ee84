// Package output delivers final transcripts to their configured
// destinations and surfaces user-facing notifications.
package output

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/atotto/clipboard"
	"github.com/micmonay/keybd_event"
	"github.com/yegors/sotto/pkg/logger"
)

// Sink receives one final transcript per delivered session
type Sink interface {
	Write(text string) error
	Name() string
}

// StdoutSink prints transcripts to standard output, one per line
type StdoutSink struct{}

// Name returns the sink name
func (StdoutSink) Name() string { return "stdout" }

// Write prints the transcript
func (StdoutSink) Write(text string) error {
	_, err := fmt.Fprintln(os.Stdout, text)
	return err
}

// ClipboardSink places transcripts on the system clipboard and optionally
// pastes them into the focused window by simulating the paste shortcut.
type ClipboardSink struct {
	autoPaste bool
	logger    *logger.Logger
}

// NewClipboardSink creates a clipboard sink
func NewClipboardSink(autoPaste bool, log *logger.Logger) *ClipboardSink {
	return &ClipboardSink{autoPaste: autoPaste, logger: log.Named("clipboard")}
}

// Name returns the sink name
func (s *ClipboardSink) Name() string { return "clipboard" }

// Write copies the transcript to the clipboard and, when enabled, sends the
// platform paste chord. A paste failure is logged but does not fail the
// delivery; the text is already on the clipboard.
func (s *ClipboardSink) Write(text string) error {
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("writing clipboard: %w", err)
	}
	if !s.autoPaste {
		return nil
	}
	if err := sendPaste(); err != nil {
		s.logger.Warn("Auto-paste failed, text left on clipboard", logger.Error(err))
	}
	return nil
}

// sendPaste simulates Ctrl+V (Cmd+V on darwin)
func sendPaste() error {
	kb, err := keybd_event.NewKeyBonding()
	if err != nil {
		return fmt.Errorf("initializing key synthesis: %w", err)
	}

	// The keyboard driver needs a moment on linux before synthetic events
	// are accepted
	if runtime.GOOS == "linux" {
		time.Sleep(100 * time.Millisecond)
	}

	kb.SetKeys(keybd_event.VK_V)
	if runtime.GOOS == "darwin" {
		kb.HasSuper(true)
	} else {
		kb.HasCTRL(true)
	}
	if err := kb.Launching(); err != nil {
		return fmt.Errorf("sending paste chord: %w", err)
	}
	return nil
}

// MultiSink fans a transcript out to every configured sink. A failing sink
// is logged and skipped so one broken destination cannot block the others.
type MultiSink struct {
	sinks  []Sink
	logger *logger.Logger
}

// NewMultiSink creates a fan-out sink
func NewMultiSink(log *logger.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, logger: log.Named("output")}
}

// Name returns the sink name
func (m *MultiSink) Name() string { return "multi" }

// Write delivers to every sink, returning the first error observed
func (m *MultiSink) Write(text string) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Write(text); err != nil {
			m.logger.Error("Sink delivery failed",
				logger.String("sink", s.Name()),
				logger.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
