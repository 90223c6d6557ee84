package output

import (
	"github.com/gen2brain/beeep"
	"github.com/yegors/sotto/pkg/logger"
)

// Notifier raises desktop notifications for events the user needs to see
// without watching a terminal: dropped engages, too-short sessions and
// rejected speakers. Disabled notifiers swallow everything.
type Notifier struct {
	enabled bool
	logger  *logger.Logger
}

// NewNotifier creates a notifier
func NewNotifier(enabled bool, log *logger.Logger) *Notifier {
	return &Notifier{enabled: enabled, logger: log.Named("notify")}
}

// Notify shows a desktop notification. Failures are logged, never fatal.
func (n *Notifier) Notify(title, message string) {
	if !n.enabled {
		return
	}
	if err := beeep.Notify(title, message, ""); err != nil {
		n.logger.Warn("Desktop notification failed", logger.Error(err))
	}
}
