// Package notify delivers best-effort desktop notifications for task
// completion. Delivery walks a fallback chain and never returns an error to
// the caller; the worst case is a log line.
package notify

import (
	"fmt"

	"deepscout/internal/logging"
)

const applicationName = "Deepscout Research"

// Urgency levels mapped onto the platform channels that support them.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyCritical Urgency = "critical"
)

// Channel is one delivery mechanism in the fallback chain.
type Channel interface {
	Name() string
	Send(title, message string, urgency Urgency) error
}

// Notifier walks its channels in order until one delivers.
type Notifier struct {
	channels []Channel
	logger   logging.Logger
	enabled  bool
}

// New builds the default chain: notification library first, then the
// platform CLI. When enabled is false every send is a silent no-op.
func New(enabled bool, logger logging.Logger) *Notifier {
	logger = logging.OrNop(logger)
	return &Notifier{
		channels: []Channel{
			&libraryChannel{},
			newPlatformChannel(),
		},
		logger:  logger,
		enabled: enabled,
	}
}

// NewWithChannels builds a notifier with an explicit chain.
func NewWithChannels(logger logging.Logger, channels ...Channel) *Notifier {
	return &Notifier{
		channels: channels,
		logger:   logging.OrNop(logger),
		enabled:  true,
	}
}

// Notify attempts delivery and reports whether any channel succeeded.
// Failure of the whole chain falls back to logging the notification.
func (n *Notifier) Notify(title, message string, urgency Urgency) bool {
	if !n.enabled {
		return false
	}
	for _, ch := range n.channels {
		if ch == nil {
			continue
		}
		if err := ch.Send(title, message, urgency); err != nil {
			n.logger.Warn("Notification via %s failed: %v", ch.Name(), err)
			continue
		}
		n.logger.Debug("Notification sent via %s: %s", ch.Name(), title)
		return true
	}
	n.logger.Info("NOTIFICATION [%s]: %s - %s", urgency, title, message)
	return false
}

// ResearchComplete announces a finished task.
func (n *Notifier) ResearchComplete(taskID string, durationMinutes float64) bool {
	message := fmt.Sprintf("Task %s finished in %.1f minutes", shortID(taskID), durationMinutes)
	return n.Notify("Deep Research Complete", message, UrgencyNormal)
}

// ResearchFailed announces a failed task with a truncated error.
func (n *Notifier) ResearchFailed(taskID string, errText string) bool {
	if len(errText) > 100 {
		errText = errText[:100]
	}
	message := fmt.Sprintf("Task %s: %s", shortID(taskID), errText)
	return n.Notify("Deep Research Failed", message, UrgencyCritical)
}

func shortID(taskID string) string {
	if len(taskID) > 8 {
		return taskID[:8]
	}
	return taskID
}
