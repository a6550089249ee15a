package sinks

import (
	"context"
	"errors"

	"github.com/oarkflow/trustkit/logger"
	"github.com/oarkflow/trustkit/monitor"
)

// LogNotifier writes notifications to a logger. Useful when no delivery
// channel is wired.
type LogNotifier struct {
	logger logger.Logger
}

func NewLogNotifier(l logger.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.OrDefault(l)}
}

func (n *LogNotifier) Notify(_ context.Context, note monitor.Notification) error {
	n.logger.Info("security notification",
		"rule", note.RuleID,
		"channel", note.Channel,
		"severity", string(note.Severity),
		"message", note.Message,
		"event", note.Event.ID,
		"user", note.Event.UserID,
		"ip", note.Event.IPAddress,
	)
	return nil
}

// WebhookNotifier delivers notifications to a per-channel URL through a
// WebhookSender. Channels without a URL fall back to Default.
type WebhookNotifier struct {
	Sender   monitor.WebhookSender
	Channels map[string]string
	Default  string
}

func (n *WebhookNotifier) Notify(ctx context.Context, note monitor.Notification) error {
	url := n.Channels[note.Channel]
	if url == "" {
		url = n.Default
	}
	if url == "" {
		return errors.New("no webhook url for channel " + note.Channel)
	}
	return n.Sender.Send(ctx, url, note)
}

// MultiNotifier fans a notification out to every notifier and joins their
// errors.
type MultiNotifier []monitor.Notifier

func (m MultiNotifier) Notify(ctx context.Context, note monitor.Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
