package alerts

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Notifier delivers a human-readable message to one operator channel.
// Implementations return errors for observability; escalation paths treat
// delivery as best effort and never fail on a notifier error.
type Notifier interface {
	Name() string
	Send(ctx context.Context, message string) error
}

// Multi fans a message out to every configured channel. Per-channel
// failures are logged and swallowed so one dead channel cannot silence
// the others or break the caller.
type Multi struct {
	channels []Notifier
	log      *zap.Logger
}

func NewMulti(log *zap.Logger, channels ...Notifier) *Multi {
	active := make([]Notifier, 0, len(channels))
	for _, ch := range channels {
		if ch != nil {
			active = append(active, ch)
		}
	}
	return &Multi{channels: active, log: log}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Send(ctx context.Context, message string) error {
	if strings.TrimSpace(message) == "" {
		return nil
	}
	for _, ch := range m.channels {
		if err := ch.Send(ctx, message); err != nil && m.log != nil {
			m.log.Warn("notification delivery failed",
				zap.String("channel", ch.Name()),
				zap.Error(err))
		}
	}
	return nil
}

// Channels reports how many channels are wired, for startup logging.
func (m *Multi) Channels() int { return len(m.channels) }
