package crawler

import (
	"context"

	"go.uber.org/zap"
)

// NotificationKind identifies why a notification was sent.
type NotificationKind string

const (
	NotifyPointsEarned  NotificationKind = "points_earned"
	NotifyLoginRequired NotificationKind = "login_required"
)

// Notification is an outbound message about a run.
type Notification struct {
	Site    string
	Kind    NotificationKind
	Message string
	Before  int
	After   int
	Earned  int
}

// Notifier delivers notifications to an external channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a Notifier backed by logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Notification) error {
	fields := []zap.Field{
		zap.String("site", msg.Site),
		zap.String("kind", string(msg.Kind)),
	}
	if msg.Kind == NotifyPointsEarned {
		fields = append(fields, zap.Int("before", msg.Before), zap.Int("after", msg.After), zap.Int("earned", msg.Earned))
	}
	n.logger.Info(msg.Message, fields...)
	return nil
}
