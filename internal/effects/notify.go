package effects

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/pushtrigger/internal/logging"
	"github.com/austindbirch/pushtrigger/internal/metrics"
	"github.com/austindbirch/pushtrigger/internal/notify"
	"github.com/austindbirch/pushtrigger/internal/tracing"
)

const NotifyName = "notify"

// MessageSender delivers a notification message to a webhook URL
type MessageSender interface {
	Send(ctx context.Context, url string, m notify.Message) error
}

// Notify posts the push summary to the configured chat webhook
type Notify struct {
	sender MessageSender
	now    func() time.Time
	logger *logging.Logger
}

func NewNotify(sender MessageSender, logger *logging.Logger) *Notify {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Notify{sender: sender, now: time.Now, logger: logger}
}

// WithClock replaces the send-time clock
func (n *Notify) WithClock(now func() time.Time) *Notify {
	n.now = now
	return n
}

func (n *Notify) Name() string { return NotifyName }

// Enabled is false when no notification URL is configured
func (n *Notify) Enabled(t Trigger) bool {
	return t.Config.NotificationsEnabled()
}

func (n *Notify) Run(ctx context.Context, t Trigger) error {
	ctx, span := tracing.StartSpan(ctx, "effect.notify",
		attribute.String("trigger.id", t.ID),
		attribute.String("http.host", notify.Host(t.Config.NotificationURL)),
	)
	defer span.End()

	m := notify.Build(
		notify.Title(t.Config.TargetTaskName),
		notify.Description(t.Config.TargetBranch, t.Facts.RepositoryName, t.Facts.CommitMessage),
		t.Facts.AuthorName,
		n.now(),
	)

	if err := n.sender.Send(ctx, t.Config.NotificationURL, m); err != nil {
		reason := notify.ClassifyFailure(err)
		span.SetAttributes(attribute.String("failure_reason", reason))
		metrics.RecordNotificationFailure(reason)
		n.logger.WithContext(ctx).WithTrigger(t.ID).WithError(err).
			WithFields(map[string]any{"reason": reason, "host": notify.Host(t.Config.NotificationURL)}).
			Error("notification failed")
		return err
	}

	n.logger.WithContext(ctx).WithTrigger(t.ID).
		WithField("host", notify.Host(t.Config.NotificationURL)).
		Info("notification sent")
	return nil
}
