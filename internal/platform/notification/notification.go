// Package notification renders and delivers outbound email, keeps a log of
// every attempt and exposes that log over HTTP.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel is the medium a notification is delivered on.
type Channel string

const ChannelEmail Channel = "email"

// Delivery states recorded in the log.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// ErrNotFound is returned when a logged notification does not exist.
var ErrNotFound = errors.New("notification not found")

// ErrNotRetryable is returned by Retry for notifications that did not fail.
var ErrNotRetryable = errors.New("notification is not in failed status")

// Notification is one outbound message and the outcome of its last attempt.
type Notification struct {
	ID         uuid.UUID  `json:"id"`
	Channel    Channel    `json:"channel"`
	Recipient  string     `json:"recipient"`
	Subject    string     `json:"subject,omitempty"`
	Body       string     `json:"body"`
	TemplateID string     `json:"template_id,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

// ---------------------------------------------------------------------------
// Notification Manager
// ---------------------------------------------------------------------------

// NotificationManager renders templates, hands messages to the EmailSender
// and records each attempt in the Store. A failed send is still logged.
type NotificationManager struct {
	email     EmailSender
	templates *TemplateEngine
	store     Store
	now       func() time.Time
	logger    zerolog.Logger
}

// Option customises a NotificationManager.
type Option func(*NotificationManager)

// WithClock overrides the time source used for CreatedAt and SentAt.
func WithClock(now func() time.Time) Option {
	return func(m *NotificationManager) { m.now = now }
}

// WithLogger sets the manager's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *NotificationManager) {
		m.logger = logger.With().Str("component", "notification").Logger()
	}
}

func NewNotificationManager(email EmailSender, tpl *TemplateEngine, store Store, opts ...Option) *NotificationManager {
	m := &NotificationManager{
		email:     email,
		templates: tpl,
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send delivers n and logs the attempt. The returned error is the delivery
// error, if any; n carries the recorded status either way.
func (m *NotificationManager) Send(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Channel == "" {
		n.Channel = ChannelEmail
	}
	n.CreatedAt = m.now()

	sendErr := m.deliver(ctx, n)
	if err := m.store.Save(ctx, n); err != nil {
		m.logger.Error().Err(err).Str("notification_id", n.ID.String()).Msg("failed to log notification")
	}
	return sendErr
}

// SendFromTemplate renders templateID with data and sends it to recipient.
func (m *NotificationManager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	n := &Notification{
		Channel:    ChannelEmail,
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		TemplateID: templateID,
	}
	return n, m.Send(ctx, n)
}

func (m *NotificationManager) deliver(ctx context.Context, n *Notification) error {
	n.Attempts++
	var err error
	switch n.Channel {
	case ChannelEmail:
		err = m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	default:
		err = fmt.Errorf("unsupported channel: %s", n.Channel)
	}

	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		m.logger.Warn().Err(err).
			Str("notification_id", n.ID.String()).
			Str("recipient", n.Recipient).
			Msg("notification delivery failed")
		return err
	}
	sentAt := m.now()
	n.Status = StatusSent
	n.Error = ""
	n.SentAt = &sentAt
	return nil
}

func (m *NotificationManager) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return m.store.Get(ctx, id)
}

// ListByRecipient returns the newest notifications for recipient, up to limit.
func (m *NotificationManager) ListByRecipient(ctx context.Context, recipient string, limit int) ([]*Notification, error) {
	return m.store.ListByRecipient(ctx, recipient, limit)
}

// Retry re-sends a failed notification.
func (m *NotificationManager) Retry(ctx context.Context, id uuid.UUID) (*Notification, error) {
	n, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusFailed {
		return n, fmt.Errorf("%w (current: %s)", ErrNotRetryable, n.Status)
	}
	sendErr := m.deliver(ctx, n)
	if err := m.store.Update(ctx, n); err != nil {
		return n, fmt.Errorf("update notification: %w", err)
	}
	return n, sendErr
}

// NotificationStats counts logged notifications by status.
func (m *NotificationManager) NotificationStats(ctx context.Context) (map[string]int, error) {
	return m.store.Stats(ctx)
}
