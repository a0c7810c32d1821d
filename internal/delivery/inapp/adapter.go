// Package inapp writes notifications to the recipient's in-app inbox. It is
// the delivery floor: a local write that needs no external provider.
package inapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/notifyq/internal/delivery"
	"github.com/bissquit/notifyq/internal/domain"
	"github.com/google/uuid"
)

const providerName = "inapp"

// ErrMessageNotFound is returned when an inbox message does not exist.
var ErrMessageNotFound = errors.New("inapp message not found")

// Message is one inbox entry.
type Message struct {
	ID             string     `json:"id"`
	RecipientID    string     `json:"recipient_id"`
	NotificationID string     `json:"notification_id,omitempty"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// Store persists inbox messages.
type Store interface {
	Insert(ctx context.Context, msg *Message) error
	ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]Message, error)
	MarkRead(ctx context.Context, id string, at time.Time) error
}

// Adapter implements delivery.Adapter on top of a Store.
type Adapter struct {
	store Store
	now   func() time.Time
}

// NewAdapter creates an in-app adapter.
func NewAdapter(store Store) *Adapter {
	return &Adapter{store: store, now: time.Now}
}

// Name returns the provider name.
func (a *Adapter) Name() string { return providerName }

// Channel returns the in-app channel.
func (a *Adapter) Channel() domain.Channel { return domain.ChannelInApp }

// Cost reports the inbox as free.
func (a *Adapter) Cost() delivery.Cost { return delivery.CostFree }

// Priority is always zero; in-app has a single provider.
func (a *Adapter) Priority() int { return 0 }

// IsConfigured reports whether a store is attached.
func (a *Adapter) IsConfigured() bool { return a.store != nil }

// IsAvailable equals IsConfigured.
func (a *Adapter) IsAvailable(_ context.Context) bool { return a.IsConfigured() }

// Send stores msg in the inbox of recipient msg.To.
func (a *Adapter) Send(ctx context.Context, msg delivery.Message) delivery.Outcome {
	if msg.To == "" {
		return delivery.Failed(delivery.NewNonRetryableError(delivery.ErrNoContact))
	}

	m := &Message{
		ID:             uuid.NewString(),
		RecipientID:    msg.To,
		NotificationID: msg.NotificationID,
		Title:          msg.Title,
		Body:           msg.Body,
		CreatedAt:      a.now().UTC(),
	}
	if err := a.store.Insert(ctx, m); err != nil {
		return delivery.Failed(delivery.NewRetryableError(fmt.Errorf("insert inapp message: %w", err)))
	}

	return delivery.Delivered(m.ID, 0)
}

// Inbox lists messages of a recipient, newest first.
func (a *Adapter) Inbox(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return a.store.ListByRecipient(ctx, recipientID, unreadOnly, limit)
}

// MarkRead marks a message as read.
func (a *Adapter) MarkRead(ctx context.Context, id string) error {
	return a.store.MarkRead(ctx, id, a.now().UTC())
}
