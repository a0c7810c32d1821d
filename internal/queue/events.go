package queue

import (
	"context"
	"time"
)

// DeliveryEvent is emitted when an item reaches sent or failed.
type DeliveryEvent struct {
	ItemID         string    `json:"item_id"`
	NotificationID string    `json:"notification_id"`
	BatchID        string    `json:"batch_id,omitempty"`
	Status         Status    `json:"status"`
	Attempts       int       `json:"attempts"`
	Recipients     int       `json:"recipients"`
	Delivered      int       `json:"delivered"`
	Skipped        int       `json:"skipped"`
	Failed         int       `json:"failed"`
	TotalCost      float64   `json:"total_cost"`
	LastError      string    `json:"last_error,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewDeliveryEvent builds the event for a terminal item.
func NewDeliveryEvent(item *Item, at time.Time) DeliveryEvent {
	var cost float64
	for _, r := range item.Results {
		cost += r.Cost
	}
	return DeliveryEvent{
		ItemID:         item.ID,
		NotificationID: item.NotificationID,
		BatchID:        item.BatchID,
		Status:         item.Status,
		Attempts:       item.Attempts,
		Recipients:     len(item.RecipientIDs),
		Delivered:      item.Count(RecipientDelivered),
		Skipped:        item.Count(RecipientSkipped),
		Failed:         item.Count(RecipientFailed),
		TotalCost:      cost,
		LastError:      item.LastError,
		OccurredAt:     at,
	}
}

// EventPublisher receives terminal delivery outcomes.
type EventPublisher interface {
	Publish(ctx context.Context, event DeliveryEvent) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(context.Context, DeliveryEvent) error { return nil }
