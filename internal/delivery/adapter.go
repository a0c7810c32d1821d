// Package delivery routes messages to transport adapters: a per-channel
// fallback chain ordered by priority and a hybrid coordinator that degrades
// from the primary channel to a secondary one and finally to the in-app inbox.
package delivery

import (
	"context"

	"github.com/bissquit/notifyq/internal/domain"
)

// Cost classifies how a provider is billed.
type Cost string

// Provider costs.
const (
	CostFree Cost = "free"
	CostPaid Cost = "paid"
)

// Message is a single rendered message for one recipient on one channel.
type Message struct {
	To             string
	Title          string
	Body           string
	NotificationID string
}

// Outcome is the result of one adapter Send call.
type Outcome struct {
	Success           bool
	ProviderMessageID string
	Cost              float64
	Err               error
}

// Delivered returns a successful outcome.
func Delivered(providerMessageID string, cost float64) Outcome {
	return Outcome{Success: true, ProviderMessageID: providerMessageID, Cost: cost}
}

// Failed returns a failed outcome carrying err.
func Failed(err error) Outcome {
	return Outcome{Err: err}
}

// Adapter is one concrete delivery backend for one channel.
//
// Send performs exactly one outbound call and never retries. Failures are
// reported through Outcome.Err rather than panics so routers can inspect them.
type Adapter interface {
	Name() string
	Channel() domain.Channel
	Cost() Cost
	Priority() int
	IsConfigured() bool
	IsAvailable(ctx context.Context) bool
	Send(ctx context.Context, msg Message) Outcome
}
