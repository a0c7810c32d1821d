// Package queue implements the persisted dispatch queue: enqueueing,
// the polling processor with retry and backoff, maintenance and the
// operator control surface.
package queue

import (
	"slices"
	"time"

	"github.com/bissquit/notifyq/internal/domain"
	"github.com/bissquit/notifyq/internal/templates"
)

// Status is the lifecycle state of a queue item.
type Status string

// Queue statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled}

// TerminalStatuses lists statuses eligible for purge.
var TerminalStatuses = []Status{StatusSent, StatusFailed, StatusCancelled}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	return slices.Contains(AllStatuses, s)
}

// IsTerminal reports whether no further processing happens in s.
func (s Status) IsTerminal() bool {
	return slices.Contains(TerminalStatuses, s)
}

// RecipientStatus is the per-recipient outcome stored on an item.
type RecipientStatus string

// Recipient statuses.
const (
	// RecipientDelivered recipients are never sent to again.
	RecipientDelivered RecipientStatus = "delivered"
	// RecipientFailed recipients failed transiently and are retried.
	RecipientFailed RecipientStatus = "failed"
	// RecipientSkipped recipients failed permanently and are not retried.
	RecipientSkipped RecipientStatus = "skipped"
)

// Payload is the content of a notification.
type Payload struct {
	Title     string              `json:"title"`
	Message   string              `json:"message"`
	Channels  []domain.Channel    `json:"channels,omitempty"`
	Type      string              `json:"type,omitempty"`
	Priority  string              `json:"priority,omitempty"`
	Template  *templates.Template `json:"template,omitempty"`
	Variables map[string]string   `json:"variables,omitempty"`
}

// RecipientResult records the last outcome for one recipient.
type RecipientResult struct {
	RecipientID  string          `json:"recipient_id"`
	Status       RecipientStatus `json:"status"`
	Channel      domain.Channel  `json:"channel,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	FallbackUsed bool            `json:"fallback_used,omitempty"`
	FloorUsed    bool            `json:"floor_used,omitempty"`
	Cost         float64         `json:"cost,omitempty"`
	Error        string          `json:"error,omitempty"`
	Attempt      int             `json:"attempt"`
}

// ErrorEntry is one failed attempt in an item's history.
type ErrorEntry struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// Item is one unit of dispatch work.
type Item struct {
	ID             string            `json:"id"`
	NotificationID string            `json:"notification_id"`
	RecipientIDs   []string          `json:"recipient_ids"`
	Payload        Payload           `json:"payload"`
	Status         Status            `json:"status"`
	Attempts       int               `json:"attempts"`
	MaxAttempts    int               `json:"max_attempts"`
	NotBefore      time.Time         `json:"not_before"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	ErrorHistory   []ErrorEntry      `json:"error_history"`
	BatchID        string            `json:"batch_id,omitempty"`
	Results        []RecipientResult `json:"results"`
}

// Result returns the stored result for recipientID.
func (it *Item) Result(recipientID string) (RecipientResult, bool) {
	for _, r := range it.Results {
		if r.RecipientID == recipientID {
			return r, true
		}
	}
	return RecipientResult{}, false
}

// SetResult stores r, replacing an earlier result for the same recipient.
func (it *Item) SetResult(r RecipientResult) {
	for i := range it.Results {
		if it.Results[i].RecipientID == r.RecipientID {
			it.Results[i] = r
			return
		}
	}
	it.Results = append(it.Results, r)
}

// Outstanding returns recipients still to be attempted, in order.
// Delivered and skipped recipients are final.
func (it *Item) Outstanding() []string {
	out := make([]string, 0, len(it.RecipientIDs))
	for _, id := range it.RecipientIDs {
		if r, ok := it.Result(id); ok && (r.Status == RecipientDelivered || r.Status == RecipientSkipped) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Count returns the number of recipients with status s.
func (it *Item) Count(s RecipientStatus) int {
	n := 0
	for _, r := range it.Results {
		if r.Status == s {
			n++
		}
	}
	return n
}

// Filter selects items for listing.
type Filter struct {
	Status  Status
	BatchID string
	Limit   int
}

// Stats summarises the queue.
type Stats struct {
	TotalInQueue                 int64   `json:"total_in_queue"`
	Pending                      int64   `json:"pending"`
	Processing                   int64   `json:"processing"`
	Sent                         int64   `json:"sent"`
	Failed                       int64   `json:"failed"`
	Cancelled                    int64   `json:"cancelled"`
	Paused                       bool    `json:"paused"`
	AverageProcessingTimeSeconds float64 `json:"average_processing_time_seconds"`
	ThroughputPerHour            float64 `json:"throughput_per_hour"`
	ErrorRatePercent             float64 `json:"error_rate_percent"`
}

// CompletionStats aggregates items that reached sent or failed within a window.
type CompletionStats struct {
	Sent                 int64
	Failed               int64
	AvgProcessingSeconds float64
}
