package queue

import "errors"

// Repository errors.
var (
	ErrItemNotFound = errors.New("queue item not found")
	// ErrStatusChanged is returned by conditional writes when the item left
	// the expected status in the meantime.
	ErrStatusChanged = errors.New("queue item status changed concurrently")
)

// Service errors.
var (
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrNoRecipients         = errors.New("at least one recipient is required")
	ErrInvalidChannel       = errors.New("invalid channel")
	ErrChannelNotConfigured = errors.New("no provider configured for requested channels")
	ErrNotApproved          = errors.New("notification not approved")
	ErrInvalidDelay         = errors.New("delay must not be negative")
	ErrInvalidStatus        = errors.New("invalid status")
	ErrInvalidRetention     = errors.New("retention must be at least one day")
	ErrEmptyBatch           = errors.New("batch must contain at least one request")
	ErrMissingContent       = errors.New("payload needs a message or a template")
)
