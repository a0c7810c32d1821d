package delivery

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bissquit/notifyq/internal/domain"
)

// Delivery errors.
var (
	ErrChannelNotConfigured = errors.New("no provider configured for channel")
	ErrNoContact            = errors.New("recipient has no contact address")
	ErrUnknownChannel       = errors.New("unknown channel")
)

// ChannelUnavailableError reports that a whole channel could not deliver.
// It names the channel, not an individual provider; provider errors are
// available through Unwrap.
type ChannelUnavailableError struct {
	Channel   domain.Channel
	Reason    string
	Retryable bool
	Err       error
}

func (e *ChannelUnavailableError) Error() string {
	return fmt.Sprintf("channel %s unavailable: %s", e.Channel, e.Reason)
}

func (e *ChannelUnavailableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a later attempt may succeed.
func (e *ChannelUnavailableError) IsRetryable() bool {
	return e.Retryable
}

// ChannelErrors holds the failures of every channel tried for one
// recipient. It is retryable when any of them is, so a permanent failure on
// a secondary channel never hides a transient one on the primary.
type ChannelErrors []error

func (e ChannelErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e ChannelErrors) Unwrap() []error {
	return e
}

// IsRetryable reports whether any channel may succeed on a later attempt.
func (e ChannelErrors) IsRetryable() bool {
	return slices.ContainsFunc(e, IsRetryable)
}

// Err returns nil for no failures, the failure itself for one, and e
// otherwise.
func (e ChannelErrors) Err() error {
	switch len(e) {
	case 0:
		return nil
	case 1:
		return e[0]
	default:
		return e
	}
}

func (e ChannelErrors) add(res Result) ChannelErrors {
	if res.Err == nil {
		return e
	}
	return append(e, res.Err)
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// IsRetryable checks if an error is retryable. The outermost error in the
// chain implementing IsRetryable decides; unknown errors are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}
