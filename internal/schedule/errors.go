package schedule

import "errors"

// Repository errors.
var (
	ErrDefinitionNotFound = errors.New("schedule definition not found")
	ErrStatusChanged      = errors.New("schedule definition status changed concurrently")
)

// Service errors.
var (
	ErrInvalidSchedule   = errors.New("invalid schedule")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrEmptyTarget       = errors.New("target selects no recipients")
	ErrNoFutureExecution = errors.New("schedule has no future execution")
	ErrMissingContent    = errors.New("payload needs a message or a template")
)
