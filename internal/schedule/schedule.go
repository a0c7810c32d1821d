// Package schedule runs recurring and one-off notification definitions and
// feeds their occurrences into the dispatch queue.
package schedule

import (
	"fmt"
	"slices"
	"time"

	"github.com/bissquit/notifyq/internal/directory"
	"github.com/bissquit/notifyq/internal/queue"
)

// Type distinguishes one-off from repeating schedules.
type Type string

// Schedule types.
const (
	TypeOnce      Type = "once"
	TypeRecurring Type = "recurring"
)

// Frequency is the unit a recurring schedule repeats in.
type Frequency string

// Frequencies.
const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

// Status is the lifecycle state of a definition.
type Status string

// Definition statuses.
const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status.
var AllStatuses = []Status{StatusDraft, StatusActive, StatusPaused, StatusCompleted, StatusCancelled}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	return slices.Contains(AllStatuses, s)
}

// IsFinal reports whether the definition will never run again.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Schedule describes when a definition fires. Time is "HH:MM" in Timezone;
// when empty the wall clock of StartDate is used. DaysOfWeek uses 0 for
// Sunday. Days beyond the end of a month are clamped to its last day.
type Schedule struct {
	Type       Type       `json:"type"`
	StartDate  time.Time  `json:"start_date"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	Frequency  Frequency  `json:"frequency,omitempty"`
	Interval   int        `json:"interval,omitempty"`
	DaysOfWeek []int      `json:"days_of_week,omitempty"`
	DayOfMonth int        `json:"day_of_month,omitempty"`
	Month      int        `json:"month,omitempty"`
	Time       string     `json:"time,omitempty"`
	Timezone   string     `json:"timezone,omitempty"`
}

// Validate checks the schedule for internal consistency.
// MaxInterval bounds Schedule.Interval for every frequency.
const MaxInterval = 1000

func (s Schedule) Validate() error {
	if s.StartDate.IsZero() {
		return fmt.Errorf("%w: start_date is required", ErrInvalidSchedule)
	}
	if s.EndDate != nil && s.EndDate.Before(s.StartDate) {
		return fmt.Errorf("%w: end_date before start_date", ErrInvalidSchedule)
	}
	if _, err := s.location(); err != nil {
		return fmt.Errorf("%w: timezone %q", ErrInvalidSchedule, s.Timezone)
	}
	if s.Time != "" {
		if _, err := time.Parse("15:04", s.Time); err != nil {
			return fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidSchedule, s.Time)
		}
	}

	switch s.Type {
	case TypeOnce:
		return nil
	case TypeRecurring:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, s.Type)
	}

	switch s.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, s.Frequency)
	}
	if s.Interval < 0 || s.Interval > MaxInterval {
		return fmt.Errorf("%w: interval must be between 1 and %d", ErrInvalidSchedule, MaxInterval)
	}
	for _, d := range s.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: day of week %d", ErrInvalidSchedule, d)
		}
	}
	if s.DayOfMonth < 0 || s.DayOfMonth > 31 {
		return fmt.Errorf("%w: day of month %d", ErrInvalidSchedule, s.DayOfMonth)
	}
	if s.Month < 0 || s.Month > 12 {
		return fmt.Errorf("%w: month %d", ErrInvalidSchedule, s.Month)
	}
	return nil
}

func (s Schedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Definition is a stored notification with a schedule.
type Definition struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	NotificationID string           `json:"notification_id,omitempty"`
	Payload        queue.Payload    `json:"payload"`
	Target         directory.Target `json:"target"`
	Schedule       Schedule         `json:"schedule"`
	MaxAttempts    int              `json:"max_attempts,omitempty"`
	Status         Status           `json:"status"`
	NextExecution  *time.Time       `json:"next_execution,omitempty"`
	LastExecution  *time.Time       `json:"last_execution,omitempty"`
	ExecutionCount int              `json:"execution_count"`
	// MaxExecutions of zero means unlimited.
	MaxExecutions int       `json:"max_executions,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	AutoResume    bool      `json:"auto_resume,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Filter selects definitions for listing.
type Filter struct {
	Status Status
	Limit  int
}
