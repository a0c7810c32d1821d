package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/notifyq/internal/directory"
	"github.com/bissquit/notifyq/internal/queue"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxPreview       = 50
)

// DefineRequest describes a new definition.
type DefineRequest struct {
	Name           string           `json:"name" validate:"required,max=200"`
	NotificationID string           `json:"notification_id,omitempty"`
	Payload        queue.Payload    `json:"payload"`
	Target         directory.Target `json:"target"`
	Schedule       Schedule         `json:"schedule"`
	MaxAttempts    int              `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=20"`
	MaxExecutions  int              `json:"max_executions,omitempty" validate:"omitempty,min=1"`
	Draft          bool             `json:"draft,omitempty"`
}

// Service manages schedule definitions.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a new schedule service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// DefineRecurring validates and stores a definition. Unless it is a draft
// the definition is active with its first execution computed from now.
func (s *Service) DefineRecurring(ctx context.Context, req DefineRequest) (*Definition, error) {
	if err := req.Schedule.Validate(); err != nil {
		return nil, err
	}
	if err := validatePayload(req.Payload); err != nil {
		return nil, err
	}

	def := &Definition{
		ID:             uuid.NewString(),
		Name:           req.Name,
		NotificationID: req.NotificationID,
		Payload:        req.Payload,
		Target:         req.Target,
		Schedule:       req.Schedule,
		MaxAttempts:    req.MaxAttempts,
		MaxExecutions:  req.MaxExecutions,
		Status:         StatusActive,
	}
	if def.Target.IsEmpty() {
		return nil, ErrEmptyTarget
	}

	now := s.now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	next, ok := ComputeNext(def.Schedule, now)
	if !ok {
		return nil, ErrNoFutureExecution
	}
	if req.Draft {
		def.Status = StatusDraft
	} else {
		def.NextExecution = &next
	}

	if err := s.repo.Create(ctx, def); err != nil {
		return nil, fmt.Errorf("create schedule definition: %w", err)
	}

	slog.Info("schedule definition created",
		"definition_id", def.ID,
		"name", def.Name,
		"status", def.Status,
		"next_execution", def.NextExecution,
	)
	return def, nil
}

func validatePayload(p queue.Payload) error {
	if p.Template == nil && p.Message == "" {
		return ErrMissingContent
	}
	if p.Template != nil {
		if err := p.Template.Validate(); err != nil {
			return err
		}
		if err := p.Template.ValidateValues(p.Variables); err != nil {
			return err
		}
	}
	for _, ch := range p.Channels {
		if !ch.IsValid() {
			return fmt.Errorf("%w: %q", queue.ErrInvalidChannel, ch)
		}
	}
	return nil
}

// Get returns a definition by id.
func (s *Service) Get(ctx context.Context, id string) (*Definition, error) {
	return s.repo.Get(ctx, id)
}

// List returns definitions, optionally filtered by status.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Definition, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, filter.Status)
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}
	return s.repo.List(ctx, filter)
}

// Pause stops an active definition. Automatic resumption is disabled.
func (s *Service) Pause(ctx context.Context, id string) (*Definition, error) {
	def, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Status != StatusActive && def.Status != StatusPaused {
		return nil, fmt.Errorf("%w: cannot pause %s definition", ErrInvalidTransition, def.Status)
	}

	from := def.Status
	def.Status = StatusPaused
	def.AutoResume = false
	def.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, def, from); err != nil {
		return nil, err
	}
	slog.Info("schedule definition paused", "definition_id", id)
	return def, nil
}

// Resume activates a paused or draft definition with its next execution
// recomputed from now. A definition without future executions completes.
func (s *Service) Resume(ctx context.Context, id string) (*Definition, error) {
	def, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Status != StatusPaused && def.Status != StatusDraft {
		return nil, fmt.Errorf("%w: cannot resume %s definition", ErrInvalidTransition, def.Status)
	}

	from := def.Status
	now := s.now().UTC()
	def.AutoResume = false
	def.UpdatedAt = now

	next, ok := ComputeNext(def.Schedule, now)
	if ok && (def.MaxExecutions == 0 || def.ExecutionCount < def.MaxExecutions) {
		def.Status = StatusActive
		def.NextExecution = &next
	} else {
		def.Status = StatusCompleted
		def.NextExecution = nil
	}

	if err := s.repo.Update(ctx, def, from); err != nil {
		return nil, err
	}
	slog.Info("schedule definition resumed", "definition_id", id, "status", def.Status, "next_execution", def.NextExecution)
	return def, nil
}

// Cancel ends a definition permanently.
func (s *Service) Cancel(ctx context.Context, id string) (*Definition, error) {
	def, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Status.IsFinal() {
		return nil, fmt.Errorf("%w: cannot cancel %s definition", ErrInvalidTransition, def.Status)
	}

	from := def.Status
	def.Status = StatusCancelled
	def.NextExecution = nil
	def.AutoResume = false
	def.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, def, from); err != nil {
		return nil, err
	}
	slog.Info("schedule definition cancelled", "definition_id", id)
	return def, nil
}

// Preview lists up to n upcoming executions of a definition starting now.
func (s *Service) Preview(ctx context.Context, id string, n int) ([]time.Time, error) {
	def, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Status.IsFinal() {
		return []time.Time{}, nil
	}
	return Upcoming(def.Schedule, s.now(), min(max(n, 1), maxPreview)), nil
}

// Upcoming returns up to n executions of sched after from.
func Upcoming(sched Schedule, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for len(out) < n {
		next, ok := ComputeNext(sched, from)
		if !ok {
			break
		}
		out = append(out, next)
		from = next
	}
	return out
}
