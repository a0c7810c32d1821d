package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bissquit/notifyq/internal/directory"
	"github.com/bissquit/notifyq/internal/domain"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	statsWindow      = 24 * time.Hour
)

// ApprovalChecker decides whether a notification may be enqueued.
// Returning an error rejects it.
type ApprovalChecker interface {
	Approve(ctx context.Context, item *Item) error
}

// ChannelChecker reports whether a channel has a configured provider.
type ChannelChecker interface {
	Configured(ch domain.Channel) bool
}

// Controller pauses and resumes processing.
type Controller interface {
	Pause()
	Resume()
	Paused() bool
}

// ServiceConfig contains queue service configuration.
type ServiceConfig struct {
	DefaultMaxAttempts int
	// InAppFloor makes every item deliverable through the in-app inbox.
	InAppFloor bool
}

// EnqueueRequest describes one notification to enqueue.
type EnqueueRequest struct {
	NotificationID string   `json:"notification_id"`
	RecipientIDs   []string `json:"recipient_ids" validate:"required,min=1,dive,required"`
	Payload        Payload  `json:"payload"`
	MaxAttempts    int      `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=20"`
	DelayMinutes   int      `json:"delay_minutes,omitempty" validate:"omitempty,min=0"`
	BatchID        string   `json:"batch_id,omitempty"`
}

// Service implements the queue's enqueue, query and control operations.
type Service struct {
	config   ServiceConfig
	repo     Repository
	channels ChannelChecker
	approval ApprovalChecker
	control  Controller
	now      func() time.Time
}

// NewService creates a new queue service. approval may be nil.
func NewService(config ServiceConfig, repo Repository, channels ChannelChecker, approval ApprovalChecker, control Controller) *Service {
	if config.DefaultMaxAttempts <= 0 {
		config.DefaultMaxAttempts = 3
	}
	return &Service{
		config:   config,
		repo:     repo,
		channels: channels,
		approval: approval,
		control:  control,
		now:      time.Now,
	}
}

// Enqueue validates req and stores it as a pending item.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Item, error) {
	if req.DelayMinutes < 0 {
		return nil, ErrInvalidDelay
	}
	now := s.now().UTC()
	return s.enqueue(ctx, req, now.Add(time.Duration(req.DelayMinutes)*time.Minute), now)
}

// ScheduleOnce enqueues req for delivery at the given instant. Instants in
// the past are due immediately.
func (s *Service) ScheduleOnce(ctx context.Context, req EnqueueRequest, at time.Time) (*Item, error) {
	now := s.now().UTC()
	notBefore := at.UTC()
	if notBefore.Before(now) {
		notBefore = now
	}
	return s.enqueue(ctx, req, notBefore, now)
}

func (s *Service) enqueue(ctx context.Context, req EnqueueRequest, notBefore, now time.Time) (*Item, error) {
	item, err := s.build(ctx, req, notBefore, now)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("create queue item: %w", err)
	}
	recordEnqueued(1)

	slog.Info("queue item enqueued",
		"item_id", item.ID,
		"notification_id", item.NotificationID,
		"recipients", len(item.RecipientIDs),
		"not_before", item.NotBefore,
	)
	return item, nil
}

// EnqueueBatch enqueues every request under one batch id. Either all items
// are stored or none.
func (s *Service) EnqueueBatch(ctx context.Context, reqs []EnqueueRequest) (string, []*Item, error) {
	if len(reqs) == 0 {
		return "", nil, ErrEmptyBatch
	}

	batchID := uuid.NewString()
	now := s.now().UTC()

	items := make([]*Item, 0, len(reqs))
	for i, req := range reqs {
		if req.DelayMinutes < 0 {
			return "", nil, fmt.Errorf("request %d: %w", i, ErrInvalidDelay)
		}
		req.BatchID = batchID
		item, err := s.build(ctx, req, now.Add(time.Duration(req.DelayMinutes)*time.Minute), now)
		if err != nil {
			return "", nil, fmt.Errorf("request %d: %w", i, err)
		}
		items = append(items, item)
	}

	if err := s.repo.CreateBatch(ctx, items); err != nil {
		return "", nil, fmt.Errorf("create queue batch: %w", err)
	}
	recordEnqueued(len(items))

	slog.Info("queue batch enqueued", "batch_id", batchID, "items", len(items))
	return batchID, items, nil
}

func (s *Service) build(ctx context.Context, req EnqueueRequest, notBefore, now time.Time) (*Item, error) {
	ids := directory.Dedupe(req.RecipientIDs)
	if len(ids) == 0 {
		return nil, ErrNoRecipients
	}
	if err := s.validatePayload(req.Payload); err != nil {
		return nil, err
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.config.DefaultMaxAttempts
	}

	notificationID := req.NotificationID
	if notificationID == "" {
		notificationID = uuid.NewString()
	}

	item := &Item{
		ID:             uuid.NewString(),
		NotificationID: notificationID,
		RecipientIDs:   ids,
		Payload:        req.Payload,
		Status:         StatusPending,
		MaxAttempts:    maxAttempts,
		NotBefore:      notBefore,
		CreatedAt:      now,
		UpdatedAt:      now,
		BatchID:        req.BatchID,
		ErrorHistory:   []ErrorEntry{},
		Results:        []RecipientResult{},
	}

	if s.approval != nil {
		if err := s.approval.Approve(ctx, item); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotApproved, err)
		}
	}

	return item, nil
}

func (s *Service) validatePayload(p Payload) error {
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

	requested := p.Channels
	if len(requested) == 0 {
		requested = []domain.Channel{domain.ChannelChat, domain.ChannelEmail}
	}
	for _, ch := range requested {
		if !ch.IsValid() {
			return fmt.Errorf("%w: %q", ErrInvalidChannel, ch)
		}
	}

	if s.channels == nil {
		return nil
	}
	if s.config.InAppFloor && s.channels.Configured(domain.ChannelInApp) {
		return nil
	}
	if slices.ContainsFunc(requested, s.channels.Configured) {
		return nil
	}
	return ErrChannelNotConfigured
}

// Get returns an item by id.
func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	return s.repo.Get(ctx, id)
}

// List returns items, newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Item, error) {
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

// Stats returns counts per status and processing figures for the last 24h.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count queue items: %w", err)
	}
	completion, err := s.repo.CompletionStats(ctx, s.now().Add(-statsWindow))
	if err != nil {
		return nil, fmt.Errorf("queue completion stats: %w", err)
	}

	stats := &Stats{
		Pending:                      counts[StatusPending],
		Processing:                   counts[StatusProcessing],
		Sent:                         counts[StatusSent],
		Failed:                       counts[StatusFailed],
		Cancelled:                    counts[StatusCancelled],
		AverageProcessingTimeSeconds: completion.AvgProcessingSeconds,
	}
	for _, n := range counts {
		stats.TotalInQueue += n
	}
	if s.control != nil {
		stats.Paused = s.control.Paused()
	}

	finished := completion.Sent + completion.Failed
	stats.ThroughputPerHour = float64(finished) / statsWindow.Hours()
	if finished > 0 {
		stats.ErrorRatePercent = float64(completion.Failed) / float64(finished) * 100
	}

	return stats, nil
}

// Pause halts the processor.
func (s *Service) Pause() {
	if s.control != nil {
		s.control.Pause()
	}
}

// Resume restarts the processor.
func (s *Service) Resume() {
	if s.control != nil {
		s.control.Resume()
	}
}

// Cancel moves a pending or processing item to cancelled. Sends already
// handed to a transport are not interrupted.
func (s *Service) Cancel(ctx context.Context, id string) (*Item, error) {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusPending && item.Status != StatusProcessing {
		return nil, fmt.Errorf("%w: cannot cancel %s item", ErrInvalidTransition, item.Status)
	}

	from := item.Status
	now := s.now().UTC()
	item.Status = StatusCancelled
	item.UpdatedAt = now
	item.CompletedAt = &now

	if err := s.repo.Update(ctx, item, from); err != nil {
		return nil, err
	}

	slog.Info("queue item cancelled", "item_id", id, "from", from)
	return item, nil
}

// Retry makes an item due now. A failed item is reset: attempts and the last
// error are cleared and recipients that were not delivered become eligible
// again. A pending item only has its not-before refreshed.
func (s *Service) Retry(ctx context.Context, id string) (*Item, error) {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	from := item.Status

	switch item.Status {
	case StatusPending:
		item.NotBefore = now
	case StatusFailed:
		item.Status = StatusPending
		item.Attempts = 0
		item.LastError = ""
		item.NotBefore = now
		item.CompletedAt = nil
		kept := item.Results[:0]
		for _, r := range item.Results {
			if r.Status == RecipientDelivered {
				kept = append(kept, r)
			}
		}
		item.Results = kept
	default:
		return nil, fmt.Errorf("%w: cannot retry %s item", ErrInvalidTransition, item.Status)
	}
	item.UpdatedAt = now

	if err := s.repo.Update(ctx, item, from); err != nil {
		return nil, err
	}

	slog.Info("queue item retry requested", "item_id", id, "from", from)
	return item, nil
}

// Purge deletes terminal items older than days.
func (s *Service) Purge(ctx context.Context, days int) (int64, error) {
	if days < 1 {
		return 0, ErrInvalidRetention
	}
	n, err := s.repo.Purge(ctx, s.now().Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("purge queue items: %w", err)
	}
	recordPurged(n)
	slog.Info("queue items purged", "count", n, "older_than_days", days)
	return n, nil
}
