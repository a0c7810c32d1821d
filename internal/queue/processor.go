package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/notifyq/internal/delivery"
	"github.com/bissquit/notifyq/internal/directory"
	"github.com/bissquit/notifyq/internal/domain"
	"github.com/bissquit/notifyq/internal/pkg/ctxlog"
	"github.com/bissquit/notifyq/internal/templates"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/bissquit/notifyq/internal/queue")

const outcomeWriteTimeout = 10 * time.Second

// ProcessorConfig contains processor configuration.
type ProcessorConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// BackoffBase is multiplied by 2^attempts after each failed attempt.
	BackoffBase time.Duration
	// Heartbeat is how often the claim of an item in delivery is refreshed.
	// It must stay well below the janitor's StuckAfter.
	Heartbeat time.Duration
}

// DefaultProcessorConfig returns default processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval: 30 * time.Second,
		BatchSize:    10,
		BackoffBase:  time.Minute,
		Heartbeat:    time.Minute,
	}
}

// Deliverer sends rendered notifications to resolved recipients.
type Deliverer interface {
	DeliverBulk(ctx context.Context, ns []delivery.Notification) delivery.BulkResult
}

// Processor polls the queue and dispatches due items. It is the only writer
// of delivery outcomes.
type Processor struct {
	config    ProcessorConfig
	repo      Repository
	resolver  directory.Resolver
	deliverer Deliverer
	publisher EventPublisher
	now       func() time.Time

	inFlight atomic.Bool
	paused   atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessor creates a new queue processor.
func NewProcessor(
	config ProcessorConfig,
	repo Repository,
	resolver directory.Resolver,
	deliverer Deliverer,
	publisher EventPublisher,
) *Processor {
	defaults := DefaultProcessorConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = defaults.BackoffBase
	}
	if config.Heartbeat <= 0 {
		config.Heartbeat = defaults.Heartbeat
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}

	return &Processor{
		config:    config,
		repo:      repo,
		resolver:  resolver,
		deliverer: deliverer,
		publisher: publisher,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the polling loop.
func (p *Processor) Start(ctx context.Context) {
	slog.Info("starting queue processor",
		"batch_size", p.config.BatchSize,
		"poll_interval", p.config.PollInterval,
		"backoff_base", p.config.BackoffBase,
		"heartbeat", p.config.Heartbeat,
	)

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop stops the loop and waits for the current cycle to finish.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("queue processor stopped")
}

// Pause halts processing; queued items are kept.
func (p *Processor) Pause() {
	p.paused.Store(true)
	recordPaused(true)
	slog.Info("queue processor paused")
}

// Resume continues processing after Pause.
func (p *Processor) Resume() {
	p.paused.Store(false)
	recordPaused(false)
	slog.Info("queue processor resumed")
}

// Paused reports whether processing is paused.
func (p *Processor) Paused() bool {
	return p.paused.Load()
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one processing cycle and returns the number of items it
// finished handling. It does nothing while paused or while another cycle
// is running.
func (p *Processor) Poll(ctx context.Context) int {
	if p.paused.Load() {
		return 0
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		slog.Debug("queue poll skipped, previous cycle still running")
		return 0
	}
	defer p.inFlight.Store(false)

	items, err := p.repo.FetchDue(ctx, p.now(), p.config.BatchSize)
	if err != nil {
		slog.Error("failed to fetch due queue items", "error", err)
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	slog.Debug("processing queue items", "count", len(items))

	processed := 0
	for _, item := range items {
		if ctx.Err() != nil || p.paused.Load() {
			break
		}
		if p.processItem(ctx, item) {
			processed++
		}
	}
	return processed
}

func (p *Processor) processItem(ctx context.Context, item *Item) bool {
	start := time.Now()
	attempt := item.Attempts + 1

	ctx, span := tracer.Start(ctx, "queue.process_item", trace.WithAttributes(
		attribute.String("queue.item_id", item.ID),
		attribute.String("queue.notification_id", item.NotificationID),
		attribute.Int("queue.attempt", attempt),
		attribute.Int("queue.recipients", len(item.RecipientIDs)),
	))
	defer span.End()

	ctx = ctxlog.With(ctx, "item_id", item.ID, "attempt", attempt)
	logger := ctxlog.FromContext(ctx)

	claimedAt := p.now()
	claimed, err := p.repo.Claim(ctx, item.ID, claimedAt)
	if err != nil {
		logger.Error("failed to claim queue item", "error", err)
		span.SetStatus(codes.Error, "claim failed")
		return false
	}
	if !claimed {
		recordClaimConflict()
		logger.Debug("queue item claimed elsewhere")
		return false
	}
	item.Status = StatusProcessing
	item.ProcessedAt = &claimedAt

	deliverCtx, abort := context.WithCancel(ctx)
	stopHeartbeat := p.keepClaim(deliverCtx, item.ID, abort)
	deliverErr := p.deliver(deliverCtx, item, attempt)
	stopHeartbeat()
	abort()

	outcome := p.settle(item, attempt, deliverErr)

	span.SetAttributes(attribute.String("queue.outcome", outcome))
	if item.Status != StatusSent {
		span.SetStatus(codes.Error, item.LastError)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()

	if err := p.repo.Update(writeCtx, item, StatusProcessing); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			logger.Info("queue item changed while processing, outcome discarded", "outcome", outcome)
		} else {
			logger.Error("failed to store queue item outcome", "outcome", outcome, "error", err)
		}
		return false
	}

	recordProcessed(outcome, time.Since(start))

	switch item.Status {
	case StatusSent:
		logger.Info("queue item sent",
			"delivered", item.Count(RecipientDelivered),
			"skipped", item.Count(RecipientSkipped),
		)
	case StatusFailed:
		logger.Warn("queue item failed", "error", item.LastError)
	case StatusPending:
		logger.Info("queue item scheduled for retry",
			"next_attempt", item.NotBefore,
			"error", item.LastError,
		)
	}

	if item.Status.IsTerminal() {
		if err := p.publisher.Publish(writeCtx, NewDeliveryEvent(item, p.now())); err != nil {
			logger.Error("failed to publish delivery event", "error", err)
		}
	}

	return true
}

// keepClaim refreshes the claim on the item every Heartbeat until the
// returned stop func is called. When the item leaves processing (cancelled
// by an operator or recovered by the janitor) it calls abort so delivery
// stops early.
func (p *Processor) keepClaim(ctx context.Context, id string, abort context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(p.config.Heartbeat)
		defer ticker.Stop()

		logger := ctxlog.FromContext(ctx)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := p.repo.Touch(ctx, id, p.now())
				if err != nil {
					logger.Warn("failed to refresh queue item claim", "error", err)
					continue
				}
				if !held {
					logger.Info("queue item left processing, stopping delivery")
					abort()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// deliver sends the item to its outstanding recipients and records their
// results on item. A non-nil error means no recipient could be attempted.
func (p *Processor) deliver(ctx context.Context, item *Item, attempt int) error {
	recipients, missing, err := p.resolver.Resolve(ctx, item.Outstanding())
	if err != nil {
		return delivery.NewRetryableError(fmt.Errorf("resolve recipients: %w", err))
	}

	for _, id := range missing {
		p.setResult(item, RecipientResult{
			RecipientID: id,
			Status:      RecipientSkipped,
			Error:       directory.ErrRecipientNotFound.Error(),
			Attempt:     attempt,
		})
	}

	notifications := make([]delivery.Notification, 0, len(recipients))
	for _, rec := range recipients {
		title, body, err := render(item.Payload, rec)
		if err != nil {
			p.setResult(item, RecipientResult{
				RecipientID: rec.ID,
				Status:      RecipientSkipped,
				Error:       fmt.Sprintf("render template: %v", err),
				Attempt:     attempt,
			})
			continue
		}
		notifications = append(notifications, delivery.Notification{
			NotificationID: item.NotificationID,
			Recipient:      rec,
			Title:          title,
			Body:           body,
			Channels:       item.Payload.Channels,
			Priority:       item.Payload.Priority,
		})
	}

	if len(notifications) == 0 {
		return nil
	}

	res := p.deliverer.DeliverBulk(ctx, notifications)
	for _, d := range res.Deliveries {
		p.setResult(item, resultFromDelivery(d, attempt))
	}
	return nil
}

func (p *Processor) setResult(item *Item, r RecipientResult) {
	item.SetResult(r)
	recordRecipient(r.Status)
}

// settle applies the state machine to item after an attempt and returns a
// metric label for the outcome.
func (p *Processor) settle(item *Item, attempt int, deliverErr error) string {
	now := p.now()
	item.UpdatedAt = now

	failed := item.Count(RecipientFailed)
	delivered := item.Count(RecipientDelivered)

	if deliverErr == nil && failed == 0 {
		if delivered > 0 {
			item.Status = StatusSent
			item.CompletedAt = &now
			item.LastError = summarize(item)
			return "sent"
		}

		// Every recipient failed permanently; retrying cannot help.
		item.LastError = summarize(item)
		item.ErrorHistory = append(item.ErrorHistory, ErrorEntry{Attempt: attempt, Error: item.LastError, At: now})
		item.Attempts = item.MaxAttempts
		item.Status = StatusFailed
		item.CompletedAt = &now
		return "failed_permanent"
	}

	item.LastError = summarize(item)
	if deliverErr != nil {
		item.LastError = deliverErr.Error()
	}
	item.ErrorHistory = append(item.ErrorHistory, ErrorEntry{Attempt: attempt, Error: item.LastError, At: now})
	item.Attempts = attempt

	if item.Attempts >= item.MaxAttempts {
		item.Attempts = item.MaxAttempts
		item.Status = StatusFailed
		item.CompletedAt = &now
		return "failed"
	}

	next := now.Add(p.Backoff(item.Attempts))
	if !next.After(item.NotBefore) {
		next = item.NotBefore.Add(p.config.BackoffBase)
	}
	item.NotBefore = next
	item.Status = StatusPending
	return "retry"
}

// Backoff returns the delay before the next attempt after attempts failures.
func (p *Processor) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	return p.config.BackoffBase * time.Duration(1<<min(attempts, 20))
}

func resultFromDelivery(d delivery.Delivery, attempt int) RecipientResult {
	r := RecipientResult{
		RecipientID:  d.RecipientID,
		Channel:      d.Channel,
		Provider:     d.Provider,
		FallbackUsed: d.FallbackUsed || d.SecondaryUsed,
		FloorUsed:    d.FloorUsed,
		Cost:         d.Cost,
		Attempt:      attempt,
	}

	switch {
	case d.Success:
		r.Status = RecipientDelivered
		r.Error = d.Warning
	case delivery.IsRetryable(d.Err):
		r.Status = RecipientFailed
		r.Error = errorText(d.Err)
	default:
		r.Status = RecipientSkipped
		r.Error = errorText(d.Err)
	}
	return r
}

func errorText(err error) string {
	if err == nil {
		return "delivery failed"
	}
	return err.Error()
}

// summarize describes failed and skipped recipients, or "" when there are none.
func summarize(item *Item) string {
	var parts []string
	seen := make(map[string]bool)
	bad := 0
	for _, r := range item.Results {
		if r.Status == RecipientDelivered {
			continue
		}
		bad++
		if r.Error != "" && !seen[r.Error] && len(parts) < 3 {
			seen[r.Error] = true
			parts = append(parts, r.Error)
		}
	}
	if bad == 0 {
		return ""
	}
	return fmt.Sprintf("%d of %d recipients not delivered: %s", bad, len(item.RecipientIDs), strings.Join(parts, "; "))
}

func render(payload Payload, rec domain.Recipient) (string, string, error) {
	if payload.Template == nil {
		return payload.Title, payload.Message, nil
	}

	values := make(map[string]string, len(payload.Variables)+1)
	maps.Copy(values, payload.Variables)
	values[templates.RecipientName] = rec.Name

	return payload.Template.Render(values)
}
