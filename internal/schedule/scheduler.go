package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/notifyq/internal/directory"
	"github.com/bissquit/notifyq/internal/queue"
)

// Enqueuer accepts notifications for dispatch.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Item, error)
}

// SchedulerConfig contains scheduler configuration.
type SchedulerConfig struct {
	TickInterval      time.Duration
	FailureRetryDelay time.Duration
	BatchSize         int
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:      60 * time.Second,
		FailureRetryDelay: 30 * time.Minute,
		BatchSize:         50,
	}
}

// Scheduler executes due definitions on a fixed tick.
type Scheduler struct {
	config   SchedulerConfig
	repo     Repository
	targets  directory.TargetResolver
	enqueuer Enqueuer
	now      func() time.Time

	running atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a new scheduler.
func NewScheduler(config SchedulerConfig, repo Repository, targets directory.TargetResolver, enqueuer Enqueuer) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.FailureRetryDelay <= 0 {
		config.FailureRetryDelay = defaults.FailureRetryDelay
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}

	return &Scheduler{
		config:   config,
		repo:     repo,
		targets:  targets,
		enqueuer: enqueuer,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting scheduler",
		"tick_interval", s.config.TickInterval,
		"failure_retry_delay", s.config.FailureRetryDelay,
	)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick executes every due definition once and returns how many ran
// successfully.
func (s *Scheduler) Tick(ctx context.Context) int {
	if !s.running.CompareAndSwap(false, true) {
		slog.Debug("scheduler tick skipped, previous tick still running")
		return 0
	}
	defer s.running.Store(false)

	start := time.Now()
	defer func() { recordTick(time.Since(start)) }()

	defs, err := s.repo.ListDue(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		slog.Error("failed to list due schedule definitions", "error", err)
		return 0
	}

	executed := 0
	for _, def := range defs {
		if ctx.Err() != nil {
			break
		}
		if s.execute(ctx, def) {
			executed++
		}
	}
	return executed
}

func (s *Scheduler) execute(ctx context.Context, def *Definition) bool {
	now := s.now().UTC()
	from := def.Status
	planned := def.NextExecution
	logger := slog.With("definition_id", def.ID, "name", def.Name)

	item, err := s.enqueue(ctx, def)
	def.UpdatedAt = now

	if err != nil {
		next := now.Add(s.config.FailureRetryDelay)
		def.Status = StatusPaused
		def.AutoResume = true
		def.NextExecution = &next
		def.LastError = err.Error()
	} else {
		def.ExecutionCount++
		def.LastExecution = &now
		def.LastError = ""
		def.AutoResume = false
		def.Status = StatusActive

		next, ok := ComputeNext(def.Schedule, now)
		switch {
		case def.Schedule.Type == TypeOnce, !ok,
			def.MaxExecutions > 0 && def.ExecutionCount >= def.MaxExecutions:
			def.Status = StatusCompleted
			def.NextExecution = nil
		default:
			def.NextExecution = &next
		}
	}

	if uerr := s.repo.Update(ctx, def, from); uerr != nil {
		if errors.Is(uerr, ErrStatusChanged) {
			logger.Info("schedule definition changed during execution, state not stored")
		} else {
			logger.Error("failed to store schedule definition state", "error", uerr)
		}
		return false
	}

	if err != nil {
		recordRun("failed", planned, now)
		logger.Warn("schedule execution failed, retrying later",
			"error", err,
			"next_execution", def.NextExecution,
		)
		return false
	}

	recordRun("enqueued", planned, now)
	logger.Info("schedule executed",
		"item_id", item.ID,
		"execution_count", def.ExecutionCount,
		"status", def.Status,
		"next_execution", def.NextExecution,
	)
	return true
}

func (s *Scheduler) enqueue(ctx context.Context, def *Definition) (*queue.Item, error) {
	ids, err := s.targets.ResolveTargets(ctx, def.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve targets: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrEmptyTarget
	}

	notificationID := def.NotificationID
	if notificationID == "" {
		notificationID = def.ID
	}

	item, err := s.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
		NotificationID: notificationID,
		RecipientIDs:   ids,
		Payload:        def.Payload,
		MaxAttempts:    def.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return item, nil
}
