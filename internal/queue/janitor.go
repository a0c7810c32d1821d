package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// JanitorConfig contains maintenance configuration.
type JanitorConfig struct {
	// Schedule is a cron spec such as "@every 1h" or "0 3 * * *".
	Schedule      string
	RetentionDays int
	StuckAfter    time.Duration
}

// DefaultJanitorConfig returns default maintenance configuration.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Schedule:      "@every 1h",
		RetentionDays: 7,
		StuckAfter:    10 * time.Minute,
	}
}

// Janitor purges old terminal items, returns items stuck in processing to
// pending and refreshes the queue size gauges.
type Janitor struct {
	config JanitorConfig
	repo   Repository
	cron   *cron.Cron
	now    func() time.Time
}

// NewJanitor creates a new queue janitor.
func NewJanitor(config JanitorConfig, repo Repository) *Janitor {
	defaults := DefaultJanitorConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = defaults.RetentionDays
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = defaults.StuckAfter
	}

	return &Janitor{
		config: config,
		repo:   repo,
		cron:   cron.New(),
		now:    time.Now,
	}
}

// Start schedules maintenance runs and refreshes gauges immediately.
func (j *Janitor) Start(ctx context.Context) error {
	if _, err := j.cron.AddFunc(j.config.Schedule, func() { j.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule queue janitor %q: %w", j.config.Schedule, err)
	}
	j.cron.Start()

	slog.Info("starting queue janitor",
		"schedule", j.config.Schedule,
		"retention_days", j.config.RetentionDays,
		"stuck_after", j.config.StuckAfter,
	)

	j.refreshGauges(ctx)
	return nil
}

// Stop stops scheduling and waits for a running pass to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	slog.Info("queue janitor stopped")
}

// RunOnce performs one maintenance pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := j.now()

	recovered, err := j.repo.RecoverStuck(ctx, now.Add(-j.config.StuckAfter), now)
	if err != nil {
		slog.Error("failed to recover stuck queue items", "error", err)
	} else if recovered > 0 {
		recordRecovered(recovered)
		slog.Warn("recovered queue items stuck in processing", "count", recovered)
	}

	cutoff := now.Add(-time.Duration(j.config.RetentionDays) * 24 * time.Hour)
	purged, err := j.repo.Purge(ctx, cutoff)
	if err != nil {
		slog.Error("failed to purge queue items", "error", err)
	} else if purged > 0 {
		recordPurged(purged)
		slog.Info("purged old queue items", "count", purged, "cutoff", cutoff)
	}

	j.refreshGauges(ctx)
}

func (j *Janitor) refreshGauges(ctx context.Context) {
	counts, err := j.repo.CountByStatus(ctx)
	if err != nil {
		slog.Error("failed to count queue items", "error", err)
		return
	}
	recordQueueSize(counts)
}
