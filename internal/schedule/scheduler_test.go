package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schedulerFixture struct {
	repo      *memRepo
	targets   *fakeTargets
	enqueuer  *fakeEnqueuer
	scheduler *Scheduler
	now       time.Time
}

func newSchedulerFixture(now time.Time) *schedulerFixture {
	f := &schedulerFixture{
		repo:     newMemRepo(),
		targets:  &fakeTargets{ids: []string{"r1", "r2"}},
		enqueuer: &fakeEnqueuer{},
		now:      now,
	}
	f.scheduler = NewScheduler(DefaultSchedulerConfig(), f.repo, f.targets, f.enqueuer)
	f.scheduler.now = fixedClock(now)
	return f
}

func TestScheduler_Tick_ExecutesDueDefinition(t *testing.T) {
	now := at("2025-03-10T09:00:30Z")
	f := newSchedulerFixture(now)
	f.repo.put(dailyDefinition("d1", at("2025-03-10T09:00:00Z")))
	f.repo.put(dailyDefinition("later", at("2025-03-11T09:00:00Z")))

	assert.Equal(t, 1, f.scheduler.Tick(context.Background()))

	require.Len(t, f.enqueuer.requests, 1)
	req := f.enqueuer.requests[0]
	assert.Equal(t, "d1", req.NotificationID)
	assert.Equal(t, []string{"r1", "r2"}, req.RecipientIDs)
	assert.Equal(t, "Your daily digest", req.Payload.Message)

	def := f.repo.get("d1")
	assert.Equal(t, StatusActive, def.Status)
	assert.Equal(t, 1, def.ExecutionCount)
	require.NotNil(t, def.LastExecution)
	assert.Equal(t, now, *def.LastExecution)
	require.NotNil(t, def.NextExecution)
	assert.Equal(t, at("2025-03-11T09:00:00Z"), *def.NextExecution)
	assert.True(t, def.NextExecution.After(*def.LastExecution))

	assert.Equal(t, 0, f.repo.get("later").ExecutionCount)
}

func TestScheduler_Tick_OnceCompletes(t *testing.T) {
	now := at("2025-03-10T12:00:00Z")
	f := newSchedulerFixture(now)
	def := dailyDefinition("once", at("2025-03-10T12:00:00Z"))
	def.Schedule = Schedule{Type: TypeOnce, StartDate: at("2025-03-10T12:00:00Z")}
	f.repo.put(def)

	assert.Equal(t, 1, f.scheduler.Tick(context.Background()))

	stored := f.repo.get("once")
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Nil(t, stored.NextExecution)
	assert.Equal(t, 1, stored.ExecutionCount)

	assert.Equal(t, 0, f.scheduler.Tick(context.Background()))
}

func TestScheduler_Tick_MaxExecutionsCompletes(t *testing.T) {
	f := newSchedulerFixture(at("2025-03-10T09:00:00Z"))
	def := dailyDefinition("d1", at("2025-03-10T09:00:00Z"))
	def.ExecutionCount = 4
	def.MaxExecutions = 5
	f.repo.put(def)

	f.scheduler.Tick(context.Background())

	stored := f.repo.get("d1")
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Nil(t, stored.NextExecution)
	assert.Equal(t, 5, stored.ExecutionCount)
}

func TestScheduler_Tick_EndDateCompletes(t *testing.T) {
	f := newSchedulerFixture(at("2025-03-10T09:00:00Z"))
	def := dailyDefinition("d1", at("2025-03-10T09:00:00Z"))
	end := at("2025-03-10T23:59:00Z")
	def.Schedule.EndDate = &end
	f.repo.put(def)

	f.scheduler.Tick(context.Background())

	assert.Equal(t, StatusCompleted, f.repo.get("d1").Status)
}

func TestScheduler_Tick_FailurePausesAndRetries(t *testing.T) {
	now := at("2025-03-10T09:00:00Z")
	f := newSchedulerFixture(now)
	f.enqueuer.err = errQueueDown
	f.repo.put(dailyDefinition("d1", now))

	assert.Equal(t, 0, f.scheduler.Tick(context.Background()))

	def := f.repo.get("d1")
	assert.Equal(t, StatusPaused, def.Status)
	assert.True(t, def.AutoResume)
	assert.Contains(t, def.LastError, "queue unavailable")
	assert.Equal(t, 0, def.ExecutionCount)
	require.NotNil(t, def.NextExecution)
	assert.Equal(t, now.Add(30*time.Minute), *def.NextExecution)

	// Retried once the delay has passed, and the series continues.
	f.enqueuer.err = nil
	f.scheduler.now = fixedClock(now.Add(31 * time.Minute))
	assert.Equal(t, 1, f.scheduler.Tick(context.Background()))

	def = f.repo.get("d1")
	assert.Equal(t, StatusActive, def.Status)
	assert.False(t, def.AutoResume)
	assert.Empty(t, def.LastError)
	assert.Equal(t, 1, def.ExecutionCount)
	assert.Equal(t, at("2025-03-11T09:00:00Z"), *def.NextExecution)
}

func TestScheduler_Tick_TargetFailures(t *testing.T) {
	tests := []struct {
		name    string
		targets *fakeTargets
		want    string
	}{
		{name: "resolution error", targets: &fakeTargets{err: errQueueDown}, want: "resolve targets"},
		{name: "nobody selected", targets: &fakeTargets{}, want: ErrEmptyTarget.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := at("2025-03-10T09:00:00Z")
			f := newSchedulerFixture(now)
			f.scheduler.targets = tt.targets
			f.repo.put(dailyDefinition("d1", now))

			f.scheduler.Tick(context.Background())

			def := f.repo.get("d1")
			assert.Equal(t, StatusPaused, def.Status)
			assert.Contains(t, def.LastError, tt.want)
			assert.Empty(t, f.enqueuer.requests)
		})
	}
}

func TestScheduler_Tick_OperatorPausedIsSkipped(t *testing.T) {
	now := at("2025-03-10T09:00:00Z")
	f := newSchedulerFixture(now)
	def := dailyDefinition("d1", now)
	def.Status = StatusPaused
	f.repo.put(def)

	assert.Equal(t, 0, f.scheduler.Tick(context.Background()))
	assert.Empty(t, f.enqueuer.requests)
}

func TestScheduler_Tick_SingleFlight(t *testing.T) {
	now := at("2025-03-10T09:00:00Z")
	f := newSchedulerFixture(now)
	f.repo.put(dailyDefinition("d1", now))

	f.scheduler.running.Store(true)
	assert.Equal(t, 0, f.scheduler.Tick(context.Background()))

	f.scheduler.running.Store(false)
	assert.Equal(t, 1, f.scheduler.Tick(context.Background()))
}

func TestScheduler_StartStop(t *testing.T) {
	now := at("2025-03-10T09:00:00Z")
	f := newSchedulerFixture(now)
	f.scheduler.config.TickInterval = 10 * time.Millisecond
	f.repo.put(dailyDefinition("d1", now))

	f.scheduler.Start(context.Background())
	require.Eventually(t, func() bool {
		return f.repo.get("d1").ExecutionCount == 1
	}, 2*time.Second, 10*time.Millisecond)
	f.scheduler.Stop()
}
