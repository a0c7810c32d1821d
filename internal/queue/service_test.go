package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/notifyq/internal/domain"
	"github.com/bissquit/notifyq/internal/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type channelSet map[domain.Channel]bool

func (s channelSet) Configured(ch domain.Channel) bool { return s[ch] }

type approvalFunc func(ctx context.Context, item *Item) error

func (f approvalFunc) Approve(ctx context.Context, item *Item) error { return f(ctx, item) }

type serviceFixture struct {
	repo    *memRepo
	clock   *clock
	control *Processor
	service *Service
}

func newServiceFixture(cfg ServiceConfig, channels ChannelChecker, approval ApprovalChecker) *serviceFixture {
	f := &serviceFixture{repo: newMemRepo(), clock: newClock()}
	f.control = NewProcessor(DefaultProcessorConfig(), f.repo, newFakeResolver(), newFakeDeliverer(), nil)
	f.service = NewService(cfg, f.repo, channels, approval, f.control)
	f.service.now = f.clock.Now
	return f
}

func defaultServiceFixture() *serviceFixture {
	return newServiceFixture(ServiceConfig{}, channelSet{domain.ChannelChat: true, domain.ChannelEmail: true}, nil)
}

func simpleRequest(recipients ...string) EnqueueRequest {
	return EnqueueRequest{
		RecipientIDs: recipients,
		Payload:      Payload{Title: "Maintenance", Message: "Tonight at 22:00"},
	}
}

func TestService_Enqueue(t *testing.T) {
	f := defaultServiceFixture()

	item, err := f.service.Enqueue(context.Background(), simpleRequest("r1", "r2", "r1", ""))
	require.NoError(t, err)

	assert.NotEmpty(t, item.ID)
	assert.NotEmpty(t, item.NotificationID)
	assert.Equal(t, []string{"r1", "r2"}, item.RecipientIDs)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, 3, item.MaxAttempts)
	assert.Equal(t, f.clock.Now(), item.NotBefore)

	stored, err := f.repo.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, stored.ID)
}

func TestService_Enqueue_DelayAndMaxAttempts(t *testing.T) {
	f := defaultServiceFixture()
	req := simpleRequest("r1")
	req.DelayMinutes = 15
	req.MaxAttempts = 5
	req.NotificationID = "incident-42"

	item, err := f.service.Enqueue(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, f.clock.Now().Add(15*time.Minute), item.NotBefore)
	assert.Equal(t, 5, item.MaxAttempts)
	assert.Equal(t, "incident-42", item.NotificationID)
}

func TestService_Enqueue_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*EnqueueRequest)
		wantErr error
	}{
		{
			name:    "no recipients",
			mutate:  func(r *EnqueueRequest) { r.RecipientIDs = []string{"", ""} },
			wantErr: ErrNoRecipients,
		},
		{
			name:    "no content",
			mutate:  func(r *EnqueueRequest) { r.Payload.Message = "" },
			wantErr: ErrMissingContent,
		},
		{
			name:    "negative delay",
			mutate:  func(r *EnqueueRequest) { r.DelayMinutes = -1 },
			wantErr: ErrInvalidDelay,
		},
		{
			name:    "unknown channel",
			mutate:  func(r *EnqueueRequest) { r.Payload.Channels = []domain.Channel{"pigeon"} },
			wantErr: ErrInvalidChannel,
		},
		{
			name: "template references undeclared variable",
			mutate: func(r *EnqueueRequest) {
				r.Payload.Template = &templates.Template{Subject: "Hi", Body: "{{missing}}"}
			},
			wantErr: templates.ErrUnknownVariable,
		},
		{
			name: "template missing required value",
			mutate: func(r *EnqueueRequest) {
				r.Payload.Template = &templates.Template{
					Subject:   "Hi",
					Body:      "{{code}}",
					Variables: []templates.Variable{{Name: "code", Type: templates.TypeString, Required: true}},
				}
			},
			wantErr: templates.ErrMissingValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := defaultServiceFixture()
			req := simpleRequest("r1")
			tt.mutate(&req)

			_, err := f.service.Enqueue(context.Background(), req)
			require.ErrorIs(t, err, tt.wantErr)

			counts, _ := f.repo.CountByStatus(context.Background())
			assert.Empty(t, counts)
		})
	}
}

func TestService_Enqueue_ChannelConfiguration(t *testing.T) {
	t.Run("no requested channel configured", func(t *testing.T) {
		f := newServiceFixture(ServiceConfig{}, channelSet{domain.ChannelEmail: true}, nil)
		req := simpleRequest("r1")
		req.Payload.Channels = []domain.Channel{domain.ChannelChat}

		_, err := f.service.Enqueue(context.Background(), req)
		assert.ErrorIs(t, err, ErrChannelNotConfigured)
	})

	t.Run("one requested channel configured", func(t *testing.T) {
		f := newServiceFixture(ServiceConfig{}, channelSet{domain.ChannelEmail: true}, nil)
		req := simpleRequest("r1")
		req.Payload.Channels = []domain.Channel{domain.ChannelChat, domain.ChannelEmail}

		_, err := f.service.Enqueue(context.Background(), req)
		assert.NoError(t, err)
	})

	t.Run("in-app floor accepts anything", func(t *testing.T) {
		f := newServiceFixture(ServiceConfig{InAppFloor: true}, channelSet{domain.ChannelInApp: true}, nil)
		req := simpleRequest("r1")
		req.Payload.Channels = []domain.Channel{domain.ChannelChat}

		_, err := f.service.Enqueue(context.Background(), req)
		assert.NoError(t, err)
	})
}

func TestService_Enqueue_Approval(t *testing.T) {
	deny := approvalFunc(func(_ context.Context, item *Item) error {
		if len(item.RecipientIDs) > 1 {
			return errors.New("broadcast requires review")
		}
		return nil
	})
	f := newServiceFixture(ServiceConfig{}, nil, deny)

	_, err := f.service.Enqueue(context.Background(), simpleRequest("r1"))
	require.NoError(t, err)

	_, err = f.service.Enqueue(context.Background(), simpleRequest("r1", "r2"))
	require.ErrorIs(t, err, ErrNotApproved)
	assert.Contains(t, err.Error(), "broadcast requires review")
}

func TestService_ScheduleOnce(t *testing.T) {
	f := defaultServiceFixture()
	now := f.clock.Now()

	future, err := f.service.ScheduleOnce(context.Background(), simpleRequest("r1"), now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, now.Add(48*time.Hour), future.NotBefore)

	past, err := f.service.ScheduleOnce(context.Background(), simpleRequest("r1"), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, now, past.NotBefore)
}

func TestService_EnqueueBatch(t *testing.T) {
	f := defaultServiceFixture()

	batchID, items, err := f.service.EnqueueBatch(context.Background(), []EnqueueRequest{
		simpleRequest("r1"),
		simpleRequest("r2", "r3"),
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.NotEmpty(t, batchID)
	for _, it := range items {
		assert.Equal(t, batchID, it.BatchID)
	}

	listed, err := f.service.List(context.Background(), Filter{BatchID: batchID})
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestService_EnqueueBatch_AllOrNothing(t *testing.T) {
	f := defaultServiceFixture()

	_, _, err := f.service.EnqueueBatch(context.Background(), []EnqueueRequest{
		simpleRequest("r1"),
		simpleRequest(),
	})
	require.ErrorIs(t, err, ErrNoRecipients)
	assert.Contains(t, err.Error(), "request 1")

	counts, _ := f.repo.CountByStatus(context.Background())
	assert.Empty(t, counts)

	_, _, err = f.service.EnqueueBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestService_List_InvalidStatus(t *testing.T) {
	f := defaultServiceFixture()

	_, err := f.service.List(context.Background(), Filter{Status: "lost"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestService_Cancel(t *testing.T) {
	f := defaultServiceFixture()
	now := f.clock.Now()

	pending := pendingItem("p", now, "r1")
	processing := pendingItem("w", now, "r1")
	processing.Status = StatusProcessing
	sent := pendingItem("s", now, "r1")
	sent.Status = StatusSent
	for _, it := range []*Item{pending, processing, sent} {
		f.repo.put(it)
	}

	for _, id := range []string{"p", "w"} {
		item, err := f.service.Cancel(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, item.Status)
		require.NotNil(t, item.CompletedAt)
		assert.Equal(t, StatusCancelled, f.repo.get(id).Status)
	}

	_, err := f.service.Cancel(context.Background(), "s")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.service.Cancel(context.Background(), "p")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.service.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestService_Retry_PendingIsIdempotent(t *testing.T) {
	f := defaultServiceFixture()
	it := pendingItem("i1", f.clock.Now().Add(time.Hour), "r1")
	it.Attempts = 1
	f.repo.put(it)

	first, err := f.service.Retry(context.Background(), "i1")
	require.NoError(t, err)
	second, err := f.service.Retry(context.Background(), "i1")
	require.NoError(t, err)

	for _, item := range []*Item{first, second} {
		assert.Equal(t, StatusPending, item.Status)
		assert.Equal(t, 1, item.Attempts)
		assert.Equal(t, f.clock.Now(), item.NotBefore)
	}
}

func TestService_Retry_FailedResets(t *testing.T) {
	f := defaultServiceFixture()
	now := f.clock.Now()
	it := pendingItem("i1", now, "r1", "r2", "r3")
	it.Status = StatusFailed
	it.Attempts = 3
	it.LastError = "2 of 3 recipients not delivered"
	it.CompletedAt = &now
	it.Results = []RecipientResult{
		{RecipientID: "r1", Status: RecipientDelivered},
		{RecipientID: "r2", Status: RecipientFailed},
		{RecipientID: "r3", Status: RecipientSkipped},
	}
	f.repo.put(it)

	f.clock.Advance(time.Hour)
	item, err := f.service.Retry(context.Background(), "i1")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Empty(t, item.LastError)
	assert.Nil(t, item.CompletedAt)
	assert.Equal(t, f.clock.Now(), item.NotBefore)
	assert.Equal(t, []string{"r2", "r3"}, item.Outstanding())

	stored := f.repo.get("i1")
	assert.Equal(t, StatusPending, stored.Status)
	require.Len(t, stored.Results, 1)
	assert.Equal(t, "r1", stored.Results[0].RecipientID)
}

func TestService_Retry_RejectsOtherStatuses(t *testing.T) {
	f := defaultServiceFixture()
	for _, st := range []Status{StatusSent, StatusCancelled, StatusProcessing} {
		it := pendingItem(string(st), f.clock.Now(), "r1")
		it.Status = st
		f.repo.put(it)

		_, err := f.service.Retry(context.Background(), string(st))
		assert.ErrorIs(t, err, ErrInvalidTransition, st)
	}
}

func TestService_Purge(t *testing.T) {
	f := defaultServiceFixture()
	now := f.clock.Now()

	old := pendingItem("old", now.Add(-10*24*time.Hour), "r1")
	old.Status = StatusSent
	oldPending := pendingItem("old-pending", now.Add(-10*24*time.Hour), "r1")
	recent := pendingItem("recent", now.Add(-time.Hour), "r1")
	recent.Status = StatusFailed
	for _, it := range []*Item{old, oldPending, recent} {
		f.repo.put(it)
	}

	_, err := f.service.Purge(context.Background(), 0)
	require.ErrorIs(t, err, ErrInvalidRetention)

	n, err := f.service.Purge(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.repo.Get(context.Background(), "old")
	assert.ErrorIs(t, err, ErrItemNotFound)
	_, err = f.repo.Get(context.Background(), "old-pending")
	assert.NoError(t, err)
	_, err = f.repo.Get(context.Background(), "recent")
	assert.NoError(t, err)
}

func TestService_Stats(t *testing.T) {
	f := defaultServiceFixture()
	now := f.clock.Now()

	processed := now.Add(-time.Hour)
	completed := processed.Add(4 * time.Second)

	sent := pendingItem("sent", now, "r1")
	sent.Status = StatusSent
	sent.ProcessedAt = &processed
	sent.CompletedAt = &completed

	failed := pendingItem("failed", now, "r1")
	failed.Status = StatusFailed
	failed.ProcessedAt = &processed
	failed.CompletedAt = &completed

	for _, it := range []*Item{sent, failed, pendingItem("p1", now, "r1"), pendingItem("p2", now, "r1")} {
		f.repo.put(it)
	}
	f.service.Pause()

	stats, err := f.service.Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(4), stats.TotalInQueue)
	assert.Equal(t, int64(2), stats.Pending)
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(1), stats.Failed)
	assert.True(t, stats.Paused)
	assert.InDelta(t, 4.0, stats.AverageProcessingTimeSeconds, 1e-9)
	assert.InDelta(t, 2.0/24.0, stats.ThroughputPerHour, 1e-9)
	assert.InDelta(t, 50.0, stats.ErrorRatePercent, 1e-9)

	f.service.Resume()
	stats, err = f.service.Stats(context.Background())
	require.NoError(t, err)
	assert.False(t, stats.Paused)
}

func TestService_Stats_Empty(t *testing.T) {
	f := defaultServiceFixture()

	stats, err := f.service.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalInQueue)
	assert.Zero(t, stats.ErrorRatePercent)
	assert.Zero(t, stats.ThroughputPerHour)
}
