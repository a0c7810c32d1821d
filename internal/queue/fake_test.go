package queue

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/notifyq/internal/delivery"
	"github.com/bissquit/notifyq/internal/domain"
)

// memRepo is an in-memory Repository with the same conditional-write
// semantics as the postgres store.
type memRepo struct {
	mu    sync.Mutex
	items   map[string]*Item
	touches int

	// beforeUpdate runs inside Update before the status check.
	beforeUpdate func(id string)
}

func newMemRepo() *memRepo {
	return &memRepo{items: make(map[string]*Item)}
}

func clone(it *Item) *Item {
	c := *it
	c.RecipientIDs = slices.Clone(it.RecipientIDs)
	c.ErrorHistory = slices.Clone(it.ErrorHistory)
	c.Results = slices.Clone(it.Results)
	if it.ProcessedAt != nil {
		t := *it.ProcessedAt
		c.ProcessedAt = &t
	}
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (m *memRepo) Create(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = clone(item)
	return nil
}

func (m *memRepo) CreateBatch(ctx context.Context, items []*Item) error {
	for _, it := range items {
		if err := m.Create(ctx, it); err != nil {
			return err
		}
	}
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return clone(it), nil
}

func (m *memRepo) List(_ context.Context, filter Filter) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Item, 0)
	for _, it := range m.items {
		if filter.Status != "" && it.Status != filter.Status {
			continue
		}
		if filter.BatchID != "" && it.BatchID != filter.BatchID {
			continue
		}
		out = append(out, clone(it))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memRepo) FetchDue(_ context.Context, now time.Time, limit int) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Item, 0)
	for _, it := range m.items {
		if it.Status == StatusPending && !it.NotBefore.After(now) {
			out = append(out, clone(it))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NotBefore.Equal(out[j].NotBefore) {
			return out[i].NotBefore.Before(out[j].NotBefore)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Status != StatusPending {
		return false, nil
	}
	it.Status = StatusProcessing
	it.ProcessedAt = &now
	it.UpdatedAt = now
	return true, nil
}

func (m *memRepo) Touch(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Status != StatusProcessing {
		return false, nil
	}
	it.ProcessedAt = &now
	m.touches++
	return true, nil
}

func (m *memRepo) touchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touches
}

func (m *memRepo) Update(_ context.Context, item *Item, from Status) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate(item.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[item.ID]
	if !ok {
		return ErrItemNotFound
	}
	if it.Status != from {
		return ErrStatusChanged
	}
	m.items[item.ID] = clone(item)
	return nil
}

func (m *memRepo) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, it := range m.items {
		if it.Status.IsTerminal() && it.UpdatedAt.Before(cutoff) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

func (m *memRepo) RecoverStuck(_ context.Context, cutoff, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, it := range m.items {
		if it.Status != StatusProcessing || it.ProcessedAt == nil || !it.ProcessedAt.Before(cutoff) {
			continue
		}
		it.Attempts = min(it.Attempts+1, it.MaxAttempts)
		it.Status = StatusPending
		if it.Attempts >= it.MaxAttempts {
			it.Status = StatusFailed
			it.CompletedAt = &now
		}
		if it.NotBefore.Before(now) {
			it.NotBefore = now
		}
		it.LastError = InterruptedError
		it.ErrorHistory = append(it.ErrorHistory, ErrorEntry{Attempt: it.Attempts, Error: InterruptedError, At: now})
		it.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *memRepo) CountByStatus(_ context.Context) (map[Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Status]int64)
	for _, it := range m.items {
		counts[it.Status]++
	}
	return counts, nil
}

func (m *memRepo) CompletionStats(_ context.Context, since time.Time) (CompletionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats CompletionStats
	var total float64
	for _, it := range m.items {
		if it.CompletedAt == nil || it.CompletedAt.Before(since) {
			continue
		}
		switch it.Status {
		case StatusSent:
			stats.Sent++
			if it.ProcessedAt != nil {
				total += it.CompletedAt.Sub(*it.ProcessedAt).Seconds()
			}
		case StatusFailed:
			stats.Failed++
		}
	}
	if stats.Sent > 0 {
		stats.AvgProcessingSeconds = total / float64(stats.Sent)
	}
	return stats, nil
}

func (m *memRepo) put(it *Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[it.ID] = clone(it)
}

func (m *memRepo) get(id string) *Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.items[id])
}

// fakeResolver knows a fixed set of recipients.
type fakeResolver struct {
	recipients map[string]domain.Recipient
	err        error
}

func newFakeResolver(ids ...string) *fakeResolver {
	r := &fakeResolver{recipients: make(map[string]domain.Recipient)}
	for _, id := range ids {
		r.recipients[id] = domain.Recipient{ID: id, Name: "Name " + id, Email: id + "@example.com", Active: true}
	}
	return r
}

func (f *fakeResolver) Resolve(_ context.Context, ids []string) ([]domain.Recipient, []string, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	var found []domain.Recipient
	var missing []string
	for _, id := range ids {
		if r, ok := f.recipients[id]; ok {
			found = append(found, r)
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

// fakeDeliverer succeeds unless an error is registered for the recipient.
type fakeDeliverer struct {
	mu     sync.Mutex
	fail   map[string]error
	calls  [][]delivery.Notification
	onCall func(ctx context.Context)
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{fail: make(map[string]error)}
}

func (f *fakeDeliverer) failFor(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[id] = err
}

func (f *fakeDeliverer) succeedFor(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fail, id)
}

func (f *fakeDeliverer) DeliverBulk(ctx context.Context, ns []delivery.Notification) delivery.BulkResult {
	if f.onCall != nil {
		f.onCall(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, slices.Clone(ns))

	res := delivery.BulkResult{}
	for _, n := range ns {
		if err, ok := f.fail[n.Recipient.ID]; ok {
			res.Deliveries = append(res.Deliveries, delivery.Delivery{RecipientID: n.Recipient.ID, Err: err})
			res.Failed++
			continue
		}
		res.Deliveries = append(res.Deliveries, delivery.Delivery{
			RecipientID: n.Recipient.ID,
			Success:     true,
			Channel:     domain.ChannelEmail,
			Provider:    "smtp",
			Cost:        0.01,
		})
		res.Sent++
	}
	return res
}

func (f *fakeDeliverer) recipientsOf(call int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.calls[call]))
	for _, n := range f.calls[call] {
		ids = append(ids, n.Recipient.ID)
	}
	return ids
}

func (f *fakeDeliverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// recordingPublisher keeps published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []DeliveryEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e DeliveryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func pendingItem(id string, now time.Time, recipients ...string) *Item {
	return &Item{
		ID:             id,
		NotificationID: "n-" + id,
		RecipientIDs:   recipients,
		Payload:        Payload{Title: "Title", Message: "Body"},
		Status:         StatusPending,
		MaxAttempts:    3,
		NotBefore:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
		ErrorHistory:   []ErrorEntry{},
		Results:        []RecipientResult{},
	}
}
