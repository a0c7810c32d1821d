package schedule

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/notifyq/internal/directory"
	"github.com/bissquit/notifyq/internal/queue"
)

type memRepo struct {
	mu   sync.Mutex
	defs map[string]*Definition
}

func newMemRepo() *memRepo {
	return &memRepo{defs: make(map[string]*Definition)}
}

func cloneDef(d *Definition) *Definition {
	c := *d
	if d.NextExecution != nil {
		t := *d.NextExecution
		c.NextExecution = &t
	}
	if d.LastExecution != nil {
		t := *d.LastExecution
		c.LastExecution = &t
	}
	c.Schedule.DaysOfWeek = slices.Clone(d.Schedule.DaysOfWeek)
	return &c
}

func (m *memRepo) Create(_ context.Context, def *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = cloneDef(def)
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (*Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	return cloneDef(d), nil
}

func (m *memRepo) List(_ context.Context, filter Filter) ([]*Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Definition, 0)
	for _, d := range m.defs {
		if filter.Status == "" || d.Status == filter.Status {
			out = append(out, cloneDef(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Definition, 0)
	for _, d := range m.defs {
		eligible := d.Status == StatusActive || (d.Status == StatusPaused && d.AutoResume)
		if eligible && d.NextExecution != nil && !d.NextExecution.After(now) {
			out = append(out, cloneDef(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextExecution.Before(*out[j].NextExecution) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) Update(_ context.Context, def *Definition, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[def.ID]
	if !ok {
		return ErrDefinitionNotFound
	}
	if d.Status != from {
		return ErrStatusChanged
	}
	m.defs[def.ID] = cloneDef(def)
	return nil
}

func (m *memRepo) put(d *Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[d.ID] = cloneDef(d)
}

func (m *memRepo) get(id string) *Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneDef(m.defs[id])
}

type fakeTargets struct {
	ids []string
	err error
}

func (f *fakeTargets) ResolveTargets(_ context.Context, t directory.Target) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(t.RecipientIDs) > 0 {
		return t.RecipientIDs, nil
	}
	return f.ids, nil
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	requests []queue.EnqueueRequest
	err      error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, req queue.EnqueueRequest) (*queue.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &queue.Item{ID: "item-" + req.NotificationID, RecipientIDs: req.RecipientIDs}, nil
}

var errQueueDown = errors.New("queue unavailable")

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func dailyDefinition(id string, next time.Time) *Definition {
	return &Definition{
		ID:      id,
		Name:    "daily digest",
		Payload: queue.Payload{Title: "Digest", Message: "Your daily digest"},
		Target:  directory.Target{Tags: []string{"ops"}},
		Schedule: Schedule{
			Type:      TypeRecurring,
			Frequency: FrequencyDaily,
			StartDate: at("2025-01-01T09:00:00Z"),
			Time:      "09:00",
		},
		Status:        StatusActive,
		NextExecution: &next,
		CreatedAt:     at("2025-01-01T00:00:00Z"),
		UpdatedAt:     at("2025-01-01T00:00:00Z"),
	}
}
