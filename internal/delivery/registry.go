package delivery

import (
	"context"
	"fmt"

	"github.com/bissquit/notifyq/internal/domain"
)

// Provider statuses reported by ListProviders.
const (
	ProviderStatusActive        = "active"
	ProviderStatusUnavailable   = "unavailable"
	ProviderStatusNotConfigured = "not_configured"
)

// ProviderStatus describes one adapter for operators.
type ProviderStatus struct {
	Name       string         `json:"name"`
	Channel    domain.Channel `json:"channel"`
	Configured bool           `json:"configured"`
	Available  bool           `json:"available"`
	Cost       Cost           `json:"cost"`
	Priority   int            `json:"priority"`
	Status     string         `json:"status"`
}

// Registry holds the router of every channel.
type Registry struct {
	routers map[domain.Channel]*Router
}

// NewRegistry creates a registry from routers. A later router for the same
// channel replaces an earlier one.
func NewRegistry(routers ...*Router) *Registry {
	m := make(map[domain.Channel]*Router, len(routers))
	for _, r := range routers {
		m[r.Channel()] = r
	}
	return &Registry{routers: m}
}

// Router returns the router for ch.
func (r *Registry) Router(ch domain.Channel) (*Router, bool) {
	router, ok := r.routers[ch]
	return router, ok
}

// Configured reports whether ch has at least one configured adapter.
func (r *Registry) Configured(ch domain.Channel) bool {
	router, ok := r.routers[ch]
	return ok && router.HasConfigured()
}

// ListProviders reports adapter status for ch, or for every channel when ch is empty.
func (r *Registry) ListProviders(ctx context.Context, ch domain.Channel) ([]ProviderStatus, error) {
	channels := domain.AllChannels
	if ch != "" {
		if !ch.IsValid() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
		}
		channels = []domain.Channel{ch}
	}

	statuses := []ProviderStatus{}
	for _, c := range channels {
		router, ok := r.routers[c]
		if !ok {
			continue
		}
		for _, a := range router.Adapters() {
			s := ProviderStatus{
				Name:       a.Name(),
				Channel:    c,
				Configured: a.IsConfigured(),
				Cost:       a.Cost(),
				Priority:   a.Priority(),
			}
			switch {
			case !s.Configured:
				s.Status = ProviderStatusNotConfigured
			case a.IsAvailable(ctx):
				s.Available = true
				s.Status = ProviderStatusActive
			default:
				s.Status = ProviderStatusUnavailable
			}
			statuses = append(statuses, s)
		}
	}

	return statuses, nil
}
