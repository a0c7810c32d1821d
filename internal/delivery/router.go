package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bissquit/notifyq/internal/domain"
	"github.com/bissquit/notifyq/internal/pkg/ctxlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/bissquit/notifyq/internal/delivery")

// ProviderAttempt records one adapter call made by a router.
type ProviderAttempt struct {
	Provider string        `json:"provider"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of routing one message on one channel.
type Result struct {
	Channel           domain.Channel    `json:"channel"`
	Success           bool              `json:"success"`
	ProviderUsed      string            `json:"provider_used,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	FallbackUsed      bool              `json:"fallback_used"`
	Cost              float64           `json:"cost"`
	Attempts          []ProviderAttempt `json:"attempts,omitempty"`
	Err               error             `json:"-"`
}

// Router tries the adapters of one channel in priority order until one succeeds.
type Router struct {
	channel  domain.Channel
	adapters []Adapter
}

// NewRouter creates a router for channel. Adapters for other channels are
// ignored. Adapters are ordered by priority ascending, free before paid on
// ties, then by name.
func NewRouter(channel domain.Channel, adapters ...Adapter) *Router {
	own := make([]Adapter, 0, len(adapters))
	for _, a := range adapters {
		if a == nil {
			continue
		}
		if a.Channel() != channel {
			slog.Warn("adapter registered on wrong channel, ignoring",
				"provider", a.Name(),
				"adapter_channel", a.Channel(),
				"router_channel", channel,
			)
			continue
		}
		own = append(own, a)
	}

	sort.SliceStable(own, func(i, j int) bool {
		if own[i].Priority() != own[j].Priority() {
			return own[i].Priority() < own[j].Priority()
		}
		if own[i].Cost() != own[j].Cost() {
			return own[i].Cost() == CostFree
		}
		return own[i].Name() < own[j].Name()
	})

	return &Router{channel: channel, adapters: own}
}

// Channel returns the routed channel.
func (r *Router) Channel() domain.Channel {
	return r.channel
}

// Adapters returns the adapters in try order.
func (r *Router) Adapters() []Adapter {
	return r.adapters
}

// HasConfigured reports whether at least one adapter is configured.
func (r *Router) HasConfigured() bool {
	for _, a := range r.adapters {
		if a.IsConfigured() {
			return true
		}
	}
	return false
}

// Send delivers msg through the first adapter that succeeds.
func (r *Router) Send(ctx context.Context, msg Message) Result {
	ctx, span := tracer.Start(ctx, "delivery.Router.Send")
	defer span.End()
	span.SetAttributes(attribute.String("channel", string(r.channel)))

	res := Result{Channel: r.channel}
	logger := ctxlog.FromContext(ctx)

	var candidates []Adapter
	configured := 0
	for _, a := range r.adapters {
		if !a.IsConfigured() {
			continue
		}
		configured++
		if !a.IsAvailable(ctx) {
			logger.Debug("provider not available", "channel", r.channel, "provider", a.Name())
			continue
		}
		candidates = append(candidates, a)
	}

	if len(candidates) == 0 {
		if configured == 0 {
			res.Err = &ChannelUnavailableError{
				Channel: r.channel,
				Reason:  "no provider configured",
				Err:     ErrChannelNotConfigured,
			}
			recordChannelUnavailable(r.channel, "not_configured")
		} else {
			res.Err = &ChannelUnavailableError{
				Channel:   r.channel,
				Reason:    "no provider available",
				Retryable: true,
			}
			recordChannelUnavailable(r.channel, "unavailable")
		}
		span.SetStatus(codes.Error, res.Err.Error())
		return res
	}

	var errs []error
	retryable := false
	for i, a := range candidates {
		start := time.Now()
		out := a.Send(ctx, msg)
		duration := time.Since(start)

		attempt := ProviderAttempt{Provider: a.Name(), Success: out.Success, Duration: duration}

		if out.Success {
			res.Attempts = append(res.Attempts, attempt)
			res.Success = true
			res.ProviderUsed = a.Name()
			res.ProviderMessageID = out.ProviderMessageID
			res.FallbackUsed = i > 0
			res.Cost = out.Cost

			recordProviderSend(r.channel, a.Name(), "success", duration)
			if res.FallbackUsed {
				recordFallback(r.channel)
			}
			span.SetAttributes(
				attribute.String("provider", a.Name()),
				attribute.Bool("fallback_used", res.FallbackUsed),
			)
			return res
		}

		err := out.Err
		if err == nil {
			err = errors.New("send reported failure without error")
		}
		attempt.Error = err.Error()
		res.Attempts = append(res.Attempts, attempt)
		errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		if IsRetryable(err) {
			retryable = true
		}

		recordProviderSend(r.channel, a.Name(), "failure", duration)
		logger.Warn("provider send failed",
			"channel", r.channel,
			"provider", a.Name(),
			"retryable", IsRetryable(err),
			"error", err,
		)

		if ctx.Err() != nil {
			break
		}
	}

	res.Err = &ChannelUnavailableError{
		Channel:   r.channel,
		Reason:    "all providers failed",
		Retryable: retryable,
		Err:       errors.Join(errs...),
	}
	recordChannelUnavailable(r.channel, "all_failed")
	span.RecordError(res.Err)
	span.SetStatus(codes.Error, res.Err.Error())

	return res
}
