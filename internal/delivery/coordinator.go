package delivery

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bissquit/notifyq/internal/domain"
	"github.com/bissquit/notifyq/internal/pkg/ctxlog"
)

// DefaultChannels is the preference order used when a notification names none.
var DefaultChannels = []domain.Channel{domain.ChannelChat, domain.ChannelEmail}

// CoordinatorConfig contains hybrid delivery configuration.
type CoordinatorConfig struct {
	// InAppFloor writes an in-app record when every network channel failed.
	InAppFloor    bool
	SubBatchSize  int
	Stagger       time.Duration
	SubBatchDelay time.Duration
}

// DefaultCoordinatorConfig returns default coordinator configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		InAppFloor:    true,
		SubBatchSize:  10,
		Stagger:       200 * time.Millisecond,
		SubBatchDelay: time.Second,
	}
}

// Notification is one logical message for one recipient.
type Notification struct {
	NotificationID string
	Recipient      domain.Recipient
	Title          string
	Body           string
	Channels       []domain.Channel
	Priority       string
}

// Delivery is the coordinator's outcome for one recipient.
type Delivery struct {
	RecipientID       string
	Success           bool
	Channel           domain.Channel
	Provider          string
	ProviderMessageID string
	FallbackUsed      bool
	SecondaryUsed     bool
	FloorUsed         bool
	Cost              float64
	Warning           string
	Results           []Result
	Err               error
}

// Coordinator delivers a notification over the primary channel, degrading to
// a secondary channel and then to the in-app inbox.
type Coordinator struct {
	config   CoordinatorConfig
	registry *Registry
}

// NewCoordinator creates a new hybrid delivery coordinator.
func NewCoordinator(config CoordinatorConfig, registry *Registry) *Coordinator {
	if config.SubBatchSize <= 0 {
		config.SubBatchSize = DefaultCoordinatorConfig().SubBatchSize
	}
	return &Coordinator{config: config, registry: registry}
}

// Deliver sends n to its recipient. It only fails for a recipient with
// contacts when the floor is disabled or the in-app write itself fails.
func (c *Coordinator) Deliver(ctx context.Context, n Notification) Delivery {
	d := Delivery{RecipientID: n.Recipient.ID}

	targets, missing, inAppRequested := c.plan(n)
	if len(missing) > 0 {
		d.Warning = fmt.Sprintf("no %s address", joinChannels(missing))
	}

	msg := Message{Title: n.Title, Body: n.Body, NotificationID: n.NotificationID}

	var errs ChannelErrors
	for i, ch := range targets {
		if i > 1 {
			break
		}

		m := msg
		m.To = n.Recipient.Address(ch)
		if i == 1 {
			m = fallbackCopy(m, targets[0], ch)
		}

		res := c.sendOn(ctx, ch, m)
		d.Results = append(d.Results, res)
		if res.Success {
			d.accept(res)
			d.SecondaryUsed = i == 1
			if d.SecondaryUsed {
				recordDegradation("secondary")
			}
			return d
		}
		errs = errs.add(res)
		d.Err = errs.Err()
	}

	if c.config.InAppFloor || inAppRequested {
		m := msg
		m.To = n.Recipient.ID
		if len(targets) > 0 {
			m = fallbackCopy(m, targets[0], domain.ChannelInApp)
		}

		res := c.sendOn(ctx, domain.ChannelInApp, m)
		d.Results = append(d.Results, res)
		if res.Success {
			d.accept(res)
			d.Err = nil
			d.FloorUsed = len(targets) > 0
			if d.FloorUsed {
				recordDegradation("inapp")
				ctxlog.FromContext(ctx).Info("delivered to in-app inbox as last resort",
					"recipient_id", n.Recipient.ID,
					"notification_id", n.NotificationID,
				)
			}
			return d
		}
		errs = errs.add(res)
		d.Err = errs.Err()
		return d
	}

	if len(targets) == 0 {
		d.Err = NewNonRetryableError(fmt.Errorf("%w for %s", ErrNoContact, joinChannels(missing)))
	}
	return d
}

// plan splits the requested channels into network targets the recipient can
// be reached on, channels with no address, and whether in-app was requested.
func (c *Coordinator) plan(n Notification) (targets, missing []domain.Channel, inApp bool) {
	requested := n.Channels
	if len(requested) == 0 {
		requested = DefaultChannels
	}

	for _, ch := range requested {
		if ch == domain.ChannelInApp {
			inApp = true
			continue
		}
		if !ch.IsNetwork() || slices.Contains(targets, ch) || slices.Contains(missing, ch) {
			continue
		}
		if n.Recipient.Address(ch) == "" {
			missing = append(missing, ch)
			continue
		}
		targets = append(targets, ch)
	}
	return targets, missing, inApp
}

func (c *Coordinator) sendOn(ctx context.Context, ch domain.Channel, msg Message) Result {
	router, ok := c.registry.Router(ch)
	if !ok {
		return Result{
			Channel: ch,
			Err: &ChannelUnavailableError{
				Channel: ch,
				Reason:  "no provider configured",
				Err:     ErrChannelNotConfigured,
			},
		}
	}
	return router.Send(ctx, msg)
}

func (d *Delivery) accept(res Result) {
	d.Success = true
	d.Channel = res.Channel
	d.Provider = res.ProviderUsed
	d.ProviderMessageID = res.ProviderMessageID
	d.FallbackUsed = res.FallbackUsed
	d.Cost = res.Cost
}

// fallbackCopy annotates msg as a copy of a message meant for another channel.
func fallbackCopy(msg Message, primary, actual domain.Channel) Message {
	msg.Body = fmt.Sprintf("[Sent via %s because delivery via %s failed]\n\n%s", actual, primary, msg.Body)
	return msg
}

func joinChannels(chs []domain.Channel) string {
	s := make([]string, len(chs))
	for i, ch := range chs {
		s[i] = string(ch)
	}
	return strings.Join(s, ", ")
}
