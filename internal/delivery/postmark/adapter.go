// Package postmark delivers email through the Postmark transactional API.
package postmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bissquit/notifyq/internal/delivery"
	"github.com/bissquit/notifyq/internal/domain"
	"github.com/mrz1836/postmark"
)

const (
	providerName = "postmark"
	messageTag   = "notification"
)

// Postmark API error codes that will never succeed on retry.
// https://postmarkapp.com/developer/api/overview#error-codes
var permanentCodes = map[int64]bool{
	10:  true, // bad or missing API token
	300: true, // invalid email request
	400: true, // sender signature not found
	401: true, // sender signature not confirmed
	406: true, // inactive recipient
	409: true, // JSON required
	412: true, // account pending approval
}

// Config holds Postmark adapter configuration.
type Config struct {
	Enabled        bool
	ServerToken    string
	AccountToken   string
	FromAddress    string
	Priority       int
	CostPerMessage float64
	// BaseURL overrides the API endpoint, for tests and regional proxies.
	BaseURL string
}

// Adapter implements delivery.Adapter for Postmark.
type Adapter struct {
	config Config
	client *postmark.Client
}

// NewAdapter creates a new Postmark adapter.
// Returns error if enabled but required config is missing.
func NewAdapter(config Config) (*Adapter, error) {
	if config.Enabled {
		if config.ServerToken == "" {
			return nil, errors.New("postmark adapter: server token is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("postmark adapter: from address is required when enabled")
		}
	}

	client := postmark.NewClient(config.ServerToken, config.AccountToken)
	if config.BaseURL != "" {
		client.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}

	slog.Info("postmark adapter configured",
		"enabled", config.Enabled,
		"from_address", config.FromAddress,
	)

	return &Adapter{config: config, client: client}, nil
}

// Name returns the provider name.
func (a *Adapter) Name() string { return providerName }

// Channel returns the email channel.
func (a *Adapter) Channel() domain.Channel { return domain.ChannelEmail }

// Cost reports Postmark as paid.
func (a *Adapter) Cost() delivery.Cost { return delivery.CostPaid }

// Priority returns the configured priority.
func (a *Adapter) Priority() int { return a.config.Priority }

// IsConfigured reports whether the token and sender are set.
func (a *Adapter) IsConfigured() bool {
	return a.config.Enabled && a.config.ServerToken != "" && a.config.FromAddress != ""
}

// IsAvailable equals IsConfigured.
func (a *Adapter) IsAvailable(_ context.Context) bool {
	return a.IsConfigured()
}

// Send delivers one email to msg.To.
func (a *Adapter) Send(ctx context.Context, msg delivery.Message) delivery.Outcome {
	if !a.IsConfigured() {
		return delivery.Failed(delivery.NewNonRetryableError(errors.New("postmark adapter not configured")))
	}
	if strings.TrimSpace(msg.To) == "" {
		return delivery.Failed(delivery.NewNonRetryableError(delivery.ErrNoContact))
	}

	resp, err := a.client.SendEmail(ctx, postmark.Email{
		From:     a.config.FromAddress,
		To:       msg.To,
		Subject:  msg.Title,
		TextBody: msg.Body,
		Tag:      messageTag,
	})

	if resp.ErrorCode != 0 {
		apiErr := fmt.Errorf("postmark error %d: %s", resp.ErrorCode, resp.Message)
		if permanentCodes[int64(resp.ErrorCode)] {
			return delivery.Failed(delivery.NewNonRetryableError(apiErr))
		}
		return delivery.Failed(delivery.NewRetryableError(apiErr))
	}
	if err != nil {
		return delivery.Failed(delivery.NewRetryableError(fmt.Errorf("postmark send: %w", err)))
	}

	return delivery.Delivered(resp.MessageID, a.config.CostPerMessage)
}
