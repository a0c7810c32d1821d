// Package twilio delivers chat messages through the Twilio Messages API.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/notifyq/internal/delivery"
	"github.com/bissquit/notifyq/internal/domain"
	"github.com/bissquit/notifyq/internal/version"
	"golang.org/x/time/rate"
)

const (
	providerName      = "twilio"
	defaultAPIURL     = "https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json"
	defaultTimeout    = 10 * time.Second
	defaultRateLimit  = 10.0
	defaultRetryAfter = time.Second
	whatsappPrefix    = "whatsapp:"
)

// Config holds Twilio adapter configuration.
type Config struct {
	Enabled        bool
	AccountSID     string
	AuthToken      string
	From           string // e.g. "whatsapp:+14155238886"
	Priority       int
	RateLimit      float64
	CostPerMessage float64
	Timeout        time.Duration
}

// Adapter implements delivery.Adapter for Twilio.
type Adapter struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	apiURL     string
}

// NewAdapter creates a new Twilio adapter.
// Returns error if enabled but required config is missing.
func NewAdapter(config Config) (*Adapter, error) {
	if config.Enabled {
		if config.AccountSID == "" || config.AuthToken == "" {
			return nil, errors.New("twilio adapter: account SID and auth token are required when enabled")
		}
		if config.From == "" {
			return nil, errors.New("twilio adapter: from number is required when enabled")
		}
	}

	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	slog.Info("twilio adapter configured",
		"enabled", config.Enabled,
		"from", config.From,
		"rate_limit", config.RateLimit,
	)

	return &Adapter{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		apiURL:     defaultAPIURL,
	}, nil
}

// Name returns the provider name.
func (a *Adapter) Name() string { return providerName }

// Channel returns the chat channel.
func (a *Adapter) Channel() domain.Channel { return domain.ChannelChat }

// Cost reports Twilio as paid.
func (a *Adapter) Cost() delivery.Cost { return delivery.CostPaid }

// Priority returns the configured priority.
func (a *Adapter) Priority() int { return a.config.Priority }

// IsConfigured reports whether credentials and sender are set.
func (a *Adapter) IsConfigured() bool {
	return a.config.Enabled && a.config.AccountSID != "" && a.config.AuthToken != "" && a.config.From != ""
}

// IsAvailable equals IsConfigured: the API has no session to check.
func (a *Adapter) IsAvailable(_ context.Context) bool {
	return a.IsConfigured()
}

type messageResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	Code         int    `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
	ErrorCode    *int   `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Send sends one message. msg.To is an E.164 phone number.
func (a *Adapter) Send(ctx context.Context, msg delivery.Message) delivery.Outcome {
	if !a.IsConfigured() {
		return delivery.Failed(&PermanentError{Message: "adapter not configured"})
	}
	if strings.TrimSpace(msg.To) == "" {
		return delivery.Failed(&PermanentError{Message: "recipient number is empty"})
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return delivery.Failed(fmt.Errorf("rate limit wait: %w", err))
	}

	text := msg.Body
	if msg.Title != "" {
		text = fmt.Sprintf("*%s*\n\n%s", msg.Title, msg.Body)
	}

	form := url.Values{}
	form.Set("From", a.config.From)
	form.Set("To", a.address(msg.To))
	form.Set("Body", text)

	endpoint := fmt.Sprintf(a.apiURL, a.config.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return delivery.Failed(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", version.UserAgent())
	req.SetBasicAuth(a.config.AccountSID, a.config.AuthToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return delivery.Failed(&RetryableError{Message: fmt.Sprintf("send request: %v", err)})
	}
	defer func() { _ = resp.Body.Close() }()

	return a.handleResponse(resp)
}

// address prefixes the recipient with the channel scheme used by From.
func (a *Adapter) address(to string) string {
	to = strings.TrimSpace(to)
	if strings.HasPrefix(a.config.From, whatsappPrefix) && !strings.HasPrefix(to, whatsappPrefix) {
		return whatsappPrefix + to
	}
	return to
}

func (a *Adapter) handleResponse(resp *http.Response) delivery.Outcome {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return delivery.Failed(&RetryableError{Message: fmt.Sprintf("read response: %v", err)})
	}

	var out messageResponse
	_ = json.Unmarshal(body, &out)

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		if out.ErrorCode != nil {
			return delivery.Failed(&PermanentError{Code: *out.ErrorCode, Message: out.ErrorMessage})
		}
		slog.Debug("twilio message sent", "sid", out.SID, "status", out.Status)
		return delivery.Delivered(out.SID, a.config.CostPerMessage)

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := defaultRetryAfter
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			retryAfter = time.Duration(s) * time.Second
		}
		return delivery.Failed(&RateLimitError{RetryAfter: retryAfter, Message: out.Message})

	case resp.StatusCode == http.StatusUnauthorized:
		return delivery.Failed(&PermanentError{Code: resp.StatusCode, Message: "invalid credentials"})

	case resp.StatusCode >= 500:
		return delivery.Failed(&RetryableError{Code: resp.StatusCode, Message: "server error"})

	default:
		message := out.Message
		if message == "" {
			message = strings.TrimSpace(string(body))
		}
		code := resp.StatusCode
		if out.Code != 0 {
			code = out.Code
		}
		return delivery.Failed(&PermanentError{Code: code, Message: message})
	}
}

// RateLimitError indicates the API asked the caller to slow down.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("twilio rate limit: retry after %s", e.RetryAfter)
}

// IsRetryable returns true as rate limits are temporary.
func (e *RateLimitError) IsRetryable() bool { return true }

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("twilio error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("twilio error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }

// GetRetryAfter returns the suggested wait of a rate limit error, or 0.
func GetRetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
