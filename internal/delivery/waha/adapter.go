// Package waha delivers chat messages through a self-hosted WhatsApp HTTP API
// (WAHA) instance.
package waha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bissquit/notifyq/internal/delivery"
	"github.com/bissquit/notifyq/internal/domain"
	"github.com/bissquit/notifyq/internal/version"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	providerName      = "waha"
	defaultTimeout    = 10 * time.Second
	defaultSession    = "default"
	defaultRateLimit  = 5.0
	availabilityTTL   = 30 * time.Second
	sessionStatusWork = "WORKING"
	maxErrorBodyRunes = 200
)

// Config holds WAHA adapter configuration.
type Config struct {
	Enabled   bool
	BaseURL   string
	APIKey    string
	Session   string
	Priority  int
	RateLimit float64 // messages per second
	Timeout   time.Duration
}

// Adapter implements delivery.Adapter for WAHA.
type Adapter struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time

	// checks collapses concurrent session lookups into one request.
	checks singleflight.Group

	mu        sync.Mutex
	checkedAt time.Time
	available bool
}

// NewAdapter creates a new WAHA adapter.
// Returns error if enabled but required config is missing.
func NewAdapter(config Config) (*Adapter, error) {
	if config.Enabled && config.BaseURL == "" {
		return nil, errors.New("waha adapter: base URL is required when enabled")
	}

	if config.Session == "" {
		config.Session = defaultSession
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	slog.Info("waha adapter configured",
		"enabled", config.Enabled,
		"base_url", config.BaseURL,
		"session", config.Session,
		"rate_limit", config.RateLimit,
	)

	return &Adapter{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		now:        time.Now,
	}, nil
}

// Name returns the provider name.
func (a *Adapter) Name() string { return providerName }

// Channel returns the chat channel.
func (a *Adapter) Channel() domain.Channel { return domain.ChannelChat }

// Cost reports WAHA as free: it is self-hosted.
func (a *Adapter) Cost() delivery.Cost { return delivery.CostFree }

// Priority returns the configured priority.
func (a *Adapter) Priority() int { return a.config.Priority }

// IsConfigured reports whether the adapter is enabled with a base URL.
func (a *Adapter) IsConfigured() bool {
	return a.config.Enabled && a.config.BaseURL != ""
}

// IsAvailable reports whether the WAHA session is WORKING. The result is
// cached for a short time to keep availability checks off the hot path.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	if !a.IsConfigured() {
		return false
	}

	if available, fresh := a.cached(); fresh {
		return available
	}

	v, _, _ := a.checks.Do(a.config.Session, func() (any, error) {
		// Waiting callers share this request. The client timeout bounds it.
		status, err := a.sessionStatus(context.WithoutCancel(ctx))
		if err != nil {
			slog.Warn("waha session status check failed", "session", a.config.Session, "error", err)
		}
		available := err == nil && status == sessionStatusWork

		a.mu.Lock()
		a.available = available
		a.checkedAt = a.now()
		a.mu.Unlock()

		return available, nil
	})
	return v.(bool)
}

func (a *Adapter) cached() (available, fresh bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.checkedAt.IsZero() || a.now().Sub(a.checkedAt) >= availabilityTTL {
		return false, false
	}
	return a.available, true
}

type sessionResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (a *Adapter) sessionStatus(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/api/sessions/%s", a.config.BaseURL, url.PathEscape(a.config.Session))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	a.setAuth(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get session: status %d", resp.StatusCode)
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	return session.Status, nil
}

type sendTextRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

type sendTextResponse struct {
	ID json.RawMessage `json:"id"`
}

// Send sends one chat message. msg.To is a phone number or a WAHA chat id.
func (a *Adapter) Send(ctx context.Context, msg delivery.Message) delivery.Outcome {
	if !a.IsConfigured() {
		return delivery.Failed(&PermanentError{Message: "adapter not configured"})
	}

	chatID := ChatID(msg.To)
	if chatID == "" {
		return delivery.Failed(&PermanentError{Message: "chat address is empty"})
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return delivery.Failed(fmt.Errorf("rate limit wait: %w", err))
	}

	text := msg.Body
	if msg.Title != "" {
		text = fmt.Sprintf("*%s*\n\n%s", msg.Title, msg.Body)
	}

	body, err := json.Marshal(sendTextRequest{
		Session: a.config.Session,
		ChatID:  chatID,
		Text:    text,
	})
	if err != nil {
		return delivery.Failed(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/api/sendText", bytes.NewReader(body))
	if err != nil {
		return delivery.Failed(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	a.setAuth(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return delivery.Failed(&RetryableError{Message: fmt.Sprintf("send request: %v", err)})
	}
	defer func() { _ = resp.Body.Close() }()

	return a.handleResponse(resp, chatID)
}

func (a *Adapter) setAuth(req *http.Request) {
	req.Header.Set("User-Agent", version.UserAgent())
	if a.config.APIKey != "" {
		req.Header.Set("X-Api-Key", a.config.APIKey)
	}
}

func (a *Adapter) handleResponse(resp *http.Response, chatID string) delivery.Outcome {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return delivery.Failed(&RetryableError{Message: fmt.Sprintf("read response: %v", err)})
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out sendTextResponse
		_ = json.Unmarshal(body, &out)
		slog.Debug("waha message sent", "chat", maskChatID(chatID))
		return delivery.Delivered(messageID(out.ID), 0)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return delivery.Failed(&PermanentError{Code: resp.StatusCode, Message: "invalid api key"})

	case resp.StatusCode == http.StatusTooManyRequests:
		return delivery.Failed(&RetryableError{Code: resp.StatusCode, Message: "rate limited"})

	case resp.StatusCode >= 500:
		a.markUnavailable()
		return delivery.Failed(&RetryableError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("server error: %s", truncate(body)),
		})

	case resp.StatusCode >= 400:
		return delivery.Failed(&PermanentError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("bad request: %s", truncate(body)),
		})

	default:
		return delivery.Failed(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body)))
	}
}

// markUnavailable forces the next IsAvailable call to re-check the session.
func (a *Adapter) markUnavailable() {
	a.mu.Lock()
	a.checkedAt = time.Time{}
	a.mu.Unlock()
}

// ChatID converts a phone number into a WAHA personal chat id.
// Values that already contain '@' are returned unchanged.
func ChatID(to string) string {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		return to
	}
	var digits strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	return digits.String() + "@c.us"
}

// messageID extracts the id from either a plain string or the
// {"_serialized": "..."} object some WAHA engines return.
func messageID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Serialized string `json:"_serialized"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Serialized
	}
	return ""
}

func maskChatID(id string) string {
	if len(id) > 8 {
		return id[:4] + "..." + id[len(id)-8:]
	}
	return id
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if utf8.RuneCountInString(s) <= maxErrorBodyRunes {
		return s
	}
	return string([]rune(s)[:maxErrorBodyRunes]) + "..."
}

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("waha error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("waha error: %s", e.Message)
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
		return fmt.Sprintf("waha error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("waha error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
