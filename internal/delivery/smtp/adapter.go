// Package smtp delivers email through a plain SMTP relay with STARTTLS.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/bissquit/notifyq/internal/delivery"
	"github.com/bissquit/notifyq/internal/domain"
	"github.com/google/uuid"
)

const (
	providerName   = "smtp"
	defaultPort    = 587
	defaultTimeout = 10 * time.Second
)

// Config holds SMTP adapter configuration.
type Config struct {
	Enabled     bool
	Host        string
	Port        int
	User        string
	Password    string
	FromAddress string
	Priority    int
	Timeout     time.Duration
	// InsecureSkipTLS disables STARTTLS even when the server offers it.
	InsecureSkipTLS bool
}

// Adapter implements delivery.Adapter over SMTP.
type Adapter struct {
	config Config
	auth   smtp.Auth
	now    func() time.Time
}

// NewAdapter creates a new SMTP adapter.
// Returns error if enabled but required config is missing.
func NewAdapter(config Config) (*Adapter, error) {
	if config.Enabled {
		if config.Host == "" {
			return nil, errors.New("smtp adapter: host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("smtp adapter: from address is required when enabled")
		}
	}

	if config.Port == 0 {
		config.Port = defaultPort
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	var auth smtp.Auth
	if config.User != "" && config.Password != "" {
		auth = smtp.PlainAuth("", config.User, config.Password, config.Host)
	}

	slog.Info("smtp adapter configured",
		"enabled", config.Enabled,
		"host", config.Host,
		"port", config.Port,
		"from_address", config.FromAddress,
	)

	return &Adapter{config: config, auth: auth, now: time.Now}, nil
}

// Name returns the provider name.
func (a *Adapter) Name() string { return providerName }

// Channel returns the email channel.
func (a *Adapter) Channel() domain.Channel { return domain.ChannelEmail }

// Cost reports the relay as free.
func (a *Adapter) Cost() delivery.Cost { return delivery.CostFree }

// Priority returns the configured priority.
func (a *Adapter) Priority() int { return a.config.Priority }

// IsConfigured reports whether host and sender are set.
func (a *Adapter) IsConfigured() bool {
	return a.config.Enabled && a.config.Host != "" && a.config.FromAddress != ""
}

// IsAvailable equals IsConfigured. Reachability is discovered on Send.
func (a *Adapter) IsAvailable(_ context.Context) bool {
	return a.IsConfigured()
}

// Send delivers one email to msg.To.
func (a *Adapter) Send(ctx context.Context, msg delivery.Message) delivery.Outcome {
	if !a.IsConfigured() {
		return delivery.Failed(delivery.NewNonRetryableError(errors.New("smtp adapter not configured")))
	}
	if strings.TrimSpace(msg.To) == "" {
		return delivery.Failed(delivery.NewNonRetryableError(delivery.ErrNoContact))
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), a.domain())
	body := a.buildMessage(messageID, msg)

	if err := a.deliver(ctx, msg.To, body); err != nil {
		if IsRetryable(err) {
			return delivery.Failed(delivery.NewRetryableError(err))
		}
		return delivery.Failed(delivery.NewNonRetryableError(err))
	}

	return delivery.Delivered(messageID, 0)
}

// domain returns the host part of the sender address for Message-ID.
func (a *Adapter) domain() string {
	addr := extractEmail(a.config.FromAddress)
	if idx := strings.LastIndex(addr, "@"); idx != -1 && idx < len(addr)-1 {
		return addr[idx+1:]
	}
	return a.config.Host
}

// buildMessage constructs the email message with headers.
func (a *Adapter) buildMessage(messageID string, msg delivery.Message) []byte {
	var b strings.Builder

	// Headers in deterministic order
	fmt.Fprintf(&b, "From: %s\r\n", a.config.FromAddress)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Title))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", a.now().Format(time.RFC1123Z))
	if msg.NotificationID != "" {
		fmt.Fprintf(&b, "X-Notification-ID: %s\r\n", msg.NotificationID)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	return []byte(b.String())
}

func (a *Adapter) deliver(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(a.config.Host, fmt.Sprint(a.config.Port))

	dialer := &net.Dialer{Timeout: a.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(a.now().Add(a.config.Timeout))
	}

	client, err := smtp.NewClient(conn, a.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok && !a.config.InsecureSkipTLS {
		tlsConfig := &tls.Config{
			ServerName: a.config.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if a.auth != nil {
		if err := client.Auth(a.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(extractEmail(a.config.FromAddress)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(extractEmail(to)); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// extractEmail extracts the email address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return strings.TrimSpace(address)
}

// IsRetryable determines if an SMTP error is retryable.
// Network failures and 4xx replies are transient; 5xx replies are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		// 552 (mailbox full) is treated as transient by most relays.
		return protoErr.Code/100 == 4 || protoErr.Code == 552
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()
	for _, code := range []string{"421", "450", "451", "452"} {
		if strings.Contains(errStr, code) {
			return true
		}
	}

	return false
}
