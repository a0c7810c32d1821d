package postmark

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bissquit/notifyq/internal/delivery"
	"github.com/bissquit/notifyq/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a, err := NewAdapter(Config{
		Enabled:        true,
		ServerToken:    "server-token",
		FromAddress:    "alerts@example.com",
		CostPerMessage: 0.00125,
		BaseURL:        server.URL,
	})
	require.NoError(t, err)
	return a
}

func TestNewAdapter_Validation(t *testing.T) {
	_, err := NewAdapter(Config{Enabled: true, FromAddress: "a@b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server token is required")

	_, err = NewAdapter(Config{Enabled: true, ServerToken: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from address is required")

	a, err := NewAdapter(Config{})
	require.NoError(t, err)
	assert.False(t, a.IsConfigured())
}

func TestAdapter_Metadata(t *testing.T) {
	a, err := NewAdapter(Config{Enabled: true, ServerToken: "t", FromAddress: "a@b", Priority: 5})
	require.NoError(t, err)

	assert.Equal(t, "postmark", a.Name())
	assert.Equal(t, domain.ChannelEmail, a.Channel())
	assert.Equal(t, delivery.CostPaid, a.Cost())
	assert.Equal(t, 5, a.Priority())
	assert.True(t, a.IsAvailable(context.Background()))
}

func TestAdapter_Send_Success(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/email", r.URL.Path)
		assert.Equal(t, "server-token", r.Header.Get("X-Postmark-Server-Token"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "bob@example.com", payload["To"])
		assert.Equal(t, "Deploy finished", payload["Subject"])
		assert.Equal(t, "All green", payload["TextBody"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"To":"bob@example.com","MessageID":"pm-123","ErrorCode":0,"Message":"OK"}`))
	})

	out := a.Send(context.Background(), delivery.Message{To: "bob@example.com", Title: "Deploy finished", Body: "All green"})

	require.True(t, out.Success, "error: %v", out.Err)
	assert.Equal(t, "pm-123", out.ProviderMessageID)
	assert.InDelta(t, 0.00125, out.Cost, 1e-9)
}

func TestAdapter_Send_APIErrors(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		retryable bool
	}{
		{"inactive recipient", 406, false},
		{"invalid request", 300, false},
		{"unknown code", 701, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]any{"ErrorCode": tt.code, "Message": "rejected"})
			})

			out := a.Send(context.Background(), delivery.Message{To: "bob@example.com", Body: "x"})

			require.False(t, out.Success)
			assert.Contains(t, out.Err.Error(), "rejected")
			assert.Equal(t, tt.retryable, delivery.IsRetryable(out.Err))
		})
	}
}

func TestAdapter_Send_ServerError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	})

	out := a.Send(context.Background(), delivery.Message{To: "bob@example.com", Body: "x"})

	require.False(t, out.Success)
	assert.True(t, delivery.IsRetryable(out.Err))
}

func TestAdapter_Send_NoRecipient(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	})

	out := a.Send(context.Background(), delivery.Message{Body: "x"})

	require.False(t, out.Success)
	assert.ErrorIs(t, out.Err, delivery.ErrNoContact)
}
