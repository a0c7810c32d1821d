//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/notifyq/internal/domain"
	"github.com/bissquit/notifyq/internal/queue"
	"github.com/bissquit/notifyq/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// uniqueID returns a readable id that does not collide across tests.
func uniqueID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

type recipientOption func(map[string]any)

func withEmail(email string) recipientOption {
	return func(body map[string]any) { body["email"] = email }
}

func withChat(address string) recipientOption {
	return func(body map[string]any) { body["chat_address"] = address }
}

func withTags(tags ...string) recipientOption {
	return func(body map[string]any) { body["tags"] = tags }
}

// putRecipient creates a recipient and returns its id.
func putRecipient(t *testing.T, client *testutil.Client, opts ...recipientOption) string {
	t.Helper()

	id := uniqueID("rcpt")
	body := map[string]any{"name": "Recipient " + id}
	for _, opt := range opts {
		opt(body)
	}

	resp, err := client.PUT("/api/v1/recipients/"+id, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, testutil.ReadBody(t, resp))
	_ = resp.Body.Close()

	return id
}

// enqueue posts a notification and returns the new item id.
func enqueue(t *testing.T, client *testutil.Client, body map[string]any) string {
	t.Helper()

	resp, err := client.POST("/api/v1/queue/items", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ack := testutil.DecodeData[queue.EnqueueResponse](t, resp)
	require.Equal(t, queue.StatusPending, ack.Status)
	return ack.ID
}

func getItem(t *testing.T, client *testutil.Client, id string) queue.Item {
	t.Helper()

	resp, err := client.GET("/api/v1/queue/items/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return testutil.DecodeData[queue.Item](t, resp)
}

// processQueue runs processor cycles until nothing due is left.
func processQueue(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for testApp.Processor().Poll(ctx) > 0 {
		require.NoError(t, ctx.Err())
	}
}

// makeDue moves an item's retry time into the past.
func makeDue(t *testing.T, id string) {
	t.Helper()

	_, err := testDB.Exec(context.Background(),
		`UPDATE queue_items SET not_before = NOW() - INTERVAL '1 second' WHERE id = $1`, id)
	require.NoError(t, err)
}

func messagePayload(title, message string, channels ...domain.Channel) map[string]any {
	payload := map[string]any{"title": title, "message": message}
	if len(channels) > 0 {
		payload["channels"] = channels
	}
	return payload
}
