package cache

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bissquit/notifyq/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	recipients map[string]domain.Recipient
	calls      [][]string
}

func (s *stubResolver) Resolve(_ context.Context, ids []string) ([]domain.Recipient, []string, error) {
	s.calls = append(s.calls, ids)
	var found []domain.Recipient
	var missing []string
	for _, id := range ids {
		if r, ok := s.recipients[id]; ok {
			found = append(found, r)
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

// unreachableClient points at a closed port so every command fails fast.
func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestResolver_FallsThroughWhenCacheUnavailable(t *testing.T) {
	next := &stubResolver{recipients: map[string]domain.Recipient{
		"a": {ID: "a", Email: "a@example.com"},
		"b": {ID: "b", Email: "b@example.com"},
	}}
	r := NewResolver(next, unreachableClient(t), time.Minute)

	found, missing, err := r.Resolve(context.Background(), []string{"b", "x", "a", "b"})

	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "b", found[0].ID)
	assert.Equal(t, "a", found[1].ID)
	assert.Equal(t, []string{"x"}, missing)
	require.Len(t, next.calls, 1)
	assert.Equal(t, []string{"b", "x", "a"}, next.calls[0])
}

func TestResolver_EmptyInput(t *testing.T) {
	next := &stubResolver{}
	r := NewResolver(next, unreachableClient(t), 0)

	found, missing, err := r.Resolve(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Empty(t, missing)
	assert.Empty(t, next.calls)
	assert.Equal(t, 5*time.Minute, r.ttl)
}
