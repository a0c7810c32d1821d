// Package cache decorates a directory with a Redis TTL cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/bissquit/notifyq/internal/directory"
	"github.com/bissquit/notifyq/internal/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "notifyq:recipient:"

// Resolver caches recipient lookups of an underlying directory.
// Only found recipients are cached, and every entry expires after ttl.
type Resolver struct {
	next   directory.Resolver
	client redis.UniversalClient
	ttl    time.Duration
}

// NewResolver creates a caching resolver in front of next.
func NewResolver(next directory.Resolver, client redis.UniversalClient, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{next: next, client: client, ttl: ttl}
}

// Resolve serves cached recipients and loads the rest from the directory.
// Cache failures fall through to the directory.
func (r *Resolver) Resolve(ctx context.Context, ids []string) ([]domain.Recipient, []string, error) {
	ids = directory.Dedupe(ids)
	if len(ids) == 0 {
		return nil, nil, nil
	}

	found := make(map[string]domain.Recipient, len(ids))

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		slog.Warn("recipient cache read failed", "error", err)
		values = nil
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec domain.Recipient
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		found[ids[i]] = rec
	}
	recordLookup(len(found), len(ids)-len(found))

	var toLoad []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			toLoad = append(toLoad, id)
		}
	}

	if len(toLoad) > 0 {
		loaded, _, err := r.next.Resolve(ctx, toLoad)
		if err != nil {
			return nil, nil, err
		}
		r.store(ctx, loaded)
		for _, rec := range loaded {
			found[rec.ID] = rec
		}
	}

	recipients, missing := directory.Order(ids, found)
	return recipients, missing, nil
}

// Invalidate drops cached entries for ids.
func (r *Resolver) Invalidate(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (r *Resolver) store(ctx context.Context, recipients []domain.Recipient) {
	if len(recipients) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	for _, rec := range recipients {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		pipe.Set(ctx, keyPrefix+rec.ID, data, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("recipient cache write failed", "error", err)
	}
}
