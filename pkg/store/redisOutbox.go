package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/zoff-tech/telemetry-uploader/pkg/outbox"
)

// RedisOutbox keeps JSON-encoded entries in a list: head at index 0, requeue
// with RPUSH.
type RedisOutbox struct {
	client *redis.Client
	key    string
	peeked bool
	closed bool
}

func NewRedisOutbox(client *redis.Client, key string) *RedisOutbox {
	return &RedisOutbox{client: client, key: key}
}

func (r *RedisOutbox) HasPending(ctx context.Context) (bool, error) {
	n, err := r.PendingCount(ctx)
	return n > 0, err
}

func (r *RedisOutbox) PendingCount(ctx context.Context) (int, error) {
	var n int64
	err := r.run(ctx, "PendingCount", func(ctx context.Context) (int, error) {
		var err error
		n, err = r.client.LLen(ctx, r.key).Result()
		return 1, err
	})
	return int(n), err
}

func (r *RedisOutbox) Peek(ctx context.Context) (outbox.Entry, bool, error) {
	var (
		entry outbox.Entry
		found bool
	)
	err := r.run(ctx, "Peek", func(ctx context.Context) (int, error) {
		raw, err := r.client.LIndex(ctx, r.key, 0).Bytes()
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return 0, fmt.Errorf("decode entry: %w", err)
		}
		r.peeked = true
		found = true
		return 1, nil
	})
	return entry, found, err
}

func (r *RedisOutbox) Pop(ctx context.Context) error {
	if !r.peeked {
		return outbox.ErrNotPeeked
	}
	return r.run(ctx, "Pop", func(ctx context.Context) (int, error) {
		if err := r.client.LPop(ctx, r.key).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return 0, err
		}
		r.peeked = false
		return 1, nil
	})
}

func (r *RedisOutbox) Requeue(ctx context.Context, entry outbox.Entry) error {
	return r.run(ctx, "Requeue", func(ctx context.Context) (int, error) {
		raw, err := json.Marshal(entry)
		if err != nil {
			return 0, err
		}
		return 1, r.client.RPush(ctx, r.key, raw).Err()
	})
}

func (r *RedisOutbox) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

func (r *RedisOutbox) run(ctx context.Context, operation string, fn func(ctx context.Context) (int, error)) error {
	if r.closed {
		return outbox.ErrClosed
	}
	return withSpan(ctx, "redis", operation, fn)
}
