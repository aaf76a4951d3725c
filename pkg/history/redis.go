package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisRecorder pushes events onto a capped Redis list and keeps per-kind
// and per-user counters next to it
type RedisRecorder struct {
	rdb *redis.Client

	key    string
	maxLen int64
	owned  bool
}

type RedisOption func(*RedisRecorder)

func WithKey(key string) RedisOption {
	return func(r *RedisRecorder) {
		if key = strings.Trim(key, ":"); key != "" {
			r.key = key
		}
	}
}

// WithMaxLen caps the event list; zero keeps everything
func WithMaxLen(n int64) RedisOption {
	return func(r *RedisRecorder) { r.maxLen = n }
}

func NewRedisRecorder(rdb *redis.Client, opts ...RedisOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:    rdb,
		key:    "tikfetch:history",
		maxLen: 10000,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to addr and pings it before returning
func DialRedis(ctx context.Context, addr string, opts ...RedisOption) (*RedisRecorder, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis history ping: %w", err)
	}
	r := NewRedisRecorder(rdb, opts...)
	r.owned = true
	return r, nil
}

func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	if r == nil || r.rdb == nil {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal history event: %w", err)
	}

	pipe := r.rdb.Pipeline()
	pipe.LPush(ctx, r.key, data)
	if r.maxLen > 0 {
		pipe.LTrim(ctx, r.key, 0, r.maxLen-1)
	}
	if ev.Kind != "" {
		pipe.HIncrBy(ctx, r.key+":kinds", ev.Kind, 1)
	}
	pipe.HIncrBy(ctx, r.key+":users", strconv.FormatInt(ev.UserKey, 10), 1)

	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the client when the recorder dialed it
func (r *RedisRecorder) Close() error {
	if r == nil || !r.owned {
		return nil
	}
	return r.rdb.Close()
}
