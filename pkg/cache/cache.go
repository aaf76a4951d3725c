package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
	"tikfetch/pkg/logger"
)

// Config sizes a cache
type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	DefaultTTL  time.Duration
}

// Cache is an in-memory string-keyed cache. Concurrent loads of the same
// missing key run once.
type Cache struct {
	store      *ristretto.Cache[string, string]
	group      singleflight.Group
	defaultTTL time.Duration
	log        logger.Logger
}

// New creates a cache
func New(cfg Config, log logger.Logger) (*Cache, error) {
	if cfg.BufferItems == 0 {
		cfg.BufferItems = 64
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 100000
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 10000
	}
	if cfg.DefaultTTL < 0 {
		return nil, fmt.Errorf("default TTL must be non-negative")
	}
	log = logger.OrDefault(log).WithField("component", "cache")

	store, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		OnReject: func(item *ristretto.Item[string]) {
			log.DebugWithFields("Cache item rejected", map[string]interface{}{"key_hash": item.Key})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	return &Cache{store: store, defaultTTL: cfg.DefaultTTL, log: log}, nil
}

// Get returns a cached value
func (c *Cache) Get(key string) (string, bool) {
	return c.store.Get(key)
}

// Set stores a value with the default TTL. Writes become visible after
// the cache's write buffer drains.
func (c *Cache) Set(key, value string) bool {
	ok := c.store.SetWithTTL(key, value, 1, c.defaultTTL)
	c.store.Wait()
	return ok
}

// Delete removes a key
func (c *Cache) Delete(key string) {
	c.store.Del(key)
}

// GetOrLoad returns the cached value for key or calls load once for all
// concurrent callers. load runs on a context detached from ctx, so one
// caller giving up does not fail the others waiting on the same key; ctx
// only bounds this caller's wait. Failed loads are not cached.
func (c *Cache) GetOrLoad(ctx context.Context, key string, load func(context.Context) (string, error)) (string, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load(loadCtx)
		if err != nil {
			return "", err
		}
		c.Set(key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			c.log.DebugWithFields("Cache load shared", map[string]interface{}{"key": key})
		}
		return res.Val.(string), nil
	}
}

// Close releases cache resources
func (c *Cache) Close() {
	c.store.Close()
}
