package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tikfetch/pkg/logger"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Config{NumCounters: 1000, MaxCost: 100, DefaultTTL: time.Minute}, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSetGet(t *testing.T) {
	c := newTestCache(t)

	c.Set("https://vm.tiktok.com/abc/", "https://www.tiktok.com/@u/video/1")
	v, ok := c.Get("https://vm.tiktok.com/abc/")
	require.True(t, ok)
	assert.Equal(t, "https://www.tiktok.com/@u/video/1", v)

	c.Delete("https://vm.tiktok.com/abc/")
	_, ok = c.Get("https://vm.tiktok.com/abc/")
	assert.False(t, ok)
}

func TestGetOrLoadCollapsesConcurrentLoads(t *testing.T) {
	c := newTestCache(t)

	var calls int32
	release := make(chan struct{})
	load := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "resolved", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "k", load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "resolved", r)
	}

	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, error) {
		t.Error("cached value should be served")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "resolved", v)
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := newTestCache(t)

	_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, error) { return "", errors.New("boom") })
	assert.EqualError(t, err, "boom")

	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestGetOrLoadSurvivesFirstCallerCancel(t *testing.T) {
	c := newTestCache(t)

	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "resolved", nil
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(first, "k", load)
		firstErr <- err
	}()
	<-started

	second := make(chan string, 1)
	go func() {
		v, err := c.GetOrLoad(context.Background(), "k", load)
		assert.NoError(t, err)
		second <- v
	}()
	time.Sleep(10 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	select {
	case v := <-second:
		assert.Equal(t, "resolved", v)
	case <-time.After(time.Second):
		t.Fatal("second caller did not receive the shared load")
	}
}

func TestNewRejectsNegativeTTL(t *testing.T) {
	_, err := New(Config{DefaultTTL: -time.Second}, nil)
	assert.Error(t, err)
}
