package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "tikfetch/pkg/errors"
	"tikfetch/pkg/ratelimit"
	"tikfetch/pkg/retry"
	"tikfetch/pkg/tiktok"
)

// MockClient is a mock media downloader
type MockClient struct {
	downloadDelay   time.Duration
	failURL         string
	downloadCounter int32
}

func (m *MockClient) DownloadMedia(ctx context.Context, url string, _ *tiktok.DownloadContext) ([]byte, error) {
	atomic.AddInt32(&m.downloadCounter, 1)
	if m.downloadDelay > 0 {
		select {
		case <-time.After(m.downloadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.failURL != "" && strings.Contains(url, m.failURL) {
		return nil, fmt.Errorf("download error")
	}
	return []byte(url), nil
}

func (m *MockClient) GetDownloadCount() int {
	return int(atomic.LoadInt32(&m.downloadCounter))
}

// MockStorageManager is a mock image storage
type MockStorageManager struct {
	saved     map[string][]byte
	saveError error
	mu        sync.Mutex
}

func NewMockStorageManager() *MockStorageManager {
	return &MockStorageManager{saved: make(map[string][]byte)}
}

func (m *MockStorageManager) SaveImage(r io.Reader, id string, index int) (string, error) {
	if m.saveError != nil {
		return "", m.saveError
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%d.jpg", id, index)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[name] = data
	return name, nil
}

func (m *MockStorageManager) GetSavedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func fastRetry() *retry.Config {
	return &retry.Config{
		MaxAttempts: 3,
		Backoff:     &retry.ConstantBackoff{Delay: time.Millisecond},
		RetryIf:     retry.DefaultRetryIf,
	}
}

func jobs(n int) []ImageJob {
	out := make([]ImageJob, n)
	for i := range out {
		out[i] = ImageJob{MediaID: 7, Index: i + 1, URL: fmt.Sprintf("https://cdn.example/img%d.jpg", i+1)}
	}
	return out
}

func TestWorkerPoolBasicFunctionality(t *testing.T) {
	mockClient := &MockClient{downloadDelay: 10 * time.Millisecond}
	mockStorage := NewMockStorageManager()
	rateLimiter := ratelimit.NewTokenBucket(100, 10)

	pool := NewWorkerPool(context.Background(), 3, mockClient, nil, mockStorage, rateLimiter, nil)
	pool.Start()

	var results []DownloadResult
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for result := range pool.Results() {
			results = append(results, result)
		}
	}()

	numJobs := 10
	for _, job := range jobs(numJobs) {
		if err := pool.Submit(job); err != nil {
			t.Errorf("Failed to submit job %d: %v", job.Index, err)
		}
	}

	pool.Stop()
	wg.Wait()

	if len(results) != numJobs {
		t.Errorf("Expected %d results, got %d", numJobs, len(results))
	}
	for _, result := range results {
		if !result.Success {
			t.Errorf("job %d failed: %v", result.Job.Index, result.Error)
		}
	}
	if mockClient.GetDownloadCount() != numJobs {
		t.Errorf("Expected %d download calls, got %d", numJobs, mockClient.GetDownloadCount())
	}
	if mockStorage.GetSavedCount() != numJobs {
		t.Errorf("Expected %d saved images, got %d", numJobs, mockStorage.GetSavedCount())
	}
}

func TestWorkerPoolFetchOrdered(t *testing.T) {
	mockClient := &MockClient{downloadDelay: 5 * time.Millisecond}
	pool := NewWorkerPool(context.Background(), 4, mockClient, nil, nil, nil, nil)

	results := pool.Fetch(jobs(12))
	require.Len(t, results, 12)

	for i, r := range results {
		assert.Equal(t, i+1, r.Job.Index)
		assert.True(t, r.Success)
		assert.True(t, bytes.Equal([]byte(r.Job.URL), r.Data), "bytes kept in the result without storage")
		assert.Empty(t, r.Path)
	}
}

func TestWorkerPoolWithErrors(t *testing.T) {
	mockClient := &MockClient{failURL: "img2.jpg"}
	mockStorage := NewMockStorageManager()

	pool := NewWorkerPool(context.Background(), 2, mockClient, nil, mockStorage, nil, nil).WithRetry(fastRetry())
	results := pool.Fetch(jobs(3))
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.ErrorContains(t, results[1].Error, "download failed")
	assert.True(t, results[2].Success)
	assert.Equal(t, 2, mockStorage.GetSavedCount())
	assert.Equal(t, 5, mockClient.GetDownloadCount(), "the failing image is tried three times")
}

func TestWorkerPoolRetriesTransientFailures(t *testing.T) {
	var calls int32
	client := clientFunc(func(ctx context.Context, url string) ([]byte, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, errs.New(errs.ErrorTypeNetwork, "connection reset")
		}
		return []byte(url), nil
	})

	pool := NewWorkerPool(context.Background(), 1, client, nil, nil, nil, nil).WithRetry(fastRetry())
	results := pool.Fetch(jobs(1))
	require.Len(t, results, 1)

	assert.True(t, results[0].Success, "error: %v", results[0].Error)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWorkerPoolPermanentFailureIsNotRetried(t *testing.T) {
	var calls int32
	client := clientFunc(func(ctx context.Context, url string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errs.New(errs.ErrorTypeDeleted, "image gone")
	})

	pool := NewWorkerPool(context.Background(), 1, client, nil, nil, nil, nil).WithRetry(fastRetry())
	results := pool.Fetch(jobs(1))
	require.Len(t, results, 1)

	assert.False(t, results[0].Success)
	assert.True(t, errs.Is(results[0].Error, errs.ErrorTypeDeleted))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWorkerPoolExhaustedRetriesKeepCause(t *testing.T) {
	client := clientFunc(func(ctx context.Context, url string) ([]byte, error) {
		return nil, errs.New(errs.ErrorTypeRateLimit, "slow down")
	})

	pool := NewWorkerPool(context.Background(), 1, client, nil, nil, nil, nil).WithRetry(fastRetry())
	results := pool.Fetch(jobs(1))
	require.Len(t, results, 1)

	var exhausted *retry.ExhaustedError
	assert.False(t, errors.As(results[0].Error, &exhausted))
	assert.True(t, errs.Is(results[0].Error, errs.ErrorTypeRateLimit))
}

func TestWorkerPoolSaveError(t *testing.T) {
	mockStorage := NewMockStorageManager()
	mockStorage.saveError = fmt.Errorf("disk full")

	pool := NewWorkerPool(context.Background(), 2, &MockClient{}, nil, mockStorage, nil, nil)
	results := pool.Fetch(jobs(2))
	for _, r := range results {
		assert.False(t, r.Success)
		assert.ErrorContains(t, r.Error, "save failed")
	}
}

func TestWorkerPoolCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mockClient := &MockClient{downloadDelay: time.Second}

	pool := NewWorkerPool(ctx, 2, mockClient, nil, nil, nil, nil)
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	results := pool.Fetch(jobs(20))
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	require.Len(t, results, 20)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Error(t, r.Error)
	}
}

func TestWorkerPoolConcurrency(t *testing.T) {
	var current, peak int32
	client := clientFunc(func(ctx context.Context, url string) ([]byte, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return []byte("x"), nil
	})

	pool := NewWorkerPool(context.Background(), 3, client, nil, nil, nil, nil)
	assert.Equal(t, 3, pool.GetActiveWorkers())
	pool.Fetch(jobs(9))

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

type clientFunc func(ctx context.Context, url string) ([]byte, error)

func (f clientFunc) DownloadMedia(ctx context.Context, url string, _ *tiktok.DownloadContext) ([]byte, error) {
	return f(ctx, url)
}
