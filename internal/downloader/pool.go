package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"tikfetch/pkg/logger"
	"tikfetch/pkg/ratelimit"
	"tikfetch/pkg/retry"
	"tikfetch/pkg/tiktok"
)

// DefaultImageRetry retries each image fetch up to three times. Permanent
// failures and a closed context stop at once.
func DefaultImageRetry() *retry.Config {
	return &retry.Config{
		MaxAttempts: 3,
		Backoff:     retry.NewRateLimitAwareBackoff(500 * time.Millisecond),
		RetryIf:     retry.DefaultRetryIf,
	}
}

// ImageJob is one slideshow image to fetch
type ImageJob struct {
	MediaID int64
	Index   int // 1-based position in the slideshow
	URL     string
}

// DownloadResult represents the result of a download job
type DownloadResult struct {
	Job      ImageJob
	Success  bool
	Error    error
	Duration time.Duration
	Size     int
	Path     string
	Data     []byte
}

// MediaDownloader fetches a media URL through a download context
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, mediaURL string, dc *tiktok.DownloadContext) ([]byte, error)
}

// ImageStorage persists slideshow images. Nil keeps the bytes in the result.
type ImageStorage interface {
	SaveImage(r io.Reader, id string, index int) (string, error)
}

// WorkerPool downloads the images of one slideshow concurrently. All
// workers share the slideshow's download context.
type WorkerPool struct {
	numWorkers  int
	jobQueue    chan ImageJob
	resultQueue chan DownloadResult
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	client      MediaDownloader
	dc          *tiktok.DownloadContext
	storage     ImageStorage
	rateLimiter ratelimit.Limiter
	retryPolicy retry.Config
	logger      logger.Logger
}

// NewWorkerPool creates a pool bound to ctx. storage and rateLimiter may be nil.
func NewWorkerPool(
	ctx context.Context,
	numWorkers int,
	client MediaDownloader,
	dc *tiktok.DownloadContext,
	storage ImageStorage,
	rateLimiter ratelimit.Limiter,
	log logger.Logger,
) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)

	if numWorkers < 1 {
		numWorkers = 1
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Unlimited{}
	}

	return &WorkerPool{
		numWorkers:  numWorkers,
		jobQueue:    make(chan ImageJob, numWorkers*2),
		resultQueue: make(chan DownloadResult, numWorkers),
		ctx:         ctx,
		cancel:      cancel,
		client:      client,
		dc:          dc,
		storage:     storage,
		rateLimiter: rateLimiter,
		retryPolicy: *DefaultImageRetry(),
		logger:      logger.OrDefault(log),
	}
}

// WithRetry replaces the per-image retry policy. Call before Start.
func (wp *WorkerPool) WithRetry(cfg *retry.Config) *WorkerPool {
	if cfg != nil {
		wp.retryPolicy = *cfg
	}
	return wp
}

// Start starts all workers
func (wp *WorkerPool) Start() {
	wp.logger.DebugWithFields("Starting worker pool", map[string]interface{}{
		"num_workers": wp.numWorkers,
	})

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop closes the job queue, waits for the workers and closes Results
func (wp *WorkerPool) Stop() {
	close(wp.jobQueue)
	wp.wg.Wait()
	close(wp.resultQueue)
	wp.cancel()

	wp.logger.Debug("Worker pool stopped")
}

// Submit adds a job to the queue
func (wp *WorkerPool) Submit(job ImageJob) error {
	select {
	case wp.jobQueue <- job:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Results returns the result channel
func (wp *WorkerPool) Results() <-chan DownloadResult {
	return wp.resultQueue
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for job := range wp.jobQueue {
		var result DownloadResult
		select {
		case <-wp.ctx.Done():
			result = DownloadResult{Job: job, Error: wp.ctx.Err()}
		default:
			result = wp.processJob(job, id)
		}

		// Results is drained by Fetch, or by whoever called Start.
		wp.resultQueue <- result
	}
}

func (wp *WorkerPool) processJob(job ImageJob, workerID int) DownloadResult {
	start := time.Now()
	result := DownloadResult{Job: job}
	fields := map[string]interface{}{
		"worker_id": workerID,
		"media_id":  job.MediaID,
		"index":     job.Index,
	}

	if err := wp.rateLimiter.Wait(wp.ctx); err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result
	}

	policy := wp.retryPolicy
	if policy.Logger == nil {
		policy.Logger = wp.logger
	}
	data, err := retry.DoWithResult(wp.ctx, func(ctx context.Context) ([]byte, error) {
		return wp.client.DownloadMedia(ctx, job.URL, wp.dc)
	}, &policy)
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		err = exhausted.Err
	}
	if err != nil {
		result.Error = fmt.Errorf("download failed: %w", err)
		result.Duration = time.Since(start)
		wp.logger.WithError(err).WarnWithFields("Worker failed to download image", fields)
		return result
	}
	result.Size = len(data)

	if wp.storage == nil {
		result.Data = data
	} else {
		path, err := wp.storage.SaveImage(bytes.NewReader(data), strconv.FormatInt(job.MediaID, 10), job.Index)
		if err != nil {
			result.Error = fmt.Errorf("save failed: %w", err)
			result.Duration = time.Since(start)
			wp.logger.WithError(err).ErrorWithFields("Worker failed to save image", fields)
			return result
		}
		result.Path = path
	}

	result.Success = true
	result.Duration = time.Since(start)
	fields["size"] = result.Size
	fields["duration"] = result.Duration
	wp.logger.DebugWithFields("Worker completed job", fields)

	return result
}

// Fetch runs jobs to completion and returns the results ordered by Index
func (wp *WorkerPool) Fetch(jobs []ImageJob) []DownloadResult {
	wp.Start()

	var skipped []ImageJob
	go func() {
		defer wp.Stop()
		for i, job := range jobs {
			if err := wp.Submit(job); err != nil {
				skipped = jobs[i:]
				return
			}
		}
	}()

	results := make([]DownloadResult, 0, len(jobs))
	for r := range wp.Results() {
		results = append(results, r)
	}
	for _, job := range skipped {
		results = append(results, DownloadResult{Job: job, Error: wp.ctx.Err()})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Job.Index < results[j].Job.Index })
	return results
}

// GetActiveWorkers returns the number of workers
func (wp *WorkerPool) GetActiveWorkers() int {
	return wp.numWorkers
}
