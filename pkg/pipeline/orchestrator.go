package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"tikfetch/internal/downloader"
	errs "tikfetch/pkg/errors"
	"tikfetch/pkg/history"
	"tikfetch/pkg/logger"
	"tikfetch/pkg/queue"
	"tikfetch/pkg/retry"
	"tikfetch/pkg/tiktok"
)

// DefaultBatchSize is how many slideshow images are delivered together
const DefaultBatchSize = 10

// Client is the part of *tiktok.Client the orchestrator drives
type Client interface {
	Resolve(text string) (tiktok.Link, bool)
	Canonicalize(ctx context.Context, link tiktok.Link) (string, error)
	DownloadWithRetry(ctx context.Context, link tiktok.Link, opts tiktok.RetryOptions) (*tiktok.ExtractedMedia, error)
	DownloadMedia(ctx context.Context, mediaURL string, dc *tiktok.DownloadContext) ([]byte, error)
	Music(ctx context.Context, videoID int64) (*tiktok.MusicInfo, error)
}

// Options configures an Orchestrator
type Options struct {
	Client Client
	Queue  *queue.Queue
	Sink   Sink
	// Recorder defaults to history.Nop()
	Recorder history.Recorder
	Retry    tiktok.RetryOptions

	// ImageRetry is the per-image policy for slideshows; nil uses
	// downloader.DefaultImageRetry
	ImageRetry *retry.Config

	// Workers bounds concurrent image downloads per slideshow
	Workers int
	// ImageLimit caps slideshow images per request; 0 means all
	ImageLimit int
	BatchSize  int
	// SkipExisting skips delivery of posts the sink already has
	SkipExisting bool

	Logger logger.Logger
}

// Request is one link submitted by a user
type Request struct {
	UserKey int64
	Text    string
	// Bypass skips the per-user queue
	Bypass bool
	// ImageLimit overrides Options.ImageLimit when positive
	ImageLimit int
}

// Outcome is the result of one request
type Outcome struct {
	RequestID string
	Key       MessageKey
	Err       error

	MediaID  int64
	Kind     tiktok.MediaKind
	Files    []string
	Skipped  bool
	Attempts int
	Elapsed  time.Duration
}

// OK reports whether the request was delivered (or skipped as a duplicate)
func (o *Outcome) OK() bool {
	return o.Key == MessageNone
}

// Orchestrator runs requests through the admission queue, the extraction
// client and the sink
type Orchestrator struct {
	client   Client
	queue    *queue.Queue
	sink     Sink
	recorder history.Recorder
	retry    tiktok.RetryOptions

	imageRetry   *retry.Config
	workers      int
	imageLimit   int
	batchSize    int
	skipExisting bool

	log logger.Logger
}

// New creates an orchestrator. Client, Queue and Sink are required.
func New(opts Options) (*Orchestrator, error) {
	if opts.Client == nil || opts.Queue == nil || opts.Sink == nil {
		return nil, fmt.Errorf("pipeline: client, queue and sink are required")
	}

	o := &Orchestrator{
		client:       opts.Client,
		queue:        opts.Queue,
		sink:         opts.Sink,
		recorder:     opts.Recorder,
		retry:        opts.Retry,
		imageRetry:   opts.ImageRetry,
		workers:      opts.Workers,
		imageLimit:   opts.ImageLimit,
		batchSize:    opts.BatchSize,
		skipExisting: opts.SkipExisting,
		log:          logger.OrDefault(opts.Logger),
	}
	if o.recorder == nil {
		o.recorder = history.Nop()
	}
	if o.workers <= 0 {
		o.workers = 4
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	return o, nil
}

// Process handles one request end to end. Failures are reported in the
// outcome; Process itself never returns an error.
func (o *Orchestrator) Process(ctx context.Context, req Request) *Outcome {
	start := time.Now()
	out := &Outcome{RequestID: xid.New().String()}
	log := o.log.WithFields(map[string]interface{}{
		"request_id": out.RequestID,
		"user":       req.UserKey,
	})

	defer func() {
		out.Elapsed = time.Since(start)
		fields := map[string]interface{}{
			"media_id": out.MediaID,
			"attempts": out.Attempts,
			"elapsed":  out.Elapsed,
			"files":    len(out.Files),
		}
		if out.OK() {
			log.InfoWithFields("Request completed", fields)
			return
		}
		fields["key"] = string(out.Key)
		if out.Err != nil {
			log = log.WithError(out.Err)
		}
		log.WarnWithFields("Request failed", fields)
	}()

	link, ok := o.client.Resolve(req.Text)
	if !ok {
		out.Key = MessageLinkError
		return out
	}
	log = log.WithField("link", link.URL)

	adm, err := o.queue.Acquire(ctx, req.UserKey, req.Bypass)
	if err != nil {
		return o.fail(out, err)
	}
	if !adm.OK() {
		out.Key = MessageQueueFull
		return out
	}
	defer adm.Release()

	retryOpts := o.retry
	var attempts int32
	retryOpts.OnAttempt = func(ctx context.Context, attempt int) {
		atomic.StoreInt32(&attempts, int32(attempt))
		if o.retry.OnAttempt != nil {
			o.retry.OnAttempt(ctx, attempt)
		}
	}

	media, err := o.client.DownloadWithRetry(ctx, link, retryOpts)
	out.Attempts = int(atomic.LoadInt32(&attempts))
	if err != nil {
		return o.fail(out, err)
	}
	defer media.Close()

	out.MediaID = media.ID
	out.Kind = media.Kind

	if o.skipExisting {
		if d, ok := o.sink.(interface{ IsDownloaded(int64) bool }); ok && d.IsDownloaded(media.ID) {
			out.Skipped = true
			return out
		}
	}

	if media.Kind == tiktok.KindSlideshow {
		out.Files, err = o.deliverSlideshow(ctx, media, req, log)
	} else {
		out.Files, err = o.sink.DeliverVideo(ctx, media)
	}
	if err != nil {
		return o.fail(out, err)
	}

	// The context is no longer needed once every image is delivered.
	media.Close()

	if err := o.sink.Complete(ctx, media, out.RequestID, out.Files); err != nil {
		log.WithError(err).Warn("Failed to finish delivery")
	}
	o.record(ctx, log, history.Event{
		RequestID: out.RequestID,
		UserKey:   req.UserKey,
		MediaID:   media.ID,
		Kind:      media.Kind.String(),
		Link:      link.URL,
		At:        time.Now(),
	})

	return out
}

func (o *Orchestrator) deliverSlideshow(ctx context.Context, media *tiktok.ExtractedMedia, req Request, log logger.Logger) ([]string, error) {
	urls := media.ImageURLs
	limit := o.imageLimit
	if req.ImageLimit > 0 {
		limit = req.ImageLimit
	}
	if limit > 0 && len(urls) > limit {
		log.DebugWithFields("Capping slideshow", map[string]interface{}{
			"images": len(urls),
			"limit":  limit,
		})
		urls = urls[:limit]
	}

	var files []string
	for first := 0; first < len(urls); first += o.batchSize {
		last := first + o.batchSize
		if last > len(urls) {
			last = len(urls)
		}

		jobs := make([]downloader.ImageJob, 0, last-first)
		for i := first; i < last; i++ {
			jobs = append(jobs, downloader.ImageJob{MediaID: media.ID, Index: i + 1, URL: urls[i]})
		}

		pool := downloader.NewWorkerPool(ctx, o.workers, o.client, media.Context, nil, nil, log).
			WithRetry(o.imageRetry)
		results := pool.Fetch(jobs)

		batch := make([]Image, 0, len(results))
		for _, r := range results {
			if !r.Success {
				return files, fmt.Errorf("image %d: %w", r.Job.Index, r.Error)
			}
			batch = append(batch, Image{Index: r.Job.Index, Data: r.Data})
		}

		names, err := o.sink.DeliverImages(ctx, media, batch)
		files = append(files, names...)
		if err != nil {
			return files, err
		}
	}
	return files, nil
}

// Music resolves text and delivers the post's sound. It shares the
// user's queue lane with Process.
func (o *Orchestrator) Music(ctx context.Context, req Request) *Outcome {
	start := time.Now()
	out := &Outcome{RequestID: xid.New().String()}
	log := o.log.WithFields(map[string]interface{}{
		"request_id": out.RequestID,
		"user":       req.UserKey,
	})

	link, ok := o.client.Resolve(req.Text)
	if !ok {
		out.Key = MessageLinkError
		return out
	}

	admitted, err := o.queue.Do(ctx, req.UserKey, req.Bypass, func(ctx context.Context) error {
		canonical, err := o.client.Canonicalize(ctx, link)
		if err != nil {
			return err
		}
		idText, ok := tiktok.VideoID(canonical)
		if !ok {
			return errs.New(errs.ErrorTypeExtraction, "no video id in "+canonical)
		}
		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil {
			return errs.Wrap(errs.ErrorTypeExtraction, "music", err)
		}
		out.MediaID = id

		info, err := o.client.Music(ctx, id)
		if err != nil {
			return err
		}
		out.Files, err = o.sink.DeliverAudio(ctx, info)
		if err != nil {
			return err
		}

		o.record(ctx, log, history.Event{
			RequestID: out.RequestID,
			UserKey:   req.UserKey,
			MediaID:   id,
			Kind:      "music",
			Link:      link.URL,
			At:        time.Now(),
		})
		return nil
	})
	out.Elapsed = time.Since(start)

	switch {
	case err != nil:
		o.fail(out, err)
		log.WithError(err).WarnWithFields("Music request failed", map[string]interface{}{"key": string(out.Key)})
	case !admitted:
		out.Key = MessageQueueFull
	}
	return out
}

func (o *Orchestrator) fail(out *Outcome, err error) *Outcome {
	out.Err = err
	out.Key = KeyFor(err)
	return out
}

func (o *Orchestrator) record(ctx context.Context, log logger.Logger, ev history.Event) {
	if err := o.recorder.Record(ctx, ev); err != nil {
		log.WithError(err).Warn("Failed to record download")
	}
}
