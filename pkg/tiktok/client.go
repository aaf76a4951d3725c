package tiktok

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"
	"tikfetch/pkg/cache"
	"tikfetch/pkg/config"
	errs "tikfetch/pkg/errors"
	"tikfetch/pkg/logger"
	"tikfetch/pkg/ratelimit"
	"tikfetch/pkg/retry"
)

// DefaultBaseURL is the provider's web origin
const DefaultBaseURL = "https://www.tiktok.com"

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Extractor Extractor
	// Workers bounds concurrent extractions and inline downloads
	Workers   int
	UserAgent string
	// MaxVideoDuration rejects longer videos; zero disables the check
	MaxVideoDuration time.Duration
	// Timeout applies to every HTTP request of a session
	Timeout        time.Duration
	ResolveRetries int
	Proxies        *ProxyManager
	DataOnly       bool
	Limiter        ratelimit.Limiter
	MediaLimiter   *ratelimit.HostLimiter
	LinkCache      *cache.Cache
	SessionFactory SessionFactory
	// Cookies are installed into every new session, e.g. a login session
	Cookies []*http.Cookie
	BaseURL string
	Logger  logger.Logger
}

// Client turns provider links into downloadable media. It holds only
// shared helpers; each extraction opens its own session.
type Client struct {
	extractor        Extractor
	musicExtractor   Extractor
	workers          *semaphore.Weighted
	userAgent        string
	maxVideoDuration time.Duration
	resolveRetries   int
	resolveTimeout   time.Duration
	proxies          *ProxyManager
	dataOnly         bool
	limiter          ratelimit.Limiter
	mediaLimiter     *ratelimit.HostLimiter
	stopJanitor      context.CancelFunc
	links            *cache.Cache
	newSession       SessionFactory
	resolver         *http.Client
	baseURL          string
	log              logger.Logger
}

// NewClient creates a client
func NewClient(opts Options) *Client {
	log := logger.OrDefault(opts.Logger).WithField("component", "tiktok")

	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.ResolveRetries <= 0 {
		opts.ResolveRetries = 3
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.Unlimited{}
	}

	web := NewWebExtractor(opts.UserAgent, log)
	if opts.Extractor == nil {
		opts.Extractor = web
	}
	musicExtractor := opts.Extractor
	if _, ok := musicExtractor.(*YtdlpExtractor); ok {
		// yt-dlp does not expose the sound's play URL
		musicExtractor = web
	}

	if opts.SessionFactory == nil {
		seedURL, _ := url.Parse(opts.BaseURL)
		timeout, cookies := opts.Timeout, opts.Cookies
		opts.SessionFactory = func(proxyURL string, dataOnly bool) (Session, error) {
			return NewHTTPSession(proxyURL, dataOnly, timeout, seedURL, cookies)
		}
	}

	var stopJanitor context.CancelFunc = func() {}
	if opts.MediaLimiter != nil {
		var janitorCtx context.Context
		janitorCtx, stopJanitor = context.WithCancel(context.Background())
		opts.MediaLimiter.StartJanitor(janitorCtx)
	}

	return &Client{
		extractor:        opts.Extractor,
		musicExtractor:   musicExtractor,
		workers:          semaphore.NewWeighted(int64(opts.Workers)),
		userAgent:        opts.UserAgent,
		maxVideoDuration: opts.MaxVideoDuration,
		resolveRetries:   opts.ResolveRetries,
		resolveTimeout:   opts.Timeout * time.Duration(opts.ResolveRetries),
		proxies:          opts.Proxies,
		dataOnly:         opts.DataOnly,
		limiter:          opts.Limiter,
		mediaLimiter:     opts.MediaLimiter,
		stopJanitor:      stopJanitor,
		links:            opts.LinkCache,
		newSession:       opts.SessionFactory,
		resolver:         &http.Client{Timeout: opts.Timeout},
		baseURL:          opts.BaseURL,
		log:              log,
	}
}

// NewClientFromConfig wires a client from configuration. cookies may be
// nil.
func NewClientFromConfig(cfg *config.Config, cookies []*http.Cookie, log logger.Logger) (*Client, error) {
	log = logger.OrDefault(log)

	proxies, err := LoadProxyManager(cfg.Proxy.File, cfg.Proxy.IncludeHost, log)
	if err != nil {
		return nil, err
	}

	links, err := cache.New(cache.Config{
		NumCounters: cfg.Cache.NumCounters,
		MaxCost:     cfg.Cache.MaxCost,
		DefaultTTL:  cfg.Cache.LinkTTL,
	}, log)
	if err != nil {
		return nil, err
	}

	var extractor Extractor
	switch cfg.Extractor.Backend {
	case config.BackendYtdlp:
		extractor = NewYtdlpExtractor(cfg.Extractor.YtdlpPath, cfg.Extractor.UserAgent, log)
	default:
		extractor = NewWebExtractor(cfg.Extractor.UserAgent, log)
	}

	var limiter ratelimit.Limiter = ratelimit.Unlimited{}
	var mediaLimiter *ratelimit.HostLimiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = ratelimit.NewTokenBucket(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		mediaLimiter = ratelimit.NewHostLimiter(cfg.RateLimit.RequestsPerSecond*4, cfg.RateLimit.Burst*4, 10*time.Minute)
	}

	logger.LogComponentStart(log, "tiktok client", map[string]interface{}{
		"extractor": extractor.Name(),
		"workers":   cfg.Download.Workers,
		"proxies":   proxies.Count(),
		"data_only": cfg.Proxy.DataOnly,
	})

	return NewClient(Options{
		Extractor:        extractor,
		Workers:          cfg.Download.Workers,
		UserAgent:        cfg.Extractor.UserAgent,
		MaxVideoDuration: cfg.Download.MaxVideoDuration,
		Timeout:          cfg.Download.Timeout,
		ResolveRetries:   cfg.Retry.URLResolveMaxRetries,
		Proxies:          proxies,
		DataOnly:         cfg.Proxy.DataOnly,
		Limiter:          limiter,
		MediaLimiter:     mediaLimiter,
		LinkCache:        links,
		Cookies:          cookies,
		Logger:           log,
	}), nil
}

// Close releases the client's shared helpers
func (c *Client) Close() {
	c.stopJanitor()
	if c.links != nil {
		c.links.Close()
	}
}

func (c *Client) logRequest(method, u string, status int, elapsed time.Duration) {
	logger.LogRequest(c.log, method, u, status, elapsed)
}

// openSession starts a session on the next proxy in the rotation
func (c *Client) openSession() (Session, error) {
	p := c.proxies.Next()
	s, err := c.newSession(p, c.dataOnly)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeNetwork, "session", err)
	}
	c.log.DebugWithFields("Session opened", map[string]interface{}{"proxy": redactProxy(p)})
	return s, nil
}

// withWorker runs fn while holding one worker slot
func (c *Client) withWorker(ctx context.Context, op string, fn func() error) error {
	if err := c.workers.Acquire(ctx, 1); err != nil {
		return errs.Wrap(errs.ErrorTypeNetwork, op, err)
	}
	defer c.workers.Release(1)
	return fn()
}

// extract runs ext under the rate limiter and a worker slot and turns a
// failed status into a classified error
func (c *Client) extract(ctx context.Context, ext Extractor, s Session, canonical, id string) (*Post, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.Wrap(errs.ErrorTypeNetwork, "extract", err)
	}

	var post *Post
	err := c.withWorker(ctx, "extract", func() error {
		var err error
		post, err = ext.Extract(ctx, s, canonical, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, errs.New(errs.ErrorTypeExtraction, "extractor returned no data")
	}
	if kind, failed := errs.ClassifyStatus(post.Status); failed {
		return nil, statusError(kind, canonical)
	}
	return post, nil
}

func statusError(kind errs.ErrorType, link string) error {
	var msg string
	switch kind {
	case errs.ErrorTypeDeleted:
		msg = fmt.Sprintf("video %s was deleted", link)
	case errs.ErrorTypePrivate:
		msg = fmt.Sprintf("video %s is private", link)
	case errs.ErrorTypeRateLimit:
		msg = "rate limited by provider"
	case errs.ErrorTypeNetwork:
		msg = "network error occurred"
	case errs.ErrorTypeRegionBlocked:
		msg = fmt.Sprintf("video %s is not available in your region", link)
	default:
		msg = fmt.Sprintf("failed to extract video %s", link)
	}
	return &errs.Error{Type: kind, Op: "extract", Message: msg}
}

// ExtractMetadata extracts one post.
//
// A video is downloaded inline and returned with its bytes; its session is
// closed before return. A slideshow is returned with its image URLs and
// an open DownloadContext the caller must Close. On every error path the
// context is closed here.
func (c *Client) ExtractMetadata(ctx context.Context, link Link) (*ExtractedMedia, error) {
	canonical, err := c.Canonicalize(ctx, link)
	if err != nil {
		return nil, err
	}
	id, ok := VideoID(canonical)
	if !ok {
		return nil, &errs.Error{Type: errs.ErrorTypeExtraction, Op: "extract", Message: "could not extract video id from " + link.URL}
	}
	numericID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, &errs.Error{Type: errs.ErrorTypeExtraction, Op: "extract", Message: "invalid video id " + id, Err: err}
	}

	sess, err := c.openSession()
	if err != nil {
		return nil, err
	}
	handle := &owned{dc: newDownloadContext(sess, canonical, c.log)}
	defer handle.Close()

	post, err := c.extract(ctx, c.extractor, sess, canonical, id)
	if err != nil {
		return nil, err
	}
	handle.dc.headers = post.Headers

	media := &ExtractedMedia{
		ID:          numericID,
		Author:      post.Author,
		Link:        link.URL,
		ExtractedAt: time.Now(),
	}

	if post.IsSlideshow() {
		media.Kind = KindSlideshow
		media.ImageURLs = post.Images
		media.Context = handle.Take()
		c.log.DebugWithFields("Slideshow extracted", map[string]interface{}{
			"id":     id,
			"images": len(post.Images),
		})
		return media, nil
	}

	if c.maxVideoDuration > 0 && time.Duration(post.Duration)*time.Second > c.maxVideoDuration {
		return nil, &errs.Error{
			Type:    errs.ErrorTypeTooLong,
			Op:      "extract",
			Message: fmt.Sprintf("video is %ds, limit is %s", post.Duration, c.maxVideoDuration),
		}
	}

	videoURL := post.VideoURL()
	if videoURL == "" {
		return nil, &errs.Error{Type: errs.ErrorTypeExtraction, Op: "extract", Message: "could not find video URL for " + link.URL}
	}

	var data []byte
	err = c.withWorker(ctx, "download", func() error {
		var err error
		data, err = c.DownloadMedia(ctx, videoURL, handle.dc)
		return err
	})
	if err != nil {
		return nil, err
	}

	media.Kind = KindVideo
	media.Data = data
	media.VideoURL = videoURL
	media.Cover = post.Cover
	media.Width = post.Width
	media.Height = post.Height
	media.Duration = post.Duration
	logger.LogDownload(c.log, id, media.Kind.String(), len(data), nil)
	return media, nil
}

// DownloadMedia fetches mediaURL with the session and referer of dc.
// Cookies the session holds for the referer are copied to the media host
// first. A closed context, a non-2xx status or a short body is an error.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL string, dc *DownloadContext) ([]byte, error) {
	if dc.Closed() {
		return nil, errs.New(errs.ErrorTypeNetwork, "download context is closed")
	}
	target, err := url.Parse(mediaURL)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeExtraction, "download", err)
	}

	if c.mediaLimiter != nil {
		if err := c.mediaLimiter.Wait(ctx, target.Host); err != nil {
			return nil, errs.Wrap(errs.ErrorTypeNetwork, "download", err)
		}
	}

	if jar := dc.session.Jar(); jar != nil {
		if ref, err := url.Parse(dc.referer); err == nil {
			if cookies := jar.Cookies(ref); len(cookies) > 0 {
				jar.SetCookies(target, cookies)
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeExtraction, "download", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")
	for k, v := range dc.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Referer", dc.referer)

	start := time.Now()
	resp, err := dc.session.Download(req)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeNetwork, "download", err)
	}
	defer resp.Body.Close()
	c.logRequest(http.MethodGet, mediaURL, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := errs.ErrorTypeNetwork
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = errs.ErrorTypeRateLimit
		}
		return nil, &errs.Error{
			Type:    kind,
			Op:      "download",
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("media returned status %d", resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeNetwork, "download", err)
	}
	if resp.ContentLength >= 0 && int64(len(data)) != resp.ContentLength {
		return nil, &errs.Error{
			Type:    errs.ErrorTypeNetwork,
			Op:      "download",
			Message: fmt.Sprintf("truncated body: got %d of %d bytes", len(data), resp.ContentLength),
		}
	}
	return data, nil
}

// RetryOptions tunes DownloadWithRetry
type RetryOptions struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Delay          time.Duration
	// RateLimitBackoff backs off exponentially after rate limiting instead
	// of using Delay
	RateLimitBackoff bool
	// OnAttempt runs before every attempt, the first included
	OnAttempt func(ctx context.Context, attempt int)
}

// RetryOptionsFromConfig reads the retry section
func RetryOptionsFromConfig(cfg config.RetryConfig) RetryOptions {
	return RetryOptions{
		MaxAttempts:      cfg.MaxAttempts,
		AttemptTimeout:   cfg.RequestTimeout,
		Delay:            cfg.Delay,
		RateLimitBackoff: cfg.RateLimitBackoff,
	}
}

// DownloadWithRetry runs ExtractMetadata up to MaxAttempts times, each
// bounded by AttemptTimeout. Permanent failures return at once. After the
// last attempt the last transient error is returned; if that attempt hit
// its deadline the error is a network error saying so. A result that
// arrives after its attempt was given up is released.
func (c *Client) DownloadWithRetry(ctx context.Context, link Link, opts RetryOptions) (*ExtractedMedia, error) {
	var backoff retry.BackoffStrategy = &retry.ConstantBackoff{Delay: opts.Delay}
	if opts.RateLimitBackoff {
		backoff = retry.NewRateLimitAwareBackoff(opts.Delay)
	}

	log := c.log.WithField("link", link.URL)
	cfg := &retry.Config{
		MaxAttempts:    opts.MaxAttempts,
		AttemptTimeout: opts.AttemptTimeout,
		Backoff:        backoff,
		RetryIf:        retry.DefaultRetryIf,
		OnAttempt:      opts.OnAttempt,
		OnAbandoned: func(result interface{}, err error) {
			if m, ok := result.(*ExtractedMedia); ok && m != nil {
				m.Close()
				log.DebugWithFields("Released late result", map[string]interface{}{"id": m.ID})
			}
		},
		Logger: log,
	}

	media, err := retry.DoWithResult(ctx, func(ctx context.Context) (*ExtractedMedia, error) {
		return c.ExtractMetadata(ctx, link)
	}, cfg)
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			log.ErrorWithFields("All attempts failed", map[string]interface{}{
				"attempts": exhausted.Attempts,
				"error":    exhausted.Err.Error(),
			})
			return nil, exhausted.Err
		}
		return nil, err
	}
	return media, nil
}

// Music extracts and downloads the sound of a post
func (c *Client) Music(ctx context.Context, videoID int64) (*MusicInfo, error) {
	id := strconv.FormatInt(videoID, 10)
	pageURL := c.postURL(id)

	sess, err := c.openSession()
	if err != nil {
		return nil, err
	}
	dc := newDownloadContext(sess, pageURL, c.log)
	defer dc.Close()

	post, err := c.extract(ctx, c.musicExtractor, sess, pageURL, id)
	if err != nil {
		return nil, err
	}
	if post.Music == nil {
		return nil, &errs.Error{Type: errs.ErrorTypeExtraction, Op: "music", Message: "no music info found for video " + id}
	}
	if post.Music.PlayURL == "" {
		return nil, &errs.Error{Type: errs.ErrorTypeExtraction, Op: "music", Message: "no music URL found for video " + id}
	}

	var data []byte
	err = c.withWorker(ctx, "music", func() error {
		var err error
		data, err = c.DownloadMedia(ctx, post.Music.PlayURL, dc)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.LogDownload(c.log, id, "music", len(data), nil)

	return &MusicInfo{
		Data:     data,
		ID:       videoID,
		Title:    post.Music.Title,
		Author:   post.Music.Author,
		Duration: post.Music.Duration,
		Cover:    post.Music.Cover(),
	}, nil
}
