package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "tikfetch/pkg/errors"
	"tikfetch/pkg/history"
	"tikfetch/pkg/logger"
	"tikfetch/pkg/queue"
	"tikfetch/pkg/retry"
	"tikfetch/pkg/storage"
	"tikfetch/pkg/tiktok"
)

type fakeClient struct {
	media   *tiktok.ExtractedMedia
	err     error
	block   chan struct{}
	failImg string
	// flakyImg fails flakyLeft times before it succeeds
	flakyImg  string
	flakyLeft int
	music     *tiktok.MusicInfo

	mu        sync.Mutex
	calls     int
	downloads []string
}

func (f *fakeClient) Resolve(text string) (tiktok.Link, bool) {
	return tiktok.ParseLink(text)
}

func (f *fakeClient) Canonicalize(_ context.Context, link tiktok.Link) (string, error) {
	return link.URL, nil
}

func (f *fakeClient) DownloadWithRetry(ctx context.Context, _ tiktok.Link, opts tiktok.RetryOptions) (*tiktok.ExtractedMedia, error) {
	if opts.OnAttempt != nil {
		opts.OnAttempt(ctx, 1)
	}
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()

	// block holds only the first extraction
	if f.block != nil && first {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	m := *f.media
	return &m, nil
}

func (f *fakeClient) DownloadMedia(_ context.Context, url string, _ *tiktok.DownloadContext) ([]byte, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, url)
	flaky := f.flakyImg != "" && strings.HasSuffix(url, f.flakyImg) && f.flakyLeft > 0
	if flaky {
		f.flakyLeft--
	}
	f.mu.Unlock()
	if flaky {
		return nil, errs.New(errs.ErrorTypeNetwork, "connection reset")
	}
	if f.failImg != "" && strings.HasSuffix(url, f.failImg) {
		return nil, errs.New(errs.ErrorTypeNetwork, "connection reset")
	}
	return []byte(url), nil
}

func (f *fakeClient) Music(_ context.Context, id int64) (*tiktok.MusicInfo, error) {
	if f.music == nil {
		return nil, errs.New(errs.ErrorTypeExtraction, "no music info found")
	}
	m := *f.music
	m.ID = id
	return &m, nil
}

type recordingSink struct {
	mu        sync.Mutex
	batches   [][]Image
	completed int
	have      map[int64]bool
}

func (s *recordingSink) DeliverVideo(_ context.Context, m *tiktok.ExtractedMedia) ([]string, error) {
	return []string{fmt.Sprintf("%d.mp4", m.ID)}, nil
}

func (s *recordingSink) DeliverImages(_ context.Context, m *tiktok.ExtractedMedia, batch []Image) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	names := make([]string, len(batch))
	for i, img := range batch {
		names[i] = fmt.Sprintf("%d-%d.jpg", m.ID, img.Index)
	}
	return names, nil
}

func (s *recordingSink) DeliverAudio(_ context.Context, m *tiktok.MusicInfo) ([]string, error) {
	return []string{fmt.Sprintf("%d.mp3", m.ID)}, nil
}

func (s *recordingSink) Complete(context.Context, *tiktok.ExtractedMedia, string, []string) error {
	s.mu.Lock()
	s.completed++
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) IsDownloaded(id int64) bool { return s.have[id] }

const videoLink = "https://www.tiktok.com/@creator/video/7301234567890123456"

func slideshow(n int) *tiktok.ExtractedMedia {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://cdn.example/%d.jpg", i+1)
	}
	return &tiktok.ExtractedMedia{Kind: tiktok.KindSlideshow, ID: 42, Author: "creator", ImageURLs: urls}
}

func newOrchestrator(t *testing.T, client Client, sink Sink, mutate func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		Client:     client,
		Queue:      queue.New(2, nil),
		Sink:       sink,
		Workers:    3,
		ImageRetry: &retry.Config{MaxAttempts: 3, Backoff: &retry.ConstantBackoff{Delay: time.Millisecond}},
		Logger:     logger.NewTestLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestProcessLinkError(t *testing.T) {
	o := newOrchestrator(t, &fakeClient{}, &recordingSink{}, nil)

	out := o.Process(context.Background(), Request{UserKey: 1, Text: "hello there"})
	assert.Equal(t, MessageLinkError, out.Key)
	assert.False(t, out.OK())
	assert.NotEmpty(t, out.RequestID)
}

func TestProcessVideoToStorage(t *testing.T) {
	dir := t.TempDir()
	mgr, err := storage.NewManager(dir)
	require.NoError(t, err)

	histPath := filepath.Join(dir, "history.jsonl")
	rec, err := history.NewFileRecorder(histPath)
	require.NoError(t, err)

	client := &fakeClient{media: &tiktok.ExtractedMedia{
		Kind: tiktok.KindVideo, ID: 7301, Author: "creator", Width: 576, Height: 1024, Data: []byte("mp4 bytes"),
	}}
	o := newOrchestrator(t, client, &StorageSink{Storage: mgr, SaveMetadata: true}, func(opts *Options) {
		opts.Recorder = rec
	})

	out := o.Process(context.Background(), Request{UserKey: 9, Text: "look " + videoLink})
	require.True(t, out.OK(), "outcome error: %v", out.Err)
	require.NoError(t, rec.Close())

	assert.Equal(t, int64(7301), out.MediaID)
	assert.Equal(t, tiktok.KindVideo, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, []string{mgr.VideoPath("7301")}, out.Files)

	data, err := os.ReadFile(mgr.VideoPath("7301"))
	require.NoError(t, err)
	assert.Equal(t, "mp4 bytes", string(data))

	meta, err := mgr.LoadMetadata("7301")
	require.NoError(t, err)
	assert.Equal(t, []string{"7301.mp4"}, meta.Files)
	assert.Equal(t, int64(len("mp4 bytes")), meta.FileSize)
	assert.Equal(t, out.RequestID, meta.RequestID)

	f, err := os.Open(histPath)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var ev history.Event
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
	assert.Equal(t, out.RequestID, ev.RequestID)
	assert.Equal(t, int64(9), ev.UserKey)
	assert.Equal(t, "video", ev.Kind)
}

func TestProcessSlideshowBatches(t *testing.T) {
	client := &fakeClient{media: slideshow(23)}
	sink := &recordingSink{}
	o := newOrchestrator(t, client, sink, nil)

	out := o.Process(context.Background(), Request{UserKey: 1, Text: videoLink})
	require.True(t, out.OK(), "outcome error: %v", out.Err)

	require.Len(t, sink.batches, 3)
	assert.Len(t, sink.batches[0], 10)
	assert.Len(t, sink.batches[1], 10)
	assert.Len(t, sink.batches[2], 3)

	index := 1
	for _, batch := range sink.batches {
		for _, img := range batch {
			assert.Equal(t, index, img.Index)
			assert.Equal(t, fmt.Sprintf("https://cdn.example/%d.jpg", index), string(img.Data))
			index++
		}
	}
	assert.Len(t, out.Files, 23)
	assert.Equal(t, 1, sink.completed)
}

func TestProcessSlideshowImageLimit(t *testing.T) {
	client := &fakeClient{media: slideshow(15)}
	sink := &recordingSink{}
	o := newOrchestrator(t, client, sink, func(opts *Options) { opts.ImageLimit = 12 })

	out := o.Process(context.Background(), Request{UserKey: 1, Text: videoLink})
	require.True(t, out.OK())
	assert.Len(t, out.Files, 12)

	out = o.Process(context.Background(), Request{UserKey: 1, Text: videoLink, ImageLimit: 4})
	require.True(t, out.OK())
	assert.Len(t, out.Files, 4)
	assert.Len(t, client.downloads, 16)
}

func TestProcessImageFailure(t *testing.T) {
	client := &fakeClient{media: slideshow(5), failImg: "/3.jpg"}
	sink := &recordingSink{}
	o := newOrchestrator(t, client, sink, nil)

	out := o.Process(context.Background(), Request{UserKey: 1, Text: videoLink})
	assert.Equal(t, MessageRetryLater, out.Key)
	assert.ErrorContains(t, out.Err, "image 3")
	assert.Empty(t, sink.batches)
	assert.Zero(t, sink.completed)
}

func TestProcessImageRecoversAfterRetry(t *testing.T) {
	client := &fakeClient{media: slideshow(5), flakyImg: "/3.jpg", flakyLeft: 2}
	sink := &recordingSink{}
	o := newOrchestrator(t, client, sink, nil)

	out := o.Process(context.Background(), Request{UserKey: 1, Text: videoLink})
	require.True(t, out.OK(), "outcome error: %v", out.Err)
	assert.Len(t, out.Files, 5)
	assert.Len(t, client.downloads, 7)
	assert.Equal(t, 1, sink.completed)
}

func TestProcessExtractionErrors(t *testing.T) {
	tests := []struct {
		err  error
		want MessageKey
	}{
		{errs.New(errs.ErrorTypeDeleted, "gone"), MessageDeleted},
		{errs.New(errs.ErrorTypePrivate, "private"), MessagePrivate},
		{errs.New(errs.ErrorTypeRegionBlocked, "blocked"), MessageRegion},
		{errs.New(errs.ErrorTypeTooLong, "long"), MessageTooLong},
		{errs.New(errs.ErrorTypeNetwork, "timed out after 3 attempts"), MessageRetryLater},
		{fmt.Errorf("boom"), MessageError},
	}

	for _, tt := range tests {
		o := newOrchestrator(t, &fakeClient{err: tt.err}, &recordingSink{}, nil)
		out := o.Process(context.Background(), Request{UserKey: 1, Text: videoLink})
		assert.Equal(t, tt.want, out.Key, tt.err.Error())
		assert.Equal(t, tt.err, out.Err)
	}
}

func TestProcessQueueFull(t *testing.T) {
	client := &fakeClient{media: slideshow(1), block: make(chan struct{})}
	o := newOrchestrator(t, client, &recordingSink{}, func(opts *Options) { opts.Queue = queue.New(1, nil) })

	done := make(chan *Outcome)
	go func() { done <- o.Process(context.Background(), Request{UserKey: 5, Text: videoLink}) }()

	require.Eventually(t, func() bool { return o.queue.Pending(5) == 1 }, time.Second, 5*time.Millisecond)

	out := o.Process(context.Background(), Request{UserKey: 5, Text: videoLink})
	assert.Equal(t, MessageQueueFull, out.Key)

	out = o.Process(context.Background(), Request{UserKey: 5, Text: videoLink, Bypass: true})
	assert.Equal(t, MessageNone, out.Key, "bypass ignores the cap")

	close(client.block)
	first := <-done
	assert.True(t, first.OK())
	assert.Zero(t, o.queue.ActiveKeys())
}

func TestProcessSkipExisting(t *testing.T) {
	client := &fakeClient{media: slideshow(3)}
	sink := &recordingSink{have: map[int64]bool{42: true}}
	o := newOrchestrator(t, client, sink, func(opts *Options) { opts.SkipExisting = true })

	out := o.Process(context.Background(), Request{UserKey: 1, Text: videoLink})
	assert.True(t, out.OK())
	assert.True(t, out.Skipped)
	assert.Empty(t, client.downloads)
}

func TestProcessCancelledWhileQueued(t *testing.T) {
	client := &fakeClient{media: slideshow(1), block: make(chan struct{})}
	o := newOrchestrator(t, client, &recordingSink{}, nil)

	go o.Process(context.Background(), Request{UserKey: 3, Text: videoLink})
	require.Eventually(t, func() bool { return o.queue.Pending(3) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out := o.Process(ctx, Request{UserKey: 3, Text: videoLink})
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Equal(t, MessageRetryLater, out.Key)

	close(client.block)
}

func TestMusic(t *testing.T) {
	client := &fakeClient{music: &tiktok.MusicInfo{Title: "sound", Data: []byte("mp3")}}
	o := newOrchestrator(t, client, &recordingSink{}, nil)

	out := o.Music(context.Background(), Request{UserKey: 1, Text: videoLink})
	require.True(t, out.OK(), "outcome error: %v", out.Err)
	assert.Equal(t, int64(7301234567890123456), out.MediaID)
	assert.Equal(t, []string{"7301234567890123456.mp3"}, out.Files)

	client.music = nil
	out = o.Music(context.Background(), Request{UserKey: 1, Text: videoLink})
	assert.Equal(t, MessageRetryLater, out.Key)

	out = o.Music(context.Background(), Request{UserKey: 1, Text: "nothing"})
	assert.Equal(t, MessageLinkError, out.Key)
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, MessageNone, KeyFor(nil))
	assert.Equal(t, MessageError, KeyFor(context.Canceled))
	assert.Equal(t, MessageRetryLater, KeyFor(context.DeadlineExceeded))
	assert.Equal(t, MessageDeleted, KeyFor(fmt.Errorf("wrapped: %w", errs.New(errs.ErrorTypeDeleted, "x"))))
}
