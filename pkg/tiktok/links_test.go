package tiktok

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tikfetch/pkg/cache"
	errs "tikfetch/pkg/errors"
	"tikfetch/pkg/logger"
	"tikfetch/pkg/retry"
)

func TestParseLink(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantURL   string
		wantShort bool
		wantOK    bool
	}{
		{
			name:    "long video link in text",
			text:    "look https://www.tiktok.com/@some.user/video/7301234567890123456?lang=en lol",
			wantURL: "https://www.tiktok.com/@some.user/video/7301234567890123456",
			wantOK:  true,
		},
		{
			name:    "photo link",
			text:    "https://www.tiktok.com/@u/photo/7300000000000000001",
			wantURL: "https://www.tiktok.com/@u/photo/7300000000000000001",
			wantOK:  true,
		},
		{
			name:      "short link",
			text:      "https://vm.tiktok.com/ZMabc123/",
			wantURL:   "https://vm.tiktok.com/ZMabc123/",
			wantShort: true,
			wantOK:    true,
		},
		{
			name:      "vt short link",
			text:      "sent from app: https://vt.tiktok.com/ZSxyz/ ",
			wantURL:   "https://vt.tiktok.com/ZSxyz/",
			wantShort: true,
			wantOK:    true,
		},
		{
			name:   "unsupported host",
			text:   "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			wantOK: false,
		},
		{
			name:   "no link",
			text:   "hello there",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link, ok := ParseLink(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantURL, link.URL)
			assert.Equal(t, tt.wantShort, link.Short)
		})
	}
}

func TestVideoID(t *testing.T) {
	id, ok := VideoID("https://www.tiktok.com/@u/video/123456")
	require.True(t, ok)
	assert.Equal(t, "123456", id)

	id, ok = VideoID("https://www.tiktok.com/@u/photo/987")
	require.True(t, ok)
	assert.Equal(t, "987", id)

	_, ok = VideoID("https://www.tiktok.com/@u")
	assert.False(t, ok)
}

func TestCanonicalizeLongLinkIsUnchanged(t *testing.T) {
	c := NewClient(Options{Logger: logger.NewNopLogger()})
	got, err := c.Canonicalize(context.Background(), Link{URL: "https://www.tiktok.com/@u/video/1"})
	require.NoError(t, err)
	assert.Equal(t, "https://www.tiktok.com/@u/video/1", got)
}

func TestCanonicalizeFollowsRedirectsOnce(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ZMabc/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(20 * time.Millisecond)
		http.Redirect(w, r, "/@user/video/7301?_r=1&u_code=x", http.StatusFound)
	})
	mux.HandleFunc("/@user/video/7301", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	links, err := cache.New(cache.Config{NumCounters: 100, MaxCost: 10}, nil)
	require.NoError(t, err)
	defer links.Close()

	c := NewClient(Options{LinkCache: links, Logger: logger.NewNopLogger()})
	link := Link{URL: srv.URL + "/ZMabc/", Short: true}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Canonicalize(context.Background(), link)
			assert.NoError(t, err)
			assert.Equal(t, srv.URL+"/@user/video/7301", got)
		}()
	}
	wg.Wait()

	got, err := c.Canonicalize(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/@user/video/7301", got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestCanonicalizeRetriesTransientFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Options{ResolveRetries: 3, Logger: logger.NewNopLogger()})
	got, err := c.Canonicalize(context.Background(), Link{URL: srv.URL + "/@u/video/5", Short: true})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/@u/video/5", got)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestCanonicalizeDeletedShortLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Options{Logger: logger.NewNopLogger()})
	_, err := c.Canonicalize(context.Background(), Link{URL: srv.URL + "/gone/", Short: true})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeDeleted))
}

func TestCanonicalizeReturnsClassifiedCause(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Options{ResolveRetries: 2, Logger: logger.NewNopLogger()})
	_, err := c.Canonicalize(context.Background(), Link{URL: srv.URL + "/ZMbad/", Short: true})
	require.Error(t, err)

	var exhausted *retry.ExhaustedError
	assert.False(t, errors.As(err, &exhausted), "retry wrapper leaks: %v", err)
	assert.True(t, errs.Is(err, errs.ErrorTypeNetwork))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}
