package tiktok

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
	"tikfetch/pkg/logger"
)

// ErrSessionClosed is returned by a session after Close
var ErrSessionClosed = errors.New("session closed")

// Session is one provider conversation: a cookie jar and the transports
// that carry it. Metadata requests go through Do, media through Download;
// both share the jar.
type Session interface {
	Do(req *http.Request) (*http.Response, error)
	Download(req *http.Request) (*http.Response, error)
	Jar() http.CookieJar
	// Proxy is the proxy URL used for metadata, empty for direct
	Proxy() string
	Close() error
}

// SessionFactory opens a session that routes through proxyURL (empty means
// direct). dataOnly keeps media downloads off the proxy.
type SessionFactory func(proxyURL string, dataOnly bool) (Session, error)

type httpSession struct {
	jar    http.CookieJar
	data   *http.Client
	media  *http.Client
	proxy  string
	closed atomic.Bool
}

// NewHTTPSession opens a session with a fresh cookie jar. seed cookies
// are installed for seedURL when both are set.
func NewHTTPSession(proxyURL string, dataOnly bool, timeout time.Duration, seedURL *url.URL, seed []*http.Cookie) (Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if seedURL != nil && len(seed) > 0 {
		jar.SetCookies(seedURL, seed)
	}

	dataTransport, err := newTransport(proxyURL)
	if err != nil {
		return nil, err
	}
	mediaTransport := dataTransport
	if dataOnly && proxyURL != "" {
		mediaTransport, _ = newTransport("")
	}

	return &httpSession{
		jar:   jar,
		data:  &http.Client{Jar: jar, Transport: dataTransport, Timeout: timeout},
		media: &http.Client{Jar: jar, Transport: mediaTransport, Timeout: timeout},
		proxy: proxyURL,
	}, nil
}

func (s *httpSession) Do(req *http.Request) (*http.Response, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return s.data.Do(req)
}

func (s *httpSession) Download(req *http.Request) (*http.Response, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return s.media.Do(req)
}

func (s *httpSession) Jar() http.CookieJar { return s.jar }

func (s *httpSession) Proxy() string { return s.proxy }

func (s *httpSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.data.CloseIdleConnections()
	s.media.CloseIdleConnections()
	return nil
}

// newTransport builds a transport for an http, https or socks5 proxy.
// An empty proxyURL gives a direct transport.
func newTransport(proxyURL string) (*http.Transport, error) {
	base, _ := http.DefaultTransport.(*http.Transport)
	t := base.Clone()
	t.Proxy = nil
	if proxyURL == "" {
		return t, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		d, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, err
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			t.DialContext = cd.DialContext
		} else {
			t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return d.Dial(network, addr)
			}
		}
	default:
		return nil, errors.New("unsupported proxy scheme: " + u.Scheme)
	}
	return t, nil
}

// DownloadContext carries the session and referer that media URLs of one
// extraction must be fetched with. It has exactly one owner at a time and
// is closed exactly once; later Close calls are no-ops.
type DownloadContext struct {
	session Session
	referer string
	headers map[string]string
	log     logger.Logger

	once   sync.Once
	closed atomic.Bool
}

func newDownloadContext(s Session, referer string, log logger.Logger) *DownloadContext {
	return &DownloadContext{session: s, referer: referer, log: log}
}

// Referer is the page the media URLs were found on
func (dc *DownloadContext) Referer() string {
	return dc.referer
}

// Closed reports whether Close has run
func (dc *DownloadContext) Closed() bool {
	return dc == nil || dc.closed.Load()
}

// Close releases the session. Close errors are logged, not returned to
// the caller twice.
func (dc *DownloadContext) Close() error {
	if dc == nil {
		return nil
	}
	var err error
	dc.once.Do(func() {
		dc.closed.Store(true)
		err = dc.session.Close()
		if err != nil {
			dc.log.WarnWithFields("Failed to close download context", map[string]interface{}{
				"referer": dc.referer,
				"error":   err.Error(),
			})
		}
	})
	return err
}

// owned guards a DownloadContext inside one extraction. Close releases it
// unless Take handed it to the caller.
type owned struct {
	dc    *DownloadContext
	taken bool
}

// Take transfers ownership out of the handle
func (o *owned) Take() *DownloadContext {
	o.taken = true
	return o.dc
}

func (o *owned) Close() {
	if o.taken {
		return
	}
	_ = o.dc.Close()
}
