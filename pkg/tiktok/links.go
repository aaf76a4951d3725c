package tiktok

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	errs "tikfetch/pkg/errors"
	"tikfetch/pkg/retry"
)

var (
	webLinkRe   = regexp.MustCompile(`https?://www\.tiktok\.com/@[^\s]+?/video/[0-9]+`)
	photoLinkRe = regexp.MustCompile(`https?://www\.tiktok\.com/@[^\s]+?/photo/[0-9]+`)
	shortLinkRe = regexp.MustCompile(`https?://[^\s]+tiktok\.com/[^\s]+`)
	videoIDRe   = regexp.MustCompile(`/(?:video|photo)/(\d+)`)
)

// Link is a provider link found in user text. Short links need an HTTP
// round trip before their post id is known.
type Link struct {
	URL   string
	Short bool
}

// ParseLink finds the first supported link in text. Long-form video and
// photo links win over short links.
func ParseLink(text string) (Link, bool) {
	if m := webLinkRe.FindString(text); m != "" {
		return Link{URL: m}, true
	}
	if m := photoLinkRe.FindString(text); m != "" {
		return Link{URL: m}, true
	}
	if m := shortLinkRe.FindString(text); m != "" {
		return Link{URL: m, Short: true}, true
	}
	return Link{}, false
}

// VideoID extracts the numeric post id from a canonical link
func VideoID(canonical string) (string, bool) {
	m := videoIDRe.FindStringSubmatch(canonical)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Resolve recognizes a supported link in text. A false result means the
// text holds no supported link; it is not an error.
func (c *Client) Resolve(text string) (Link, bool) {
	link, ok := ParseLink(text)
	if ok {
		c.log.DebugWithFields("Link recognized", map[string]interface{}{
			"url":   link.URL,
			"short": link.Short,
		})
	}
	return link, ok
}

// Canonicalize returns the long form of link. Short links are expanded by
// following redirects; expansions are cached and concurrent expansions of
// the same link share one request. A failed expansion returns the
// classified cause of the last attempt.
func (c *Client) Canonicalize(ctx context.Context, link Link) (string, error) {
	if !link.Short {
		return link.URL, nil
	}

	load := func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, c.resolveTimeout)
		defer cancel()

		canonical, err := retry.DoWithResult(ctx, func(ctx context.Context) (string, error) {
			return c.expand(ctx, link.URL)
		}, &retry.Config{
			MaxAttempts: c.resolveRetries,
			Backoff:     &retry.ConstantBackoff{Delay: 200 * time.Millisecond},
			Logger:      c.log,
		})
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return "", exhausted.Err
		}
		return canonical, err
	}

	if c.links == nil {
		return load(ctx)
	}
	return c.links.GetOrLoad(ctx, link.URL, load)
}

// expand follows the redirect chain of a short link
func (c *Client) expand(ctx context.Context, short string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, short, nil)
	if err != nil {
		return "", errs.Wrap(errs.ErrorTypeExtraction, "resolve", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.resolver.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.ErrorTypeNetwork, "resolve", err)
	}
	defer resp.Body.Close()
	c.logRequest(http.MethodGet, short, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 400 {
		return "", &errs.Error{
			Type:    errs.ClassifyHTTPStatus(resp.StatusCode),
			Op:      "resolve",
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("short link returned status %d", resp.StatusCode),
		}
	}

	final := *resp.Request.URL
	final.RawQuery = ""
	final.Fragment = ""
	canonical := final.String()

	c.log.DebugWithFields("Short link expanded", map[string]interface{}{
		"short":     short,
		"canonical": canonical,
	})
	return canonical, nil
}

// postURL is the page used to look a post up by id alone
func (c *Client) postURL(id string) string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Sprintf("https://www.tiktok.com/@_/video/%s", id)
	}
	u.Path = fmt.Sprintf("/@_/video/%s", id)
	return u.String()
}
