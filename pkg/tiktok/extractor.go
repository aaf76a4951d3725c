package tiktok

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	errs "tikfetch/pkg/errors"
	"tikfetch/pkg/logger"
)

// Extractor reads one post through a session
type Extractor interface {
	Name() string
	Extract(ctx context.Context, s Session, canonical, id string) (*Post, error)
}

const rehydrationScriptID = "__UNIVERSAL_DATA_FOR_REHYDRATION__"

// DefaultUserAgent is sent when no user agent is configured
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

// Provider status codes seen in the video-detail payload
var statusCodeTags = map[int]string{
	0:     "ok",
	10204: "deleted",
	10217: "deleted",
	10216: "private",
	10222: "private",
	10231: "region",
}

// WebExtractor reads the post page and parses the state blob embedded in
// it. It understands both videos and slideshows.
type WebExtractor struct {
	userAgent string
	log       logger.Logger
}

// NewWebExtractor creates the page-scraping backend
func NewWebExtractor(userAgent string, log logger.Logger) *WebExtractor {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &WebExtractor{
		userAgent: userAgent,
		log:       logger.OrDefault(log).WithField("extractor", "web"),
	}
}

func (w *WebExtractor) Name() string { return "web" }

// Extract fetches the post page. A failure reported inside the page is
// returned as a Post with a non-ok Status rather than an error.
func (w *WebExtractor) Extract(ctx context.Context, s Session, canonical, id string) (*Post, error) {
	pageURL := strings.Replace(canonical, "/photo/", "/video/", 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeExtraction, "extract", err)
	}
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	start := time.Now()
	resp, err := s.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeNetwork, "extract", err)
	}
	defer resp.Body.Close()
	logger.LogRequest(w.log, http.MethodGet, pageURL, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, &errs.Error{
			Type:    errs.ClassifyHTTPStatus(resp.StatusCode),
			Op:      "extract",
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("post page returned status %d", resp.StatusCode),
		}
	}

	blob, err := findScript(resp.Body, rehydrationScriptID)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeNetwork, "extract", err)
	}
	if blob == "" {
		return nil, &errs.Error{Type: errs.ErrorTypeExtraction, Op: "extract", Message: "page carries no post data"}
	}

	var data rehydrationData
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		preview := blob
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		w.log.ErrorWithFields("Failed to parse post data", map[string]interface{}{
			"url":          pageURL,
			"error":        err.Error(),
			"body_preview": preview,
		})
		return nil, errs.Wrap(errs.ErrorTypeExtraction, "extract", err)
	}

	detail := data.DefaultScope.VideoDetail
	if detail == nil {
		return nil, &errs.Error{Type: errs.ErrorTypeExtraction, Op: "extract", Message: "page carries no video detail"}
	}
	if detail.StatusCode != 0 {
		tag, ok := statusCodeTags[detail.StatusCode]
		if !ok {
			tag = "extraction"
		}
		w.log.DebugWithFields("Provider reported failure", map[string]interface{}{
			"id":          id,
			"status_code": detail.StatusCode,
			"status_msg":  detail.StatusMsg,
		})
		return &Post{ID: id, Status: tag}, nil
	}

	post := detail.ItemInfo.ItemStruct.toPost()
	if post.ID == "" {
		post.ID = id
	}
	post.Status = "ok"
	return post, nil
}

// findScript returns the text of the script element with the given id
func findScript(r io.Reader, id string) (string, error) {
	z := html.NewTokenizer(r)
	inTarget := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return "", nil
			}
			return "", z.Err()
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "script" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "id" && string(val) == id {
					inTarget = true
				}
				if !more {
					break
				}
			}
		case html.TextToken:
			if inTarget {
				return string(z.Text()), nil
			}
		case html.EndTagToken:
			inTarget = false
		}
	}
}

type rehydrationData struct {
	DefaultScope struct {
		VideoDetail *videoDetail `json:"webapp.video-detail"`
	} `json:"__DEFAULT_SCOPE__"`
}

type videoDetail struct {
	StatusCode int    `json:"statusCode"`
	StatusMsg  string `json:"statusMsg"`
	ItemInfo   struct {
		ItemStruct itemStruct `json:"itemStruct"`
	} `json:"itemInfo"`
}

type itemStruct struct {
	ID     string `json:"id"`
	Author struct {
		UniqueID string `json:"uniqueId"`
	} `json:"author"`
	Video struct {
		PlayAddr     string `json:"playAddr"`
		DownloadAddr string `json:"downloadAddr"`
		Cover        string `json:"cover"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		Duration     int    `json:"duration"`
		BitrateInfo  []struct {
			Bitrate  int `json:"Bitrate"`
			PlayAddr struct {
				URLList []string `json:"UrlList"`
			} `json:"PlayAddr"`
		} `json:"bitrateInfo"`
	} `json:"video"`
	ImagePost *struct {
		Images []struct {
			ImageURL struct {
				URLList []string `json:"urlList"`
			} `json:"imageURL"`
		} `json:"images"`
	} `json:"imagePost"`
	Music *struct {
		PlayURL     string `json:"playUrl"`
		Title       string `json:"title"`
		AuthorName  string `json:"authorName"`
		Duration    int    `json:"duration"`
		CoverLarge  string `json:"coverLarge"`
		CoverMedium string `json:"coverMedium"`
		CoverThumb  string `json:"coverThumb"`
	} `json:"music"`
}

func (it *itemStruct) toPost() *Post {
	p := &Post{
		ID:           it.ID,
		Author:       it.Author.UniqueID,
		PlayAddr:     it.Video.PlayAddr,
		DownloadAddr: it.Video.DownloadAddr,
		Cover:        it.Video.Cover,
		Width:        it.Video.Width,
		Height:       it.Video.Height,
		Duration:     it.Video.Duration,
	}
	for _, b := range it.Video.BitrateInfo {
		if len(b.PlayAddr.URLList) > 0 {
			p.Bitrates = append(p.Bitrates, Bitrate{URL: b.PlayAddr.URLList[0], Bitrate: b.Bitrate})
		}
	}
	if it.ImagePost != nil {
		for _, img := range it.ImagePost.Images {
			// first entry is the primary CDN
			if len(img.ImageURL.URLList) > 0 {
				p.Images = append(p.Images, img.ImageURL.URLList[0])
			}
		}
	}
	if it.Music != nil {
		p.Music = &Music{
			PlayURL:     it.Music.PlayURL,
			Title:       it.Music.Title,
			Author:      it.Music.AuthorName,
			Duration:    it.Music.Duration,
			CoverLarge:  it.Music.CoverLarge,
			CoverMedium: it.Music.CoverMedium,
			CoverThumb:  it.Music.CoverThumb,
		}
	}
	return p
}
