package tiktok

import (
	"context"
	"encoding/json"
	"strings"

	ytdlp "github.com/lrstanley/go-ytdlp"
	errs "tikfetch/pkg/errors"
	"tikfetch/pkg/logger"
)

// YtdlpExtractor asks an installed yt-dlp for the post's info JSON. It
// handles videos only; slideshows need the web backend.
type YtdlpExtractor struct {
	executable string
	userAgent  string
	log        logger.Logger
}

// NewYtdlpExtractor creates the yt-dlp backend. An empty executable uses
// yt-dlp from PATH.
func NewYtdlpExtractor(executable, userAgent string, log logger.Logger) *YtdlpExtractor {
	return &YtdlpExtractor{
		executable: executable,
		userAgent:  userAgent,
		log:        logger.OrDefault(log).WithField("extractor", "ytdlp"),
	}
}

func (y *YtdlpExtractor) Name() string { return "ytdlp" }

func (y *YtdlpExtractor) command(s Session) *ytdlp.Command {
	cmd := ytdlp.New().
		NoCallHome().
		NoWarnings().
		DumpJSON()
	if y.executable != "" {
		cmd.SetExecutable(y.executable)
	}
	if y.userAgent != "" {
		cmd.UserAgent(y.userAgent)
	}
	if s != nil && s.Proxy() != "" {
		cmd.Proxy(s.Proxy())
	}
	return cmd
}

func (y *YtdlpExtractor) Extract(ctx context.Context, s Session, canonical, id string) (*Post, error) {
	result, err := y.command(s).Run(ctx, canonical)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.ErrorTypeNetwork, "extract", ctx.Err())
		}
		msg := err.Error()
		if result != nil && result.Stderr != "" {
			msg = result.Stderr
		}
		kind := errs.ClassifyMessage(msg)
		y.log.WarnWithFields("yt-dlp failed", map[string]interface{}{
			"id":    id,
			"class": string(kind),
			"error": strings.TrimSpace(msg),
		})
		return &Post{ID: id, Status: string(kind)}, nil
	}

	return parseYtdlpInfo(result.Stdout, id)
}

type ytdlpInfo struct {
	ID        string  `json:"id"`
	URL       string  `json:"url"`
	Thumbnail string  `json:"thumbnail"`
	Uploader  string  `json:"uploader"`
	Creator   string  `json:"creator"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Duration  float64 `json:"duration"`
	Formats   []struct {
		URL    string  `json:"url"`
		VCodec string  `json:"vcodec"`
		TBR    float64 `json:"tbr"`
	} `json:"formats"`
	HTTPHeaders map[string]string `json:"http_headers"`
}

func parseYtdlpInfo(stdout, id string) (*Post, error) {
	// -j prints one JSON document per line; a single post yields one
	line := strings.TrimSpace(stdout)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	var info ytdlpInfo
	if err := json.Unmarshal([]byte(line), &info); err != nil {
		return nil, errs.Wrap(errs.ErrorTypeExtraction, "extract", err)
	}

	p := &Post{
		ID:       info.ID,
		Status:   "ok",
		Author:   info.Uploader,
		PlayAddr: info.URL,
		Cover:    info.Thumbnail,
		Width:    info.Width,
		Height:   info.Height,
		Duration: int(info.Duration),
		Headers:  info.HTTPHeaders,
	}
	if p.ID == "" {
		p.ID = id
	}
	if p.Author == "" {
		p.Author = info.Creator
	}
	for _, f := range info.Formats {
		if f.URL == "" || f.VCodec == "none" {
			continue
		}
		p.Bitrates = append(p.Bitrates, Bitrate{URL: f.URL, Bitrate: int(f.TBR * 1000)})
	}
	if p.PlayAddr == "" && len(p.Bitrates) == 0 && len(info.Formats) > 0 {
		p.DownloadAddr = info.Formats[len(info.Formats)-1].URL
	}
	return p, nil
}
