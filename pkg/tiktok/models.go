package tiktok

import (
	"sort"
	"time"
)

// MediaKind tells a single video from a slideshow
type MediaKind int

const (
	KindVideo MediaKind = iota
	KindSlideshow
)

func (k MediaKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindSlideshow:
		return "slideshow"
	default:
		return "unknown"
	}
}

// Bitrate is one encoded variant of a video
type Bitrate struct {
	URL     string
	Bitrate int
}

// Music is the sound attached to a post
type Music struct {
	PlayURL     string
	Title       string
	Author      string
	Duration    int
	CoverLarge  string
	CoverMedium string
	CoverThumb  string
}

// Cover picks the largest available cover
func (m *Music) Cover() string {
	switch {
	case m.CoverLarge != "":
		return m.CoverLarge
	case m.CoverMedium != "":
		return m.CoverMedium
	default:
		return m.CoverThumb
	}
}

// Post is what an extractor reads from the provider for one post. Status
// is a provider status tag; anything other than "ok" or "" is a failure.
type Post struct {
	ID       string
	Status   string
	Author   string
	Images   []string
	PlayAddr string
	// DownloadAddr is the watermarked variant
	DownloadAddr string
	Bitrates     []Bitrate
	Cover        string
	Width        int
	Height       int
	Duration     int
	Music        *Music
	// Headers must accompany media requests for this post
	Headers map[string]string
}

// IsSlideshow reports whether the post carries images
func (p *Post) IsSlideshow() bool {
	return len(p.Images) > 0
}

// VideoURL picks the media URL to download: the play address first, then
// the download address, then the highest bitrate variant.
func (p *Post) VideoURL() string {
	if p.PlayAddr != "" {
		return p.PlayAddr
	}
	if p.DownloadAddr != "" {
		return p.DownloadAddr
	}
	variants := make([]Bitrate, 0, len(p.Bitrates))
	for _, b := range p.Bitrates {
		if b.URL != "" {
			variants = append(variants, b)
		}
	}
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Bitrate > variants[j].Bitrate
	})
	if len(variants) > 0 {
		return variants[0].URL
	}
	return ""
}

// ExtractedMedia is the result of one successful extraction.
//
// A video carries its bytes and no context. A slideshow carries image URLs
// and a DownloadContext the caller owns and must Close after downloading
// the images.
type ExtractedMedia struct {
	Kind     MediaKind
	ID       int64
	Author   string
	Link     string
	Cover    string
	Width    int
	Height   int
	Duration int

	Data     []byte
	VideoURL string

	ImageURLs []string
	Context   *DownloadContext

	ExtractedAt time.Time
}

// Close releases the slideshow context, if any
func (m *ExtractedMedia) Close() {
	if m == nil || m.Context == nil {
		return
	}
	_ = m.Context.Close()
}

// MusicInfo is the audio of a post
type MusicInfo struct {
	Data     []byte
	ID       int64
	Title    string
	Author   string
	Duration int
	Cover    string
}
