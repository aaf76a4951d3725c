package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tikfetch/pkg/storage"
	"tikfetch/pkg/tiktok"
)

// Image is one downloaded slideshow image
type Image struct {
	Index int
	Data  []byte
}

// Sink receives delivered media. Each method returns the names of what it
// produced (paths, message ids).
type Sink interface {
	DeliverVideo(ctx context.Context, media *tiktok.ExtractedMedia) ([]string, error)
	DeliverImages(ctx context.Context, media *tiktok.ExtractedMedia, batch []Image) ([]string, error)
	DeliverAudio(ctx context.Context, music *tiktok.MusicInfo) ([]string, error)
	// Complete runs once per delivered post, after every batch
	Complete(ctx context.Context, media *tiktok.ExtractedMedia, requestID string, files []string) error
}

// StorageSink writes media to a storage.Manager
type StorageSink struct {
	Storage      *storage.Manager
	SaveMetadata bool
}

// IsDownloaded reports whether the post is already on disk
func (s *StorageSink) IsDownloaded(id int64) bool {
	return s.Storage.IsDownloaded(strconv.FormatInt(id, 10))
}

func (s *StorageSink) DeliverVideo(_ context.Context, media *tiktok.ExtractedMedia) ([]string, error) {
	path, err := s.Storage.SaveVideo(bytes.NewReader(media.Data), strconv.FormatInt(media.ID, 10))
	if err != nil {
		return nil, err
	}
	return []string{path}, nil
}

func (s *StorageSink) DeliverImages(_ context.Context, media *tiktok.ExtractedMedia, batch []Image) ([]string, error) {
	id := strconv.FormatInt(media.ID, 10)
	paths := make([]string, 0, len(batch))
	for _, img := range batch {
		path, err := s.Storage.SaveImage(bytes.NewReader(img.Data), id, img.Index)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (s *StorageSink) DeliverAudio(_ context.Context, music *tiktok.MusicInfo) ([]string, error) {
	path, err := s.Storage.SaveAudio(bytes.NewReader(music.Data), strconv.FormatInt(music.ID, 10))
	if err != nil {
		return nil, err
	}
	return []string{path}, nil
}

func (s *StorageSink) Complete(_ context.Context, media *tiktok.ExtractedMedia, requestID string, files []string) error {
	if !s.SaveMetadata {
		return nil
	}

	meta := &storage.Metadata{
		ID:           strconv.FormatInt(media.ID, 10),
		Kind:         media.Kind.String(),
		Author:       media.Author,
		Link:         media.Link,
		Cover:        media.Cover,
		Width:        media.Width,
		Height:       media.Height,
		Duration:     media.Duration,
		RequestID:    requestID,
		DownloadedAt: time.Now(),
	}
	for _, f := range files {
		meta.Files = append(meta.Files, filepath.Base(f))
		if info, err := os.Stat(f); err == nil {
			meta.FileSize += info.Size()
		}
	}

	_, err := s.Storage.SaveMetadata(meta)
	return err
}
