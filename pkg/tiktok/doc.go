// Package tiktok resolves provider links into downloadable media.
//
// A Client recognizes links, expands short links, extracts post metadata
// through a pluggable Extractor and downloads media with the same session
// that read the post page. Videos are downloaded inline. Slideshows come
// back as image URLs together with a DownloadContext that the caller owns:
//
//	media, err := client.DownloadWithRetry(ctx, link, tiktok.RetryOptions{
//	    MaxAttempts:    3,
//	    AttemptTimeout: 10 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	defer media.Close()
//	for _, u := range media.ImageURLs {
//	    data, err := client.DownloadMedia(ctx, u, media.Context)
//	    ...
//	}
//
// Failures are *errors.Error values; permanent classes (deleted, private,
// region blocked, too long) are never retried.
package tiktok
