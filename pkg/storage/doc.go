// Package storage writes downloaded media to disk.
//
// Files are written atomically (temporary file, then rename) and named by
// post id: <id>.mp4 for videos, <id>-<n>.jpg for slideshow images and
// <id>.mp3 for sounds, with an optional <id>.json metadata sidecar. The
// Manager indexes existing files on startup so posts already on disk can
// be skipped.
//
//	manager, err := storage.NewManager("downloads")
//	if err != nil {
//	    return err
//	}
//	if !manager.IsDownloaded(id) {
//	    path, err := manager.SaveVideo(bytes.NewReader(data), id)
//	    ...
//	}
package storage
