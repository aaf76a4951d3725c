package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Manager writes downloaded media to the output directory and remembers
// which posts are already on disk
type Manager struct {
	outputDir  string
	downloaded map[string]bool
	mu         sync.RWMutex
}

// NewManager creates the output directory if needed and indexes the
// media already in it
func NewManager(outputDir string) (*Manager, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	manager := &Manager{
		outputDir:  outputDir,
		downloaded: make(map[string]bool),
	}

	if err := manager.scanExistingFiles(); err != nil {
		return nil, fmt.Errorf("failed to scan existing files: %w", err)
	}

	return manager, nil
}

// scanExistingFiles indexes <id>.mp4, <id>-<n>.jpg and <id>.mp3 files
func (m *Manager) scanExistingFiles() error {
	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := mediaIDFromName(entry.Name()); ok {
			m.downloaded[id] = true
		}
	}

	return nil
}

func mediaIDFromName(name string) (string, bool) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	switch ext {
	case ".mp4", ".mp3":
		return base, base != ""
	case ".jpg":
		if i := strings.LastIndexByte(base, '-'); i > 0 {
			return base[:i], true
		}
	}
	return "", false
}

// IsDownloaded reports whether media for the post id is already stored
func (m *Manager) IsDownloaded(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.downloaded[id]
}

// VideoPath is where the video of id is stored
func (m *Manager) VideoPath(id string) string {
	return filepath.Join(m.outputDir, id+".mp4")
}

// ImagePath is where slideshow image index (1-based) of id is stored
func (m *Manager) ImagePath(id string, index int) string {
	return filepath.Join(m.outputDir, fmt.Sprintf("%s-%d.jpg", id, index))
}

// AudioPath is where the sound of id is stored
func (m *Manager) AudioPath(id string) string {
	return filepath.Join(m.outputDir, id+".mp3")
}

// SaveVideo stores the video of id
func (m *Manager) SaveVideo(r io.Reader, id string) (string, error) {
	return m.save(r, id, m.VideoPath(id))
}

// SaveImage stores one slideshow image
func (m *Manager) SaveImage(r io.Reader, id string, index int) (string, error) {
	return m.save(r, id, m.ImagePath(id, index))
}

// SaveAudio stores the sound of id
func (m *Manager) SaveAudio(r io.Reader, id string) (string, error) {
	return m.save(r, id, m.AudioPath(id))
}

func (m *Manager) save(r io.Reader, id, filename string) (string, error) {
	if err := writeAtomic(filename, r); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.downloaded[id] = true
	m.mu.Unlock()

	return filename, nil
}

// writeAtomic writes to a temporary file and renames it into place
func writeAtomic(filename string, r io.Reader) error {
	tempFile := filename + ".tmp"
	out, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	_, err = io.Copy(out, r)
	closeErr := out.Close()

	if err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to save media data: %w", err)
	}

	if closeErr != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to close file: %w", closeErr)
	}

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}

// GetOutputDir returns the output directory path
func (m *Manager) GetOutputDir() string {
	return m.outputDir
}

// GetDownloadedCount returns the number of posts with stored media
func (m *Manager) GetDownloadedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.downloaded)
}
