package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Metadata describes one stored post. It is written next to the media as
// <id>.json.
type Metadata struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Author   string   `json:"author"`
	Link     string   `json:"link"`
	Cover    string   `json:"cover,omitempty"`
	Width    int      `json:"width,omitempty"`
	Height   int      `json:"height,omitempty"`
	Duration int      `json:"duration,omitempty"`
	Files    []string `json:"files"`
	FileSize int64    `json:"file_size"`

	RequestID    string    `json:"request_id,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// MetadataPath is where the sidecar of id is stored
func (m *Manager) MetadataPath(id string) string {
	return filepath.Join(m.outputDir, id+".json")
}

// SaveMetadata writes the sidecar for meta.ID
func (m *Manager) SaveMetadata(meta *Metadata) (string, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	path := m.MetadataPath(meta.ID)
	if err := writeAtomic(path, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to write metadata file: %w", err)
	}
	return path, nil
}

// LoadMetadata reads the sidecar of id
func (m *Manager) LoadMetadata(id string) (*Metadata, error) {
	data, err := os.ReadFile(m.MetadataPath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// GetAspectRatio returns the aspect ratio as a string
func (meta *Metadata) GetAspectRatio() string {
	if meta.Height == 0 {
		return "unknown"
	}

	ratio := float64(meta.Width) / float64(meta.Height)

	switch {
	case ratio > 1.7 && ratio < 1.8:
		return "16:9"
	case ratio > 1.3 && ratio < 1.4:
		return "4:3"
	case ratio > 0.9 && ratio < 1.1:
		return "1:1"
	case ratio > 0.55 && ratio < 0.57:
		return "9:16"
	case ratio > 0.74 && ratio < 0.76:
		return "3:4"
	default:
		return fmt.Sprintf("%.2f:1", ratio)
	}
}
