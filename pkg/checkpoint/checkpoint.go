package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"

	"tikfetch/pkg/logger"
)

const currentVersion = 1

// Checkpoint is the state of one named batch of links
type Checkpoint struct {
	Name      string            `json:"name"`
	Total     int               `json:"total"`
	Completed map[string]string `json:"completed"` // link -> request id
	Failed    map[string]string `json:"failed"`    // link -> message key
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Version   int               `json:"version"`
}

// IsDone reports whether link was delivered in an earlier run
func (cp *Checkpoint) IsDone(link string) bool {
	_, ok := cp.Completed[link]
	return ok
}

// Manager loads and saves one batch checkpoint. Its methods are safe for
// concurrent use.
type Manager struct {
	mu             sync.Mutex
	checkpointPath string
	checkpoint     *Checkpoint
	logger         logger.Logger
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// NewManager creates a manager for the batch name in the user data
// directory
func NewManager(name string, log logger.Logger) (*Manager, error) {
	dataDir, err := getDataDirectory()
	if err != nil {
		return nil, fmt.Errorf("failed to get data directory: %w", err)
	}
	return NewManagerInDir(filepath.Join(dataDir, "checkpoints"), name, log)
}

// NewManagerInDir creates a manager storing its file under dir
func NewManagerInDir(dir, name string, log logger.Logger) (*Manager, error) {
	if name == "" {
		return nil, fmt.Errorf("checkpoint name is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints directory: %w", err)
	}

	file := unsafeName.ReplaceAllString(name, "_") + ".checkpoint.json"
	return &Manager{
		checkpointPath: filepath.Join(dir, file),
		logger:         logger.OrDefault(log),
	}, nil
}

// Path returns the checkpoint file path
func (m *Manager) Path() string {
	return m.checkpointPath
}

// Open loads the existing checkpoint or creates a new one for total links
func (m *Manager) Open(name string, total int) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.load()
	if err != nil {
		return nil, err
	}
	if cp != nil {
		if cp.Total < total {
			cp.Total = total
		}
		m.checkpoint = cp
		m.logger.InfoWithFields("Checkpoint loaded", map[string]interface{}{
			"name":      cp.Name,
			"completed": len(cp.Completed),
			"failed":    len(cp.Failed),
		})
		return cp, nil
	}

	now := time.Now()
	cp = &Checkpoint{
		Name:      name,
		Total:     total,
		Completed: make(map[string]string),
		Failed:    make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   currentVersion,
	}
	if err := m.save(cp); err != nil {
		return nil, fmt.Errorf("failed to save initial checkpoint: %w", err)
	}
	m.checkpoint = cp

	m.logger.DebugWithFields("Checkpoint created", map[string]interface{}{
		"name": name,
		"path": m.checkpointPath,
	})
	return cp, nil
}

// Load reads the checkpoint file. A missing file yields nil, nil.
func (m *Manager) Load() (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

func (m *Manager) load() (*Checkpoint, error) {
	file, err := os.Open(m.checkpointPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var cp Checkpoint
	if err := json.NewDecoder(file).Decode(&cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if cp.Version > currentVersion {
		return nil, fmt.Errorf("checkpoint version %d is newer than supported %d", cp.Version, currentVersion)
	}
	if cp.Completed == nil {
		cp.Completed = make(map[string]string)
	}
	if cp.Failed == nil {
		cp.Failed = make(map[string]string)
	}
	return &cp, nil
}

// save writes the checkpoint to disk atomically
func (m *Manager) save(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now()

	tempPath := m.checkpointPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cp); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}

	if err := os.Rename(tempPath, m.checkpointPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}

// RecordDone marks link delivered and clears an earlier failure
func (m *Manager) RecordDone(link, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		return fmt.Errorf("checkpoint not open")
	}
	m.checkpoint.Completed[link] = requestID
	delete(m.checkpoint.Failed, link)
	return m.save(m.checkpoint)
}

// RecordFailure remembers why link failed; it is retried on the next run
func (m *Manager) RecordFailure(link, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		return fmt.Errorf("checkpoint not open")
	}
	m.checkpoint.Failed[link] = key
	return m.save(m.checkpoint)
}

// Pending filters links down to those not yet delivered
func (m *Manager) Pending(links []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		return links
	}

	var pending []string
	for _, link := range links {
		if !m.checkpoint.IsDone(link) {
			pending = append(pending, link)
		}
	}
	return pending
}

// Delete removes the checkpoint file
func (m *Manager) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.checkpointPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	m.checkpoint = nil
	m.logger.Debug("Checkpoint deleted")
	return nil
}

// Exists checks if a checkpoint file exists
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.checkpointPath)
	return err == nil
}

// getDataDirectory returns the appropriate data directory for the current OS
func getDataDirectory() (string, error) {
	var dataDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataDir = filepath.Join(home, "Library", "Application Support", "tikfetch")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		dataDir = filepath.Join(appData, "tikfetch")
	default:
		if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
			dataDir = filepath.Join(xdgDataHome, "tikfetch")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			dataDir = filepath.Join(home, ".local", "share", "tikfetch")
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}
