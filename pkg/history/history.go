package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tikfetch/pkg/config"
	"tikfetch/pkg/logger"
)

// Event is one delivered download
type Event struct {
	RequestID string    `json:"request_id"`
	UserKey   int64     `json:"user_key"`
	MediaID   int64     `json:"media_id"`
	Kind      string    `json:"kind"`
	Link      string    `json:"link"`
	At        time.Time `json:"at"`
}

// Recorder persists download events. Callers log Record failures and move
// on; a failed record never affects delivery.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

type nopRecorder struct{}

// Nop returns a Recorder that drops every event
func Nop() Recorder { return nopRecorder{} }

func (nopRecorder) Record(context.Context, Event) error { return nil }
func (nopRecorder) Close() error                        { return nil }

// FileRecorder appends events to a file as JSON lines
type FileRecorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileRecorder opens (or creates) path for appending
func NewFileRecorder(path string) (*FileRecorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	return &FileRecorder{file: f, enc: json.NewEncoder(f)}, nil
}

// Record appends ev as one line
func (r *FileRecorder) Record(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return os.ErrClosed
	}
	if err := r.enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to write history event: %w", err)
	}
	return nil
}

// Close closes the underlying file
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// FromConfig builds the recorder selected by cfg.Backend
func FromConfig(ctx context.Context, cfg config.HistoryConfig, log logger.Logger) (Recorder, error) {
	log = logger.OrDefault(log)

	switch cfg.Backend {
	case "", config.HistoryNone:
		return Nop(), nil
	case config.HistoryFile:
		r, err := NewFileRecorder(cfg.File)
		if err != nil {
			return nil, err
		}
		log.Debug("history: recording to " + cfg.File)
		return r, nil
	case config.HistoryRedis:
		r, err := DialRedis(ctx, cfg.RedisAddr, WithKey(cfg.RedisKey))
		if err != nil {
			return nil, err
		}
		log.Debug("history: recording to redis " + cfg.RedisAddr)
		return r, nil
	default:
		return nil, fmt.Errorf("unknown history backend: %s", cfg.Backend)
	}
}
