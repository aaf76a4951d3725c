package logger

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tikfetch/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.LoggingConfig
		wantErr bool
	}{
		{"info level", &config.LoggingConfig{Level: "info"}, false},
		{"debug level", &config.LoggingConfig{Level: "debug"}, false},
		{"invalid level", &config.LoggingConfig{Level: "loud"}, true},
		{"file output", &config.LoggingConfig{Level: "info", File: filepath.Join(t.TempDir(), "logs", "tikfetch.log")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
		wantErr  bool
	}{
		{"debug", zerolog.DebugLevel, false},
		{"INFO", zerolog.InfoLevel, false},
		{"", zerolog.InfoLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"disabled", zerolog.Disabled, false},
		{"verbose", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			level, err := parseLogLevel(tt.level)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestFieldsReachOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewFromWriter(&buf, "debug")
	require.NoError(t, err)

	l.WithField("key", int64(42)).
		WithFields(map[string]interface{}{"pending": 2}).
		WithError(errors.New("boom")).
		InfoWithFields("admission granted", map[string]interface{}{"bypass": false})

	out := buf.String()
	assert.Contains(t, out, "admission granted")
	assert.Contains(t, out, `"key":42`)
	assert.Contains(t, out, `"pending":2`)
	assert.Contains(t, out, `"bypass":false`)
	assert.Contains(t, out, `"error":"boom"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewFromWriter(&buf, "warn")
	require.NoError(t, err)

	l.Debug("hidden debug")
	l.Info("hidden info")
	l.Warn("shown warn")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown warn")
}

func TestWithErrorNil(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewFromWriter(&buf, "info")
	require.NoError(t, err)
	assert.Same(t, l, l.WithError(nil))
}

func TestOrDefault(t *testing.T) {
	nop := NewNopLogger()
	assert.Equal(t, nop, OrDefault(nop))
	assert.NotNil(t, OrDefault(nil))
}

func TestTestLoggerCapturesDerivedFields(t *testing.T) {
	tl := NewTestLogger()
	derived := tl.WithField("component", "queue").WithError(errors.New("late"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			derived.WarnWithFields("attempt failed", map[string]interface{}{"attempt": i})
		}(i)
	}
	wg.Wait()
	tl.Info("done")

	warns := tl.GetMessagesByLevel("WARN")
	require.Len(t, warns, 10)
	assert.Equal(t, "queue", warns[0].Fields["component"])
	assert.EqualError(t, warns[0].Error, "late")
	assert.True(t, tl.HasMessage("done"))
	assert.True(t, tl.HasMessageContaining("attempt"))
	assert.False(t, tl.HasError())

	tl.Clear()
	assert.Empty(t, tl.GetMessages())
}

func TestLogRequestLevels(t *testing.T) {
	tl := NewTestLogger()
	LogRequest(tl, "GET", "https://example.com", 200, 0)
	LogRequest(tl, "GET", "https://example.com", 429, 0)
	LogRequest(tl, "GET", "https://example.com", 503, 0)

	msgs := tl.GetMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "DEBUG", msgs[0].Level)
	assert.Equal(t, "WARN", msgs[1].Level)
	assert.Equal(t, "ERROR", msgs[2].Level)
	assert.True(t, strings.HasPrefix(msgs[2].Message, "HTTP request"))
}
