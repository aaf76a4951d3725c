package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h30m", formatDuration(90*time.Minute))
}

func TestProgressDisplayPlain(t *testing.T) {
	SetColor(false)
	defer SetColor(true)

	var buf bytes.Buffer
	p := NewProgressDisplayTo(&buf, 3, false)
	p.Complete("https://t/1", []string{"1.mp4"}, 2048, false)
	p.Complete("https://t/2", nil, 0, true)
	p.Fail("https://t/3", "error_deleted")
	p.Finish()

	out := buf.String()
	assert.Contains(t, out, "✓ https://t/1 • 1 files • 2.0 KB")
	assert.Contains(t, out, "= https://t/2")
	assert.Contains(t, out, "✗ https://t/3 • error_deleted")
	assert.Contains(t, out, "Fetched 2 of 3 links")
	assert.Contains(t, out, "1 already downloaded")
	assert.Contains(t, out, "1 links failed")
	assert.Equal(t, 1, p.Failed())
	assert.False(t, strings.Contains(out, "\r"))
}

func TestProgressDisplayQuiet(t *testing.T) {
	SetQuietMode(true)
	defer SetQuietMode(false)

	var buf bytes.Buffer
	p := NewProgressDisplayTo(&buf, 1, true)
	p.Complete("https://t/1", nil, 1, false)
	p.Finish()
	assert.Empty(t, buf.String())
}
