package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// ProgressDisplay tracks a batch of links. On a terminal it redraws one
// status line; otherwise it prints one line per finished link.
type ProgressDisplay struct {
	mu         sync.Mutex
	w          io.Writer
	live       bool
	total      int
	done       int
	failed     int
	skipped    int
	files      int
	bytes      int64
	startTime  time.Time
	lastOutput string
}

// NewProgressDisplay creates a display for total links writing to stdout
func NewProgressDisplay(total int) *ProgressDisplay {
	return NewProgressDisplayTo(out, total, term.IsTerminal(int(os.Stdout.Fd())))
}

// NewProgressDisplayTo is NewProgressDisplay for an arbitrary writer
func NewProgressDisplayTo(w io.Writer, total int, live bool) *ProgressDisplay {
	return &ProgressDisplay{
		w:         w,
		live:      live,
		total:     total,
		startTime: time.Now(),
	}
}

// Complete records a delivered link
func (p *ProgressDisplay) Complete(link string, files []string, size int64, skipped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	if skipped {
		p.skipped++
	}
	p.files += len(files)
	p.bytes += size

	status := Green("✓")
	if skipped {
		status = Dim("=")
	}
	p.emit(fmt.Sprintf("%s %s • %d files • %s", status, link, len(files), formatBytes(size)))
}

// Fail records a failed link
func (p *ProgressDisplay) Fail(link, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	p.failed++
	p.emit(fmt.Sprintf("%s %s • %s", Red("✗"), link, reason))
}

func (p *ProgressDisplay) emit(line string) {
	if quiet.Load() {
		return
	}
	if !p.live {
		fmt.Fprintln(p.w, line)
		return
	}

	barWidth := 20
	filled := 0
	if p.total > 0 {
		filled = p.done * barWidth / p.total
	}
	bar := strings.Repeat("━", filled) + strings.Repeat("─", barWidth-filled)
	status := fmt.Sprintf("[%s] %d/%d • %s", bar, p.done, p.total, formatBytes(p.bytes))
	if p.failed > 0 {
		status += " • " + Red(fmt.Sprintf("%d failed", p.failed))
	}

	fmt.Fprintf(p.w, "\r%s\r%s\n%s", strings.Repeat(" ", len(p.lastOutput)), line, status)
	p.lastOutput = status
}

// Finish prints the summary
func (p *ProgressDisplay) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if quiet.Load() {
		return
	}
	elapsed := time.Since(p.startTime)
	if p.live {
		fmt.Fprintln(p.w)
	}
	fmt.Fprintf(p.w, "\n%s Fetched %d of %d links (%d files, %s) in %s\n",
		Green("✓"),
		p.done-p.failed,
		p.total,
		p.files,
		formatBytes(p.bytes),
		formatDuration(elapsed),
	)
	if p.skipped > 0 {
		fmt.Fprintf(p.w, "  %s %d already downloaded\n", Dim("•"), p.skipped)
	}
	if p.failed > 0 {
		fmt.Fprintf(p.w, "  %s %d links failed\n", Dim("•"), p.failed)
	}
}

// Failed returns the number of failed links
func (p *ProgressDisplay) Failed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// formatBytes formats bytes in a human-readable way
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
