package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter defines the interface for rate limiting
type Limiter interface {
	// Allow reports whether a request may proceed right now
	Allow() bool
	// Wait blocks until a request may proceed or ctx ends
	Wait(ctx context.Context) error
	// Reset restores the full burst
	Reset()
}

// TokenBucket is a token bucket limiter backed by x/time/rate
type TokenBucket struct {
	mu    sync.Mutex
	lim   *rate.Limiter
	rps   rate.Limit
	burst int
}

// NewTokenBucket allows rps requests per second with bursts of up to burst
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		lim:   rate.NewLimiter(rate.Limit(rps), burst),
		rps:   rate.Limit(rps),
		burst: burst,
	}
}

func (tb *TokenBucket) limiter() *rate.Limiter {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lim
}

// Allow checks if a request can proceed
func (tb *TokenBucket) Allow() bool {
	return tb.limiter().Allow()
}

// Wait blocks until a token is available
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.limiter().Wait(ctx)
}

// Reset refills the bucket
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.lim = rate.NewLimiter(tb.rps, tb.burst)
}

// Unlimited never blocks
type Unlimited struct{}

func (Unlimited) Allow() bool                  { return true }
func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }
func (Unlimited) Reset()                       {}

// HostLimiter keeps one token bucket per host so a slow CDN does not
// consume the provider's budget. Idle hosts are dropped by Cleanup.
type HostLimiter struct {
	mu      sync.Mutex
	entries map[string]*hostEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type hostEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewHostLimiter creates a per-host limiter
func NewHostLimiter(rps float64, burst int, idleTTL time.Duration) *HostLimiter {
	if burst < 1 {
		burst = 1
	}
	return &HostLimiter{
		entries: make(map[string]*hostEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
	}
}

func (h *HostLimiter) get(host string) *rate.Limiter {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()

	if ent, ok := h.entries[host]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(h.rps, h.burst)
	h.entries[host] = &hostEntry{lim: lim, lastSeen: now}
	return lim
}

// Wait blocks until host may receive another request
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	return h.get(host).Wait(ctx)
}

// Cleanup forgets hosts idle for longer than the idle TTL
func (h *HostLimiter) Cleanup() {
	cutoff := time.Now().Add(-h.idleTTL)
	h.mu.Lock()
	defer h.mu.Unlock()
	for host, ent := range h.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(h.entries, host)
		}
	}
}

// StartJanitor runs Cleanup once per idle TTL until ctx is done
func (h *HostLimiter) StartJanitor(ctx context.Context) {
	if h.idleTTL <= 0 {
		return
	}

	t := time.NewTicker(h.idleTTL)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				h.Cleanup()
			}
		}
	}()
}

// Len returns the number of tracked hosts
func (h *HostLimiter) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
