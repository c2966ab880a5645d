package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterMaxAge          = 10 * time.Minute
)

// sourceLimitEntry tracks a per-source limiter and when it was last used.
type sourceLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SourceLimiter applies a token bucket per source host across all
// transports, so a flooding peer cannot starve the dispatch path.
type SourceLimiter struct {
	mu      sync.Mutex
	entries map[string]*sourceLimitEntry
	rate    rate.Limit
	burst   int
	logger  *slog.Logger
}

// NewSourceLimiter creates a limiter allowing perSecond messages per source
// with the given burst. A nil logger uses the default one.
func NewSourceLimiter(perSecond float64, burst int, logger *slog.Logger) *SourceLimiter {
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceLimiter{
		entries: make(map[string]*sourceLimitEntry),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		logger:  logger.With("subsystem", "ratelimit"),
	}
}

// Allow reports whether a message from host may be processed now.
func (l *SourceLimiter) Allow(host string) bool {
	l.mu.Lock()
	entry, ok := l.entries[host]
	if !ok {
		entry = &sourceLimitEntry{
			limiter: rate.NewLimiter(l.rate, l.burst),
		}
		l.entries[host] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// Run evicts idle entries until ctx is cancelled.
func (l *SourceLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup(time.Now().Add(-limiterMaxAge))
		}
	}
}

// cleanup removes entries not seen since cutoff.
func (l *SourceLimiter) cleanup(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for host, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, host)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(l.entries))
	}
}
