package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimiterMaxEntries bounds the number of tracked identifiers
	DefaultRateLimiterMaxEntries = 10000

	defaultRateLimiterCleanupInterval = 5 * time.Minute
	defaultRateLimiterIdleTimeout     = 30 * time.Minute
)

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier token bucket rate limiting with LRU
// eviction. Identifiers are client IPs for the token endpoint and
// "user:client" pairs for security event logging.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	evictions  int64
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewRateLimiter creates a rate limiter tracking up to DefaultRateLimiterMaxEntries identifiers.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, DefaultRateLimiterMaxEntries, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom entry bound.
// maxEntries of 0 means unbounded.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
		maxEntries = DefaultRateLimiterMaxEntries
	}

	rl := &RateLimiter{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
		stop:       make(chan struct{}),
	}

	go rl.cleanupLoop(defaultRateLimiterCleanupInterval)

	return rl
}

// Allow reports whether a request for key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.entries[key] = rl.lru.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// evictOldest drops the least recently used entry. Caller holds mu.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := rl.lru.Remove(elem).(*limiterEntry)
	delete(rl.entries, entry.key)
	rl.evictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", rl.evictions,
		"current_entries", len(rl.entries))
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(defaultRateLimiterIdleTimeout)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup removes limiters idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0

	// The list is ordered by recency, so idle entries sit at the back.
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if !entry.lastAccess.Before(cutoff) {
			break
		}
		prev := elem.Prev()
		rl.lru.Remove(elem)
		delete(rl.entries, entry.key)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
	return removed
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop stops the background cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
