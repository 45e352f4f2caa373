// Package ratelimit provides per-session rate limiting for inbound
// document updates.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the rate limiting configuration.
type Config struct {
	UpdatesPerSecond float64       // Sustained CRDT updates per second per session
	Burst            int           // Burst size per session
	CleanupInterval  time.Duration // How often to clean up idle limiters
}

// DefaultConfig provides sensible defaults for rate limiting. A human
// typing produces at most a few updates per second; the burst absorbs
// paste operations and reconnect catch-up.
var DefaultConfig = Config{
	UpdatesPerSecond: 50,
	Burst:            200,
	CleanupInterval:  10 * time.Minute,
}

// sessionLimiterEntry holds a rate limiter and tracks its last usage.
type sessionLimiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// SessionLimiter manages per-session rate limiting.
type SessionLimiter struct {
	limiters map[string]*sessionLimiterEntry
	mu       sync.RWMutex
	config   Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSessionLimiter creates a new session limiter with the given configuration.
// It starts a background goroutine for cleanup.
func NewSessionLimiter(config Config) *SessionLimiter {
	sl := &SessionLimiter{
		limiters: make(map[string]*sessionLimiterEntry),
		config:   config,
		stopCh:   make(chan struct{}),
	}

	sl.wg.Add(1)
	go sl.cleanupLoop()

	return sl
}

// Allow checks if an update from the given session is allowed.
// It returns true if the update is within rate limits, false otherwise.
func (sl *SessionLimiter) Allow(sessionID string) bool {
	return sl.getLimiter(sessionID).Allow()
}

// getLimiter returns the rate limiter for the given session, creating one if necessary.
func (sl *SessionLimiter) getLimiter(sessionID string) *rate.Limiter {
	// Fast path: check if limiter exists with read lock
	sl.mu.RLock()
	entry, exists := sl.limiters[sessionID]
	if exists {
		entry.lastUsed = time.Now()
		sl.mu.RUnlock()
		return entry.limiter
	}
	sl.mu.RUnlock()

	// Slow path: create limiter with write lock
	sl.mu.Lock()
	defer sl.mu.Unlock()

	// Double-check after acquiring write lock
	entry, exists = sl.limiters[sessionID]
	if exists {
		entry.lastUsed = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(sl.config.UpdatesPerSecond), sl.config.Burst)
	sl.limiters[sessionID] = &sessionLimiterEntry{
		limiter:  limiter,
		lastUsed: time.Now(),
	}

	return limiter
}

// Forget drops the limiter for a departed session immediately rather than
// waiting for idle cleanup.
func (sl *SessionLimiter) Forget(sessionID string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	delete(sl.limiters, sessionID)
}

// Cleanup removes limiters that have been idle for longer than the cleanup interval.
// This is called periodically by the background goroutine.
func (sl *SessionLimiter) Cleanup() {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	cutoff := time.Now().Add(-sl.config.CleanupInterval)
	for sessionID, entry := range sl.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(sl.limiters, sessionID)
		}
	}
}

// cleanupLoop runs the periodic cleanup in the background.
func (sl *SessionLimiter) cleanupLoop() {
	defer sl.wg.Done()

	ticker := time.NewTicker(sl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sl.Cleanup()
		case <-sl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine and waits for it to finish.
// This should be called when shutting down the application.
func (sl *SessionLimiter) Stop() {
	close(sl.stopCh)
	sl.wg.Wait()
}

// Len returns the number of active limiters.
// This is primarily useful for testing and monitoring.
func (sl *SessionLimiter) Len() int {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return len(sl.limiters)
}
