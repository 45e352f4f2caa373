package ratelimit

import (
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// =============================================================================
// Generators for property-based testing
// =============================================================================

// sessionIDGenerator generates valid session IDs
func sessionIDGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-z0-9\-]{8,36}`)
}

// =============================================================================
// Property: Requests within burst succeed
// =============================================================================

func testSessionLimiter_UpdatesWithinBurst(t *rapid.T) {
	config := Config{
		UpdatesPerSecond: 100.0,
		Burst:            200,
		CleanupInterval:  time.Hour,
	}

	sl := NewSessionLimiter(config)
	defer sl.Stop()

	sessionID := sessionIDGenerator().Draw(t, "sessionID")
	numUpdates := rapid.IntRange(1, config.Burst/2).Draw(t, "numUpdates")

	// Property: All updates within burst limit should succeed
	for i := 0; i < numUpdates; i++ {
		if !sl.Allow(sessionID) {
			t.Fatalf("Update %d of %d should have been allowed (within burst of %d)", i+1, numUpdates, config.Burst)
		}
	}
}

func TestSessionLimiter_UpdatesWithinBurst(t *testing.T) {
	rapid.Check(t, testSessionLimiter_UpdatesWithinBurst)
}

// =============================================================================
// Property: Sessions are limited independently
// =============================================================================

func testSessionLimiter_SessionsIndependent(t *rapid.T) {
	config := Config{
		UpdatesPerSecond: 1.0,
		Burst:            1,
		CleanupInterval:  time.Hour,
	}

	sl := NewSessionLimiter(config)
	defer sl.Stop()

	a := sessionIDGenerator().Draw(t, "sessionA")
	b := a + "-other"

	if !sl.Allow(a) {
		t.Fatalf("first update for session A should be allowed")
	}
	if sl.Allow(a) {
		t.Fatalf("second immediate update for session A should be limited (burst=1)")
	}
	// Property: exhausting A's budget must not affect B
	if !sl.Allow(b) {
		t.Fatalf("first update for session B should be allowed")
	}
}

func TestSessionLimiter_SessionsIndependent(t *testing.T) {
	rapid.Check(t, testSessionLimiter_SessionsIndependent)
}

// =============================================================================
// Forget and Cleanup drop state
// =============================================================================

func TestSessionLimiter_ForgetDropsState(t *testing.T) {
	sl := NewSessionLimiter(Config{UpdatesPerSecond: 1, Burst: 1, CleanupInterval: time.Hour})
	defer sl.Stop()

	sl.Allow("s1")
	sl.Allow("s2")
	if got := sl.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	sl.Forget("s1")
	if got := sl.Len(); got != 1 {
		t.Fatalf("Len() after Forget = %d, want 1", got)
	}
}

func TestSessionLimiter_CleanupRemovesIdle(t *testing.T) {
	sl := NewSessionLimiter(Config{UpdatesPerSecond: 1, Burst: 1, CleanupInterval: time.Millisecond})
	defer sl.Stop()

	sl.Allow("idle-session")
	time.Sleep(5 * time.Millisecond)
	sl.Cleanup()
	if got := sl.Len(); got != 0 {
		t.Fatalf("Len() after Cleanup = %d, want 0", got)
	}
}

func TestSessionLimiter_ConcurrentAccess(t *testing.T) {
	sl := NewSessionLimiter(Config{UpdatesPerSecond: 1000, Burst: 2000, CleanupInterval: time.Hour})
	defer sl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sl.Allow("shared-session")
			}
		}()
	}
	wg.Wait()

	if got := sl.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}
