package search

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock steps time manually so window expiry is deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(global bool) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := NewLimiter(3, 30*time.Second, global)
	l.now = clock.now
	return l, clock
}

func TestLimiterAdmitsUpToCapacity(t *testing.T) {
	l, _ := newTestLimiter(false)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(backendLoogle), "call %d", i+1)
	}

	err := l.Allow(backendLoogle)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, backendLoogle, rl.Backend)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
}

func TestLimiterWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(false)

	require.NoError(t, l.Allow(backendLoogle))
	clock.advance(10 * time.Second)
	require.NoError(t, l.Allow(backendLoogle))
	require.NoError(t, l.Allow(backendLoogle))

	// Window full; the oldest call frees its slot at t+30s.
	var rl *RateLimitError
	require.ErrorAs(t, l.Allow(backendLoogle), &rl)
	assert.Equal(t, 20*time.Second, rl.RetryAfter)

	clock.advance(21 * time.Second)
	require.NoError(t, l.Allow(backendLoogle))
}

func TestLimiterPerBackendScope(t *testing.T) {
	l, _ := newTestLimiter(false)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(backendLoogle))
	}
	// Exhausting one backend leaves the others untouched.
	require.NoError(t, l.Allow(backendLeanSearch))
	require.Error(t, l.Allow(backendLoogle))
}

func TestLimiterGlobalScope(t *testing.T) {
	l, _ := newTestLimiter(true)

	require.NoError(t, l.Allow(backendLoogle))
	require.NoError(t, l.Allow(backendLeanSearch))
	require.NoError(t, l.Allow(backendHammer))

	// All four draw from one window.
	var rl *RateLimitError
	require.ErrorAs(t, l.Allow(backendStateSearch), &rl)
	assert.Equal(t, backendStateSearch, rl.Backend)
}

func TestLimiterRejectionNotRecorded(t *testing.T) {
	l, clock := newTestLimiter(false)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(backendLoogle))
	}
	for i := 0; i < 10; i++ {
		require.Error(t, l.Allow(backendLoogle))
	}

	// Rejected calls must not extend the window.
	clock.advance(31 * time.Second)
	require.NoError(t, l.Allow(backendLoogle))
}

func TestLimiterConcurrentAccess(t *testing.T) {
	l := NewLimiter(64, time.Minute, false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				_ = l.Allow(backendLoogle)
			}
		}()
	}
	wg.Wait()

	// 64 admissions fit exactly; the next is rejected.
	require.Error(t, l.Allow(backendLoogle))
}
