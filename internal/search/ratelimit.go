package search

// ratelimit.go — sliding-window gate shared by all search callers. The
// external services tolerate roughly 3 calls per 30 seconds; whether that
// budget is per backend or shared across all four is a policy choice, so the
// scope is configurable. The lock covers only the timestamp bookkeeping,
// never network I/O, so unrelated backend calls are not serialized.

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBackendUnavailable marks a single backend outage. Other backends are
// unaffected.
var ErrBackendUnavailable = errors.New("search backend unavailable")

// RateLimitError rejects a call whose window is full. The call was not made;
// retry after the indicated duration.
type RateLimitError struct {
	Backend    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Backend, e.RetryAfter.Round(time.Second))
}

// BackendError wraps a failure of one named backend.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return ErrBackendUnavailable }

// Limiter admits at most capacity calls per window, per key. With global
// scope every backend draws from one shared window.
type Limiter struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	global   bool
	stamps   map[string][]time.Time
	now      func() time.Time // injectable for tests
}

func NewLimiter(capacity int, window time.Duration, global bool) *Limiter {
	return &Limiter{
		capacity: capacity,
		window:   window,
		global:   global,
		stamps:   make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow accepts or rejects a call for the named backend. Rejection is
// immediate with a positive retry-after; calls are never queued.
func (l *Limiter) Allow(backend string) error {
	key := backend
	if l.global {
		key = "*"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.stamps[key][:0]
	for _, t := range l.stamps[key] {
		if now.Sub(t) < l.window {
			kept = append(kept, t)
		}
	}
	l.stamps[key] = kept

	if len(kept) >= l.capacity {
		retry := kept[0].Add(l.window).Sub(now)
		if retry <= 0 {
			retry = time.Second
		}
		return &RateLimitError{Backend: backend, RetryAfter: retry}
	}
	l.stamps[key] = append(kept, now)
	return nil
}
