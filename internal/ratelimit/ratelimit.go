package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window counter keyed by caller identity, used to
// throttle claim-code lookups per client IP. State is in-memory; each
// process enforces its own window.
type Limiter struct {
	Window time.Duration
	Max    int
	Now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

func New(windowLen time.Duration, max int) *Limiter {
	return &Limiter{
		Window:  windowLen,
		Max:     max,
		Now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow records one attempt for the key and reports whether it is within
// the window's budget.
func (l *Limiter) Allow(key string) bool {
	now := l.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.Window {
		l.windows[key] = &window{start: now, count: 1}
		l.evictStale(now)
		return true
	}
	w.count++
	return w.count <= l.Max
}

// Remaining reports how many attempts the key has left in its window.
func (l *Limiter) Remaining(key string) int {
	now := l.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.Window {
		return l.Max
	}
	if w.count >= l.Max {
		return 0
	}
	return l.Max - w.count
}

// evictStale drops expired windows so the map does not grow without
// bound. Called with the lock held.
func (l *Limiter) evictStale(now time.Time) {
	if len(l.windows) < 1024 {
		return
	}
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.Window {
			delete(l.windows, k)
		}
	}
}
