// Package ratelimit implements generic sliding-window admission control
// keyed by arbitrary strings. The same limiter algorithm backs inbound
// REST throttling (keyed by source IP) and per-connection WebSocket
// message throttling (keyed by connection id); callers keep the two key
// namespaces distinct with a prefix.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks request timestamps per key over a trailing window.
// Buckets for idle keys are reclaimed by Cleanup, which the application
// schedules as a periodic job.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	// now is swappable for tests.
	now func() time.Time
}

type bucket struct {
	timestamps []time.Time
	window     time.Duration
}

// New returns an empty limiter.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow atomically checks and records a request for key. It prunes
// timestamps older than the trailing window, rejects without recording
// when the surviving count has reached max, and otherwise records now and
// admits.
func (l *Limiter) Allow(key string, max int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	b.window = window
	b.prune(now)

	if len(b.timestamps) >= max {
		return false
	}
	b.timestamps = append(b.timestamps, now)
	return true
}

// ResetTime returns when the oldest surviving request for key falls out
// of the window, i.e. the earliest instant a rejected caller may retry.
// It returns the zero time when the key has no recorded requests.
func (l *Limiter) ResetTime(key string, window time.Duration) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return time.Time{}
	}
	b.prune(l.now())
	if len(b.timestamps) == 0 {
		return time.Time{}
	}
	return b.timestamps[0].Add(window)
}

// PurgeKey drops all recorded state for key. The hub calls this when a
// connection goes away.
func (l *Limiter) PurgeKey(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Cleanup reclaims buckets whose newest timestamp has aged out of their
// window, bounding memory for churned keys. It returns the number of
// buckets removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		if len(b.timestamps) == 0 || now.Sub(b.timestamps[len(b.timestamps)-1]) > b.window {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (b *bucket) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.timestamps) && !b.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.timestamps = append(b.timestamps[:0], b.timestamps[i:]...)
	}
}
