// Package ratelimiter provides per-key sliding-window admission limits.
package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// Limiter answers whether one more request under key is admitted now.
// Denials carry the time until the oldest retained hit leaves the window.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// Window is the in-process sliding window. Counters live in memory; loss on
// restart is acceptable for admission purposes.
type Window struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewWindow builds a limiter admitting at most limit hits per window per key.
func NewWindow(limit int, window time.Duration) *Window {
	return &Window{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow prunes expired hits for the key, then either denies with a retry
// hint or records the current hit.
func (w *Window) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	kept := w.hits[key][:0]
	for _, t := range w.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= w.limit {
		w.hits[key] = kept
		retry := kept[0].Add(w.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return false, retry, nil
	}

	w.hits[key] = append(kept, now)
	return true, 0, nil
}

// Len reports how many hits are currently retained for a key.
func (w *Window) Len(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hits[key])
}
