package counter

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Local keeps fixed-window counters in process memory. Suitable for a
// single instance; distinct instances each see only their own traffic.
type Local struct {
	windows *lru.Cache[string, *window]
	mu      sync.Mutex

	now func() time.Time
}

type window struct {
	count int64
	start time.Time
}

// NewLocal creates an in-process counter store holding at most maxKeys
// active windows; the least recently touched window is evicted beyond that.
func NewLocal(maxKeys int) *Local {
	if maxKeys <= 0 {
		maxKeys = 10000
	}

	// Only errors on non-positive size.
	windows, err := lru.New[string, *window](maxKeys)
	if err != nil {
		panic(err)
	}

	return &Local{
		windows: windows,
		now:     time.Now,
	}
}

// Increment bumps the counter for (category, key) within the current fixed
// window and returns the new count. A window that has fully elapsed resets
// to a fresh count of one.
func (l *Local) Increment(_ context.Context, category, key string, windowSize time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := counterKey(category, key)

	w, ok := l.windows.Get(k)
	if !ok || w == nil || now.Sub(w.start) >= windowSize {
		l.windows.Add(k, &window{count: 1, start: now})
		return 1, nil
	}

	w.count++
	return w.count, nil
}

// Remaining returns how much of the current window is left for a key, used
// to produce retry hints. Zero when the key has no active window.
func (l *Local) Remaining(category, key string, windowSize time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows.Peek(counterKey(category, key))
	if !ok || w == nil {
		return 0
	}

	remaining := windowSize - l.now().Sub(w.start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Len returns the number of active windows.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.windows.Len()
}
