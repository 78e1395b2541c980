package counter

import (
	"context"
	"fmt"
	"time"
)

// Store abstracts where request counters physically live. Increment bumps
// the counter for (category, key), refreshes its window TTL, and returns the
// new value. The variant is chosen once at construction and never
// re-evaluated per call.
type Store interface {
	Increment(ctx context.Context, category, key string, window time.Duration) (int64, error)
}

func counterKey(category, key string) string {
	return fmt.Sprintf("abuseguard:counter:%s:%s", category, key)
}
