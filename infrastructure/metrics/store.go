package metrics

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tradewell/abuseguard/domain/entity"
)

// Store tracks violation counts per (category, identity) with recency
// timestamps. All operations are total: unknown categories and keys read as
// zero, and recording never fails.
//
// Each axis map is a size-bounded LRU, so crossing the cap evicts the
// least-recently-updated entry inline instead of scanning the whole map.
type Store struct {
	logger     *zap.Logger
	maxPerMap  int
	categories map[string]*categoryState
	mu         sync.RWMutex

	now func() time.Time
}

type categoryState struct {
	total   int64
	blocked int64

	byIP       *lru.Cache[string, *entity.MetricEntry]
	byUser     *lru.Cache[string, *entity.MetricEntry]
	byEndpoint *lru.Cache[string, *entity.MetricEntry]
}

// NewStore creates a new violation metrics store. maxPerMap caps every axis
// map of every category.
func NewStore(maxPerMap int, logger *zap.Logger) *Store {
	if maxPerMap <= 0 {
		maxPerMap = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		logger:     logger,
		maxPerMap:  maxPerMap,
		categories: make(map[string]*categoryState),
		now:        time.Now,
	}
}

// RecordViolation increments the violation count for every identity axis
// present on the request: the source IP always, the user and endpoint when
// known. Each increment refreshes the entry's LastUpdated timestamp.
func (s *Store) RecordViolation(category, ip, userID, endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.getOrCreateCategory(category)
	now := s.now()

	state.total++
	if ip != "" {
		s.bump(state.byIP, ip, now)
	}
	if userID != "" {
		s.bump(state.byUser, userID, now)
	}
	if endpoint != "" {
		s.bump(state.byEndpoint, endpoint, now)
	}
}

// RecordBlocked increments the blocked counter for a category. Callers
// record a violation first, keeping total >= blocked.
func (s *Store) RecordBlocked(category string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.getOrCreateCategory(category)
	if state.blocked < state.total {
		state.blocked++
	}
}

// Count returns the current violation count for a key on one axis, or 0 for
// anything the store has never seen.
func (s *Store) Count(category string, axis entity.Axis, key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.categories[category]
	if !ok {
		return 0
	}

	cache := state.axis(axis)
	if cache == nil {
		return 0
	}

	// Peek rather than Get: reads must not refresh eviction order, which
	// mirrors LastUpdated.
	e, ok := cache.Peek(key)
	if !ok || e == nil {
		return 0
	}
	return e.Count
}

// SweepStale removes entries whose LastUpdated is older than maxAge.
// Entries are ordered oldest-first by update recency, so the sweep stops at
// the first fresh entry instead of visiting every key.
func (s *Store) SweepStale(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0

	for _, state := range s.categories {
		for _, cache := range []*lru.Cache[string, *entity.MetricEntry]{state.byIP, state.byUser, state.byEndpoint} {
			for _, key := range cache.Keys() {
				e, ok := cache.Peek(key)
				if !ok {
					continue
				}
				if e == nil {
					// Corrupted entry: treat as absent and drop it.
					cache.Remove(key)
					removed++
					continue
				}
				if e.LastUpdated.After(cutoff) {
					break
				}
				cache.Remove(key)
				removed++
			}
		}
	}

	if removed > 0 {
		s.logger.Debug("Swept stale metric entries", zap.Int("removed", removed))
	}
	return removed
}

// Snapshot returns a deep copy of all tracked state for monitoring. The
// result shares no references with the store.
func (s *Store) Snapshot() map[string]entity.CategoryMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]entity.CategoryMetrics, len(s.categories))
	for name, state := range s.categories {
		out[name] = entity.CategoryMetrics{
			Total:      state.total,
			Blocked:    state.blocked,
			ByIP:       copyAxis(state.byIP),
			ByUser:     copyAxis(state.byUser),
			ByEndpoint: copyAxis(state.byEndpoint),
		}
	}
	return out
}

// TrackedKeys returns the number of entries currently held across all maps.
func (s *Store) TrackedKeys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, state := range s.categories {
		total += state.byIP.Len() + state.byUser.Len() + state.byEndpoint.Len()
	}
	return total
}

func (s *Store) getOrCreateCategory(category string) *categoryState {
	if state, ok := s.categories[category]; ok {
		return state
	}

	state := &categoryState{
		byIP:       mustCache(s.maxPerMap),
		byUser:     mustCache(s.maxPerMap),
		byEndpoint: mustCache(s.maxPerMap),
	}
	s.categories[category] = state
	return state
}

func (s *Store) bump(cache *lru.Cache[string, *entity.MetricEntry], key string, now time.Time) {
	if e, ok := cache.Peek(key); ok && e != nil {
		e.Count++
		e.LastUpdated = now
		// Re-add to move the entry to the recent end of the eviction order.
		cache.Add(key, e)
		return
	}

	evicted := cache.Add(key, &entity.MetricEntry{Key: key, Count: 1, LastUpdated: now})
	if evicted {
		s.logger.Debug("Evicted metric entry at map capacity", zap.String("key", key))
	}
}

func (state *categoryState) axis(axis entity.Axis) *lru.Cache[string, *entity.MetricEntry] {
	switch axis {
	case entity.AxisIP:
		return state.byIP
	case entity.AxisUser:
		return state.byUser
	case entity.AxisEndpoint:
		return state.byEndpoint
	default:
		return nil
	}
}

func copyAxis(cache *lru.Cache[string, *entity.MetricEntry]) map[string]entity.MetricEntry {
	out := make(map[string]entity.MetricEntry, cache.Len())
	for _, key := range cache.Keys() {
		if e, ok := cache.Peek(key); ok && e != nil {
			out[key] = *e
		}
	}
	return out
}

func mustCache(size int) *lru.Cache[string, *entity.MetricEntry] {
	// lru.New only errors on a non-positive size, which NewStore rules out.
	cache, err := lru.New[string, *entity.MetricEntry](size)
	if err != nil {
		panic(err)
	}
	return cache
}
