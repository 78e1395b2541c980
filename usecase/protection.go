package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradewell/abuseguard/config"
	"github.com/tradewell/abuseguard/domain/entity"
	"github.com/tradewell/abuseguard/infrastructure/blocklist"
	"github.com/tradewell/abuseguard/infrastructure/counter"
	"github.com/tradewell/abuseguard/infrastructure/detector"
	"github.com/tradewell/abuseguard/infrastructure/metrics"
	"github.com/tradewell/abuseguard/infrastructure/monitoring"
)

// Guard composes the violation metrics store, counter store, blocklist and
// detector into a single allow/deny decision per request. It owns the
// cleanup scheduler that keeps the long-lived state bounded.
//
// The guard is a compensating control, not primary authorization: any
// internal failure results in the request being allowed and the anomaly
// logged.
type Guard struct {
	cfg       *config.ProtectionConfig
	logger    *zap.Logger
	store     *metrics.Store
	blocklist *blocklist.Manager
	counters  counter.Store
	detector  *detector.Detector
	collector *monitoring.Collector

	cleanupTicker *time.Ticker
	shutdownCh    chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	now func() time.Time
}

// retryHinter is implemented by counter stores that can report how much of
// the current window remains for a key.
type retryHinter interface {
	Remaining(category, key string, window time.Duration) time.Duration
}

// NewGuard creates a protection guard. The counter store variant (local or
// distributed) is chosen by the caller at construction; the guard never
// re-evaluates that choice.
func NewGuard(
	cfg *config.ProtectionConfig,
	store *metrics.Store,
	blocks *blocklist.Manager,
	counters counter.Store,
	det *detector.Detector,
	collector *monitoring.Collector,
	logger *zap.Logger,
) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Guard{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		blocklist:  blocks,
		counters:   counters,
		detector:   det,
		collector:  collector,
		shutdownCh: make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the cleanup scheduler.
func (g *Guard) Start(ctx context.Context) error {
	g.cleanupTicker = time.NewTicker(g.cfg.CleanupInterval)

	g.wg.Add(1)
	go g.cleanupRoutine()

	g.logger.Info("Protection guard started",
		zap.Duration("cleanup_interval", g.cfg.CleanupInterval),
		zap.Duration("entry_max_age", g.cfg.EntryMaxAge),
		zap.Bool("distributed", g.cfg.Distributed),
	)
	return nil
}

// Stop disposes the cleanup ticker and waits for the scheduler goroutine to
// exit. Safe to call more than once.
func (g *Guard) Stop(ctx context.Context) error {
	g.stopOnce.Do(func() {
		close(g.shutdownCh)
		if g.cleanupTicker != nil {
			g.cleanupTicker.Stop()
		}
	})

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.logger.Info("Protection guard stopped")
	return nil
}

// Decide evaluates one request and returns an allow/deny decision. It never
// returns an error: internal failures log and allow.
func (g *Guard) Decide(ctx context.Context, rc *entity.RequestContext) (dec entity.Decision) {
	defer func() {
		// Fail open on internal panic; the limiter must never become the
		// outage.
		if r := recover(); r != nil {
			g.logger.Error("Protection decision panicked, allowing request",
				zap.Any("panic", r))
			dec = entity.Decision{Allowed: true, Reason: "internal_error"}
		}
	}()

	if rc == nil || rc.IP == "" {
		g.logger.Warn("Malformed request context, allowing request")
		return entity.Decision{Allowed: true, Reason: "malformed_context"}
	}

	thresholds := g.cfg.Thresholds(rc.Category)

	// Hard blocks first: cheapest check, and a blocked identity gets no
	// counter activity.
	if dec, blocked := g.checkBlocked(rc, thresholds); blocked {
		g.observe(rc.Category, false)
		return dec
	}

	// Counting on attempt, not just violation: every request advances the
	// window counter.
	count, err := g.counters.Increment(ctx, rc.Category, rc.IP, thresholds.WindowSize)
	if err != nil {
		g.logger.Error("Counter store failed, allowing request", zap.Error(err))
		g.observe(rc.Category, true)
		return entity.Decision{Allowed: true, Reason: "counter_unavailable"}
	}

	strict := g.IsInStrictMode(rc.Category, rc.IP) ||
		(rc.UserID != "" && g.IsInStrictMode(rc.Category, rc.UserID))

	max := thresholds.NormalMax
	if strict {
		max = thresholds.StrictMax
	}

	if count > max {
		g.store.RecordViolation(rc.Category, rc.IP, rc.UserID, rc.Path)
		g.store.RecordBlocked(rc.Category)

		// An identity still violating after it entered strict mode
		// escalates to a hard block.
		if strict {
			g.escalate(rc, "continued violations in strict mode", "strict_mode")
		}

		g.observe(rc.Category, false)
		return entity.Decision{
			Allowed:    false,
			Reason:     "rate_limit_exceeded",
			RetryAfter: g.retryAfter(rc, thresholds),
			Limit:      max,
			Remaining:  0,
		}
	}

	g.classify(rc)

	g.observe(rc.Category, true)
	return entity.Decision{
		Allowed:   true,
		Limit:     max,
		Remaining: max - count,
	}
}

// IsInStrictMode reports whether an identity's combined violation history
// has crossed the category's block threshold. The IP-axis and user-axis
// counts for the key are summed, so a violation recorded under the same key
// on both axes counts twice; escalating faster for offenders visible on
// both dimensions is the inherited policy.
func (g *Guard) IsInStrictMode(category, key string) bool {
	thresholds := g.cfg.Thresholds(category)
	combined := g.store.Count(category, entity.AxisIP, key) +
		g.store.Count(category, entity.AxisUser, key)
	return combined >= thresholds.BlockThreshold
}

// EffectiveMax returns the request ceiling currently applicable to an
// identity in a category.
func (g *Guard) EffectiveMax(category, key string) int64 {
	thresholds := g.cfg.Thresholds(category)
	if g.IsInStrictMode(category, key) {
		return thresholds.StrictMax
	}
	return thresholds.NormalMax
}

// Snapshot returns the read-only operational view of the protection state.
func (g *Guard) Snapshot() entity.Snapshot {
	snap := entity.Snapshot{
		Timestamp:      g.now(),
		Categories:     g.store.Snapshot(),
		BlockedEntries: g.blocklist.Entries(),
		TrackedKeys:    g.store.TrackedKeys(),
	}

	if g.collector != nil {
		g.collector.SetGauges(snap.TrackedKeys, len(snap.BlockedEntries))
	}
	return snap
}

// Unblock lifts a hard block before its expiry. Operator override surface.
func (g *Guard) Unblock(entityID string) bool {
	return g.blocklist.Unblock(entityID)
}

func (g *Guard) checkBlocked(rc *entity.RequestContext, thresholds entity.CategoryThresholds) (entity.Decision, bool) {
	for _, id := range []string{rc.IP, rc.UserID} {
		if id == "" || !g.blocklist.IsBlocked(id) {
			continue
		}

		retry := g.blocklist.BlockedUntil(id).Sub(g.now())
		if retry < 0 {
			retry = 0
		}
		return entity.Decision{
			Allowed:    false,
			Reason:     "temporarily_blocked",
			RetryAfter: retry,
			Limit:      thresholds.StrictMax,
			Remaining:  0,
		}, true
	}
	return entity.Decision{}, false
}

func (g *Guard) classify(rc *entity.RequestContext) {
	if g.detector == nil {
		return
	}

	cls := g.detector.Classify(rc)
	if !cls.Suspicious {
		return
	}

	g.logger.Warn("Suspicious request detected",
		zap.String("category", rc.Category),
		zap.String("ip", rc.IP),
		zap.String("path", rc.Path),
		zap.Strings("tags", cls.Tags),
	)
	if g.collector != nil {
		g.collector.ObserveSuspicious(rc.Category, cls.Tags)
	}

	// Advisory for the current request; high-confidence detections block
	// the identity going forward.
	if cls.Severe() {
		g.escalate(rc, fmt.Sprintf("suspicious request: %s", detector.Describe(cls)), "detector")
	}
}

func (g *Guard) escalate(rc *entity.RequestContext, reason, trigger string) {
	g.blocklist.Block(rc.IP, g.cfg.BlockDuration, reason)
	if rc.UserID != "" {
		g.blocklist.Block(rc.UserID, g.cfg.BlockDuration, reason)
	}
	if g.collector != nil {
		g.collector.ObserveEscalation(rc.Category, trigger)
	}
}

func (g *Guard) retryAfter(rc *entity.RequestContext, thresholds entity.CategoryThresholds) time.Duration {
	if hinter, ok := g.counters.(retryHinter); ok {
		if remaining := hinter.Remaining(rc.Category, rc.IP, thresholds.WindowSize); remaining > 0 {
			return remaining
		}
	}
	return thresholds.WindowSize
}

func (g *Guard) observe(category string, allowed bool) {
	if g.collector != nil {
		g.collector.ObserveDecision(category, allowed)
	}
}

func (g *Guard) cleanupRoutine() {
	defer g.wg.Done()

	for {
		select {
		case <-g.cleanupTicker.C:
			g.performCleanup()
		case <-g.shutdownCh:
			return
		}
	}
}

func (g *Guard) performCleanup() {
	swept := g.store.SweepStale(g.cfg.EntryMaxAge)
	purged := g.blocklist.PurgeExpired()

	if g.collector != nil {
		g.collector.SetGauges(g.store.TrackedKeys(), g.blocklist.Len())
	}

	g.logger.Debug("Cleanup pass completed",
		zap.Int("swept_entries", swept),
		zap.Int("purged_blocks", purged),
	)
}
