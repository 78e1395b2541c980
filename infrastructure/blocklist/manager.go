package blocklist

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradewell/abuseguard/domain/entity"
)

// Manager enforces hard, time-boxed blocks on identities, independent of
// per-window rate accounting. Entries clear by expiry during cleanup or by
// an explicit operator Unblock.
type Manager struct {
	logger  *zap.Logger
	entries map[string]entity.BlockedEntity
	mu      sync.RWMutex

	now func() time.Time
}

// NewManager creates a new blocklist manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:  logger,
		entries: make(map[string]entity.BlockedEntity),
		now:     time.Now,
	}
}

// Block upserts a time-boxed block for an entity. Re-blocking an already
// blocked entity replaces its expiry and reason.
func (m *Manager) Block(entityID string, duration time.Duration, reason string) {
	if entityID == "" || duration <= 0 {
		return
	}

	m.mu.Lock()
	until := m.now().Add(duration)
	m.entries[entityID] = entity.BlockedEntity{
		Entity: entityID,
		Until:  until,
		Reason: reason,
	}
	m.mu.Unlock()

	m.logger.Warn("Entity blocked",
		zap.String("entity", entityID),
		zap.Time("until", until),
		zap.String("reason", reason),
	)
}

// IsBlocked reports whether an entity is currently under an unexpired block.
func (m *Manager) IsBlocked(entityID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[entityID]
	return ok && !e.Expired(m.now())
}

// BlockedUntil returns the expiry of an active block, or the zero time when
// the entity is not blocked.
func (m *Manager) BlockedUntil(entityID string) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[entityID]
	if !ok || e.Expired(m.now()) {
		return time.Time{}
	}
	return e.Until
}

// Unblock removes a block before its natural expiry. Operator override;
// returns false when the entity was not blocked.
func (m *Manager) Unblock(entityID string) bool {
	m.mu.Lock()
	_, ok := m.entries[entityID]
	delete(m.entries, entityID)
	m.mu.Unlock()

	if ok {
		m.logger.Info("Entity unblocked by operator", zap.String("entity", entityID))
	}
	return ok
}

// PurgeExpired removes all entries whose expiry has passed. Idempotent:
// repeated calls with no elapsed time produce no further change.
func (m *Manager) PurgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, id)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Debug("Purged expired blocks", zap.Int("removed", removed))
	}
	return removed
}

// Entries returns a copy of all currently active blocks, sorted by expiry,
// for the operational snapshot surface.
func (m *Manager) Entries() []entity.BlockedEntity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make([]entity.BlockedEntity, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Until.Before(out[j].Until) })
	return out
}

// Len returns the number of entries currently held, expired or not.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
