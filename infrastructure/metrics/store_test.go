package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradewell/abuseguard/domain/entity"
)

func TestRecordViolationAndCount(t *testing.T) {
	store := NewStore(100, zap.NewNop())

	store.RecordViolation("auth", "1.2.3.4", "user-1", "/login")
	store.RecordViolation("auth", "1.2.3.4", "", "")
	store.RecordViolation("auth", "5.6.7.8", "user-1", "/login")

	assert.Equal(t, int64(2), store.Count("auth", entity.AxisIP, "1.2.3.4"))
	assert.Equal(t, int64(1), store.Count("auth", entity.AxisIP, "5.6.7.8"))
	assert.Equal(t, int64(2), store.Count("auth", entity.AxisUser, "user-1"))
	assert.Equal(t, int64(2), store.Count("auth", entity.AxisEndpoint, "/login"))
}

func TestCountUnknownKeysReadZero(t *testing.T) {
	store := NewStore(100, zap.NewNop())

	assert.Equal(t, int64(0), store.Count("auth", entity.AxisIP, "9.9.9.9"))
	assert.Equal(t, int64(0), store.Count("never-seen", entity.AxisUser, "nobody"))
	assert.Equal(t, int64(0), store.Count("auth", entity.Axis("bogus"), "1.2.3.4"))
}

func TestTotalNeverBelowBlocked(t *testing.T) {
	store := NewStore(100, zap.NewNop())

	store.RecordViolation("api", "1.2.3.4", "", "")
	store.RecordBlocked("api")
	// A stray RecordBlocked without a preceding violation must not break
	// the invariant.
	store.RecordBlocked("api")

	snap := store.Snapshot()
	require.Contains(t, snap, "api")
	assert.GreaterOrEqual(t, snap["api"].Total, snap["api"].Blocked)
}

func TestMapNeverExceedsCap(t *testing.T) {
	const maxSize = 16
	store := NewStore(maxSize, zap.NewNop())

	for i := 0; i < maxSize*4; i++ {
		store.RecordViolation("api", fmt.Sprintf("10.0.0.%d", i), "", "")
	}

	snap := store.Snapshot()
	assert.LessOrEqual(t, len(snap["api"].ByIP), maxSize)
	// The most recent key survives eviction.
	assert.Equal(t, int64(1), store.Count("api", entity.AxisIP, fmt.Sprintf("10.0.0.%d", maxSize*4-1)))
}

func TestSweepStaleRemovesAgedEntries(t *testing.T) {
	store := NewStore(100, zap.NewNop())

	base := time.Now()
	store.now = func() time.Time { return base }
	store.RecordViolation("auth", "1.2.3.4", "user-1", "/login")

	store.now = func() time.Time { return base.Add(30 * time.Minute) }
	store.RecordViolation("auth", "5.6.7.8", "", "")

	store.now = func() time.Time { return base.Add(61 * time.Minute) }
	removed := store.SweepStale(time.Hour)

	assert.Equal(t, 3, removed) // ip, user and endpoint entries of the first violation
	assert.Equal(t, int64(0), store.Count("auth", entity.AxisIP, "1.2.3.4"))
	assert.Equal(t, int64(0), store.Count("auth", entity.AxisUser, "user-1"))
	assert.Equal(t, int64(1), store.Count("auth", entity.AxisIP, "5.6.7.8"))
}

func TestSweepStaleKeepsFreshEntries(t *testing.T) {
	store := NewStore(100, zap.NewNop())
	store.RecordViolation("auth", "1.2.3.4", "", "")

	assert.Equal(t, 0, store.SweepStale(time.Hour))
	assert.Equal(t, int64(1), store.Count("auth", entity.AxisIP, "1.2.3.4"))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	store := NewStore(100, zap.NewNop())
	store.RecordViolation("auth", "1.2.3.4", "", "")

	snap := store.Snapshot()
	entry := snap["auth"].ByIP["1.2.3.4"]
	entry.Count = 999
	snap["auth"].ByIP["mutated"] = entry

	assert.Equal(t, int64(1), store.Count("auth", entity.AxisIP, "1.2.3.4"))
	assert.Equal(t, int64(0), store.Count("auth", entity.AxisIP, "mutated"))
}

func TestTrackedKeys(t *testing.T) {
	store := NewStore(100, zap.NewNop())
	assert.Equal(t, 0, store.TrackedKeys())

	store.RecordViolation("auth", "1.2.3.4", "user-1", "/login")
	store.RecordViolation("api", "1.2.3.4", "", "")

	assert.Equal(t, 4, store.TrackedKeys())
}
