package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradewell/abuseguard/config"
	"github.com/tradewell/abuseguard/domain/entity"
	"github.com/tradewell/abuseguard/infrastructure/blocklist"
	"github.com/tradewell/abuseguard/infrastructure/counter"
	"github.com/tradewell/abuseguard/infrastructure/detector"
	"github.com/tradewell/abuseguard/infrastructure/metrics"
	"github.com/tradewell/abuseguard/usecase"
)

type stubPinger struct {
	err error
}

func (p *stubPinger) Ping(_ context.Context) error { return p.err }

func newTestHandler(t *testing.T, store Pinger) (*ProtectionHandler, *blocklist.Manager) {
	t.Helper()

	cfg := &config.ProtectionConfig{
		Categories: map[string]entity.CategoryThresholds{},
		Default: entity.CategoryThresholds{
			WindowSize: time.Minute, NormalMax: 60, StrictMax: 10, BlockThreshold: 20,
		},
		BlockDuration:   15 * time.Minute,
		CleanupInterval: time.Minute,
		EntryMaxAge:     time.Hour,
		MapMaxSize:      1000,
	}

	blocks := blocklist.NewManager(zap.NewNop())
	guard := usecase.NewGuard(
		cfg,
		metrics.NewStore(cfg.MapMaxSize, zap.NewNop()),
		blocks,
		counter.NewLocal(cfg.MapMaxSize),
		detector.New(detector.Options{}, zap.NewNop()),
		nil,
		zap.NewNop(),
	)

	return NewProtectionHandler(guard, store, "abuseguard-test", "test", zap.NewNop()), blocks
}

func serve(handler gin.HandlerFunc, method, path string, params gin.Params) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, nil)
	c.Params = params
	handler(c)
	return w
}

func TestHealthHealthy(t *testing.T) {
	h, _ := newTestHandler(t, &stubPinger{})

	w := serve(h.Health, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "abuseguard-test", resp.Service)
	assert.Equal(t, "ok", resp.Checks["counter_store"])
}

func TestHealthDegradedWhenStoreUnreachable(t *testing.T) {
	h, _ := newTestHandler(t, &stubPinger{err: errors.New("connection refused")})

	w := serve(h.Health, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Checks["counter_store"], "connection refused")
}

func TestHealthWithoutPinger(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	w := serve(h.Health, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestSnapshotReflectsBlockedEntities(t *testing.T) {
	h, blocks := newTestHandler(t, nil)
	blocks.Block("9.9.9.9", 10*time.Minute, "rate_limit_exceeded")

	w := serve(h.Snapshot, http.MethodGet, "/abuseguard/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap entity.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.Len(t, snap.BlockedEntries, 1)
	assert.Equal(t, "9.9.9.9", snap.BlockedEntries[0].Entity)
}

func TestUnblock(t *testing.T) {
	h, blocks := newTestHandler(t, nil)
	blocks.Block("9.9.9.9", 10*time.Minute, "rate_limit_exceeded")

	w := serve(h.Unblock, http.MethodDelete, "/abuseguard/blocked/9.9.9.9",
		gin.Params{{Key: "entity", Value: "9.9.9.9"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, blocks.IsBlocked("9.9.9.9"))
}

func TestUnblockUnknownEntity(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	w := serve(h.Unblock, http.MethodDelete, "/abuseguard/blocked/8.8.8.8",
		gin.Params{{Key: "entity", Value: "8.8.8.8"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
