package middleware

import (
	"encoding/json"
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

func newTestRouter(t *testing.T, opts Options) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.ProtectionConfig{
		Categories: map[string]entity.CategoryThresholds{
			"upload": {WindowSize: time.Minute, NormalMax: 20, StrictMax: 5, BlockThreshold: 30},
			"auth":   {WindowSize: time.Minute, NormalMax: 5, StrictMax: 3, BlockThreshold: 10},
		},
		Default: entity.CategoryThresholds{
			WindowSize: time.Minute, NormalMax: 60, StrictMax: 10, BlockThreshold: 20,
		},
		BlockDuration:   15 * time.Minute,
		CleanupInterval: time.Minute,
		EntryMaxAge:     time.Hour,
		MapMaxSize:      1000,
	}

	guard := usecase.NewGuard(
		cfg,
		metrics.NewStore(cfg.MapMaxSize, zap.NewNop()),
		blocklist.NewManager(zap.NewNop()),
		counter.NewLocal(cfg.MapMaxSize),
		detector.New(detector.Options{}, zap.NewNop()),
		nil,
		zap.NewNop(),
	)
	opts.Guard = guard

	router := gin.New()
	router.Use(Protection(opts))
	router.GET("/upload/photo", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.GET("/duties", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return router
}

func doRequest(router *gin.Engine, path, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = ip + ":12345"
	req.Header.Set("User-Agent", "test-agent/1.0")
	router.ServeHTTP(w, req)
	return w
}

func TestAllowedRequestPassesWithHeaders(t *testing.T) {
	router := newTestRouter(t, Options{})

	w := doRequest(router, "/duties", "1.2.3.4")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestTwentyFirstUploadIsDenied(t *testing.T) {
	router := newTestRouter(t, Options{})

	for i := 0; i < 20; i++ {
		w := doRequest(router, "/upload/photo", "1.2.3.4")
		require.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
	}

	w := doRequest(router, "/upload/photo", "1.2.3.4")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body struct {
		Code       string `json:"code"`
		Limit      int64  `json:"limit"`
		RetryAfter int    `json:"retry_after"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_001", body.Code)
	assert.Equal(t, int64(20), body.Limit)
	assert.Greater(t, body.RetryAfter, 0)
}

func TestDenialDoesNotLeakInternals(t *testing.T) {
	router := newTestRouter(t, Options{})

	for i := 0; i < 21; i++ {
		doRequest(router, "/upload/photo", "1.2.3.4")
	}
	w := doRequest(router, "/upload/photo", "1.2.3.4")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotContains(t, body, "stack")
	assert.NotContains(t, body, "internal")
}

func TestGlobalThrottle(t *testing.T) {
	router := newTestRouter(t, Options{
		GlobalRequestsPerSecond: 1,
		GlobalBurst:             2,
	})

	assert.Equal(t, http.StatusOK, doRequest(router, "/duties", "1.1.1.1").Code)
	assert.Equal(t, http.StatusOK, doRequest(router, "/duties", "2.2.2.2").Code)

	w := doRequest(router, "/duties", "3.3.3.3")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_GLOBAL", body.Code)
}

func TestExistingRequestIDPreserved(t *testing.T) {
	router := newTestRouter(t, Options{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/duties", nil)
	req.RemoteAddr = "1.2.3.4:12345"
	req.Header.Set("X-Request-ID", "fixed-id")
	router.ServeHTTP(w, req)

	assert.Equal(t, "fixed-id", w.Header().Get("X-Request-ID"))
}

func TestDefaultCategoryFunc(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		path     string
		category string
	}{
		{"/auth/token", "auth"},
		{"/login", "auth"},
		{"/upload/photo", "upload"},
		{"/duties/42", "api"},
	}

	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, tt.path, nil)
		assert.Equal(t, tt.category, DefaultCategoryFunc(c), tt.path)
	}
}

func TestDistinctIPsHaveIndependentBudgets(t *testing.T) {
	router := newTestRouter(t, Options{})

	for i := 0; i < 21; i++ {
		doRequest(router, "/upload/photo", "1.2.3.4")
	}

	// The exhausted budget belongs to 1.2.3.4 only.
	assert.Equal(t, http.StatusOK, doRequest(router, "/upload/photo", "5.6.7.8").Code)
}
