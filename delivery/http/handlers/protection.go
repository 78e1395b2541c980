package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tradewell/abuseguard/usecase"
)

// Pinger is implemented by counter stores backed by an external server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProtectionHandler exposes the read-only operational surface of the guard
// plus the operator unblock endpoint.
type ProtectionHandler struct {
	logger    *zap.Logger
	guard     *usecase.Guard
	store     Pinger
	service   string
	version   string
	startTime time.Time
}

// NewProtectionHandler creates the operational handler. store may be nil
// when counters are in-process only.
func NewProtectionHandler(guard *usecase.Guard, store Pinger, service, version string, logger *zap.Logger) *ProtectionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProtectionHandler{
		logger:    logger,
		guard:     guard,
		store:     store,
		service:   service,
		version:   version,
		startTime: time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Health returns the overall health status
func (h *ProtectionHandler) Health(c *gin.Context) {
	status := "healthy"
	checks := make(map[string]string)

	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := h.store.Ping(ctx); err != nil {
			// Degraded, not unhealthy: the counter adapter falls back to
			// memory and decisions keep flowing.
			status = "degraded"
			checks["counter_store"] = err.Error()
		} else {
			checks["counter_store"] = "ok"
		}
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Service:   h.service,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Checks:    checks,
	})
}

// Snapshot returns current totals, per-category blocked counts, map sizes
// and the list of currently blocked entities. Read-only.
func (h *ProtectionHandler) Snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.guard.Snapshot())
}

// Unblock lifts a hard block before its natural expiry.
func (h *ProtectionHandler) Unblock(c *gin.Context) {
	entityID := c.Param("entity")
	if entityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entity is required"})
		return
	}

	if !h.guard.Unblock(entityID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entity is not blocked"})
		return
	}

	h.logger.Info("Operator unblocked entity", zap.String("entity", entityID))
	c.JSON(http.StatusOK, gin.H{"status": "unblocked", "entity": entityID})
}
