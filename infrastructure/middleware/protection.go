package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tradewell/abuseguard/domain/entity"
	"github.com/tradewell/abuseguard/usecase"
)

// Header carrying the authenticated user identity, set by the upstream auth
// layer. This middleware never performs authentication itself.
const userIDHeader = "X-User-ID"

const requestIDHeader = "X-Request-ID"

// CategoryFunc maps a request to a protection category ("auth", "api",
// "upload", ...). DefaultCategoryFunc routes by path prefix.
type CategoryFunc func(c *gin.Context) string

// Options configures the protection middleware
type Options struct {
	Guard  *usecase.Guard
	Logger *zap.Logger

	// CategoryFor overrides the path-prefix category mapping.
	CategoryFor CategoryFunc

	// Global ingress throttle applied before per-identity accounting.
	// Zero disables it.
	GlobalRequestsPerSecond float64
	GlobalBurst             int
}

// DefaultCategoryFunc maps requests to a category by path prefix.
func DefaultCategoryFunc(c *gin.Context) string {
	path := c.Request.URL.Path
	switch {
	case strings.HasPrefix(path, "/auth"), strings.HasPrefix(path, "/login"):
		return "auth"
	case strings.HasPrefix(path, "/upload"):
		return "upload"
	default:
		return "api"
	}
}

// Protection creates the decision middleware: it builds a request context,
// asks the guard for a decision, sets rate-limit headers, and turns denials
// into 429 responses with a machine-readable retry hint.
func Protection(opts Options) gin.HandlerFunc {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	categoryFor := opts.CategoryFor
	if categoryFor == nil {
		categoryFor = DefaultCategoryFunc
	}

	var global *rate.Limiter
	if opts.GlobalRequestsPerSecond > 0 {
		burst := opts.GlobalBurst
		if burst <= 0 {
			burst = int(opts.GlobalRequestsPerSecond)
		}
		global = rate.NewLimiter(rate.Limit(opts.GlobalRequestsPerSecond), burst)
	}

	return func(c *gin.Context) {
		ensureRequestID(c)

		if global != nil && !global.Allow() {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate Limit Exceeded",
				"message":     "Global rate limit exceeded",
				"code":        "RATE_LIMIT_GLOBAL",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		rc := buildRequestContext(c, categoryFor(c))
		decision := opts.Guard.Decide(c.Request.Context(), rc)

		setRateLimitHeaders(c, decision)

		if !decision.Allowed {
			logger.Warn("Request blocked",
				zap.String("category", rc.Category),
				zap.String("ip", rc.IP),
				zap.String("path", rc.Path),
				zap.String("reason", decision.Reason),
			)

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate Limit Exceeded",
				"message":     "Too many requests, slow down",
				"code":        "RATE_LIMIT_001",
				"limit":       decision.Limit,
				"remaining":   decision.Remaining,
				"retry_after": int(decision.RetryAfter.Seconds()),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// buildRequestContext extracts the identity and shape attributes the guard
// and detector decide on. The context is ephemeral, discarded after the
// decision.
func buildRequestContext(c *gin.Context, category string) *entity.RequestContext {
	headers := make(map[string]string, 4)
	for _, name := range []string{"Accept", "Accept-Language", "Accept-Encoding", "Content-Type"} {
		if v := c.GetHeader(name); v != "" {
			headers[name] = v
		}
	}

	return &entity.RequestContext{
		IP:        c.ClientIP(),
		UserID:    c.GetHeader(userIDHeader),
		Path:      c.Request.URL.Path,
		Category:  category,
		Method:    c.Request.Method,
		Query:     c.Request.URL.Query(),
		UserAgent: c.Request.UserAgent(),
		Headers:   headers,
	}
}

func setRateLimitHeaders(c *gin.Context, d entity.Decision) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))

	if !d.Allowed {
		retry := int(d.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(d.RetryAfter).Unix(), 10))
	}
}

func ensureRequestID(c *gin.Context) {
	if c.GetHeader(requestIDHeader) == "" {
		c.Request.Header.Set(requestIDHeader, uuid.New().String())
	}
	c.Header(requestIDHeader, c.GetHeader(requestIDHeader))
}
