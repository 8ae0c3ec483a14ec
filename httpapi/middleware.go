package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/isdmx/codejail/auth"
	"github.com/isdmx/codejail/sandbox"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-API-Key"

const hostContextKey = "host_id"

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("host_id", c.GetString(hostContextKey)),
		)
	}
}

// authMiddleware resolves the API key to a host and stores it both on the
// gin context and on the request context for downstream handlers.
func authMiddleware(resolver *auth.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := resolver.Resolve(c.GetHeader(APIKeyHeader))
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(hostContextKey, id.ID)
		c.Request = c.Request.WithContext(auth.WithHost(c.Request.Context(), id))
		c.Next()
	}
}

// rateLimitMiddleware enforces a token bucket per authenticated host.
func rateLimitMiddleware(limiters *hostLimiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiters.allow(c.GetString(hostContextKey)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

type hostLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// newHostLimiters returns limiters refilling at perSecond. A zero rate
// disables limiting.
func newHostLimiters(perSecond float64, burst int) *hostLimiters {
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiters{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (h *hostLimiters) allow(hostID string) bool {
	if h.limit <= 0 {
		return true
	}

	h.mu.Lock()
	limiter, ok := h.limiters[hostID]
	if !ok {
		limiter = rate.NewLimiter(h.limit, h.burst)
		h.limiters[hostID] = limiter
	}
	h.mu.Unlock()

	return limiter.Allow()
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, sandbox.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, sandbox.ErrAdmissionRejected):
		return http.StatusTooManyRequests
	case errors.Is(err, sandbox.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), errorResponse{Error: err.Error()})
}
