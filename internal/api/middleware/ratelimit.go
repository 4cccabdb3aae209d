package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"quota-backend/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

// IPRateLimitMiddleware applies a fixed per-IP limit to every request. Banned IPs
// (identifier "ip-<address>") are rejected before any quota is consumed.
func IPRateLimitMiddleware(engine *ratelimit.Engine, limit int, window time.Duration, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		res, err := engine.CheckIPLimit(c.Request.Context(), c.ClientIP(), limit, window)
		enforce(c, res, err, logger)
	}
}

// APIRateLimitMiddleware applies the tier api policy to authenticated requests.
// It must run after AuthMiddleware.
func APIRateLimitMiddleware(engine *ratelimit.Engine, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		identifier := c.GetString(ContextUserID)
		if identifier == "" {
			c.Next()
			return
		}

		res, err := engine.CheckAPILimit(c.Request.Context(), identifier, ratelimit.Tier(c.GetString(ContextTier)))
		enforce(c, res, err, logger)
	}
}

// enforce writes the rate limit headers and aborts denied requests
func enforce(c *gin.Context, res ratelimit.Result, err error, logger *slog.Logger) {
	if err != nil && !errors.Is(err, ratelimit.ErrStoreUnavailable) {
		// invalid input, not a limiter outage
		logger.Debug("rate limit check rejected", "path", c.Request.URL.Path, "error", err)
		c.Next()
		return
	}

	SetRateLimitHeaders(c, res)
	if res.Allowed {
		c.Next()
		return
	}

	c.AbortWithStatusJSON(DeniedStatus(res), DeniedBody(res))
}

// SetRateLimitHeaders sets standard rate limiting headers
func SetRateLimitHeaders(c *gin.Context, res ratelimit.Result) {
	for k, v := range ratelimit.FormatHeaders(res) {
		c.Header(k, v)
	}
}

// DeniedStatus maps a denial to its HTTP status
func DeniedStatus(res ratelimit.Result) int {
	if res.Degraded {
		return http.StatusServiceUnavailable
	}
	return http.StatusTooManyRequests
}

// DeniedBody is the JSON body of a denied request
func DeniedBody(res ratelimit.Result) gin.H {
	retryAfter := ratelimit.RetryAfterSeconds(res.RetryAfter)

	switch {
	case res.Banned:
		return gin.H{
			"error":      "Access temporarily blocked",
			"message":    fmt.Sprintf("Too many violations. Try again in %d seconds", retryAfter),
			"code":       "IDENTIFIER_BANNED",
			"retryAfter": retryAfter,
		}
	case res.Degraded:
		return gin.H{
			"error":      "Rate limiter unavailable",
			"message":    "Please retry shortly",
			"code":       "RATE_LIMIT_UNAVAILABLE",
			"retryAfter": retryAfter,
		}
	default:
		return gin.H{
			"error":      "Rate limit exceeded",
			"message":    fmt.Sprintf("Too many requests. Try again in %d seconds", retryAfter),
			"code":       "RATE_LIMIT_EXCEEDED",
			"retryAfter": retryAfter,
			"window":     res.Window,
		}
	}
}
