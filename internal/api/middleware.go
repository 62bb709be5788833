package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"predictioncore/internal/monitor"
	"predictioncore/internal/ratelimit"
)

// CORSMiddleware handles Cross-Origin Resource Sharing.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware adds a unique request ID for tracking.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// ipRateLimiter is the ambient, IP-keyed defense against general API
// abuse across all routes (registration floods, scraping) — a
// coarser, always-on guard distinct from the per-identifier domain
// RateLimiter applied specifically in front of trade submission.
var ipRateLimiter = rate.NewLimiter(rate.Limit(20), 50)

// IPRateLimitMiddleware applies the ambient per-process limiter. It is
// deliberately process-global rather than per-IP: this stack's
// per-identifier rate limiting (user:<id> / ip:<addr>, configurable
// exemptions, Retry-After) is TradeRateLimitMiddleware below.
func IPRateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ipRateLimiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"message": "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}

// identifierFor derives the rate-limit bucket key: "user:<id>" if
// authenticated, else "ip:<addr>" taking the first element of
// X-Forwarded-For when present.
func identifierFor(c *gin.Context) string {
	if uid := CurrentUserID(c); uid != "" {
		return "user:" + uid
	}
	addr := c.ClientIP()
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		addr = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return "ip:" + addr
}

// TradeRateLimitMiddleware applies the domain token-bucket RateLimiter
// at the request boundary, exempting configured path prefixes, and on
// rejection returns 429 with Retry-After, X-RateLimit-Identifier, and
// the documented JSON body.
func TradeRateLimitMiddleware(limiter *ratelimit.Limiter, exemptPrefixes []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, prefix := range exemptPrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}

		identifier := identifierFor(c)
		if limiter.TryAcquire(identifier) {
			c.Next()
			return
		}

		retryAfter := limiter.RetryAfterSeconds(identifier)
		c.Writer.Header().Set("Retry-After", itoa(retryAfter))
		c.Writer.Header().Set("X-RateLimit-Identifier", identifier)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "Rate limit exceeded",
			"identifier": identifier,
			"retryAfter": retryAfter,
		})
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// TimeoutMiddleware prevents long-running requests from blocking resources.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		panicChan := make(chan any, 1)

		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicChan <- p
				}
			}()
			c.Next()
			finished <- struct{}{}
		}()

		select {
		case p := <-panicChan:
			log.Error().Interface("panic", p).Msg("request handler panicked")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			c.Abort()
		case <-finished:
			return
		case <-ctx.Done():
			log.Warn().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).Msg("request timed out")
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "request timeout"})
			c.Abort()
		}
	}
}

// RequestLogger logs every request with timing and status, and records
// metrics when m is non-nil.
func RequestLogger(m *monitor.SystemMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		requestID := c.GetString("RequestID")

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		if m != nil {
			m.IncrementAPI()
			m.APILatency.RecordDuration(latency)
			if statusCode >= 400 {
				m.IncrementAPIErrors()
			}
		}

		ev := log.Info()
		if statusCode >= 500 {
			ev = log.Error()
		} else if statusCode >= 400 {
			ev = log.Warn()
		}
		ev.Str("requestId", requestID).
			Str("method", method).
			Str("path", path).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("clientIp", c.ClientIP()).
			Msg("request handled")
	}
}
