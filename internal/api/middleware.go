package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/auth"
	"github.com/rs/zerolog"
)

const claimsKey = "claims"

// LoggingMiddleware logs every request after it is served
func LoggingMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()

		event := logger.Info()
		if ctx.Writer.Status() >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str("method", ctx.Request.Method).
			Str("path", ctx.Request.URL.Path).
			Str("remote_addr", ctx.ClientIP()).
			Int("status", ctx.Writer.Status()).
			Int("size", ctx.Writer.Size()).
			Dur("duration", time.Since(started)).
			Msg("API request")
	}
}

// AuthMiddleware verifies the bearer token and stores its claims on the context.
// With allowQuery the token may also come from the access_token query
// parameter, for WebSocket clients that cannot set headers.
func AuthMiddleware(authenticator auth.Authenticator, allowQuery bool) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := ""
		if header := ctx.GetHeader("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ctx.JSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Invalid authorization header",
				})
				ctx.Abort()
				return
			}
			token = strings.TrimSpace(parts[1])
		} else if allowQuery {
			token = ctx.Query("access_token")
		}

		if token == "" {
			ctx.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing authentication token",
			})
			ctx.Abort()
			return
		}

		claims, err := authenticator.Authenticate(token)
		if err != nil {
			ctx.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or expired token",
			})
			ctx.Abort()
			return
		}

		ctx.Set(claimsKey, claims)
		ctx.Next()
	}
}

// RequireRole rejects callers whose token was issued to another role
func RequireRole(role auth.Role) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := claimsFrom(ctx)
		if claims == nil || claims.Role != role {
			forbidden(ctx, "Endpoint requires a "+string(role)+" token")
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

// RequireChildAccess rejects callers that may not act for the child in param
func RequireChildAccess(param string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := claimsFrom(ctx)
		if claims == nil || !claims.CanAccessChild(ctx.Param(param)) {
			forbidden(ctx, "Token does not cover this child")
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

// CORSMiddleware answers cross-origin requests from the allowed origins
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		origin := ctx.GetHeader("Origin")

		if originAllowed(allowedOrigins, origin) && origin != "" {
			ctx.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			ctx.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			ctx.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			ctx.Writer.Header().Set("Vary", "Origin")
		}

		if ctx.Request.Method == http.MethodOptions {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}

		ctx.Next()
	}
}

// originAllowed reports whether origin is in the list. An empty list allows any.
func originAllowed(allowedOrigins []string, origin string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func claimsFrom(ctx *gin.Context) *auth.Claims {
	v, ok := ctx.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

// RateLimiter implements a fixed window limit per caller
type RateLimiter struct {
	requests map[string]*bucket
	mu       sync.Mutex
	rate     int           // requests per window
	window   time.Duration // time window
	stopChan chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens    int
	lastReset time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerWindow int, window time.Duration) *RateLimiter {
	limiter := &RateLimiter{
		requests: make(map[string]*bucket),
		rate:     requestsPerWindow,
		window:   window,
		stopChan: make(chan struct{}),
	}

	go limiter.cleanup()

	return limiter
}

// Allow checks if a request from the given identifier is allowed
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	b, exists := rl.requests[identifier]
	if !exists {
		rl.requests[identifier] = &bucket{
			tokens:    rl.rate - 1,
			lastReset: now,
		}
		return true
	}

	if now.Sub(b.lastReset) > rl.window {
		b.tokens = rl.rate - 1
		b.lastReset = now
		return true
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}

	return false
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopChan) })
}

// cleanup periodically removes old buckets
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopChan:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for id, b := range rl.requests {
				if now.Sub(b.lastReset) > rl.window*2 {
					delete(rl.requests, id)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// RateLimitMiddleware limits requests per token subject, or per client IP
// before authentication
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		identifier := ctx.ClientIP()
		if claims := claimsFrom(ctx); claims != nil && claims.Subject != "" {
			identifier = string(claims.Role) + ":" + claims.Subject
		}

		if !limiter.Allow(identifier) {
			ctx.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests, please try again later",
			})
			ctx.Abort()
			return
		}

		ctx.Next()
	}
}
