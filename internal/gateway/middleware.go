// Package gateway orchestrates request handling: authentication, the
// breaker-guarded backend call and response translation.
package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dmarkov/itemgw/internal/auth"
	"github.com/dmarkov/itemgw/internal/observability"
)

// Context keys for values attached to a request.
const (
	// RequestIDHeader carries the request ID to clients and the backend.
	RequestIDHeader = "X-Request-ID"

	identityKey = "gateway.identity"
)

// RequestIDMiddleware assigns each request an ID, honoring one supplied by
// the client.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Request = c.Request.WithContext(
			observability.ContextWithRequestID(c.Request.Context(), requestID),
		)
		c.Header(RequestIDHeader, requestID)

		c.Next()
	}
}

// RecoveryMiddleware converts panics into 500 responses.
func RecoveryMiddleware(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					observability.Any("panic", r),
					observability.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()

		c.Next()
	}
}

// LoggingMiddleware writes one access log line per request.
func LoggingMiddleware(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("request handled",
			observability.String("requestId", observability.RequestIDFromContext(c.Request.Context())),
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", c.Writer.Status()),
			observability.Duration("duration", time.Since(start)),
		)
	}
}

// MetricsMiddleware records request metrics.
func MetricsMiddleware(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		metrics.RequestStarted(c.Request.Method, route)

		c.Next()

		metrics.RequestFinished(c.Request.Method, route)
		metrics.RecordRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// RateLimitMiddleware applies a token-bucket limit to inbound requests.
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// AuthMiddleware validates the bearer token and attaches the caller
// identity to the request. Every failure is a 401 with a reason-specific
// message; the token itself is never logged.
func AuthMiddleware(
	validator *auth.Validator,
	metrics *observability.Metrics,
	logger observability.Logger,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearer(c.GetHeader("Authorization"))
		if err != nil {
			rejectUnauthorized(c, metrics, logger, err)
			return
		}

		identity, err := validator.Validate(c.Request.Context(), token)
		if err != nil {
			rejectUnauthorized(c, metrics, logger, err)
			return
		}

		logger.Debug("request authenticated",
			observability.String("requestId", observability.RequestIDFromContext(c.Request.Context())),
			observability.String("subject", identity.Subject),
		)

		c.Set(identityKey, identity)
		c.Next()
	}
}

// rejectUnauthorized writes a 401 with a message matching the failure kind.
func rejectUnauthorized(
	c *gin.Context,
	metrics *observability.Metrics,
	logger observability.Logger,
	err error,
) {
	reason := auth.FailureReason(err)

	if metrics != nil {
		metrics.RecordAuthFailure(reason)
	}

	logger.Warn("request rejected",
		observability.String("requestId", observability.RequestIDFromContext(c.Request.Context())),
		observability.String("reason", reason),
		observability.String("remoteAddr", c.ClientIP()),
	)

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": unauthorizedMessage(err),
	})
}

// unauthorizedMessage maps a validation failure to a client-facing message.
func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return "authorization required"
	case errors.Is(err, auth.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, auth.ErrSignatureInvalid):
		return "token signature invalid"
	case errors.Is(err, auth.ErrClaimMismatch):
		return "token claims rejected"
	case errors.Is(err, auth.ErrUnsupportedAlgorithm), errors.Is(err, auth.ErrKeyNotFound):
		return "token cannot be verified"
	default:
		return "token malformed"
	}
}

// IdentityFromContext returns the authenticated identity, if any.
func IdentityFromContext(c *gin.Context) (*auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*auth.Identity)
	return identity, ok
}
