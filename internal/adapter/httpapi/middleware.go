package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"erpsync/internal/platform/metrics"
	"erpsync/pkg/retry"
)

const (
	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-ID"
	// TokenHeader carries the shared webhook secret.
	TokenHeader = "X-Webhook-Token"

	requestIDKey = "requestId"
)

// RequestID reuses the caller's X-Request-ID or generates one, echoes it back
// and stores it as the requestId correlation id of the request context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(retry.ContextWithCorrelation(c.Request.Context(), requestIDKey, id))
		c.Next()
	}
}

// Logging logs every request and records webhook metrics. Health and metrics
// probes are not logged.
func Logging(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		dur := time.Since(start)
		if route == "/healthz" || route == "/metrics" {
			return
		}
		metrics.ObserveWebhook(route, status, dur)

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("request_id", c.GetString(requestIDKey)),
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("latency", dur),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}
		log.LogAttrs(c.Request.Context(), level, "request completed", attrs...)
	}
}

// Token rejects requests without the shared secret. An empty secret disables
// the check.
func Token(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "invalid webhook token", Kind: "AUTH"})
			return
		}
		c.Next()
	}
}
