package logger

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/invoicebalance/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const HeaderRequestID = "X-Request-Id"

// GinMiddleware logs each request with its correlation id. An incoming
// X-Request-Id is reused as the correlation id so engine logs and outbox
// payloads line up with the caller's.
func GinMiddleware(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx := c.Request.Context()
		if requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID)); requestID != "" {
			ctx = correlation.ContextWithCorrelationID(ctx, requestID)
		}
		ctx, cid := correlation.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, cid)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.Error(lastErr.Err))
		}

		log := WithContext(c.Request.Context(), base)
		switch {
		case status >= 500:
			log.Error("http request", fields...)
		case status >= 400:
			log.Warn("http request", fields...)
		case route == "/healthz" || route == "/metrics":
			log.Debug("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	}
}
