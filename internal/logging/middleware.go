package logging

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader is the header the access-log middleware stamps on every
// response so client and server logs can be correlated.
const RequestIDHeader = "x-request-id"

// AccessLog returns a gin middleware that logs method, path, status, latency
// and the routing decision header (set later by the proxy handlers) for
// every request.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Writer.Header().Set(RequestIDHeader, requestID)

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		}
		if routed := c.Writer.Header().Get("x-vllm-routed-to"); routed != "" {
			fields = append(fields, zap.String("routed_to", routed))
		}

		switch {
		case status >= 500:
			logger.Error("request handled", fields...)
		case status >= 400:
			logger.Warn("request handled", fields...)
		default:
			logger.Info("request handled", fields...)
		}
	}
}

// Recovery returns a gin middleware that recovers panics, logs them, and
// responds with the OpenAI-compatible error shape.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": "internal server error",
				"type":    "internal_error",
			},
		})
	})
}
