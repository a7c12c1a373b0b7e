package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/response"
)

// Timeout bounds every request's context. Requests that run out of time
// without writing a response get 504.
func Timeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return
		}
		logger.Warn("Request timed out",
			zap.Duration("timeout", timeout),
			zap.Duration("duration", time.Since(start)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))

		if !c.Writer.Written() {
			response.Error(c, http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "Request timeout")
			c.Abort()
		}
	}
}
