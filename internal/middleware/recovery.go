package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/response"
)

// Recovery recovers from panics and returns 500 error
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic in control request",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()))

				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HealthCheck answers /health before any other handler runs. check reports
// degraded dependencies; nil means always healthy.
func HealthCheck(serviceName string, check func() map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			body := gin.H{
				"status":  "healthy",
				"service": serviceName,
			}
			if check != nil {
				if degraded := check(); len(degraded) > 0 {
					body["status"] = "degraded"
					body["degraded"] = degraded
				}
			}
			c.JSON(http.StatusOK, body)
			c.Abort()
			return
		}
		c.Next()
	}
}
