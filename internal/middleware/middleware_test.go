package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := serve(r, http.MethodGet, "/boom")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestRequestLoggerSetsRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/ping", func(c *gin.Context) {
		id, _ := c.Get("request_id")
		c.String(http.StatusOK, id.(string))
	})

	w := serve(r, http.MethodGet, "/ping")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Body.String())
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		r := gin.New()
		r.Use(HealthCheck("call-agent", nil))

		w := serve(r, http.MethodGet, "/health")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	})

	t.Run("degraded", func(t *testing.T) {
		r := gin.New()
		r.Use(HealthCheck("call-agent", func() map[string]string {
			return map[string]string{"redis": "degraded"}
		}))

		w := serve(r, http.MethodGet, "/health")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"degraded"`)
		assert.Contains(t, w.Body.String(), `"redis":"degraded"`)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("call-agent", reg)

	r := gin.New()
	r.Use(NewPrometheusMiddleware(m).Handler())
	r.GET("/v1/call/state", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET(GetMetricsPath(), MetricsHandler(reg))

	serve(r, http.MethodGet, "/v1/call/state")
	w := serve(r, http.MethodGet, "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `http_requests_total{endpoint="/v1/call/state",method="GET",service="call-agent",status="200"} 1`)
}

func TestMetricsHandlerWithoutRegistry(t *testing.T) {
	r := gin.New()
	r.GET("/metrics", MetricsHandler(nil))

	w := serve(r, http.MethodGet, "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "registry_not_initialized")
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"http://localhost:3000"}))
	r.POST("/v1/knock", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"allowed origin", http.MethodPost, "http://localhost:3000", http.StatusOK, "http://localhost:3000"},
		{"preflight", http.MethodOptions, "http://localhost:3000", http.StatusNoContent, "http://localhost:3000"},
		{"foreign origin", http.MethodPost, "http://evil.example", http.StatusForbidden, ""},
		{"no origin", http.MethodPost, "", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/v1/knock", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/v1/call/state", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, http.MethodGet, "/v1/call/state")

	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestTimeout(t *testing.T) {
	t.Run("slow handler gets 504", func(t *testing.T) {
		r := gin.New()
		r.Use(Timeout(10 * time.Millisecond))
		r.GET("/slow", func(c *gin.Context) { <-c.Request.Context().Done() })

		w := serve(r, http.MethodGet, "/slow")

		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		assert.Contains(t, w.Body.String(), "REQUEST_TIMEOUT")
	})

	t.Run("written response is kept", func(t *testing.T) {
		r := gin.New()
		r.Use(Timeout(10 * time.Millisecond))
		r.GET("/slow", func(c *gin.Context) {
			<-c.Request.Context().Done()
			c.String(http.StatusServiceUnavailable, "gave up")
		})

		w := serve(r, http.MethodGet, "/slow")

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "gave up", w.Body.String())
	})

	t.Run("fast handler", func(t *testing.T) {
		r := gin.New()
		r.Use(Timeout(time.Second))
		r.GET("/fast", func(c *gin.Context) {
			_, ok := c.Request.Context().Deadline()
			assert.True(t, ok)
			c.Status(http.StatusOK)
		})

		w := serve(r, http.MethodGet, "/fast")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRequestLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logger.Log
	logger.SetLogger(zap.New(core))
	t.Cleanup(func() { logger.SetLogger(prev) })

	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/v1/call/state", func(c *gin.Context) {
		logger.FromContext(c.Request.Context()).Info("handling")
		c.Status(http.StatusOK)
	})
	r.POST("/v1/call/start", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	req := httptest.NewRequest(http.MethodGet, "/v1/call/state", nil)
	req.Header.Set("X-Request-ID", "req-7")
	r.ServeHTTP(httptest.NewRecorder(), req)
	serve(r, http.MethodPost, "/v1/call/start")

	handled := logs.FilterMessage("handling").All()
	require.Len(t, handled, 1)
	assert.Equal(t, "req-7", handled[0].ContextMap()["request_id"])

	requests := logs.FilterMessage("Control request").All()
	require.Len(t, requests, 2)
	assert.Equal(t, zapcore.DebugLevel, requests[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, requests[1].Level)
}
