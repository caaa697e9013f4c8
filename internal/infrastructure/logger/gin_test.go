package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedRouter(t *testing.T) (*gin.Engine, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, recorded := observer.New(zapcore.DebugLevel)
	l := zap.New(core)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Request-ID"); id != "" {
			c.Set("request_id", id)
		}
		c.Next()
	})
	router.Use(Recovery(l), GinMiddleware(l))
	return router, recorded
}

func requestLog(t *testing.T, recorded *observer.ObservedLogs) observer.LoggedEntry {
	t.Helper()
	entries := recorded.FilterMessage("HTTP Request").All()
	require.Len(t, entries, 1)
	return entries[0]
}

func TestGinMiddleware_StatusLevels(t *testing.T) {
	tests := []struct {
		status int
		level  zapcore.Level
	}{
		{http.StatusOK, zapcore.InfoLevel},
		{http.StatusConflict, zapcore.WarnLevel},
		{http.StatusBadGateway, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			router, recorded := newObservedRouter(t)
			router.GET("/status", func(c *gin.Context) { c.Status(tt.status) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status?verbose=1", nil))

			assert.Equal(t, tt.status, w.Code)
			entry := requestLog(t, recorded)
			assert.Equal(t, tt.level, entry.Level)
			fields := entry.ContextMap()
			assert.Equal(t, int64(tt.status), fields["status"])
			assert.Equal(t, "verbose=1", fields["query"])
		})
	}
}

func TestGinMiddleware_PropagatesRequestAndEntity(t *testing.T) {
	router, recorded := newObservedRouter(t)
	var ctxEntity, ctxRequest string
	router.GET("/entities/:entity_id/head", func(c *gin.Context) {
		ctxEntity = GetEntityID(c.Request.Context())
		ctxRequest = GetRequestID(c.Request.Context())
		L(c.Request.Context()).Info("handler")
		GetGinLogger(c).Debug("gin logger")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/entities/B12345678/head", nil)
	req.Header.Set("X-Request-ID", "req-42")
	router.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "B12345678", ctxEntity)
	assert.Equal(t, "req-42", ctxRequest)
	for _, msg := range []string{"handler", "gin logger", "HTTP Request"} {
		entries := recorded.FilterMessage(msg).All()
		require.Len(t, entries, 1, msg)
		fields := entries[0].ContextMap()
		assert.Equal(t, "B12345678", fields["entity_id"], msg)
		assert.Equal(t, "req-42", fields["request_id"], msg)
	}
}

func TestRecovery(t *testing.T) {
	router, recorded := newObservedRouter(t)
	router.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, recorded.FilterMessage("Panic recovered").Len())
}

func TestGetGinLogger_NotSet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.NotNil(t, GetGinLogger(c))
}
