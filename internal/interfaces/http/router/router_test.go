package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/erp/verifactu/internal/interfaces/http/dto"
	"github.com/erp/verifactu/internal/interfaces/http/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestNewRouter(t *testing.T) {
	r := NewRouter(gin.New())
	assert.Equal(t, "v1", r.apiVersion)
	assert.Empty(t, r.registrars)

	r = NewRouter(gin.New(), WithAPIVersion("v2"))
	assert.Equal(t, "v2", r.apiVersion)
}

func TestRouterSetup(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine)

	group := NewDomainGroup("/fiscal")
	group.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	entities := group.Group("/entities/:entity_id")
	entities.POST("/tasks", func(c *gin.Context) {
		c.String(http.StatusAccepted, c.Param("entity_id"))
	})
	entities.DELETE("/tasks/:task_id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	routes := r.Register(group).Setup()
	assert.Len(t, routes, 3)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/fiscal/ping", nil))
	assert.Equal(t, "pong", w.Body.String())

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/fiscal/entities/B12345678/tasks", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "B12345678", w.Body.String())
}

func TestDomainGroup_MiddlewareScope(t *testing.T) {
	engine := gin.New()

	group := NewDomainGroup("/fiscal")
	group.GET("/open", func(c *gin.Context) { c.Status(http.StatusOK) })
	guarded := group.Group("/guarded").Use(func(c *gin.Context) {
		c.AbortWithStatus(http.StatusForbidden)
	})
	guarded.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	NewRouter(engine).Register(group).Setup()

	for path, want := range map[string]int{
		"/api/v1/fiscal/open":      http.StatusOK,
		"/api/v1/fiscal/guarded/x": http.StatusForbidden,
	} {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, w.Code, path)
	}
}

func TestNewEngine(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := middleware.NewHTTPMetrics(reg, "test")
	require.NoError(t, err)

	engine, err := NewEngine(EngineConfig{
		Logger:      zaptest.NewLogger(t),
		ServiceName: "test",
		MaxBodySize: 16,
		Metrics:     metrics,
	})
	require.NoError(t, err)
	engine.POST("/echo", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	engine.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	t.Run("unknown route", func(t *testing.T) {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

		var resp dto.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, dto.ErrCodeNotFound, resp.Error.Code)
		assert.Equal(t, w.Header().Get(middleware.RequestIDHeader), resp.Error.RequestID)
	})

	t.Run("method not allowed", func(t *testing.T) {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/echo", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("body limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(strings.Repeat("x", 64)))
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("panic recovered", func(t *testing.T) {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("security headers", func(t *testing.T) {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	})

	families, err := testutil.GatherAndCount(reg, "test_http_requests_total")
	require.NoError(t, err)
	assert.Positive(t, families)
}
