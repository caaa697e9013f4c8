package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	tests := []struct {
		name   string
		header string
		check  func(t *testing.T, id string)
	}{
		{
			name:   "reuses inbound id",
			header: "req-abc",
			check: func(t *testing.T, id string) {
				assert.Equal(t, "req-abc", id)
			},
		},
		{
			name: "generates id when absent",
			check: func(t *testing.T, id string) {
				assert.Len(t, id, 32)
			},
		},
		{
			name:   "truncates oversized id",
			header: strings.Repeat("x", MaxRequestIDLength+50),
			check: func(t *testing.T, id string) {
				assert.Len(t, id, MaxRequestIDLength)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, w.Body.String(), w.Header().Get(RequestIDHeader))
			tt.check(t, w.Body.String())
		})
	}
}

func TestGetRequestID_FallsBackToHeader(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set(RequestIDHeader, "header-id")
	assert.Equal(t, "header-id", GetRequestID(c))

	c.Set(RequestIDKey, "ctx-id")
	assert.Equal(t, "ctx-id", GetRequestID(c))
}

func TestGenerateRequestID(t *testing.T) {
	a, b := generateRequestID(), generateRequestID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}

func TestSecureWithConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfg      SecurityConfig
		wantHSTS string
	}{
		{name: "defaults", cfg: DefaultSecurityConfig()},
		{name: "hsts", cfg: SecurityConfig{HSTSEnabled: true, HSTSMaxAge: 600}, wantHSTS: "max-age=600; includeSubDomains"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(SecureWithConfig(tt.cfg))
			router.GET("/test", func(c *gin.Context) {
				c.Status(http.StatusNoContent)
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
			assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
			assert.Equal(t, tt.wantHSTS, w.Header().Get("Strict-Transport-Security"))
		})
	}
}
