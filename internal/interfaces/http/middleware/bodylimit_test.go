package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/verifactu/internal/interfaces/http/dto"
)

func bodyLimitRouter(limit int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID(), BodyLimit(limit))
	router.POST("/tasks", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "read: %v", err)
			return
		}
		c.String(http.StatusOK, "%d", len(body))
	})
	return router
}

func TestBodyLimit(t *testing.T) {
	task := `{"records":[{"kind":"alta","record_id":"INV-1"}]}`

	tests := []struct {
		name       string
		limit      int64
		body       string
		chunked    bool
		wantStatus int
		wantCode   string
	}{
		{name: "within limit", limit: 1024, body: task, wantStatus: http.StatusOK},
		{name: "exactly at limit", limit: int64(len(task)), body: task, wantStatus: http.StatusOK},
		{name: "declared length over limit", limit: 16, body: task, wantStatus: http.StatusRequestEntityTooLarge, wantCode: dto.ErrCodeRequestTooLarge},
		{name: "chunked body over limit", limit: 16, body: task, chunked: true, wantStatus: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(tt.body))
			if tt.chunked {
				req.ContentLength = -1
			}
			w := httptest.NewRecorder()
			bodyLimitRouter(tt.limit).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode == "" {
				return
			}
			var resp dto.Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.RequestID)
		})
	}
}
