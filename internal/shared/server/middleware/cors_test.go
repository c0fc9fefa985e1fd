package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func corsRouter(origins ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS(origins))
	r.GET("/api/v1/analyses/:id", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.OPTIONS("/api/v1/analyses/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func corsRequest(r *gin.Engine, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/v1/analyses/a-1", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestCORSPreflightForListedOrigin(t *testing.T) {
	resp := corsRequest(corsRouter("http://localhost:5173/"), http.MethodOptions, "http://localhost:5173")

	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, "http://localhost:5173", resp.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, resp.Header().Get("Access-Control-Allow-Headers"), "X-Organization-Id")
	assert.Contains(t, resp.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}

func TestCORSWildcardOmitsCredentials(t *testing.T) {
	resp := corsRequest(corsRouter("*"), http.MethodGet, "https://portal.example.com")

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, resp.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSIgnoresUnknownOrigin(t *testing.T) {
	resp := corsRequest(corsRouter("http://localhost:5173"), http.MethodGet, "https://evil.example.com")

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, resp.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", resp.Header().Get("Vary"))
}
