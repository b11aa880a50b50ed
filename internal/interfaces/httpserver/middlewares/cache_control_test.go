package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func performRequest(middleware, handler gin.HandlerFunc) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/resource", middleware, handler)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	router.ServeHTTP(w, req)
	return w
}

func TestPublicCacheSetsHeaderOnSuccess(t *testing.T) {
	w := performRequest(PublicCache(5*time.Minute), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	if got := w.Header().Get("Cache-Control"); got != "public, max-age=300" {
		t.Fatalf("Cache-Control = %q, want public, max-age=300", got)
	}
}

func TestPublicCacheDroppedOnError(t *testing.T) {
	w := performRequest(PublicCache(5*time.Minute), func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "missing"})
	})
	if got := w.Header().Get("Cache-Control"); got != "" {
		t.Fatalf("Cache-Control = %q, error responses must not be cacheable", got)
	}
}

func TestCacheControlMarksImmutable(t *testing.T) {
	w := performRequest(CacheControl(24*time.Hour), func(c *gin.Context) {
		c.Data(http.StatusOK, "image/png", []byte{0x89})
	})
	if got := w.Header().Get("Cache-Control"); got != "public, max-age=86400, immutable" {
		t.Fatalf("Cache-Control = %q, want immutable day-long policy", got)
	}
}

func TestNoCacheAlwaysSet(t *testing.T) {
	w := performRequest(NoCache(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	if got := w.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("Cache-Control = %q, want no-cache", got)
	}
}
