package middlewares

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// CacheControl sets an immutable cache policy on successful responses.
// Retrieved image bytes never change once stored, so photo proxy responses
// can be cached aggressively by browsers and CDNs.
func CacheControl(maxAge time.Duration) gin.HandlerFunc {
	value := fmt.Sprintf("public, max-age=%d, immutable", int(maxAge.Seconds()))
	return setOnSuccess(value)
}

// PublicCache allows short-lived caching of slow-changing resources such as
// the model list.
func PublicCache(maxAge time.Duration) gin.HandlerFunc {
	value := fmt.Sprintf("public, max-age=%d", int(maxAge.Seconds()))
	return setOnSuccess(value)
}

// NoCache marks generation state endpoints as uncacheable. Clients poll
// these for live status, so stale responses are worse than extra load.
func NoCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Next()
	}
}

// setOnSuccess installs the header before the handler runs; headers are
// flushed on the first body write, so setting it afterwards is too late. A
// writer wrapper drops the header again when the handler responds with a
// non-200 status, so error responses stay uncached.
func setOnSuccess(value string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", value)
		c.Writer = &successCacheWriter{ResponseWriter: c.Writer}
		c.Next()
	}
}

type successCacheWriter struct {
	gin.ResponseWriter
}

func (w *successCacheWriter) WriteHeader(code int) {
	if code != http.StatusOK {
		w.Header().Del("Cache-Control")
	}
	w.ResponseWriter.WriteHeader(code)
}
