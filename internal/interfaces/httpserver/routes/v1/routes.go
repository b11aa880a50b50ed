package v1

import (
	"time"

	"github.com/gin-gonic/gin"

	"aperture-server/services/gallery-api/internal/interfaces/httpserver/handlers"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver/middlewares"
)

// Routes encapsulates versioned route registration.
type Routes struct {
	handlers *handlers.Provider
}

func NewRoutes(provider *handlers.Provider) *Routes {
	return &Routes{handlers: provider}
}

// Register attaches all v1 routes under the /v1 prefix.
func (r *Routes) Register(router gin.IRouter) {
	group := router.Group("/v1")

	// Clients poll generation state, so every route in this group is
	// explicitly uncacheable.
	gen := group.Group("/generation", middlewares.NoCache())
	gen.POST("/sessions", r.handlers.Session.Create)
	gen.GET("/sessions", r.handlers.Session.List)
	gen.GET("/sessions/:id", r.handlers.Session.Get)
	gen.PATCH("/sessions/:id", r.handlers.Session.UpdateStatus)
	gen.DELETE("/sessions/:id", r.handlers.Session.Delete)
	gen.POST("/sessions/:id/steps", r.handlers.Step.Create)
	gen.GET("/sessions/:id/steps", r.handlers.Step.ListBySession)

	gen.GET("/steps/:id", r.handlers.Step.Get)
	gen.PATCH("/steps/:id", r.handlers.Step.Update)
	gen.GET("/steps/:id/status", r.handlers.Step.Status)
	gen.GET("/steps/:id/alternatives", r.handlers.Step.Alternatives)
	gen.POST("/steps/:id/select", r.handlers.Step.Select)
	gen.POST("/steps/:id/retry-retrievals", r.handlers.Step.Retry)

	gen.GET("/images", r.handlers.Image.List)

	photos := group.Group("/photos")
	photos.GET("/:id", r.handlers.Image.Get)
	photos.GET("/:id/file", middlewares.CacheControl(24*time.Hour), r.handlers.Image.File)
	photos.POST("/:id/retry", r.handlers.Image.RetryOne)
	photos.POST("/batch/retry", r.handlers.Image.Retry)

	models := group.Group("/models")
	models.GET("", middlewares.PublicCache(5*time.Minute), r.handlers.Model.List)
	models.GET("/:key", middlewares.PublicCache(5*time.Minute), r.handlers.Model.Get)
	models.POST("/refresh", r.handlers.Model.Refresh)
}
