package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"aperture-server/services/gallery-api/internal/domain/modelcache"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver/responses"
)

type ModelHandler struct {
	models *modelcache.Service
	log    zerolog.Logger
}

func NewModelHandler(models *modelcache.Service, log zerolog.Logger) *ModelHandler {
	return &ModelHandler{
		models: models,
		log:    log.With().Str("component", "model-handler").Logger(),
	}
}

// List godoc
// @Summary      List cached backend models
// @Tags         models
// @Produce      json
// @Success      200  {object}  responses.ModelListResponse
// @Router       /api/v1/models [get]
func (h *ModelHandler) List(c *gin.Context) {
	refreshedAt := ""
	if at := h.models.RefreshedAt(); !at.IsZero() {
		refreshedAt = at.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, responses.ModelListResponse{
		Models:      h.models.List(),
		RefreshedAt: refreshedAt,
	})
}

// Get godoc
// @Summary      Get a cached model by key
// @Tags         models
// @Produce      json
// @Param        key  path      string  true  "Model key"
// @Success      200  {object}  modelcache.Model
// @Failure      404  {object}  responses.ErrorResponse
// @Router       /api/v1/models/{key} [get]
func (h *ModelHandler) Get(c *gin.Context) {
	model, err := h.models.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		responses.HandleError(c, err, "model not found")
		return
	}
	c.JSON(http.StatusOK, model)
}

// Refresh godoc
// @Summary      Force a model cache refresh
// @Tags         models
// @Produce      json
// @Success      200  {object}  responses.ModelListResponse
// @Failure      502  {object}  responses.ErrorResponse
// @Router       /api/v1/models/refresh [post]
func (h *ModelHandler) Refresh(c *gin.Context) {
	count, refreshedAt, err := h.models.Refresh(c.Request.Context())
	if err != nil {
		responses.HandleError(c, err, "model refresh failed")
		return
	}
	h.log.Info().Int("models", count).Msg("model cache refreshed on demand")
	c.JSON(http.StatusOK, responses.ModelListResponse{
		Models:      h.models.List(),
		RefreshedAt: refreshedAt.UTC().Format(time.RFC3339),
	})
}
