package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"aperture-server/services/gallery-api/internal/config"
	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/infrastructure/storage"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver/requests"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver/responses"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

// ImageHandler exposes the gallery endpoints, orphaned images included.
type ImageHandler struct {
	cfg       *config.Config
	images    generation.ImageRepository
	retrieval *generation.RetrievalController
	store     storage.Backend
	log       zerolog.Logger
}

func NewImageHandler(cfg *config.Config, images generation.ImageRepository, retrieval *generation.RetrievalController, store storage.Backend, log zerolog.Logger) *ImageHandler {
	return &ImageHandler{
		cfg:       cfg,
		images:    images,
		retrieval: retrieval,
		store:     store,
		log:       log.With().Str("component", "image-handler").Logger(),
	}
}

// List godoc
// @Summary      List generated images
// @Description  Orphaned images (no batch attribution) are listed with orphan=true.
// @Tags         images
// @Produce      json
// @Param        batch_id   query     string  false  "Filter by batch"
// @Param        retrieval  query     string  false  "Filter by retrieval state"
// @Param        orphan     query     bool    false  "Only orphaned images"
// @Param        limit      query     int     false  "Page size"
// @Param        offset     query     int     false  "Page offset"
// @Success      200        {object}  responses.ListResponse[generation.GeneratedImage]
// @Router       /api/v1/generation/images [get]
func (h *ImageHandler) List(c *gin.Context) {
	filter := generation.ImageFilter{}
	if raw := c.Query("batch_id"); raw != "" {
		filter.BatchID = &raw
	}
	if raw := c.Query("retrieval"); raw != "" {
		state := generation.RetrievalState(raw)
		filter.Retrieval = &state
	}
	if c.Query("orphan") == "true" {
		filter.OrphanOnly = true
	}
	pagination := requests.PaginationFromQuery(c)

	images, err := h.images.FindByFilter(c.Request.Context(), filter, pagination)
	if err != nil {
		responses.HandleError(c, err, "failed to list images")
		return
	}
	total, err := h.images.Count(c.Request.Context(), filter)
	if err != nil {
		responses.HandleError(c, err, "failed to count images")
		return
	}
	c.JSON(http.StatusOK, responses.ListResponse[*generation.GeneratedImage]{
		Items:  images,
		Total:  total,
		Limit:  pagination.LimitOrDefault(50, 100),
		Offset: pagination.OffsetOrZero(),
	})
}

// Get godoc
// @Summary      Get image metadata
// @Tags         images
// @Produce      json
// @Param        id   path      string  true  "Image id"
// @Success      200  {object}  generation.GeneratedImage
// @Failure      404  {object}  responses.ErrorResponse
// @Router       /api/v1/photos/{id} [get]
func (h *ImageHandler) Get(c *gin.Context) {
	image, err := h.images.FindByPublicID(c.Request.Context(), c.Param("id"))
	if err != nil {
		responses.HandleError(c, err, "image not found")
		return
	}
	c.JSON(http.StatusOK, image)
}

// File godoc
// @Summary      Stream the stored image bytes
// @Tags         images
// @Produce      image/png
// @Param        id   path  string  true  "Image id"
// @Success      200
// @Failure      404  {object}  responses.ErrorResponse
// @Failure      409  {object}  responses.ErrorResponse
// @Router       /api/v1/photos/{id}/file [get]
func (h *ImageHandler) File(c *gin.Context) {
	image, err := h.images.FindByPublicID(c.Request.Context(), c.Param("id"))
	if err != nil {
		responses.HandleError(c, err, "image not found")
		return
	}
	if image.Retrieval != generation.RetrievalStateCompleted {
		responses.HandleNewError(c, platformerrors.ErrorTypeInvalidState, "image has not been retrieved yet", "8c51f0d2-a496-4e73-b8d1-39e6c2a07f54")
		return
	}

	body, mime, err := h.store.Download(c.Request.Context(), image.StorageKey)
	if err != nil {
		h.log.Error().Err(err).Str("image", image.PublicID).Msg("storage download failed")
		responses.HandleNewError(c, platformerrors.ErrorTypeStorage, "failed to read stored image", "e07b94c6-5d23-4a81-bf60-2c8f1d5a93e7")
		return
	}
	defer body.Close()

	if image.MimeType != "" {
		mime = image.MimeType
	}
	c.Header("Content-Type", mime)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, body); err != nil {
		h.log.Warn().Err(err).Str("image", image.PublicID).Msg("image stream interrupted")
	}
}

// RetryOne godoc
// @Summary      Retry retrieval for a single photo
// @Description  The photo re-enters the backoff schedule with its attempt count preserved.
// @Tags         images
// @Produce      json
// @Param        id   path      string  true  "Photo id"
// @Success      200  {object}  generation.GeneratedImage
// @Failure      404  {object}  responses.ErrorResponse
// @Failure      409  {object}  responses.ErrorResponse
// @Router       /api/v1/photos/{id}/retry [post]
func (h *ImageHandler) RetryOne(c *gin.Context) {
	image, err := h.retrieval.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		responses.HandleError(c, err, "failed to retry retrieval")
		return
	}
	c.JSON(http.StatusOK, image)
}

// Retry godoc
// @Summary      Retry retrieval for specific images
// @Description  Failed images re-enter the backoff schedule with attempt counts preserved.
// @Tags         images
// @Accept       json
// @Produce      json
// @Param        request  body      requests.RetryImagesRequest  true  "Image ids"
// @Success      200      {object}  responses.RetryResponse
// @Failure      400      {object}  responses.ErrorResponse
// @Router       /api/v1/photos/batch/retry [post]
func (h *ImageHandler) Retry(c *gin.Context) {
	var req requests.RetryImagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.HandleNewError(c, platformerrors.ErrorTypeValidation, err.Error(), "a1c83f70-d562-4b09-9e47-5f0d2b6c18a3")
		return
	}

	scheduled, err := h.retrieval.RetryBatch(c.Request.Context(), req.ImageIDs)
	if err != nil {
		responses.HandleError(c, err, "failed to retry retrievals")
		return
	}
	c.JSON(http.StatusOK, responses.RetryResponse{Scheduled: scheduled})
}
