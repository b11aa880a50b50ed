package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/infrastructure/metrics"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver/requests"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver/responses"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

// StepHandler exposes the step lifecycle endpoints.
type StepHandler struct {
	steps     *generation.StepService
	retrieval *generation.RetrievalController
	log       zerolog.Logger
}

func NewStepHandler(steps *generation.StepService, retrieval *generation.RetrievalController, log zerolog.Logger) *StepHandler {
	return &StepHandler{
		steps:     steps,
		retrieval: retrieval,
		log:       log.With().Str("component", "step-handler").Logger(),
	}
}

// Create godoc
// @Summary      Submit a generation step
// @Description  Resolves parameters against the model cache and dispatches the batch.
// @Tags         steps
// @Accept       json
// @Produce      json
// @Param        id       path      string                      true  "Session id"
// @Param        request  body      requests.CreateStepRequest  true  "Step request"
// @Success      201      {object}  responses.StepResponse
// @Failure      400      {object}  responses.ErrorResponse
// @Failure      409      {object}  responses.ErrorResponse
// @Failure      502      {object}  responses.ErrorResponse
// @Router       /api/v1/generation/sessions/{id}/steps [post]
func (h *StepHandler) Create(c *gin.Context) {
	var req requests.CreateStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.HandleNewError(c, platformerrors.ErrorTypeValidation, err.Error(), "6e15d9a3-70b8-4c42-8f6d-b29c0e4a571f")
		return
	}

	step, err := h.steps.Create(c.Request.Context(), req.ToDomain(c.Param("id")))
	if err != nil {
		metrics.RecordDispatch("failure")
		responses.HandleError(c, err, "failed to create step")
		return
	}
	metrics.RecordDispatch("success")
	c.JSON(http.StatusCreated, responses.BuildStepResponse(step, nil))
}

// ListBySession godoc
// @Summary      List a session's steps in creation order
// @Tags         steps
// @Produce      json
// @Param        id      path      string  true   "Session id"
// @Param        limit   query     int     false  "Page size"
// @Param        offset  query     int     false  "Page offset"
// @Success      200     {object}  responses.ListResponse[responses.StepResponse]
// @Router       /api/v1/generation/sessions/{id}/steps [get]
func (h *StepHandler) ListBySession(c *gin.Context) {
	pagination := requests.PaginationFromQuery(c)
	steps, total, err := h.steps.ListBySession(c.Request.Context(), c.Param("id"), pagination)
	if err != nil {
		responses.HandleError(c, err, "failed to list steps")
		return
	}

	items := make([]responses.StepResponse, 0, len(steps))
	for _, step := range steps {
		items = append(items, responses.BuildStepResponse(step, nil))
	}
	c.JSON(http.StatusOK, responses.ListResponse[responses.StepResponse]{
		Items:  items,
		Total:  total,
		Limit:  pagination.LimitOrDefault(50, 100),
		Offset: pagination.OffsetOrZero(),
	})
}

// Get godoc
// @Summary      Get a step with its retrieval aggregate
// @Tags         steps
// @Produce      json
// @Param        id   path      string  true  "Step id"
// @Success      200  {object}  responses.StepResponse
// @Failure      404  {object}  responses.ErrorResponse
// @Router       /api/v1/generation/steps/{id} [get]
func (h *StepHandler) Get(c *gin.Context) {
	step, status, err := h.steps.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		responses.HandleError(c, err, "step not found")
		return
	}
	c.JSON(http.StatusOK, responses.BuildStepResponse(step, &status))
}

// Status godoc
// @Summary      Get a step's live retrieval aggregate
// @Description  Pending includes slots the backend has not reported yet.
// @Tags         steps
// @Produce      json
// @Param        id   path      string  true  "Step id"
// @Success      200  {object}  responses.StepStatusResponse
// @Failure      404  {object}  responses.ErrorResponse
// @Router       /api/v1/generation/steps/{id}/status [get]
func (h *StepHandler) Status(c *gin.Context) {
	step, status, err := h.steps.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		responses.HandleError(c, err, "step not found")
		return
	}
	c.JSON(http.StatusOK, responses.StepStatusResponse{
		ID:        step.PublicID,
		Status:    step.Status,
		Retrieval: status,
	})
}

// Alternatives godoc
// @Summary      List every image attributed to a step's batch
// @Tags         steps
// @Produce      json
// @Param        id   path      string  true  "Step id"
// @Success      200  {object}  responses.AlternativesResponse
// @Failure      404  {object}  responses.ErrorResponse
// @Router       /api/v1/generation/steps/{id}/alternatives [get]
func (h *StepHandler) Alternatives(c *gin.Context) {
	step, images, err := h.steps.Alternatives(c.Request.Context(), c.Param("id"))
	if err != nil {
		responses.HandleError(c, err, "step not found")
		return
	}
	c.JSON(http.StatusOK, responses.AlternativesResponse{
		StepID:          step.PublicID,
		SelectedImageID: step.SelectedImageID,
		Images:          images,
	})
}

// Select godoc
// @Summary      Select a retrieved image as the step's pick
// @Description  Completes the step. Re-selecting the same image is a no-op.
// @Tags         steps
// @Accept       json
// @Produce      json
// @Param        id       path      string                       true  "Step id"
// @Param        request  body      requests.SelectImageRequest  true  "Selection"
// @Success      200      {object}  responses.StepResponse
// @Failure      409      {object}  responses.ErrorResponse
// @Router       /api/v1/generation/steps/{id}/select [post]
func (h *StepHandler) Select(c *gin.Context) {
	var req requests.SelectImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.HandleNewError(c, platformerrors.ErrorTypeValidation, err.Error(), "f83a61d9-24c0-4e57-b9a2-07d5c1e8b643")
		return
	}

	step, err := h.steps.Select(c.Request.Context(), c.Param("id"), req.ImageID)
	if err != nil {
		responses.HandleError(c, err, "failed to select image")
		return
	}
	c.JSON(http.StatusOK, responses.BuildStepResponse(step, nil))
}

// Update godoc
// @Summary      Update a step's selected image
// @Description  PATCH form of the select operation.
// @Tags         steps
// @Accept       json
// @Produce      json
// @Param        id       path      string                      true  "Step id"
// @Param        request  body      requests.UpdateStepRequest  true  "Fields to update"
// @Success      200      {object}  responses.StepResponse
// @Failure      409      {object}  responses.ErrorResponse
// @Router       /api/v1/generation/steps/{id} [patch]
func (h *StepHandler) Update(c *gin.Context) {
	var req requests.UpdateStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.HandleNewError(c, platformerrors.ErrorTypeValidation, err.Error(), "6b2e94d1-85f3-4a0c-b7e6-1d9c40a2f758")
		return
	}

	step, err := h.steps.Select(c.Request.Context(), c.Param("id"), req.SelectedImageID)
	if err != nil {
		responses.HandleError(c, err, "failed to update step")
		return
	}
	c.JSON(http.StatusOK, responses.BuildStepResponse(step, nil))
}

// Retry godoc
// @Summary      Retry every failed retrieval in a step's batch
// @Description  Attempt counts are preserved, not reset.
// @Tags         steps
// @Produce      json
// @Param        id   path      string  true  "Step id"
// @Success      200  {object}  responses.RetryResponse
// @Failure      404  {object}  responses.ErrorResponse
// @Router       /api/v1/generation/steps/{id}/retry-retrievals [post]
func (h *StepHandler) Retry(c *gin.Context) {
	step, err := h.steps.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		responses.HandleError(c, err, "step not found")
		return
	}

	scheduled, err := h.retrieval.RetryFailedForBatch(c.Request.Context(), step.BatchID)
	if err != nil {
		responses.HandleError(c, err, "failed to retry retrievals")
		return
	}
	c.JSON(http.StatusOK, responses.RetryResponse{Scheduled: scheduled})
}
