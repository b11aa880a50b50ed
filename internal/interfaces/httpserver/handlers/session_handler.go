package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver/requests"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver/responses"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

// SessionHandler exposes the session lifecycle endpoints.
type SessionHandler struct {
	sessions *generation.SessionService
	steps    *generation.StepService
	log      zerolog.Logger
}

func NewSessionHandler(sessions *generation.SessionService, steps *generation.StepService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		steps:    steps,
		log:      log.With().Str("component", "session-handler").Logger(),
	}
}

// Create godoc
// @Summary      Start a generation session
// @Tags         sessions
// @Accept       json
// @Produce      json
// @Param        request  body      requests.CreateSessionRequest  true  "Session request"
// @Success      201      {object}  generation.Session
// @Failure      400      {object}  responses.ErrorResponse
// @Router       /api/v1/generation/sessions [post]
func (h *SessionHandler) Create(c *gin.Context) {
	var req requests.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.HandleNewError(c, platformerrors.ErrorTypeValidation, err.Error(), "d2a04c8e-9f57-4b16-a3d8-60e1b5c7f294")
		return
	}

	session, err := h.sessions.Create(c.Request.Context(), req.ToDomain())
	if err != nil {
		responses.HandleError(c, err, "failed to create session")
		return
	}
	c.JSON(http.StatusCreated, session)
}

// List godoc
// @Summary      List generation sessions
// @Tags         sessions
// @Produce      json
// @Param        status  query     string  false  "Filter by status"
// @Param        limit   query     int     false  "Page size"
// @Param        offset  query     int     false  "Page offset"
// @Success      200     {object}  responses.ListResponse[generation.Session]
// @Router       /api/v1/generation/sessions [get]
func (h *SessionHandler) List(c *gin.Context) {
	filter := generation.SessionFilter{}
	if raw := c.Query("status"); raw != "" {
		status := generation.SessionStatus(raw)
		filter.Status = &status
	}
	pagination := requests.PaginationFromQuery(c)
	if pagination.Limit == nil {
		// Sessions page smaller than the other list endpoints.
		def := 20
		pagination.Limit = &def
	}

	sessions, total, err := h.sessions.List(c.Request.Context(), filter, pagination)
	if err != nil {
		responses.HandleError(c, err, "failed to list sessions")
		return
	}
	c.JSON(http.StatusOK, responses.ListResponse[*generation.Session]{
		Items:  sessions,
		Total:  total,
		Limit:  pagination.LimitOrDefault(20, 100),
		Offset: pagination.OffsetOrZero(),
	})
}

// Get godoc
// @Summary      Get a session
// @Tags         sessions
// @Produce      json
// @Param        id   path      string  true  "Session id"
// @Success      200  {object}  generation.Session
// @Failure      404  {object}  responses.ErrorResponse
// @Router       /api/v1/generation/sessions/{id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		responses.HandleError(c, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, session)
}

// UpdateStatus godoc
// @Summary      Complete or abandon a session
// @Tags         sessions
// @Accept       json
// @Produce      json
// @Param        id       path      string                          true  "Session id"
// @Param        request  body      requests.UpdateSessionRequest  true  "Status update"
// @Success      200      {object}  generation.Session
// @Failure      409      {object}  responses.ErrorResponse
// @Router       /api/v1/generation/sessions/{id} [patch]
func (h *SessionHandler) UpdateStatus(c *gin.Context) {
	var req requests.UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.HandleNewError(c, platformerrors.ErrorTypeValidation, err.Error(), "4b39e7d0-82c6-4f15-9da4-c07e6f2a813b")
		return
	}

	session, err := h.sessions.UpdateStatus(c.Request.Context(), c.Param("id"), generation.SessionStatus(req.Status))
	if err != nil {
		responses.HandleError(c, err, "failed to update session")
		return
	}

	// Abandoning drops retry schedules and correlation tracking; backend
	// work is never cancelled.
	if session.Status == generation.SessionStatusAbandoned {
		if err := h.steps.ReleaseSession(c.Request.Context(), session); err != nil {
			h.log.Error().Err(err).Str("session", session.PublicID).Msg("failed to release session batches")
		}
	}
	c.JSON(http.StatusOK, session)
}

// Delete godoc
// @Summary      Delete a session
// @Description  Refused while any step is still pending or processing.
// @Tags         sessions
// @Produce      json
// @Param        id   path  string  true  "Session id"
// @Success      204
// @Failure      409  {object}  responses.ErrorResponse
// @Router       /api/v1/generation/sessions/{id} [delete]
func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		responses.HandleError(c, err, "failed to delete session")
		return
	}
	c.Status(http.StatusNoContent)
}
