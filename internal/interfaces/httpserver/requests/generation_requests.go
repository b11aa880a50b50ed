package requests

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/domain/query"
)

// CreateSessionRequest starts a new generation session.
type CreateSessionRequest struct {
	EntryType     string  `json:"entry_type" binding:"required"`
	SourceImageID *string `json:"source_image_id"`
}

// ToDomain converts request to domain input
func (r *CreateSessionRequest) ToDomain() generation.CreateSessionInput {
	return generation.CreateSessionInput{
		EntryType:     generation.EntryType(r.EntryType),
		SourceImageID: r.SourceImageID,
	}
}

// UpdateSessionRequest transitions a session's status.
type UpdateSessionRequest struct {
	Status string `json:"status" binding:"required"`
}

// CreateStepRequest submits a new generation step within a session.
type CreateStepRequest struct {
	ParentID       *string         `json:"parent_id"`
	CorrelationID  string          `json:"correlation_id" binding:"omitempty,max=64"`
	Prompt         string          `json:"prompt" binding:"required"`
	NegativePrompt string          `json:"negative_prompt"`
	ModelKey       string          `json:"model_key" binding:"required"`
	ModelHash      string          `json:"model_hash"`
	VAEKey         string          `json:"vae_key"`
	VAEHash        string          `json:"vae_hash"`
	Width          int             `json:"width" binding:"required"`
	Height         int             `json:"height" binding:"required"`
	Steps          int             `json:"steps" binding:"required"`
	GuidanceScale  decimal.Decimal `json:"guidance_scale"`
	Scheduler      string          `json:"scheduler" binding:"required"`
	BatchSize      int             `json:"batch_size"`
	Seed           *int64          `json:"seed"`
}

// ToDomain converts request to domain input
func (r *CreateStepRequest) ToDomain(sessionID string) generation.CreateStepInput {
	batchSize := r.BatchSize
	if batchSize == 0 {
		batchSize = 1
	}
	return generation.CreateStepInput{
		SessionID:      sessionID,
		ParentID:       r.ParentID,
		CorrelationID:  r.CorrelationID,
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		ModelKey:       r.ModelKey,
		ModelHash:      r.ModelHash,
		VAEKey:         r.VAEKey,
		VAEHash:        r.VAEHash,
		Width:          r.Width,
		Height:         r.Height,
		Steps:          r.Steps,
		GuidanceScale:  r.GuidanceScale,
		Scheduler:      r.Scheduler,
		BatchSize:      batchSize,
		Seed:           r.Seed,
	}
}

// SelectImageRequest marks a retrieved image as the step's pick.
type SelectImageRequest struct {
	ImageID string `json:"image_id" binding:"required"`
}

// UpdateStepRequest is the PATCH body for a step. Selecting an image is
// currently the only mutable field.
type UpdateStepRequest struct {
	SelectedImageID string `json:"selected_image_id" binding:"required"`
}

// RetryImagesRequest retries retrieval for specific images.
type RetryImagesRequest struct {
	ImageIDs []string `json:"image_ids" binding:"required,min=1"`
}

// PaginationFromQuery parses limit/offset query parameters.
func PaginationFromQuery(c *gin.Context) *query.Pagination {
	pagination := &query.Pagination{}
	if raw := c.Query("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			pagination.Limit = &limit
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			pagination.Offset = &offset
		}
	}
	return pagination
}
