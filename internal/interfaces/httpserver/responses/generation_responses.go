package responses

import (
	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/domain/modelcache"
)

// ListResponse is the shared pagination envelope.
type ListResponse[T any] struct {
	Items  []T   `json:"items"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// StepResponse pairs a step with its live retrieval aggregate.
type StepResponse struct {
	*generation.Step
	Retrieval *generation.RetrievalStatus `json:"retrieval,omitempty"`
}

// BuildStepResponse creates a step response, optionally with the aggregate.
func BuildStepResponse(step *generation.Step, status *generation.RetrievalStatus) StepResponse {
	return StepResponse{Step: step, Retrieval: status}
}

// StepStatusResponse is the dedicated status endpoint payload.
type StepStatusResponse struct {
	ID        string                     `json:"id"`
	Status    generation.StepStatus      `json:"status"`
	Retrieval generation.RetrievalStatus `json:"retrieval"`
}

// AlternativesResponse lists every image attributed to a step's batch.
type AlternativesResponse struct {
	StepID          string                       `json:"step_id"`
	SelectedImageID *string                      `json:"selected_image_id,omitempty"`
	Images          []*generation.GeneratedImage `json:"images"`
}

// RetryResponse reports how many retrievals were rescheduled.
type RetryResponse struct {
	Scheduled int `json:"scheduled"`
}

// ModelListResponse is the model cache listing payload.
type ModelListResponse struct {
	Models      []modelcache.Model `json:"models"`
	RefreshedAt string             `json:"refreshed_at"`
}
