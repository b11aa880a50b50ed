package generation

import (
	"context"
	"time"

	decimal "github.com/shopspring/decimal"

	"aperture-server/services/gallery-api/internal/domain/query"
)

type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusProcessing StepStatus = "processing"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// IsTerminal reports whether the step reached a final status. Terminal status
// is monotonic: a completed or failed step never returns to processing.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// ResolvedParams is the parameter snapshot taken when the step is created.
// Model and VAE are pinned by key+hash; a later cache refresh never changes
// what an in-flight step generates with.
type ResolvedParams struct {
	ModelKey      string          `json:"model_key"`
	ModelHash     string          `json:"model_hash"`
	VAEKey        string          `json:"vae_key,omitempty"`
	VAEHash       string          `json:"vae_hash,omitempty"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
	Steps         int             `json:"steps"`
	GuidanceScale decimal.Decimal `json:"guidance_scale"`
	Scheduler     string          `json:"scheduler"`
	BatchSize     int             `json:"batch_size"`
	Seed          *int64          `json:"seed,omitempty"`
}

// Step is one generation request within a session. BatchID is the opaque
// dispatch token binding the step to its expected images; batch_size image
// slots must eventually be filled or marked failed. CorrelationID is the
// optional client-supplied token embedded in the dispatch instead of the
// batch id; JobRef is the backend's own reference for the submitted job.
type Step struct {
	ID              uint           `json:"-"`
	PublicID        string         `json:"id"`
	SessionID       uint           `json:"-"`
	SessionPublicID string         `json:"session_id"`
	ParentID        *uint          `json:"-"`
	ParentPublicID  *string        `json:"parent_id,omitempty"`
	Prompt          string         `json:"prompt"`
	NegativePrompt  string         `json:"negative_prompt,omitempty"`
	Params          ResolvedParams `json:"parameters"`
	BatchID         string         `json:"batch_id"`
	CorrelationID   *string        `json:"correlation_id,omitempty"`
	JobRef          *string        `json:"job_ref,omitempty"`
	Status          StepStatus     `json:"status"`
	Position        int            `json:"position"`
	SelectedImageID *string        `json:"selected_image_id,omitempty"`
	DispatchedAt    *time.Time     `json:"dispatched_at,omitempty"`
	FailureCode     *string        `json:"failure_code,omitempty"`
	FailureMessage  *string        `json:"failure_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type StepFilter struct {
	ID        *uint
	PublicID  *string
	SessionID *uint
	BatchID   *string
	Status    *StepStatus
}

type StepRepository interface {
	Create(ctx context.Context, step *Step) error
	FindByID(ctx context.Context, id uint) (*Step, error)
	FindByPublicID(ctx context.Context, publicID string) (*Step, error)
	FindByBatchID(ctx context.Context, batchID string) (*Step, error)
	FindByFilter(ctx context.Context, filter StepFilter, pagination *query.Pagination) ([]*Step, error)
	Count(ctx context.Context, filter StepFilter) (int64, error)
	// NextPosition returns the next creation-order sequence number within a session.
	NextPosition(ctx context.Context, sessionID uint) (int, error)
	Update(ctx context.Context, step *Step) error
	// CountActiveBySession counts steps still pending or processing.
	CountActiveBySession(ctx context.Context, sessionID uint) (int64, error)
}
