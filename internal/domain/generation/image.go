package generation

import (
	"context"
	"time"

	decimal "github.com/shopspring/decimal"

	"aperture-server/services/gallery-api/internal/domain/query"
)

type RetrievalState string

const (
	RetrievalStatePending   RetrievalState = "pending"
	RetrievalStateCompleted RetrievalState = "completed"
	RetrievalStateFailed    RetrievalState = "failed"
)

// GenerationMetadata is copied onto the image at creation time and immutable
// afterward, so the gallery keeps an audit trail even if the step or session
// is later deleted.
type GenerationMetadata struct {
	Prompt         string          `json:"prompt"`
	NegativePrompt string          `json:"negative_prompt,omitempty"`
	ModelKey       string          `json:"model_key"`
	ModelHash      string          `json:"model_hash"`
	Scheduler      string          `json:"scheduler"`
	Steps          int             `json:"steps"`
	GuidanceScale  decimal.Decimal `json:"guidance_scale"`
	Seed           *int64          `json:"seed,omitempty"`
}

// GeneratedImage is the gallery photo specialization produced by a step.
// BatchID nil means the image is an orphan: produced by the backend but not
// attributable to any open batch. Orphans are stored, never discarded.
type GeneratedImage struct {
	ID             uint               `json:"-"`
	PublicID       string             `json:"id"`
	InvokeID       string             `json:"invoke_id"`
	BatchID        *string            `json:"batch_id,omitempty"`
	StepID         *uint              `json:"-"`
	CorrelationID  *string            `json:"correlation_id,omitempty"`
	Width          int                `json:"width"`
	Height         int                `json:"height"`
	Retrieval      RetrievalState     `json:"retrieval_status"`
	AttemptCount   int                `json:"retrieval_attempt_count"`
	NextAttemptAt  *time.Time         `json:"next_attempt_at,omitempty"`
	LastError      *string            `json:"last_error,omitempty"`
	LowConfidence  bool               `json:"low_confidence_correlation,omitempty"`
	StorageKey     string             `json:"-"`
	MimeType       string             `json:"mime,omitempty"`
	Bytes          int64              `json:"bytes,omitempty"`
	Metadata       GenerationMetadata `json:"metadata"`
	GeneratedAt    time.Time          `json:"generated_at"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// RetrievalStatus is the live aggregate over one step's batch. Slots for
// images the backend has not reported yet count as pending. Invariants:
// Completed+Pending+Failed == Total and Retrying ⊆ Pending.
type RetrievalStatus struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
}

// Resolved reports whether every slot reached a terminal retrieval state.
func (s RetrievalStatus) Resolved() bool {
	return s.Completed+s.Failed == s.Total
}

type ImageFilter struct {
	PublicID   *string
	BatchID    *string
	StepID     *uint
	Retrieval  *RetrievalState
	OrphanOnly bool
}

type ImageRepository interface {
	Create(ctx context.Context, image *GeneratedImage) error
	FindByID(ctx context.Context, id uint) (*GeneratedImage, error)
	FindByPublicID(ctx context.Context, publicID string) (*GeneratedImage, error)
	FindByInvokeID(ctx context.Context, invokeID string) (*GeneratedImage, error)
	FindByFilter(ctx context.Context, filter ImageFilter, pagination *query.Pagination) ([]*GeneratedImage, error)
	Count(ctx context.Context, filter ImageFilter) (int64, error)
	ListByBatch(ctx context.Context, batchID string) ([]*GeneratedImage, error)
	Update(ctx context.Context, image *GeneratedImage) error
	// DeleteOrphansBefore removes unretrieved orphan records older than cutoff
	// and returns how many were removed.
	DeleteOrphansBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
