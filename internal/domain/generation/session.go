package generation

import (
	"context"
	"time"

	"aperture-server/services/gallery-api/internal/domain/query"
)

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// IsTerminal reports whether the session can no longer be mutated.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAbandoned
}

type EntryType string

const (
	EntryTypeScratch    EntryType = "scratch"
	EntryTypeRefinement EntryType = "refinement"
)

// Session is a bounded sequence of generation steps, started from scratch or
// by refining an existing image.
type Session struct {
	ID            uint          `json:"-"`
	PublicID      string        `json:"id"`
	EntryType     EntryType     `json:"entry_type"`
	SourceImageID *string       `json:"source_image_id,omitempty"`
	Status        SessionStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type SessionFilter struct {
	ID       *uint
	PublicID *string
	Status   *SessionStatus
}

type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	FindByID(ctx context.Context, id uint) (*Session, error)
	FindByPublicID(ctx context.Context, publicID string) (*Session, error)
	FindByFilter(ctx context.Context, filter SessionFilter, pagination *query.Pagination) ([]*Session, error)
	Count(ctx context.Context, filter SessionFilter) (int64, error)
	Update(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id uint) error
}
