package generation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"aperture-server/services/gallery-api/internal/domain/query"
	"aperture-server/services/gallery-api/internal/utils/idgen"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

// SessionService owns the session lifecycle. Sessions are mutated only here;
// once completed or abandoned they are immutable.
type SessionService struct {
	sessions SessionRepository
	steps    StepRepository
	log      zerolog.Logger
}

func NewSessionService(sessions SessionRepository, steps StepRepository, log zerolog.Logger) *SessionService {
	return &SessionService{
		sessions: sessions,
		steps:    steps,
		log:      log.With().Str("component", "session-service").Logger(),
	}
}

type CreateSessionInput struct {
	EntryType     EntryType
	SourceImageID *string
}

func (s *SessionService) Create(ctx context.Context, input CreateSessionInput) (*Session, error) {
	switch input.EntryType {
	case EntryTypeScratch, EntryTypeRefinement:
	default:
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeValidation, "entry_type must be scratch or refinement", nil, "f2c61a84-9f3b-4de2-8f51-7a0c3b92d614")
	}
	if input.EntryType == EntryTypeRefinement && (input.SourceImageID == nil || *input.SourceImageID == "") {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeValidation, "refinement sessions require a source image", nil, "5d94e7b2-3a01-42c6-9e8f-b17d4c25af38")
	}

	publicID, err := idgen.GenerateSecureID("sess", 20)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to generate session id")
	}

	session := &Session{
		PublicID:      publicID,
		EntryType:     input.EntryType,
		SourceImageID: input.SourceImageID,
		Status:        SessionStatusActive,
		StartedAt:     time.Now().UTC(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to create session")
	}
	return session, nil
}

func (s *SessionService) Get(ctx context.Context, publicID string) (*Session, error) {
	session, err := s.sessions.FindByPublicID(ctx, publicID)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "session not found")
	}
	return session, nil
}

func (s *SessionService) List(ctx context.Context, filter SessionFilter, pagination *query.Pagination) ([]*Session, int64, error) {
	sessions, err := s.sessions.FindByFilter(ctx, filter, pagination)
	if err != nil {
		return nil, 0, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to list sessions")
	}
	total, err := s.sessions.Count(ctx, filter)
	if err != nil {
		return nil, 0, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to count sessions")
	}
	return sessions, total, nil
}

// UpdateStatus transitions a session to completed or abandoned. Terminal
// sessions reject any further transition with invalid_transition.
func (s *SessionService) UpdateStatus(ctx context.Context, publicID string, status SessionStatus) (*Session, error) {
	if status != SessionStatusCompleted && status != SessionStatusAbandoned {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeValidation, "status must be completed or abandoned", nil, "8a3f5c17-6d2e-4b90-a4c8-e95d01b762f3")
	}

	session, err := s.Get(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeInvalidTransition, "session is already "+string(session.Status), nil, "c49b2e60-1f7a-4358-bd26-07a8e3f1d592")
	}

	now := time.Now().UTC()
	session.Status = status
	session.CompletedAt = &now
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to update session status")
	}
	return session, nil
}

// Delete removes a session. It is refused while any of its steps is still
// pending or processing. Already-retrieved images persist independently;
// deleting a session never cascades into the gallery.
func (s *SessionService) Delete(ctx context.Context, publicID string) error {
	session, err := s.Get(ctx, publicID)
	if err != nil {
		return err
	}

	active, err := s.steps.CountActiveBySession(ctx, session.ID)
	if err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to count active steps")
	}
	if active > 0 {
		return platformerrors.NewErrorWithContext(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeConflict, "session has steps still pending or processing", nil, "b71d0e93-4c85-4f26-9ab7-d30e6f12c845", map[string]any{
			"active_steps": active,
		})
	}

	if err := s.sessions.Delete(ctx, session.ID); err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to delete session")
	}
	s.log.Info().Str("session", publicID).Msg("session deleted")
	return nil
}
