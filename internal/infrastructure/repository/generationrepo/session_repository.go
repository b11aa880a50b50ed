package generationrepo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/domain/query"
	"aperture-server/services/gallery-api/internal/infrastructure/database/entities"
	"aperture-server/services/gallery-api/internal/utils/functional"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

// SessionRepository handles generation session persistence.
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

var _ generation.SessionRepository = (*SessionRepository)(nil)

func (r *SessionRepository) Create(ctx context.Context, session *generation.Session) error {
	entity := sessionToEntity(session)
	if err := r.db.WithContext(ctx).Create(entity).Error; err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to create generation session",
			err,
			"3f7a2c91-8e54-4b06-a1d3-65c80f9de4b2",
		)
	}
	session.ID = entity.ID
	session.CreatedAt = entity.CreatedAt
	session.UpdatedAt = entity.UpdatedAt
	return nil
}

func (r *SessionRepository) FindByID(ctx context.Context, id uint) (*generation.Session, error) {
	var entity entities.GenerationSession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&entity).Error; err != nil {
		return nil, r.wrapLookupError(ctx, err)
	}
	return sessionFromEntity(&entity), nil
}

func (r *SessionRepository) FindByPublicID(ctx context.Context, publicID string) (*generation.Session, error) {
	var entity entities.GenerationSession
	if err := r.db.WithContext(ctx).Where("public_id = ?", publicID).First(&entity).Error; err != nil {
		return nil, r.wrapLookupError(ctx, err)
	}
	return sessionFromEntity(&entity), nil
}

func (r *SessionRepository) FindByFilter(ctx context.Context, filter generation.SessionFilter, pagination *query.Pagination) ([]*generation.Session, error) {
	q := r.applyFilter(r.db.WithContext(ctx), filter)
	q = applyPagination(q, pagination, "started_at DESC")

	var rows []entities.GenerationSession
	if err := q.Find(&rows).Error; err != nil {
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to list generation sessions",
			err,
			"b04e8d25-17f3-4c69-95a2-d8016e3c7fb4",
		)
	}
	return functional.Map(rows, func(row entities.GenerationSession) *generation.Session {
		return sessionFromEntity(&row)
	}), nil
}

func (r *SessionRepository) Count(ctx context.Context, filter generation.SessionFilter) (int64, error) {
	var total int64
	q := r.applyFilter(r.db.WithContext(ctx).Model(&entities.GenerationSession{}), filter)
	if err := q.Count(&total).Error; err != nil {
		return 0, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to count generation sessions",
			err,
			"29c6f1d8-b450-4e73-8a91-f3db07e24c65",
		)
	}
	return total, nil
}

func (r *SessionRepository) Update(ctx context.Context, session *generation.Session) error {
	entity := sessionToEntity(session)
	if err := r.db.WithContext(ctx).Save(entity).Error; err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to update generation session",
			err,
			"6d21a9f4-e783-4b50-bc16-048e9d5a72c3",
		)
	}
	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, id uint) error {
	if err := r.db.WithContext(ctx).Delete(&entities.GenerationSession{}, id).Error; err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to delete generation session",
			err,
			"f58b3a06-92d7-4c14-8e60-a71f5c2d09b8",
		)
	}
	return nil
}

func (r *SessionRepository) applyFilter(q *gorm.DB, filter generation.SessionFilter) *gorm.DB {
	if filter.ID != nil {
		q = q.Where("id = ?", *filter.ID)
	}
	if filter.PublicID != nil {
		q = q.Where("public_id = ?", *filter.PublicID)
	}
	if filter.Status != nil {
		q = q.Where("status = ?", string(*filter.Status))
	}
	return q
}

func (r *SessionRepository) wrapLookupError(ctx context.Context, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeNotFound,
			"generation session not found",
			err,
			"48e1c7b9-3da5-4f62-90b8-16c2f0d85a47",
		)
	}
	return platformerrors.NewError(
		ctx,
		platformerrors.LayerRepository,
		platformerrors.ErrorTypeDatabaseError,
		"failed to load generation session",
		err,
		"8a05d3f2-61c9-4eb7-a428-79f0b1e6d534",
	)
}

func sessionToEntity(session *generation.Session) *entities.GenerationSession {
	return &entities.GenerationSession{
		ID:            session.ID,
		PublicID:      session.PublicID,
		EntryType:     string(session.EntryType),
		SourceImageID: session.SourceImageID,
		Status:        string(session.Status),
		StartedAt:     session.StartedAt,
		CompletedAt:   session.CompletedAt,
		CreatedAt:     session.CreatedAt,
		UpdatedAt:     session.UpdatedAt,
	}
}

func sessionFromEntity(entity *entities.GenerationSession) *generation.Session {
	return &generation.Session{
		ID:            entity.ID,
		PublicID:      entity.PublicID,
		EntryType:     generation.EntryType(entity.EntryType),
		SourceImageID: entity.SourceImageID,
		Status:        generation.SessionStatus(entity.Status),
		StartedAt:     entity.StartedAt,
		CompletedAt:   entity.CompletedAt,
		CreatedAt:     entity.CreatedAt,
		UpdatedAt:     entity.UpdatedAt,
	}
}

// applyPagination applies limit/offset with a default ordering shared by the
// generation repositories.
func applyPagination(q *gorm.DB, pagination *query.Pagination, defaultOrder string) *gorm.DB {
	order := defaultOrder
	if pagination != nil {
		if pagination.Order != "" {
			order = pagination.Order
		}
		q = q.Limit(pagination.LimitOrDefault(50, 100)).Offset(pagination.OffsetOrZero())
	}
	return q.Order(order)
}
