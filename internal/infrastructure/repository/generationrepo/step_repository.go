package generationrepo

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/domain/query"
	"aperture-server/services/gallery-api/internal/infrastructure/database/entities"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

// StepRepository handles generation step persistence. The session public id
// is denormalized into the domain struct on read so handlers never join.
type StepRepository struct {
	db *gorm.DB
}

func NewStepRepository(db *gorm.DB) *StepRepository {
	return &StepRepository{db: db}
}

var _ generation.StepRepository = (*StepRepository)(nil)

func (r *StepRepository) Create(ctx context.Context, step *generation.Step) error {
	entity, err := stepToEntity(step)
	if err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to encode step parameters",
			err,
			"c81f5d32-604a-49be-b7d5-2a93e0f61c87",
		)
	}
	if err := r.db.WithContext(ctx).Create(entity).Error; err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to create generation step",
			err,
			"d92a4e07-3b61-4f58-8c20-f15b7d6a94e3",
		)
	}
	step.ID = entity.ID
	step.CreatedAt = entity.CreatedAt
	step.UpdatedAt = entity.UpdatedAt
	return nil
}

func (r *StepRepository) FindByID(ctx context.Context, id uint) (*generation.Step, error) {
	return r.findOne(ctx, "generation_steps.id = ?", id)
}

func (r *StepRepository) FindByPublicID(ctx context.Context, publicID string) (*generation.Step, error) {
	return r.findOne(ctx, "generation_steps.public_id = ?", publicID)
}

func (r *StepRepository) FindByBatchID(ctx context.Context, batchID string) (*generation.Step, error) {
	return r.findOne(ctx, "generation_steps.batch_id = ?", batchID)
}

func (r *StepRepository) findOne(ctx context.Context, cond string, arg any) (*generation.Step, error) {
	var entity entities.GenerationStep
	err := r.db.WithContext(ctx).Preload("Session").Preload("Parent").Where(cond, arg).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, platformerrors.NewError(
				ctx,
				platformerrors.LayerRepository,
				platformerrors.ErrorTypeNotFound,
				"generation step not found",
				err,
				"75b0c2e8-4d19-4a63-9f87-e036a1d5c2b9",
			)
		}
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to load generation step",
			err,
			"01d7e943-a26f-4b85-bc30-58f2c6a9d174",
		)
	}
	return stepFromEntity(&entity)
}

func (r *StepRepository) FindByFilter(ctx context.Context, filter generation.StepFilter, pagination *query.Pagination) ([]*generation.Step, error) {
	q := r.applyFilter(r.db.WithContext(ctx).Preload("Session").Preload("Parent"), filter)
	q = applyPagination(q, pagination, "position ASC")

	var rows []entities.GenerationStep
	if err := q.Find(&rows).Error; err != nil {
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to list generation steps",
			err,
			"e63b09d1-57f8-4c26-a840-b91d3e7f5026",
		)
	}
	steps := make([]*generation.Step, 0, len(rows))
	for i := range rows {
		step, err := stepFromEntity(&rows[i])
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func (r *StepRepository) Count(ctx context.Context, filter generation.StepFilter) (int64, error) {
	var total int64
	q := r.applyFilter(r.db.WithContext(ctx).Model(&entities.GenerationStep{}), filter)
	if err := q.Count(&total).Error; err != nil {
		return 0, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to count generation steps",
			err,
			"9f24c6a8-0b17-4d35-8e92-c75a1f04d6b3",
		)
	}
	return total, nil
}

// NextPosition returns max(position)+1 within the session, starting at 1.
func (r *StepRepository) NextPosition(ctx context.Context, sessionID uint) (int, error) {
	var max *int
	err := r.db.WithContext(ctx).
		Model(&entities.GenerationStep{}).
		Where("session_id = ?", sessionID).
		Select("MAX(position)").
		Scan(&max).Error
	if err != nil {
		return 0, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to sequence generation step",
			err,
			"27a9d0e5-8f43-4b61-92c7-d104e6b3f852",
		)
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}

func (r *StepRepository) Update(ctx context.Context, step *generation.Step) error {
	entity, err := stepToEntity(step)
	if err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to encode step parameters",
			err,
			"4e06b8d2-1c75-4a39-bf48-025d9e7c61a3",
		)
	}
	if err := r.db.WithContext(ctx).Save(entity).Error; err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to update generation step",
			err,
			"b30c7f19-6e84-4d52-a016-9c2e5d8f03a7",
		)
	}
	return nil
}

func (r *StepRepository) CountActiveBySession(ctx context.Context, sessionID uint) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&entities.GenerationStep{}).
		Where("session_id = ? AND status IN ?", sessionID, []string{
			string(generation.StepStatusPending),
			string(generation.StepStatusProcessing),
		}).
		Count(&total).Error
	if err != nil {
		return 0, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to count active steps",
			err,
			"5a1e9c47-d208-4f36-b8a5-7e60c3d19f24",
		)
	}
	return total, nil
}

func (r *StepRepository) applyFilter(q *gorm.DB, filter generation.StepFilter) *gorm.DB {
	if filter.ID != nil {
		q = q.Where("generation_steps.id = ?", *filter.ID)
	}
	if filter.PublicID != nil {
		q = q.Where("generation_steps.public_id = ?", *filter.PublicID)
	}
	if filter.SessionID != nil {
		q = q.Where("generation_steps.session_id = ?", *filter.SessionID)
	}
	if filter.BatchID != nil {
		q = q.Where("generation_steps.batch_id = ?", *filter.BatchID)
	}
	if filter.Status != nil {
		q = q.Where("generation_steps.status = ?", string(*filter.Status))
	}
	return q
}

func stepToEntity(step *generation.Step) (*entities.GenerationStep, error) {
	params, err := json.Marshal(step.Params)
	if err != nil {
		return nil, err
	}
	return &entities.GenerationStep{
		ID:              step.ID,
		PublicID:        step.PublicID,
		SessionID:       step.SessionID,
		ParentID:        step.ParentID,
		Prompt:          step.Prompt,
		NegativePrompt:  step.NegativePrompt,
		Params:          datatypes.JSON(params),
		BatchID:         step.BatchID,
		CorrelationID:   step.CorrelationID,
		JobRef:          step.JobRef,
		Status:          string(step.Status),
		Position:        step.Position,
		SelectedImageID: step.SelectedImageID,
		DispatchedAt:    step.DispatchedAt,
		FailureCode:     step.FailureCode,
		FailureMessage:  step.FailureMessage,
		CreatedAt:       step.CreatedAt,
		UpdatedAt:       step.UpdatedAt,
	}, nil
}

func stepFromEntity(entity *entities.GenerationStep) (*generation.Step, error) {
	var params generation.ResolvedParams
	if len(entity.Params) > 0 {
		if err := json.Unmarshal(entity.Params, &params); err != nil {
			return nil, err
		}
	}
	step := &generation.Step{
		ID:              entity.ID,
		PublicID:        entity.PublicID,
		SessionID:       entity.SessionID,
		ParentID:        entity.ParentID,
		Prompt:          entity.Prompt,
		NegativePrompt:  entity.NegativePrompt,
		Params:          params,
		BatchID:         entity.BatchID,
		CorrelationID:   entity.CorrelationID,
		JobRef:          entity.JobRef,
		Status:          generation.StepStatus(entity.Status),
		Position:        entity.Position,
		SelectedImageID: entity.SelectedImageID,
		DispatchedAt:    entity.DispatchedAt,
		FailureCode:     entity.FailureCode,
		FailureMessage:  entity.FailureMessage,
		CreatedAt:       entity.CreatedAt,
		UpdatedAt:       entity.UpdatedAt,
	}
	if entity.Session != nil {
		step.SessionPublicID = entity.Session.PublicID
	}
	if entity.Parent != nil {
		parentPublicID := entity.Parent.PublicID
		step.ParentPublicID = &parentPublicID
	}
	return step, nil
}
