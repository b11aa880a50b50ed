package generationrepo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/domain/query"
	"aperture-server/services/gallery-api/internal/infrastructure/database/entities"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

// ImageRepository handles generated image persistence, orphans included.
type ImageRepository struct {
	db *gorm.DB
}

func NewImageRepository(db *gorm.DB) *ImageRepository {
	return &ImageRepository{db: db}
}

var _ generation.ImageRepository = (*ImageRepository)(nil)

func (r *ImageRepository) Create(ctx context.Context, image *generation.GeneratedImage) error {
	entity, err := imageToEntity(image)
	if err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to encode image metadata",
			err,
			"06c4e2a9-7d18-4f53-b620-9a8e1c5d37f4",
		)
	}
	if err := r.db.WithContext(ctx).Create(entity).Error; err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to create generated image",
			err,
			"72f9b1c5-43e0-4d86-a527-1e68d0c9f4a3",
		)
	}
	image.ID = entity.ID
	image.CreatedAt = entity.CreatedAt
	image.UpdatedAt = entity.UpdatedAt
	return nil
}

func (r *ImageRepository) FindByID(ctx context.Context, id uint) (*generation.GeneratedImage, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *ImageRepository) FindByPublicID(ctx context.Context, publicID string) (*generation.GeneratedImage, error) {
	return r.findOne(ctx, "public_id = ?", publicID)
}

func (r *ImageRepository) FindByInvokeID(ctx context.Context, invokeID string) (*generation.GeneratedImage, error) {
	return r.findOne(ctx, "invoke_id = ?", invokeID)
}

func (r *ImageRepository) findOne(ctx context.Context, cond string, arg any) (*generation.GeneratedImage, error) {
	var entity entities.GeneratedImage
	err := r.db.WithContext(ctx).Where(cond, arg).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, platformerrors.NewError(
				ctx,
				platformerrors.LayerRepository,
				platformerrors.ErrorTypeNotFound,
				"generated image not found",
				err,
				"58d03b7e-a941-4c28-bf65-02c7e9d1a836",
			)
		}
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to load generated image",
			err,
			"e417c2d8-65f0-4a93-8b21-d54a0f8e6c79",
		)
	}
	return imageFromEntity(&entity)
}

func (r *ImageRepository) FindByFilter(ctx context.Context, filter generation.ImageFilter, pagination *query.Pagination) ([]*generation.GeneratedImage, error) {
	q := r.applyFilter(r.db.WithContext(ctx), filter)
	q = applyPagination(q, pagination, "generated_at DESC")

	var rows []entities.GeneratedImage
	if err := q.Find(&rows).Error; err != nil {
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to list generated images",
			err,
			"a925e04d-18b7-4f62-93c0-6d5f1b2e847a",
		)
	}
	images := make([]*generation.GeneratedImage, 0, len(rows))
	for i := range rows {
		image, err := imageFromEntity(&rows[i])
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, nil
}

func (r *ImageRepository) Count(ctx context.Context, filter generation.ImageFilter) (int64, error) {
	var total int64
	q := r.applyFilter(r.db.WithContext(ctx).Model(&entities.GeneratedImage{}), filter)
	if err := q.Count(&total).Error; err != nil {
		return 0, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to count generated images",
			err,
			"c13f8a60-27d9-4e45-b086-51e2c7a9d3f0",
		)
	}
	return total, nil
}

func (r *ImageRepository) ListByBatch(ctx context.Context, batchID string) ([]*generation.GeneratedImage, error) {
	return r.FindByFilter(ctx, generation.ImageFilter{BatchID: &batchID}, &query.Pagination{Order: "created_at ASC"})
}

func (r *ImageRepository) Update(ctx context.Context, image *generation.GeneratedImage) error {
	entity, err := imageToEntity(image)
	if err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to encode image metadata",
			err,
			"90b2d7e4-56a1-4c38-8f09-3e7c5a1d62b8",
		)
	}
	if err := r.db.WithContext(ctx).Save(entity).Error; err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to update generated image",
			err,
			"1d68f3a2-09c5-4be7-a143-87d2e6f0c5a9",
		)
	}
	return nil
}

// DeleteOrphansBefore removes orphaned images generated before the cutoff.
// Only rows with no batch attribution are eligible.
func (r *ImageRepository) DeleteOrphansBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("batch_id IS NULL AND generated_at < ?", cutoff).
		Delete(&entities.GeneratedImage{})
	if res.Error != nil {
		return 0, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to delete orphaned images",
			res.Error,
			"3e95c1b7-d480-4f26-ba39-60f7d2c8e415",
		)
	}
	return res.RowsAffected, nil
}

func (r *ImageRepository) applyFilter(q *gorm.DB, filter generation.ImageFilter) *gorm.DB {
	if filter.PublicID != nil {
		q = q.Where("public_id = ?", *filter.PublicID)
	}
	if filter.BatchID != nil {
		q = q.Where("batch_id = ?", *filter.BatchID)
	}
	if filter.StepID != nil {
		q = q.Where("step_id = ?", *filter.StepID)
	}
	if filter.Retrieval != nil {
		q = q.Where("retrieval = ?", string(*filter.Retrieval))
	}
	if filter.OrphanOnly {
		q = q.Where("batch_id IS NULL")
	}
	return q
}

func imageToEntity(image *generation.GeneratedImage) (*entities.GeneratedImage, error) {
	metadata, err := json.Marshal(image.Metadata)
	if err != nil {
		return nil, err
	}
	return &entities.GeneratedImage{
		ID:            image.ID,
		PublicID:      image.PublicID,
		InvokeID:      image.InvokeID,
		BatchID:       image.BatchID,
		StepID:        image.StepID,
		CorrelationID: image.CorrelationID,
		Width:         image.Width,
		Height:        image.Height,
		Retrieval:     string(image.Retrieval),
		AttemptCount:  image.AttemptCount,
		NextAttemptAt: image.NextAttemptAt,
		LastError:     image.LastError,
		LowConfidence: image.LowConfidence,
		StorageKey:    image.StorageKey,
		MimeType:      image.MimeType,
		Bytes:         image.Bytes,
		Metadata:      datatypes.JSON(metadata),
		GeneratedAt:   image.GeneratedAt,
		CreatedAt:     image.CreatedAt,
		UpdatedAt:     image.UpdatedAt,
	}, nil
}

func imageFromEntity(entity *entities.GeneratedImage) (*generation.GeneratedImage, error) {
	var metadata generation.GenerationMetadata
	if len(entity.Metadata) > 0 {
		if err := json.Unmarshal(entity.Metadata, &metadata); err != nil {
			return nil, err
		}
	}
	return &generation.GeneratedImage{
		ID:            entity.ID,
		PublicID:      entity.PublicID,
		InvokeID:      entity.InvokeID,
		BatchID:       entity.BatchID,
		StepID:        entity.StepID,
		CorrelationID: entity.CorrelationID,
		Width:         entity.Width,
		Height:        entity.Height,
		Retrieval:     generation.RetrievalState(entity.Retrieval),
		AttemptCount:  entity.AttemptCount,
		NextAttemptAt: entity.NextAttemptAt,
		LastError:     entity.LastError,
		LowConfidence: entity.LowConfidence,
		StorageKey:    entity.StorageKey,
		MimeType:      entity.MimeType,
		Bytes:         entity.Bytes,
		Metadata:      metadata,
		GeneratedAt:   entity.GeneratedAt,
		CreatedAt:     entity.CreatedAt,
		UpdatedAt:     entity.UpdatedAt,
	}, nil
}
