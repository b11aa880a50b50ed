package database

import (
	"context"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"aperture-server/services/gallery-api/internal/infrastructure/database/entities"
)

// AutoMigrate creates the gallery_api schema and applies entity migrations.
func AutoMigrate(ctx context.Context, db *gorm.DB, log zerolog.Logger) error {
	if err := db.WithContext(ctx).Exec("CREATE SCHEMA IF NOT EXISTS gallery_api;").Error; err != nil {
		return err
	}
	if err := db.WithContext(ctx).AutoMigrate(
		&entities.GenerationSession{},
		&entities.GenerationStep{},
		&entities.GeneratedImage{},
	); err != nil {
		return err
	}
	log.Info().Msg("applied generation schema migrations")
	return nil
}
