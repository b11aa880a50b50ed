package crontab

import (
	"context"
	"fmt"
	"time"

	"github.com/mileusna/crontab"

	"aperture-server/services/gallery-api/internal/config"
	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/domain/modelcache"
	"aperture-server/services/gallery-api/internal/infrastructure/logger"
	"aperture-server/services/gallery-api/internal/infrastructure/metrics"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

const (
	// Timeout for each cron job execution
	CronJobTimeout = 10 * time.Minute
)

// Crontab owns the periodic jobs: model cache refresh and orphan cleanup.
type Crontab struct {
	ctab   *crontab.Crontab
	cfg    *config.Config
	models *modelcache.Service
	images generation.ImageRepository
}

func NewCrontab(cfg *config.Config, models *modelcache.Service, images generation.ImageRepository) *Crontab {
	return &Crontab{
		ctab:   crontab.New(),
		cfg:    cfg,
		models: models,
		images: images,
	}
}

func (c *Crontab) Run(ctx context.Context) error {
	log := logger.GetLogger()

	// Prime the model cache once on startup so the first step creation does
	// not race the first scheduled refresh.
	c.refreshModels(ctx)

	if c.cfg.ModelRefreshEnabled {
		minutes := int(c.cfg.ModelRefreshInterval.Minutes())
		if minutes < 1 {
			minutes = 1
		}
		cronExpr := fmt.Sprintf("*/%d * * * *", minutes)
		if err := c.ctab.AddJob(cronExpr, func() {
			jobCtx, cancel := context.WithTimeout(context.Background(), CronJobTimeout)
			defer cancel()
			c.refreshModels(jobCtx)
		}); err != nil {
			return platformerrors.AsError(ctx, platformerrors.LayerInfrastructure, err, "failed to add model refresh job")
		}
		log.Info().Msgf("Model cache refresh scheduled: every %d minute(s)", minutes)
	}

	if c.cfg.OrphanCleanupEnabled {
		minutes := c.cfg.OrphanCleanupInterval
		if minutes < 1 {
			minutes = 60
		}
		cronExpr := fmt.Sprintf("*/%d * * * *", minutes)
		if err := c.ctab.AddJob(cronExpr, func() {
			jobCtx, cancel := context.WithTimeout(context.Background(), CronJobTimeout)
			defer cancel()
			c.cleanupOrphans(jobCtx)
		}); err != nil {
			return platformerrors.AsError(ctx, platformerrors.LayerInfrastructure, err, "failed to add orphan cleanup job")
		}
		log.Info().Msgf("Orphan cleanup scheduled: every %d minute(s)", minutes)
	}

	<-ctx.Done()
	c.ctab.Shutdown()
	return nil
}

func (c *Crontab) refreshModels(ctx context.Context) {
	log := logger.GetLogger()
	count, refreshedAt, err := c.models.Refresh(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to refresh model cache")
		return
	}
	metrics.CachedModels.Set(float64(count))
	log.Info().
		Int("models", count).
		Time("refreshed_at", refreshedAt).
		Msg("model cache refreshed")
}

func (c *Crontab) cleanupOrphans(ctx context.Context) {
	log := logger.GetLogger()
	cutoff := time.Now().UTC().Add(-c.cfg.OrphanRetention)
	deleted, err := c.images.DeleteOrphansBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to clean up orphaned images")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("orphaned images cleaned up")
	}
}
