package handlers

import (
	"github.com/rs/zerolog"

	"aperture-server/services/gallery-api/internal/config"
	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/domain/modelcache"
	"aperture-server/services/gallery-api/internal/infrastructure/storage"
)

// Provider wires HTTP handlers.
type Provider struct {
	Session *SessionHandler
	Step    *StepHandler
	Image   *ImageHandler
	Model   *ModelHandler
}

func NewProvider(
	cfg *config.Config,
	sessions *generation.SessionService,
	steps *generation.StepService,
	retrieval *generation.RetrievalController,
	images generation.ImageRepository,
	models *modelcache.Service,
	store storage.Backend,
	log zerolog.Logger,
) *Provider {
	return &Provider{
		Session: NewSessionHandler(sessions, steps, log),
		Step:    NewStepHandler(steps, retrieval, log),
		Image:   NewImageHandler(cfg, images, retrieval, store, log),
		Model:   NewModelHandler(models, log),
	}
}
