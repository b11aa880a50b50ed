package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"aperture-server/services/gallery-api/internal/config"
	"aperture-server/services/gallery-api/internal/domain/generation"
)

// HealthChecker is implemented by both storage backends.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Backend combines the domain storage contract with health checking.
type Backend interface {
	generation.Storage
	HealthChecker
}

// NewStorage selects the configured backend.
func NewStorage(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Backend, error) {
	if cfg.IsLocalStorage() {
		return NewLocalStorage(cfg, log)
	}
	if cfg.StorageBackend == "s3" {
		return NewS3Storage(ctx, cfg, log)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}
