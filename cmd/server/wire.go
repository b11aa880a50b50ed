//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"aperture-server/services/gallery-api/internal/config"
	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/domain/modelcache"
	"aperture-server/services/gallery-api/internal/infrastructure/database"
	"aperture-server/services/gallery-api/internal/infrastructure/invokeai"
	"aperture-server/services/gallery-api/internal/infrastructure/logger"
	"aperture-server/services/gallery-api/internal/infrastructure/repository/generationrepo"
	"aperture-server/services/gallery-api/internal/infrastructure/storage"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver/handlers"
)

var generationSet = wire.NewSet(
	generationrepo.NewSessionRepository,
	wire.Bind(new(generation.SessionRepository), new(*generationrepo.SessionRepository)),
	generationrepo.NewStepRepository,
	wire.Bind(new(generation.StepRepository), new(*generationrepo.StepRepository)),
	generationrepo.NewImageRepository,
	wire.Bind(new(generation.ImageRepository), new(*generationrepo.ImageRepository)),
	invokeai.NewClient,
	wire.Bind(new(generation.Backend), new(*invokeai.Client)),
	wire.Bind(new(generation.Connection), new(*invokeai.Client)),
	wire.Bind(new(modelcache.Fetcher), new(*invokeai.Client)),
	invokeai.NewGraphTranslator,
	wire.Bind(new(generation.Translator), new(*invokeai.GraphTranslator)),
	modelcache.NewService,
	generation.NewCorrelator,
	generation.NewRetrievalController,
	generation.NewSessionService,
	generation.NewStepService,
)

// BuildApplication assembles the gallery API with Wire.
func BuildApplication(ctx context.Context) (*Application, error) {
	wire.Build(
		config.Load,
		provideLogger,
		newDatabaseConfig,
		newGormDB,
		storage.NewStorage,
		newCorrelatorConfig,
		newRetryPolicy,
		generationSet,
		handlers.NewProvider,
		httpserver.New,
	)
	return nil, nil
}

func provideLogger(cfg *config.Config) (zerolog.Logger, error) {
	return logger.New(cfg.LogLevel, cfg.LogFormat)
}

func newDatabaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		DatabaseURL: cfg.GetDatabaseWriteDSN(),
		MaxIdle:     cfg.DBMaxIdleConns,
		MaxOpen:     cfg.DBMaxOpenConns,
		MaxLifetime: cfg.DBConnLifetime,
		LogLevel:    gormlogger.Warn,
	}
}

func newGormDB(ctx context.Context, cfg *config.Config, dbCfg database.Config, log zerolog.Logger) (*gorm.DB, error) {
	db, err := database.Connect(dbCfg)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := database.AutoMigrate(ctx, db, log); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func newCorrelatorConfig(cfg *config.Config) generation.CorrelatorConfig {
	return generation.CorrelatorConfig{Window: cfg.CorrelationWindow}
}

func newRetryPolicy(cfg *config.Config) generation.RetryPolicy {
	return generation.RetryPolicy{
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   cfg.RetryMultiplier,
		MaxAttempts:  cfg.RetryMaxAttempts,
		Workers:      cfg.RetrievalWorkers,
	}
}
