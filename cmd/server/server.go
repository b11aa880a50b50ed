package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	gormlogger "gorm.io/gorm/logger"

	"aperture-server/services/gallery-api/internal/config"
	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/domain/modelcache"
	"aperture-server/services/gallery-api/internal/infrastructure/auth"
	"aperture-server/services/gallery-api/internal/infrastructure/crontab"
	"aperture-server/services/gallery-api/internal/infrastructure/database"
	"aperture-server/services/gallery-api/internal/infrastructure/eventpump"
	"aperture-server/services/gallery-api/internal/infrastructure/invokeai"
	"aperture-server/services/gallery-api/internal/infrastructure/logger"
	"aperture-server/services/gallery-api/internal/infrastructure/metrics"
	"aperture-server/services/gallery-api/internal/infrastructure/observability"
	"aperture-server/services/gallery-api/internal/infrastructure/repository/generationrepo"
	"aperture-server/services/gallery-api/internal/infrastructure/storage"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver/handlers"
)

// @title Gallery API
// @version 1.0
// @description Generation orchestration and gallery retrieval service
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
type Application struct {
	httpServer *httpserver.HttpServer
	pump       *eventpump.Pump
	retrieval  *generation.RetrievalController
	cron       *crontab.Crontab
	cfg        *config.Config
	log        zerolog.Logger
}

func (a *Application) Start(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.httpServer.Run(groupCtx) })
	group.Go(func() error { return metrics.Serve(groupCtx, a.cfg.MetricsAddr(), a.log) })
	group.Go(func() error { return a.retrieval.Run(groupCtx) })
	group.Go(func() error { return a.pump.Run(groupCtx) })
	group.Go(func() error { return a.cron.Run(groupCtx) })
	return group.Wait()
}

func main() {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	app, err := buildApplication(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("assemble application")
	}

	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("application stopped with error")
	}

	log.Info().Msg("application exited cleanly")
}

func buildApplication(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Application, error) {
	db, err := database.Connect(database.Config{
		DatabaseURL: cfg.GetDatabaseWriteDSN(),
		MaxIdle:     cfg.DBMaxIdleConns,
		MaxOpen:     cfg.DBMaxOpenConns,
		MaxLifetime: cfg.DBConnLifetime,
		LogLevel:    gormlogger.Warn,
	})
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := database.AutoMigrate(ctx, db, log); err != nil {
			return nil, err
		}
	}

	store, err := storage.NewStorage(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	sessions := generationrepo.NewSessionRepository(db)
	steps := generationrepo.NewStepRepository(db)
	images := generationrepo.NewImageRepository(db)

	backend := invokeai.NewClient(cfg, log)
	translator := invokeai.NewGraphTranslator()
	models := modelcache.NewService(backend, log)

	correlator := generation.NewCorrelator(generation.CorrelatorConfig{
		Window: cfg.CorrelationWindow,
	}, images, log)
	retrieval := generation.NewRetrievalController(generation.RetryPolicy{
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   cfg.RetryMultiplier,
		MaxAttempts:  cfg.RetryMaxAttempts,
		Workers:      cfg.RetrievalWorkers,
	}, backend, store, images, log)

	sessionService := generation.NewSessionService(sessions, steps, log)
	stepService := generation.NewStepService(sessions, steps, images, models, backend, translator, backend, correlator, retrieval, log)

	pump := eventpump.New(cfg, backend, correlator, retrieval, stepService, log)
	cron := crontab.NewCrontab(cfg, models, images)

	var validator *auth.TokenValidator
	if cfg.AuthEnabled {
		validator, err = auth.NewTokenValidator(ctx, cfg.AuthJWKSURL, cfg.AuthIssuer, log)
		if err != nil {
			return nil, err
		}
	}

	provider := handlers.NewProvider(cfg, sessionService, stepService, retrieval, images, models, store, log)
	httpServer := httpserver.New(cfg, log, provider, db, models, store, validator)

	return &Application{
		httpServer: httpServer,
		pump:       pump,
		retrieval:  retrieval,
		cron:       cron,
		cfg:        cfg,
		log:        log,
	}, nil
}

func loadEnvFiles() {
	paths := []string{".env", "../.env"}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
