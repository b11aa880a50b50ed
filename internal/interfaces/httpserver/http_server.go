package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gorm.io/gorm"

	galleryapidocs "aperture-server/services/gallery-api/docs/swagger"
	"aperture-server/services/gallery-api/internal/config"
	"aperture-server/services/gallery-api/internal/domain/modelcache"
	"aperture-server/services/gallery-api/internal/infrastructure/auth"
	"aperture-server/services/gallery-api/internal/infrastructure/storage"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver/handlers"
	"aperture-server/services/gallery-api/internal/interfaces/httpserver/middlewares"
	v1 "aperture-server/services/gallery-api/internal/interfaces/httpserver/routes/v1"
)

// HttpServer wraps the gin engine with graceful shutdown helpers.
type HttpServer struct {
	cfg    *config.Config
	engine *gin.Engine
	log    zerolog.Logger
}

// New constructs the HTTP server with default middleware and routes.
func New(
	cfg *config.Config,
	log zerolog.Logger,
	provider *handlers.Provider,
	db *gorm.DB,
	models *modelcache.Service,
	store storage.Backend,
	validator *auth.TokenValidator,
) *HttpServer {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	galleryapidocs.SwaggerInfo.BasePath = "/"

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middlewares.RequestID(),
		middlewares.LoggingMiddleware(log),
		middlewares.MetricsMiddleware(),
		middlewares.CORSMiddleware(),
	)

	routes := v1.NewRoutes(provider)
	registerCoreRoutes(engine, cfg, log, routes, db, models, store, validator)

	return &HttpServer{
		cfg:    cfg,
		engine: engine,
		log:    log,
	}
}

// Run starts the HTTP listener and handles graceful shutdown via context cancellation.
func (s *HttpServer) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr()).Msg("gallery-api HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Info().Msg("context cancelled, shutting down HTTP server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func registerCoreRoutes(
	engine *gin.Engine,
	cfg *config.Config,
	log zerolog.Logger,
	routes *v1.Routes,
	db *gorm.DB,
	models *modelcache.Service,
	store storage.Backend,
	validator *auth.TokenValidator,
) {
	engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": cfg.ServiceName, "status": "ok"})
	})
	engine.GET("/healthz", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			log.Error().Err(err).Msg("health check database ping failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	engine.GET("/readyz", func(c *gin.Context) {
		if !models.Primed() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "initializing", "models": "not primed"})
			return
		}
		if err := store.Health(c.Request.Context()); err != nil {
			log.Error().Err(err).Msg("readiness check storage probe failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "storage": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if cfg.EnableSwagger {
		engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := engine.Group("/api")
	if validator != nil {
		api.Use(middlewares.AuthMiddleware(validator))
	}
	routes.Register(api)
}
