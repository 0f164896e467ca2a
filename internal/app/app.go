package app

import (
	"fmt"
	"net/http"
	"time"

	inbound "github.com/beverly/tryon-server/internal/adapter/inbound/gin"
	"github.com/beverly/tryon-server/internal/infra/httpclient"
	"github.com/beverly/tryon-server/internal/module/audit"
	"github.com/beverly/tryon-server/internal/module/generation"
	"github.com/beverly/tryon-server/internal/module/generation/provider"
	"github.com/beverly/tryon-server/internal/module/quota"
	"github.com/beverly/tryon-server/internal/shared/cache"
	"github.com/beverly/tryon-server/internal/shared/config"
	"github.com/beverly/tryon-server/internal/shared/database"
	"github.com/beverly/tryon-server/internal/shared/logger"
	"github.com/beverly/tryon-server/internal/utils/metrics"
	"github.com/beverly/tryon-server/internal/utils/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App wires the quota, generation and audit modules together.
type App struct {
	config *config.Config
	logger *zap.Logger
	router *gin.Engine

	redis redis.UniversalClient
	db    *gorm.DB

	quotaManager *quota.Manager
	genService   *generation.Service
	notifier     *audit.Notifier
	metrics      *metrics.Metrics
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	app := &App{
		config:  cfg,
		logger:  log,
		metrics: metrics.New("tryon"),
	}

	// Shared counter store. Any failure here falls back permanently to
	// in-process counters for the lifetime of the process.
	if cfg.Redis.Address != "" {
		redisClient, err := cache.NewRedisClient(&cfg.Redis)
		if err != nil {
			log.Warn("redis connection failed, quota will not be shared across instances",
				zap.String("address", cfg.Redis.Address),
				zap.Error(err),
			)
		} else {
			app.redis = redisClient
		}
	}

	window := quota.NewWindow(cfg.Quota.TimeZone, log)
	store := quota.NewCounterStore(app.redis, window, log)
	app.quotaManager = quota.NewManager(store, window, cfg.Quota.DailyLimit, log)

	// Optional audit persistence.
	var auditRepo audit.Repository
	if cfg.Database.Host != "" {
		db, err := database.New(&cfg.Database)
		if err != nil {
			log.Warn("audit database connection failed, recording to log only", zap.Error(err))
		} else {
			app.db = db
			auditRepo, err = audit.NewRepository(db)
			if err != nil {
				return nil, fmt.Errorf("init audit repository: %w", err)
			}
		}
	}

	var notifier generation.Notifier
	if cfg.Audit.Enabled {
		app.notifier = audit.NewNotifier(auditRepo, log, cfg.Audit.BufferSize)
		notifier = app.notifier
	}

	// Generation provider behind a circuit breaker.
	httpClient := httpclient.New(cfg.HTTPClient)
	adapter := provider.NewGeminiAdapter(httpClient, provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.Provider.Model,
	})
	generator := provider.NewBreaker(adapter, &provider.BreakerConfig{
		FailureThreshold: cfg.Provider.FailureThreshold,
		Timeout:          cfg.Provider.BreakerTimeout,
	}, log)

	app.genService = generation.NewService(&generation.ServiceConfig{
		Locks:     generation.NewLockRegistry(),
		Quota:     app.quotaManager,
		Generator: generator,
		Notifier:  notifier,
		Metrics:   app.metrics,
		Logger:    log,
	})

	app.router = app.setupRouter()

	return app, nil
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Stop flushes and closes application components.
func (a *App) Stop() {
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.redis != nil {
		if err := cache.Close(a.redis); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			a.logger.Warn("close database", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// setupRouter creates and configures the Gin router.
func (a *App) setupRouter() *gin.Engine {
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.logger))
	r.Use(a.observeRequests())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler := inbound.NewGenerationHandler(a.genService, a.quotaManager)
	handler.RegisterRoutes(r.Group("/v1"))

	return r
}

// observeRequests records HTTP metrics per request.
func (a *App) observeRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		a.metrics.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, fmt.Sprintf("%d", c.Writer.Status()),
		).Inc()
		a.metrics.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}
