package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/enroll-api/api/swagger"
	"github.com/noah-isme/enroll-api/internal/handler"
	"github.com/noah-isme/enroll-api/internal/middleware"
	"github.com/noah-isme/enroll-api/internal/models"
	"github.com/noah-isme/enroll-api/internal/repository"
	"github.com/noah-isme/enroll-api/internal/service"
	"github.com/noah-isme/enroll-api/pkg/cache"
	"github.com/noah-isme/enroll-api/pkg/config"
	"github.com/noah-isme/enroll-api/pkg/database"
	"github.com/noah-isme/enroll-api/pkg/lock"
	"github.com/noah-isme/enroll-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/enroll-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/enroll-api/pkg/middleware/requestid"
)

// @title Enrollment & Capacity API
// @version 1.0.0
// @description Enrollment and capacity reservation engine for school resources
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// Redis only backs the occupancy snapshot cache; the engine is
		// fully functional without it.
		logr.Sugar().Warnw("redis unavailable, occupancy cache disabled", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Repositories.
	resourceRepo := repository.NewResourceRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Services. The keyed lock is shared between the coordinator and the
	// payment tracker so every mutation of a record holds its resource lock.
	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(cfg.JWT)
	locks := lock.NewKeyed()
	ledger := service.NewCapacityLedger(resourceRepo, metricsSvc, logr)

	// Enqueueing into an unstarted queue is logged and dropped, so the
	// notifier is always wired and only started when enabled.
	notifier := service.NewNotificationService(cfg.Notifications, logr)
	if cfg.Notifications.Enabled {
		notifier.Start(context.Background())
		defer notifier.Stop()
	}

	var resourceSvc *service.ResourceService
	if cfg.Occupancy.CacheEnabled && redisClient != nil {
		resourceSvc = service.NewResourceService(resourceRepo, enrollmentRepo, cacheRepo, cfg.Occupancy.CacheTTL, metricsSvc, nil, logr)
	} else {
		resourceSvc = service.NewResourceService(resourceRepo, enrollmentRepo, nil, cfg.Occupancy.CacheTTL, metricsSvc, nil, logr)
	}
	exportSvc := service.NewExportService(resourceRepo, enrollmentRepo, logr)
	enrollmentSvc := service.NewEnrollmentService(
		enrollmentRepo,
		resourceRepo,
		ledger,
		locks,
		cfg.Enrollment.LockTimeout,
		notifier,
		resourceSvc,
		metricsSvc,
		nil,
		logr,
	)
	paymentSvc := service.NewPaymentService(enrollmentRepo, locks, cfg.Enrollment.LockTimeout, nil, logr)

	// Handlers.
	resourceHandler := handler.NewResourceHandler(resourceSvc, exportSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	paymentHandler := handler.NewPaymentHandler(paymentSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Scrape)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authRequired := middleware.JWT(authSvc)
	adminOnly := middleware.RequireRoles(models.RoleAdmin)
	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher)

	api := r.Group(cfg.APIPrefix)
	api.Use(authRequired)

	resources := api.Group("/resources")
	{
		resources.GET("", resourceHandler.List)
		resources.GET("/:id", resourceHandler.Get)
		resources.GET("/:id/occupancy", resourceHandler.Occupancy)
		resources.GET("/:id/roster/export", staff, resourceHandler.ExportRoster)
		resources.POST("", adminOnly, middleware.Audit(auditRepo, models.AuditActionResourceCreate, "resource"), resourceHandler.Create)
		resources.PUT("/:id", adminOnly, middleware.Audit(auditRepo, models.AuditActionResourceUpdate, "resource"), resourceHandler.Update)
		resources.DELETE("/:id", adminOnly, middleware.Audit(auditRepo, models.AuditActionResourceDelete, "resource"), resourceHandler.Delete)
	}

	enrollments := api.Group("/enrollments")
	{
		enrollments.GET("", staff, enrollmentHandler.List)
		enrollments.GET("/:id", enrollmentHandler.Get)
		enrollments.POST("", staff, middleware.Audit(auditRepo, models.AuditActionEnroll, "enrollment"), enrollmentHandler.Create)
		enrollments.PATCH("/:id/status", staff, middleware.Audit(auditRepo, models.AuditActionEnrollmentStatus, "enrollment"), enrollmentHandler.ChangeStatus)
		enrollments.POST("/:id/payments", adminOnly, middleware.Audit(auditRepo, models.AuditActionPaymentRecord, "enrollment"), paymentHandler.Record)
		enrollments.POST("/:id/payments/waive", adminOnly, middleware.Audit(auditRepo, models.AuditActionPaymentWaive, "enrollment"), paymentHandler.Waive)
		enrollments.POST("/:id/payments/refund", adminOnly, middleware.Audit(auditRepo, models.AuditActionPaymentRefund, "enrollment"), paymentHandler.Refund)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
