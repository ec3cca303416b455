package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"timesheet-approval-service/internal/cache"
	"timesheet-approval-service/internal/config"
	"timesheet-approval-service/internal/events"
	"timesheet-approval-service/internal/handlers"
	"timesheet-approval-service/internal/jobs"
	"timesheet-approval-service/internal/mailer"
	"timesheet-approval-service/internal/middleware"
	"timesheet-approval-service/internal/notifications"
	"timesheet-approval-service/internal/repository"
	"timesheet-approval-service/internal/services"
	"timesheet-approval-service/internal/tokens"
)

// @title Timesheet Approvals API
// @version 1.0.0
// @description Multi-party timesheet approval with one-click email actions

// @contact.name API Support
// @contact.email support@example.com

// @host localhost:8099
// @BasePath /api/v1

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.InfoLevel)

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using system environment variables")
	}

	// Initialize configuration
	cfg := config.Load()
	logger.SetLevel(cfg.LogrusLevel())
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize database
	db, err := config.InitDB(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database:", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("Failed to get database handle:", err)
	}

	// Run database migrations
	logger.Info("Running database migrations...")
	if err := config.Migrate(db); err != nil {
		logger.Fatal(err)
	}
	logger.Info("Database migrations completed")

	approvalRepo := repository.NewApprovalRepository(db)

	secret, err := cfg.Secret(logger)
	if err != nil {
		logger.Fatal(err)
	}
	tokenService := tokens.NewService(secret, cfg.ActionTokenTTL, cfg.ViewTokenTTL, nil)

	dispatcher, err := notifications.NewDispatcher(tokenService, cfg.AppBaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to load notification templates:", err)
	}
	engine := services.NewEngine(approvalRepo, tokenService, dispatcher, logger)

	// Mail transport and outbox worker
	sender, err := mailer.New(cfg.Mail, logger)
	if err != nil {
		logger.Fatal("Failed to configure mail transport:", err)
	}
	outboxJob := jobs.NewOutboxJob(approvalRepo, sender, cfg.Outbox, logger)
	jobCtx, jobCancel := context.WithCancel(context.Background())
	go outboxJob.Start(jobCtx)
	logger.WithField("transport", cfg.Mail.Transport).Info("Outbox job started")

	opts := services.Options{
		Waker:             outboxJob,
		AllowSelfApproval: cfg.AllowSelfApproval,
		Logger:            logger,
	}

	// Initialize event publisher (optional - service works without NATS)
	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		publisher, err = events.Connect(ctx, cfg.NATSURL, logger)
		cancel()
		if err != nil {
			logger.Warnf("Failed to initialize event publisher: %v. Events will not be published.", err)
		} else {
			opts.Publisher = publisher
			logger.Info("Event publisher initialized")
		}
	} else {
		logger.Info("NATS_URL not configured, event publishing disabled")
	}

	// Inbox cache (optional - counts go to the database without Redis)
	inboxCache := cache.NewInboxCache(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB, cfg.InboxCacheTTL, logger)
	if inboxCache.IsAvailable() {
		opts.Cache = inboxCache
	}

	approvalService := services.NewApprovalService(approvalRepo, engine, dispatcher, opts)

	// Initialize handlers
	deepLinkHandler := handlers.NewDeepLinkHandler(approvalService, logger)
	inboxHandler := handlers.NewInboxHandler(approvalService, logger)
	healthHandler := handlers.NewHealthHandler(engine, approvalRepo, sqlDB)

	// Initialize Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.CORSAllowedOrigin))

	// Health check endpoints (no auth required)
	router.GET("/health", healthHandler.HealthCheck)
	router.GET("/ready", healthHandler.ReadinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The signed token is the credential on the deep link
	public := router.Group("/api/v1")
	deepLinkHandler.RegisterRoutes(public)

	// Queue endpoints need the caller identity set by the ingress
	api := router.Group("/api/v1")
	api.Use(middleware.Identity())
	inboxHandler.RegisterRoutes(api)

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Infof("Timesheet approval service starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	// Stop outbox job
	jobCancel()
	outboxJob.Stop()
	logger.Info("Outbox job stopped")

	publisher.Close()
	_ = inboxCache.Close()
	_ = sqlDB.Close()

	logger.Info("Server shutdown complete")
}
