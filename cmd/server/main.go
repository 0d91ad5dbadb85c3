package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"applyflow/internal/api/handler"
	"applyflow/internal/api/router"
	"applyflow/internal/audit"
	"applyflow/internal/capability"
	"applyflow/internal/config"
	"applyflow/internal/matching"
	"applyflow/internal/orchestrator"
	"applyflow/internal/scheduler"
	"applyflow/internal/service"
	"applyflow/internal/storage"
	"applyflow/internal/vectorstore"
	"applyflow/shared/logger"
	"applyflow/shared/postgresql"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("SERVER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/server/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateServerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API server",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = storage.EnsureSchema(schemaCtx, dbClient.GetDB())
	schemaCancel()
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	// Stores
	appStore := storage.NewApplicationStore(dbClient.GetDB(), appLogger.Logger)
	eventStore := storage.NewEventStore(dbClient.GetDB(), appLogger.Logger)
	userStore := storage.NewUserStore(dbClient.GetDB(), appLogger.Logger)
	jobStore := storage.NewJobStore(dbClient.GetDB(), appLogger.Logger)

	artifactStore, err := storage.NewArtifactStore(cfg.Artifacts.ResumeDir)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	vectors := vectorstore.New()
	trail := audit.NewTrail(eventStore, appLogger.Logger)

	// Capabilities
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gemini, err := capability.NewGemini(ctx, &capability.GeminiConfig{
		APIKey:          os.Getenv("GEMINI_API_KEY"),
		GenerationModel: cfg.Gemini.GenerationModel,
		EmbeddingModel:  cfg.Gemini.EmbeddingModel,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize gemini client: %w", err)
	}

	automator, err := capability.NewPlaywrightAutomator(&capability.AutomationConfig{
		Headless:      cfg.Automation.Headless,
		ScreenshotDir: cfg.Automation.ScreenshotDir,
	}, gemini, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize browser automation: %w", err)
	}
	defer automator.Close()

	limitedAutomator := scheduler.NewSessionLimiter(automator, cfg.Scheduler.AutomationSessions)

	// Pipeline
	orch := orchestrator.New(
		appStore,
		userStore,
		jobStore,
		artifactStore,
		gemini,
		limitedAutomator,
		trail,
		&orchestrator.Config{
			TailorTimeout:     cfg.Pipeline.TailorTimeout,
			AutomationTimeout: cfg.Pipeline.AutomationTimeout,
			StageAttempts:     cfg.Pipeline.StageAttempts,
			StageRetryDelay:   cfg.Pipeline.StageRetryDelay,
			StageBackoffMult:  cfg.Pipeline.StageBackoffMult,
		},
		appLogger.Logger,
	)

	sched := scheduler.New(orch, appStore, trail, &scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		QueueSize:     cfg.Scheduler.QueueSize,
		ApprovalTTL:   cfg.Scheduler.ApprovalTTL,
		SweepInterval: cfg.Scheduler.SweepInterval,
	}, appLogger.Logger)
	sched.Start(ctx)

	appLogger.Info("Pipeline scheduler started",
		slog.Int("workers", cfg.Scheduler.Workers),
		slog.Int("automation_sessions", cfg.Scheduler.AutomationSessions),
	)

	// Matching and service layer
	engine := matching.NewEngine(userStore, jobStore, gemini, vectors, appLogger.Logger)

	svc := service.New(
		appStore,
		userStore,
		jobStore,
		sched,
		engine,
		vectors,
		trail,
		&service.Config{
			MaxRetries: cfg.Scheduler.MaxRetries,
			FeedLimit:  cfg.Matching.FeedLimit,
		},
		appLogger.Logger,
	)

	// Initialize router
	r := initRouter(cfg.App.Environment, appLogger.Logger, svc, dbClient)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API server is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	// Stop accepting pipeline work, then wait for in-flight pipelines
	sched.Stop()
	cancel()

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, logger *slog.Logger, svc *service.Service, db handler.HealthChecker) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:  logger,
		Service: svc,
		DB:      db,
	}

	return router.SetupRouter(handlerDeps)
}
