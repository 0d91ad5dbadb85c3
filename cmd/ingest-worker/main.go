package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"applyflow/internal/capability"
	"applyflow/internal/config"
	"applyflow/internal/ingest"
	"applyflow/internal/storage"
	"applyflow/internal/vectorstore"
	"applyflow/shared/logger"
	"applyflow/shared/postgresql"
	"applyflow/shared/rabbitmq"

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
	defaultConfigPath := os.Getenv("INGEST_WORKER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/ingest-worker/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	seedPath := flag.String("seed", "", "Publish postings from a JSON file and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateIngestConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting ingest worker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	if *seedPath != "" {
		defer rabbitClient.Close()
		return seedPostings(*seedPath, rabbitClient, appLogger.Logger)
	}

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = storage.EnsureSchema(schemaCtx, dbClient.GetDB())
	schemaCancel()
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Gemini backs requirement extraction and embedding precompute
	gemini, err := capability.NewGemini(ctx, &capability.GeminiConfig{
		APIKey:          os.Getenv("GEMINI_API_KEY"),
		GenerationModel: cfg.Gemini.GenerationModel,
		EmbeddingModel:  cfg.Gemini.EmbeddingModel,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize gemini client: %w", err)
	}

	jobStore := storage.NewJobStore(dbClient.GetDB(), appLogger.Logger)

	// Create ingestor instance
	ingestor := ingest.NewIngestor(&ingest.Config{
		Logger:         appLogger.Logger,
		RabbitClient:   rabbitClient,
		Jobs:           jobStore,
		Generator:      gemini,
		Embedder:       gemini,
		Vectors:        vectorstore.New(),
		WorkerID:       cfg.Ingest.WorkerID,
		Concurrency:    cfg.Ingest.Concurrency,
		PrefetchCount:  cfg.RabbitMQ.Consumer.PrefetchCount,
		MessageTimeout: cfg.Ingest.MessageTimeout,
	})

	// Start ingestor in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := ingestor.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Ingest worker started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Ingestor error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop the ingestor
	cancel()

	// Give the ingestor time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		ingestor.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Ingestor stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Ingestor shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Ingest worker shutdown complete")
	return nil
}

// seedPostings publishes every posting in the given JSON file to the
// scraped-postings exchange. Used to feed the pipeline in environments
// without a live scraper.
func seedPostings(path string, rabbitClient *rabbitmq.Client, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	var postings []ingest.ScrapedPosting
	if err := json.Unmarshal(data, &postings); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for i := range postings {
		body, err := json.Marshal(&postings[i])
		if err != nil {
			return fmt.Errorf("failed to encode posting %d: %w", i, err)
		}

		if err := rabbitClient.PublishWithRetry(ctx, body, "application/json"); err != nil {
			return fmt.Errorf("failed to publish posting %d: %w", i, err)
		}

		logger.Info("Posting published",
			slog.String("url", postings[i].URL),
			slog.String("title", postings[i].Title),
		)
	}

	logger.Info("Seed complete",
		slog.Int("count", len(postings)),
	)
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

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
