package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"applyflow/internal/domain"
	"applyflow/internal/vectorstore"
	"applyflow/shared/rabbitmq"
)

// Generator extracts structured requirements from a job description.
type Generator interface {
	ExtractRequirements(ctx context.Context, description string) ([]string, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// JobStore is the persistence surface for ingested listings.
type JobStore interface {
	FindByURL(ctx context.Context, url string) (string, error)
	Upsert(ctx context.Context, job *domain.JobListing) error
	UpdateEmbedding(ctx context.Context, jobID string, embedding []float64) error
}

// Config holds ingestor configuration
type Config struct {
	Logger         *slog.Logger
	RabbitClient   *rabbitmq.Client
	Jobs           JobStore
	Generator      Generator
	Embedder       Embedder
	Vectors        *vectorstore.Store
	WorkerID       string
	Concurrency    int
	PrefetchCount  int
	MessageTimeout time.Duration
}

// Ingestor consumes scraped job postings from the queue and turns them into
// ranked-feed listings: requirements extracted, embedding precomputed.
type Ingestor struct {
	logger         *slog.Logger
	rabbitClient   *rabbitmq.Client
	jobs           JobStore
	generator      Generator
	embedder       Embedder
	vectors        *vectorstore.Store
	workerID       string
	concurrency    int
	prefetchCount  int
	messageTimeout time.Duration

	postingsChan chan *postingMessage
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// postingMessage pairs a decoded posting with its broker delivery tag so the
// processing worker can ACK or NACK it.
type postingMessage struct {
	Posting     *ScrapedPosting
	DeliveryTag uint64
}

// NewIngestor creates a new ingestor instance
func NewIngestor(cfg *Config) *Ingestor {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Ingestor{
		logger:         cfg.Logger,
		rabbitClient:   cfg.RabbitClient,
		jobs:           cfg.Jobs,
		generator:      cfg.Generator,
		embedder:       cfg.Embedder,
		vectors:        cfg.Vectors,
		workerID:       cfg.WorkerID,
		concurrency:    concurrency,
		prefetchCount:  cfg.PrefetchCount,
		messageTimeout: cfg.MessageTimeout,
		postingsChan:   make(chan *postingMessage, concurrency),
		stopChan:       make(chan struct{}),
	}
}

// Start subscribes to the postings queue and begins processing.
func (in *Ingestor) Start(ctx context.Context) error {
	in.logger.Info("Starting ingestor",
		slog.String("worker_id", in.workerID),
		slog.Int("concurrency", in.concurrency),
	)

	deliveries, err := in.setupConsumer()
	if err != nil {
		return err
	}

	in.spawnWorkerPool(ctx)

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.dispatchLoop(ctx, deliveries)
	}()

	return nil
}

// Stop gracefully stops the ingestor
func (in *Ingestor) Stop() {
	in.logger.Info("Stopping ingestor...")
	close(in.stopChan)
	in.wg.Wait()
	in.logger.Info("Ingestor stopped")
}

// setupConsumer sets up the RabbitMQ consumer with QoS and returns the
// delivery channel.
func (in *Ingestor) setupConsumer() (<-chan amqp.Delivery, error) {
	if !in.rabbitClient.IsConnected() {
		return nil, fmt.Errorf("rabbitmq connection is not open")
	}

	channel := in.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// Per-consumer prefetch so one slow extraction does not hoard messages
	if err := channel.Qos(in.prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := in.rabbitClient.Consume(in.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	in.logger.Info("Postings consumer started",
		slog.String("consumer_tag", in.workerID),
		slog.Int("prefetch_count", in.prefetchCount),
	)

	return deliveries, nil
}

// dispatchLoop decodes deliveries and hands them to the worker pool.
// Malformed payloads are NACKed without requeue so they drain to the DLQ
// instead of looping forever.
func (in *Ingestor) dispatchLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-in.stopChan:
			return

		case <-ctx.Done():
			in.logger.Info("Dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				in.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			posting, err := DecodePosting(delivery.Body)
			if err != nil {
				in.logger.Error("Dropping malformed posting",
					slog.String("error", err.Error()),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					in.logger.Error("Failed to NACK malformed posting",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			msg := &postingMessage{
				Posting:     posting,
				DeliveryTag: delivery.DeliveryTag,
			}

			select {
			case in.postingsChan <- msg:
			case <-in.stopChan:
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					in.logger.Error("Failed to NACK posting on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			case <-ctx.Done():
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					in.logger.Error("Failed to NACK posting on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}

// spawnWorkerPool spawns N processing goroutines.
func (in *Ingestor) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < in.concurrency; i++ {
		in.wg.Add(1)
		go in.workerLoop(ctx, i)
	}

	in.logger.Info("Ingest worker pool spawned",
		slog.Int("worker_count", in.concurrency),
	)
}

// workerLoop processes postings and ACKs or NACKs each delivery based on
// the outcome. Only transient failures are requeued.
func (in *Ingestor) workerLoop(ctx context.Context, workerNum int) {
	defer in.wg.Done()

	workerName := fmt.Sprintf("%s-%d", in.workerID, workerNum)

	for {
		select {
		case <-in.stopChan:
			return

		case <-ctx.Done():
			in.logger.Info("Ingest worker stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-in.postingsChan:
			if !ok {
				return
			}

			procCtx := ctx
			var cancel context.CancelFunc
			if in.messageTimeout > 0 {
				procCtx, cancel = context.WithTimeout(ctx, in.messageTimeout)
			}

			err := in.processPosting(procCtx, msg.Posting)
			if cancel != nil {
				cancel()
			}

			channel := in.rabbitClient.GetChannel()
			if channel == nil {
				in.logger.Error("Failed to get RabbitMQ channel for ACK/NACK",
					slog.String("worker_name", workerName),
					slog.String("url", msg.Posting.URL),
				)
				continue
			}

			if err != nil {
				requeue := shouldRequeue(err)
				in.logger.Error("Posting processing failed",
					slog.String("worker_name", workerName),
					slog.String("url", msg.Posting.URL),
					slog.Bool("requeue", requeue),
					slog.String("error", err.Error()),
				)
				if nackErr := channel.Nack(msg.DeliveryTag, false, requeue); nackErr != nil {
					in.logger.Error("Failed to NACK posting",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if ackErr := channel.Ack(msg.DeliveryTag, false); ackErr != nil {
				in.logger.Error("Failed to ACK posting",
					slog.String("error", ackErr.Error()),
				)
				continue
			}

			in.logger.Info("Posting ingested",
				slog.String("worker_name", workerName),
				slog.String("url", msg.Posting.URL),
			)
		}
	}
}
