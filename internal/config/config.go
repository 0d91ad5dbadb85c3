package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Automation AutomationConfig `yaml:"automation"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Matching   MatchingConfig   `yaml:"matching"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// SchedulerConfig holds pipeline scheduler configuration
type SchedulerConfig struct {
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	AutomationSessions int           `yaml:"automation_sessions"`
	ApprovalTTL        time.Duration `yaml:"approval_ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	MaxRetries         int           `yaml:"max_retries"`
}

// PipelineConfig holds per-stage execution settings
type PipelineConfig struct {
	TailorTimeout     time.Duration `yaml:"tailor_timeout"`
	AutomationTimeout time.Duration `yaml:"automation_timeout"`
	StageAttempts     int           `yaml:"stage_attempts"`
	StageRetryDelay   time.Duration `yaml:"stage_retry_delay"`
	StageBackoffMult  float64       `yaml:"stage_backoff_multiplier"`
}

// GeminiConfig holds model settings. The API key comes from the environment
// (GEMINI_API_KEY), never from the config file.
type GeminiConfig struct {
	GenerationModel string `yaml:"generation_model"`
	EmbeddingModel  string `yaml:"embedding_model"`
}

// AutomationConfig holds browser automation settings
type AutomationConfig struct {
	Headless      bool   `yaml:"headless"`
	ScreenshotDir string `yaml:"screenshot_dir"`
}

// ArtifactsConfig holds filesystem artifact storage settings
type ArtifactsConfig struct {
	ResumeDir string `yaml:"resume_dir"`
}

// IngestConfig holds posting-ingestion worker configuration
type IngestConfig struct {
	WorkerID       string        `yaml:"worker_id"`
	Concurrency    int           `yaml:"concurrency"`
	MessageTimeout time.Duration `yaml:"message_timeout"`
}

// MatchingConfig holds feed settings
type MatchingConfig struct {
	FeedLimit int `yaml:"feed_limit"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateServerConfig checks the configuration the API server binary needs
func (c *Config) ValidateServerConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler workers must be greater than 0")
	}

	if c.Scheduler.AutomationSessions <= 0 {
		return fmt.Errorf("scheduler automation_sessions must be greater than 0")
	}

	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler max_retries must not be negative")
	}

	if c.Pipeline.TailorTimeout <= 0 {
		return fmt.Errorf("pipeline tailor_timeout must be greater than 0")
	}

	if c.Pipeline.AutomationTimeout <= 0 {
		return fmt.Errorf("pipeline automation_timeout must be greater than 0")
	}

	if c.Pipeline.StageAttempts <= 0 {
		return fmt.Errorf("pipeline stage_attempts must be greater than 0")
	}

	if c.Artifacts.ResumeDir == "" {
		return fmt.Errorf("artifacts resume_dir is required")
	}

	return nil
}

// ValidateIngestConfig checks the configuration the ingest worker binary needs
func (c *Config) ValidateIngestConfig() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("ingest concurrency must be greater than 0")
	}

	if c.Ingest.MessageTimeout <= 0 {
		return fmt.Errorf("ingest message_timeout must be greater than 0")
	}

	return nil
}
