package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log" // Use global logger
)

// Config holds all configuration fields for the application.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string // "console" or "json"
	APIToken  string // optional bearer token for the HTTP API

	DBType      string // "postgres" or "sqlite"
	DatabaseURL string

	RabbitMQURL       string
	QueuePrefix       string
	BroadcastExchange string
	QueueMaxAttempts  int
	QueueRetryBackoff time.Duration
	QueueWorkers      int

	ReconnectDelay time.Duration
	QRTTL          time.Duration
	QRTerminal     bool
	WAStoreDialect string
	WAStoreDSN     string

	RootDomain        string // appended to tenant subdomains
	DefaultRootDomain string // last-resort base for payment links

	SummaryAPIURL string
	SummaryAPIKey string

	WorkerWebhookSecret string

	S3 S3Config
}

// S3Config holds object storage settings for the dead-letter archive.
type S3Config struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	// Environment variables already set take precedence over .env.
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
		APIToken:  os.Getenv("API_TOKEN"),

		DBType:      strings.ToLower(getEnv("DB_TYPE", "sqlite")),
		DatabaseURL: getEnv("DATABASE_URL", "file:zapdesk.db?_foreign_keys=on"),

		RabbitMQURL:       os.Getenv("RABBITMQ_URL"),
		QueuePrefix:       getEnv("RABBITMQ_QUEUE_PREFIX", "zapdesk"),
		BroadcastExchange: getEnv("BROADCAST_EXCHANGE", "zapdesk.broadcast"),

		WAStoreDialect: getEnv("WA_STORE_DIALECT", "sqlite"),
		WAStoreDSN:     getEnv("WA_STORE_DSN", "file:whatsmeow.db?_pragma=foreign_keys(1)"),
		QRTerminal:     getEnvBool("QR_TERMINAL", false),

		RootDomain:        os.Getenv("ROOT_DOMAIN"),
		DefaultRootDomain: getEnv("DEFAULT_ROOT_DOMAIN", "http://localhost:3000"),

		SummaryAPIURL: os.Getenv("SUMMARY_API_URL"),
		SummaryAPIKey: os.Getenv("SUMMARY_API_KEY"),

		WorkerWebhookSecret: os.Getenv("WORKER_WEBHOOK_SECRET"),

		S3: S3Config{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Bucket:    os.Getenv("S3_BUCKET"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			PathStyle: getEnvBool("S3_PATH_STYLE", true),
		},
	}
	cfg.S3.Enabled = cfg.S3.Bucket != ""

	var err error
	if cfg.QueueMaxAttempts, err = getEnvInt("QUEUE_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.QueueWorkers, err = getEnvInt("QUEUE_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.QueueRetryBackoff, err = getEnvDuration("QUEUE_RETRY_BACKOFF", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay, err = getEnvDuration("RECONNECT_DELAY", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.QRTTL, err = getEnvDuration("QR_TTL", 2*time.Minute); err != nil {
		return nil, err
	}

	if cfg.DBType != "postgres" && cfg.DBType != "sqlite" {
		return nil, fmt.Errorf("DB_TYPE must be postgres or sqlite, got %q", cfg.DBType)
	}
	if cfg.RabbitMQURL == "" {
		log.Info().Msg("RABBITMQ_URL is not set, using in-process queues and log-only broadcasts")
	}
	if cfg.WorkerWebhookSecret == "" {
		log.Warn().Msg("WORKER_WEBHOOK_SECRET is not set, worker event signatures will not be checked")
	}

	log.Info().
		Str("port", cfg.Port).
		Str("dbType", cfg.DBType).
		Str("queuePrefix", cfg.QueuePrefix).
		Int("queueMaxAttempts", cfg.QueueMaxAttempts).
		Dur("reconnectDelay", cfg.ReconnectDelay).
		Bool("s3Enabled", cfg.S3.Enabled).
		Msg("Configuration loaded")
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	log.Debug().Str("key", key).Str("default", def).Msg("Environment variable not set, using default")
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean, using default")
		return def
	}
	return b
}

func getEnvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 5s: %w", key, err)
	}
	return d, nil
}
