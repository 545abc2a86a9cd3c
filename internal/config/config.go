package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrEmptyEnvironmentVariable = errors.New("empty environment variable")

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Email     EmailConfig
	SMS       SMSConfig
	Push      PushConfig
	Dispatch  DispatchConfig
	Scheduler SchedulerConfig
	Server    ServerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string
	Username string
	Password string
	Name     string
	SSLMode  string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// KafkaConfig holds Kafka/event streaming configuration
type KafkaConfig struct {
	Brokers       string
	EventsTopic   string
	OutcomesTopic string
	ConsumerGroup string
	NumWorkers    int
}

// EmailConfig holds the email provider settings
type EmailConfig struct {
	ResendAPIKey string
	FromAddress  string
}

// SMSConfig holds the SMS provider settings and cost policy
type SMSConfig struct {
	TwilioAccountSID  string
	TwilioAuthToken   string
	FromNumber        string
	CostMicros        int64
	DailyBudgetMicros int64
}

// PushConfig holds the push provider settings
type PushConfig struct {
	Endpoint string
	APIKey   string
}

// ChannelDispatchConfig holds per-channel dispatcher tuning
type ChannelDispatchConfig struct {
	Interval  time.Duration
	BatchSize int
}

// DispatchConfig holds dispatcher tuning shared across channels
type DispatchConfig struct {
	Email       ChannelDispatchConfig
	SMS         ChannelDispatchConfig
	Push        ChannelDispatchConfig
	MaxAttempts int
	Lease       time.Duration
	SendTimeout time.Duration
	DedupWindow time.Duration
}

// SchedulerConfig holds campaign scheduler tuning
type SchedulerConfig struct {
	Interval       time.Duration
	RecipientPage  int
	EnqueueWorkers int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	AllowedOrigins  []string
	TrackingBaseURL string
}

// Load reads and validates all required environment variables
func Load() (*Config, error) {
	// Load env.local in non-production environments
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil {
			return nil, fmt.Errorf("failed to load env.local: %w", err)
		}
	}

	cfg := &Config{}

	// Database configuration
	var err error
	if cfg.Database.Host, err = requireEnv("DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.Database.Username, err = requireEnv("DB_USERNAME"); err != nil {
		return nil, err
	}
	if cfg.Database.Password, err = requireEnv("DB_PASSWORD"); err != nil {
		return nil, err
	}
	if cfg.Database.Name, err = requireEnv("DB_NAME"); err != nil {
		return nil, err
	}
	cfg.Database.SSLMode = getEnvWithDefault("DB_SSLMODE", "disable")

	// Redis configuration (optional fast path; everything falls back to Postgres)
	cfg.Redis.Enabled = getEnvWithDefault("REDIS_ENABLED", "false") == "true"
	cfg.Redis.Host = getEnvWithDefault("REDIS_HOST", "localhost")
	if cfg.Redis.Port, err = parseIntEnv("REDIS_PORT", "6379"); err != nil {
		return nil, err
	}
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if cfg.Redis.DB, err = parseIntEnv("REDIS_DB", "0"); err != nil {
		return nil, err
	}

	// Kafka configuration
	if cfg.Kafka.Brokers, err = requireEnv("KAFKA_BROKERS"); err != nil {
		return nil, err
	}
	cfg.Kafka.EventsTopic = getEnvWithDefault("KAFKA_EVENTS_TOPIC", "platform-events")
	cfg.Kafka.OutcomesTopic = getEnvWithDefault("KAFKA_OUTCOMES_TOPIC", "notification-outcomes")
	cfg.Kafka.ConsumerGroup = getEnvWithDefault("KAFKA_CONSUMER_GROUP", "notification-engine")
	if cfg.Kafka.NumWorkers, err = parseIntEnv("KAFKA_WORKER_POOL_SIZE", "10"); err != nil {
		return nil, err
	}

	// Email provider configuration
	if cfg.Email.ResendAPIKey, err = requireEnv("RESEND_API_KEY"); err != nil {
		return nil, err
	}
	if cfg.Email.FromAddress, err = requireEnv("EMAIL_FROM_ADDRESS"); err != nil {
		return nil, err
	}

	// SMS provider configuration
	if cfg.SMS.TwilioAccountSID, err = requireEnv("TWILIO_ACCOUNT_SID"); err != nil {
		return nil, err
	}
	if cfg.SMS.TwilioAuthToken, err = requireEnv("TWILIO_AUTH_TOKEN"); err != nil {
		return nil, err
	}
	if cfg.SMS.FromNumber, err = requireEnv("TWILIO_FROM_NUMBER"); err != nil {
		return nil, err
	}
	if cfg.SMS.CostMicros, err = parseInt64Env("SMS_COST_MICROS", "7500"); err != nil {
		return nil, err
	}
	if cfg.SMS.DailyBudgetMicros, err = parseInt64Env("SMS_DAILY_BUDGET_MICROS", "100000000"); err != nil {
		return nil, err
	}

	// Push provider configuration
	if cfg.Push.Endpoint, err = requireEnv("PUSH_ENDPOINT"); err != nil {
		return nil, err
	}
	if cfg.Push.APIKey, err = requireEnv("PUSH_API_KEY"); err != nil {
		return nil, err
	}

	// Dispatcher configuration
	if cfg.Dispatch.Email.Interval, err = parseDurationEnv("DISPATCH_EMAIL_INTERVAL", "5m"); err != nil {
		return nil, err
	}
	if cfg.Dispatch.Email.BatchSize, err = parseIntEnv("DISPATCH_EMAIL_BATCH", "100"); err != nil {
		return nil, err
	}
	if cfg.Dispatch.SMS.Interval, err = parseDurationEnv("DISPATCH_SMS_INTERVAL", "10m"); err != nil {
		return nil, err
	}
	if cfg.Dispatch.SMS.BatchSize, err = parseIntEnv("DISPATCH_SMS_BATCH", "50"); err != nil {
		return nil, err
	}
	if cfg.Dispatch.Push.Interval, err = parseDurationEnv("DISPATCH_PUSH_INTERVAL", "5m"); err != nil {
		return nil, err
	}
	if cfg.Dispatch.Push.BatchSize, err = parseIntEnv("DISPATCH_PUSH_BATCH", "100"); err != nil {
		return nil, err
	}
	if cfg.Dispatch.MaxAttempts, err = parseIntEnv("DISPATCH_MAX_ATTEMPTS", "3"); err != nil {
		return nil, err
	}
	if cfg.Dispatch.Lease, err = parseDurationEnv("DISPATCH_LEASE", "5m"); err != nil {
		return nil, err
	}
	if cfg.Dispatch.SendTimeout, err = parseDurationEnv("DISPATCH_SEND_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	if cfg.Dispatch.DedupWindow, err = parseDurationEnv("DEDUP_WINDOW", "10m"); err != nil {
		return nil, err
	}

	// Scheduler configuration
	if cfg.Scheduler.Interval, err = parseDurationEnv("SCHEDULER_INTERVAL", "1m"); err != nil {
		return nil, err
	}
	if cfg.Scheduler.RecipientPage, err = parseIntEnv("SCHEDULER_RECIPIENT_PAGE", "500"); err != nil {
		return nil, err
	}
	if cfg.Scheduler.EnqueueWorkers, err = parseIntEnv("SCHEDULER_ENQUEUE_WORKERS", "5"); err != nil {
		return nil, err
	}

	// Server configuration
	if cfg.Server.Port, err = parseIntEnv("SERVER_PORT", "8080"); err != nil {
		return nil, err
	}
	origins := getEnvWithDefault("ALLOWED_ORIGINS", "*")
	cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	cfg.Server.TrackingBaseURL = getEnvWithDefault("TRACKING_BASE_URL", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))

	return cfg, nil
}

// BrokerList splits the comma-separated broker string
func (c *KafkaConfig) BrokerList() []string {
	return strings.Split(c.Brokers, ",")
}

// ConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Name, c.SSLMode)
}

// Addr returns the Redis host:port address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// requireEnv retrieves an environment variable or returns an error if empty
func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// parseIntEnv parses an integer environment variable with a default
func parseIntEnv(key, defaultValue string) (int, error) {
	value, err := strconv.Atoi(getEnvWithDefault(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return value, nil
}

// parseInt64Env parses a 64-bit integer environment variable with a default
func parseInt64Env(key, defaultValue string) (int64, error) {
	value, err := strconv.ParseInt(getEnvWithDefault(key, defaultValue), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return value, nil
}

// parseDurationEnv parses a duration environment variable with a default
func parseDurationEnv(key, defaultValue string) (time.Duration, error) {
	value, err := time.ParseDuration(getEnvWithDefault(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return value, nil
}
