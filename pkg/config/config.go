package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "my_secret_key"

// Config holds the settings shared by every service binary.
type Config struct {
	Env      string
	LogLevel string

	// Addresses the HTTP surfaces listen on.
	GatewayAddr   string
	APIAddr       string
	AdminAddr     string
	MessagingAddr string

	KafkaBrokers []string
	PrimaryTopic string
	RetryTopic   string
	FanoutTopic  string
	WorkerGroup  string
	RetryGroup   string

	RedisAddr string

	StoreDriver string // "scylla" or "mongo" for scheduled messages
	ScyllaHosts []string
	Keyspace    string
	MongoURI    string
	MongoDB     string

	JWTSecret string
	NodeID    int64

	SchedulerSpec     string
	SchedulerTimezone string
	SchedulerBatch    int
	ReleaseOnEnqueue  bool
	MaxRetries        int
	RetryDelay        time.Duration
	WorkerConsumers   int

	SocketRate  float64
	SocketBurst int
}

// Load reads configuration from the environment, loading .env first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		GatewayAddr:   getEnv("GATEWAY_ADDR", ":8080"),
		APIAddr:       getEnv("API_ADDR", ":8081"),
		AdminAddr:     getEnv("ADMIN_ADDR", ":8082"),
		MessagingAddr: getEnv("MESSAGING_ADDR", ":8083"),

		KafkaBrokers: getList("KAFKA_BROKERS", "localhost:19092"),
		PrimaryTopic: getEnv("QUEUE_TOPIC", "scheduled-messages"),
		RetryTopic:   getEnv("RETRY_TOPIC", "scheduled-messages-retry"),
		FanoutTopic:  getEnv("FANOUT_TOPIC", "chat-fanout"),
		WorkerGroup:  getEnv("WORKER_GROUP", "messaging-service-group"),
		RetryGroup:   getEnv("RETRY_GROUP", "messaging-retry-group"),

		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),

		StoreDriver: getEnv("STORE_DRIVER", "scylla"),
		ScyllaHosts: getList("SCYLLA_HOSTS", "localhost:9042"),
		Keyspace:    getEnv("SCYLLA_KEYSPACE", "chat"),
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:     getEnv("MONGO_DB", "chat"),

		JWTSecret: getEnv("JWT_SECRET", defaultJWTSecret),
		NodeID:    int64(getInt("NODE_ID", 1)),

		SchedulerSpec:     getEnv("SCHEDULER_SPEC", "@every 1m"),
		SchedulerTimezone: getEnv("SCHEDULER_TZ", "UTC"),
		SchedulerBatch:    getInt("SCHEDULER_BATCH", 500),
		ReleaseOnEnqueue:  getEnv("SCHEDULER_RELEASE_ON_ENQUEUE_ERROR", "false") == "true",
		MaxRetries:        getInt("QUEUE_MAX_RETRIES", 3),
		RetryDelay:        getDuration("QUEUE_RETRY_DELAY", 5*time.Second),
		WorkerConsumers:   getInt("WORKER_CONSUMERS", 1),

		SocketRate:  getFloat("SOCKET_RATE", 10),
		SocketBurst: getInt("SOCKET_BURST", 20),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.StoreDriver != "scylla" && c.StoreDriver != "mongo" {
		return errors.New("STORE_DRIVER must be scylla or mongo")
	}
	if c.MaxRetries < 0 {
		return errors.New("QUEUE_MAX_RETRIES must not be negative")
	}
	if c.WorkerConsumers < 1 {
		return errors.New("WORKER_CONSUMERS must be at least 1")
	}
	if len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if c.Env == "production" && c.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Location resolves the scheduler timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SchedulerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getList(key, defaultValue string) []string {
	var out []string
	for _, entry := range strings.Split(getEnv(key, defaultValue), ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}
