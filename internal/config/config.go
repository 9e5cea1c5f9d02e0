package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Collaboration
	HistoryCapacity int // revisions each hub replica keeps for reconciliation
	SnapshotEvery   int // applied ops between stored snapshots
	SnapshotKeep    int // snapshots retained per document

	// Persistence worker pool
	PersistWorkers   int
	PersistQueueSize int

	// Cross-instance relay, disabled when empty
	RedisAddr string

	// LAN discovery
	MDNSEnabled bool
	MDNSService string

	// Peer client
	PeerCachePath string

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "otp2p"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		HistoryCapacity: getEnvInt("HISTORY_CAPACITY", 100),
		SnapshotEvery:   getEnvInt("SNAPSHOT_EVERY", 50),
		SnapshotKeep:    getEnvInt("SNAPSHOT_KEEP", 5),

		PersistWorkers:   getEnvInt("PERSIST_WORKERS", 4),
		PersistQueueSize: getEnvInt("PERSIST_QUEUE_SIZE", 256),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		MDNSEnabled: getEnvBool("MDNS_ENABLED", false),
		MDNSService: getEnv("MDNS_SERVICE", "_otp2p._tcp"),

		PeerCachePath: getEnv("PEER_CACHE_PATH", "otp2p-peer.db"),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.HistoryCapacity < 0 {
		return fmt.Errorf("HISTORY_CAPACITY must not be negative, got %d", c.HistoryCapacity)
	}
	if c.SnapshotEvery < 1 {
		return fmt.Errorf("SNAPSHOT_EVERY must be at least 1, got %d", c.SnapshotEvery)
	}
	if c.SnapshotKeep < 1 {
		return fmt.Errorf("SNAPSHOT_KEEP must be at least 1, got %d", c.SnapshotKeep)
	}
	if c.PersistWorkers < 1 {
		return fmt.Errorf("PERSIST_WORKERS must be at least 1, got %d", c.PersistWorkers)
	}
	if c.PersistQueueSize < 0 {
		return fmt.Errorf("PERSIST_QUEUE_SIZE must not be negative, got %d", c.PersistQueueSize)
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// ServerAddr is the host:port the hub listens on.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
