// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full §6 option set for one Engine process.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Kafka    KafkaConfig
	Vault    VaultConfig
	Engine   EngineConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Environment     string
}

type DatabaseConfig struct {
	URL          string
	Host         string
	Port         string
	Username     string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

type RedisConfig struct {
	URL          string
	Host         string
	Port         string
	Password     string
	Database     int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

type NATSConfig struct {
	URL            string
	ClientID       string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// KafkaConfig holds the Kafka settings read from the environment; no
// component in this module consumes them.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// VaultConfig locates the credential store Analyzer Adapters with hosted
// backends draw secrets from.
type VaultConfig struct {
	Address string
	Token   string
}

// EngineConfig is the §6 "Configuration options" recognized set, governing
// the pipeline itself rather than its transports.
type EngineConfig struct {
	DownloadsRoot string

	// SourceSearchURL backs search_sources: a GET <url>?q=<query> expected
	// to return a JSON array of source summaries. Empty disables search.
	SourceSearchURL string

	MaxConcurrentFetch       int
	MaxConcurrentAnalyze     int
	MaxConcurrentExtract     int
	MaxConcurrentPostExtract int

	PreferGPU           bool
	GPUSlots            int
	DefaultSeparatorModel  string
	AllowedSeparatorModels []string

	ChordBackendOrder []string

	LyricsASREnabled  bool
	LyricsASRModelSize string

	SilentStemThresholdDB float64

	StageTimeoutFetch       time.Duration
	StageTimeoutAnalyze     time.Duration
	StageTimeoutExtract     time.Duration
	StageTimeoutPostExtract time.Duration

	MaxSourceDurationSeconds float64
	UploadMaxBytes           int64
}

func New() *Config {
	databaseURL := getEnv("DATABASE_URL", "")
	if databaseURL == "" {
		host := getEnv("DATABASE_HOST", "localhost")
		port := getEnv("DATABASE_PORT", "5432")
		username := getEnv("DATABASE_USER", "postgres")
		password := getEnv("DATABASE_PASSWORD", "")
		database := getEnv("DATABASE_NAME", "veza_dev")
		databaseURL = "postgres://" + username + ":" + password + "@" + host + ":" + port + "/" + database + "?sslmode=disable"
	}

	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
			Environment:     getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			URL:          databaseURL,
			Host:         getEnv("DATABASE_HOST", "localhost"),
			Port:         getEnv("DATABASE_PORT", "5432"),
			Username:     getEnv("DATABASE_USER", "postgres"),
			Password:     getEnv("DATABASE_PASSWORD", ""),
			Database:     getEnv("DATABASE_NAME", "veza_dev"),
			SSLMode:      "disable",
			MaxOpenConns: getIntEnv("DATABASE_MAX_OPEN_CONNS", 50),
			MaxIdleConns: getIntEnv("DATABASE_MAX_IDLE_CONNS", 10),
			MaxLifetime:  getDurationEnv("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", ""),
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			Database:     getIntEnv("REDIS_DATABASE", 0),
			MaxRetries:   getIntEnv("REDIS_MAX_RETRIES", 3),
			DialTimeout:  getDurationEnv("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDurationEnv("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDurationEnv("REDIS_WRITE_TIMEOUT", 3*time.Second),
			PoolSize:     getIntEnv("REDIS_POOL_SIZE", 50),
		},
		NATS: NATSConfig{
			URL:            getEnv("NATS_URL", "nats://localhost:4222"),
			ClientID:       getEnv("NATS_CLIENT_ID", "audio-engine"),
			MaxReconnects:  getIntEnv("NATS_MAX_RECONNECTS", 10),
			ReconnectWait:  getDurationEnv("NATS_RECONNECT_WAIT", 2*time.Second),
			ConnectTimeout: getDurationEnv("NATS_CONNECT_TIMEOUT", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_DISPATCH_TOPIC", "audio-processing"),
		},
		Vault: VaultConfig{
			Address: getEnv("VAULT_ADDR", "http://localhost:8200"),
			Token:   getEnv("VAULT_TOKEN", ""),
		},
		Engine: EngineConfig{
			DownloadsRoot:   getEnv("ENGINE_DOWNLOADS_ROOT", "./data/downloads"),
			SourceSearchURL: getEnv("ENGINE_SOURCE_SEARCH_URL", ""),

			MaxConcurrentFetch:       getIntEnv("ENGINE_MAX_CONCURRENT_FETCH", 8),
			MaxConcurrentAnalyze:     getIntEnv("ENGINE_MAX_CONCURRENT_ANALYZE", 4),
			MaxConcurrentExtract:     getIntEnv("ENGINE_MAX_CONCURRENT_EXTRACT", 2),
			MaxConcurrentPostExtract: getIntEnv("ENGINE_MAX_CONCURRENT_POST_EXTRACT", 4),

			PreferGPU:              getBoolEnv("ENGINE_PREFER_GPU", false),
			GPUSlots:               getIntEnv("ENGINE_GPU_SLOTS", 1),
			DefaultSeparatorModel:  getEnv("ENGINE_DEFAULT_SEPARATOR_MODEL", "four_stem_v1"),
			AllowedSeparatorModels: getStringSliceEnv("ENGINE_ALLOWED_SEPARATOR_MODELS", []string{"four_stem_v1", "six_stem_v1"}),

			ChordBackendOrder: getStringSliceEnv("ENGINE_CHORD_BACKEND_ORDER", []string{"primary", "secondary", "hybrid"}),

			LyricsASREnabled:   getBoolEnv("ENGINE_LYRICS_ASR_ENABLED", true),
			LyricsASRModelSize: getEnv("ENGINE_LYRICS_ASR_MODEL_SIZE", "base"),

			SilentStemThresholdDB: getFloatEnv("ENGINE_SILENT_STEM_THRESHOLD_DB", -40.0),

			StageTimeoutFetch:       getDurationEnv("ENGINE_STAGE_TIMEOUT_FETCH", 5*time.Minute),
			StageTimeoutAnalyze:     getDurationEnv("ENGINE_STAGE_TIMEOUT_ANALYZE", 10*time.Minute),
			StageTimeoutExtract:     getDurationEnv("ENGINE_STAGE_TIMEOUT_EXTRACT", 20*time.Minute),
			StageTimeoutPostExtract: getDurationEnv("ENGINE_STAGE_TIMEOUT_POST_EXTRACT", 5*time.Minute),

			MaxSourceDurationSeconds: getFloatEnv("ENGINE_MAX_SOURCE_DURATION_SECONDS", 1800),
			UploadMaxBytes:           getInt64Env("ENGINE_UPLOAD_MAX_BYTES", 500*1024*1024),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
