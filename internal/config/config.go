package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds shared runtime configuration for the API, worker and maintenance binaries.
type Config struct {
	Env         string
	LogLevel    string
	HTTPPort    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	PostgresDSN string

	WorkerID           string
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	ReportRetries      int

	StaleThreshold time.Duration
	Retention      time.Duration
	SweepInterval  time.Duration
	SweepBatchSize int

	IdempotencyTTL    time.Duration
	RateLimitCapacity int
	RateLimitRefill   float64

	EngineURL     string
	EngineTimeout time.Duration

	ArtifactDir         string
	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3PathStyle bool
	PreviewWidth        int

	MongoURI        string
	MongoDatabase   string
	MongoCollection string
}

var defaults = map[string]any{
	"APP_ENV":                   "dev",
	"LOG_LEVEL":                 "info",
	"HTTP_PORT":                 "8080",
	"METRICS_ADDR":              ":9090",
	"REDIS_ADDR":                "localhost:6379",
	"REDIS_PASSWORD":            "",
	"REDIS_DB":                  0,
	"KEY_PREFIX":                "scrape:",
	"POSTGRES_DSN":              "",
	"WORKER_ID":                 "",
	"WORKER_CONCURRENCY":        1,
	"WORKER_POLL_INTERVAL":      time.Second,
	"MAX_ATTEMPTS":              3,
	"BACKOFF_INITIAL":           2 * time.Second,
	"BACKOFF_MAX":               time.Minute,
	"REPORT_RETRIES":            5,
	"STALE_THRESHOLD":           30 * time.Minute,
	"RETENTION":                 24 * time.Hour,
	"SWEEP_INTERVAL":            time.Minute,
	"SWEEP_BATCH_SIZE":          500,
	"IDEMPOTENCY_TTL":           24 * time.Hour,
	"RATE_LIMIT_CAPACITY":       20,
	"RATE_LIMIT_REFILL_PER_SEC": 0.5,
	"ENGINE_URL":                "",
	"ENGINE_TIMEOUT":            15 * time.Minute,
	"ARTIFACT_DIR":              "",
	"ARTIFACT_S3_BUCKET":        "",
	"ARTIFACT_S3_REGION":        "us-east-1",
	"ARTIFACT_S3_ENDPOINT":      "",
	"ARTIFACT_S3_PATH_STYLE":    false,
	"PREVIEW_WIDTH":             320,
	"MONGO_URI":                 "",
	"MONGO_DATABASE":            "scrapes",
	"MONGO_COLLECTION":          "portal_data",
}

// Load reads configuration from environment variables (and an optional
// CONFIG_FILE) with sane defaults for local development.
func Load() Config {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file taking precedence over
// CONFIG_FILE.
func LoadFile(path string) Config {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := path
	if file == "" {
		file = v.GetString("CONFIG_FILE")
	}
	if file != "" {
		v.SetConfigFile(file)
		// A missing or unreadable file falls back to env and defaults.
		_ = v.ReadInConfig()
	}
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) Config {
	return Config{
		Env:         v.GetString("APP_ENV"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		HTTPPort:    v.GetString("HTTP_PORT"),
		MetricsAddr: v.GetString("METRICS_ADDR"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		KeyPrefix:     v.GetString("KEY_PREFIX"),

		PostgresDSN: v.GetString("POSTGRES_DSN"),

		WorkerID:           v.GetString("WORKER_ID"),
		WorkerConcurrency:  v.GetInt("WORKER_CONCURRENCY"),
		WorkerPollInterval: v.GetDuration("WORKER_POLL_INTERVAL"),
		MaxAttempts:        v.GetInt("MAX_ATTEMPTS"),
		BackoffInitial:     v.GetDuration("BACKOFF_INITIAL"),
		BackoffMax:         v.GetDuration("BACKOFF_MAX"),
		ReportRetries:      v.GetInt("REPORT_RETRIES"),

		StaleThreshold: v.GetDuration("STALE_THRESHOLD"),
		Retention:      v.GetDuration("RETENTION"),
		SweepInterval:  v.GetDuration("SWEEP_INTERVAL"),
		SweepBatchSize: v.GetInt("SWEEP_BATCH_SIZE"),

		IdempotencyTTL:    v.GetDuration("IDEMPOTENCY_TTL"),
		RateLimitCapacity: v.GetInt("RATE_LIMIT_CAPACITY"),
		RateLimitRefill:   v.GetFloat64("RATE_LIMIT_REFILL_PER_SEC"),

		EngineURL:     v.GetString("ENGINE_URL"),
		EngineTimeout: v.GetDuration("ENGINE_TIMEOUT"),

		ArtifactDir:         v.GetString("ARTIFACT_DIR"),
		ArtifactS3Bucket:    v.GetString("ARTIFACT_S3_BUCKET"),
		ArtifactS3Region:    v.GetString("ARTIFACT_S3_REGION"),
		ArtifactS3Endpoint:  v.GetString("ARTIFACT_S3_ENDPOINT"),
		ArtifactS3PathStyle: v.GetBool("ARTIFACT_S3_PATH_STYLE"),
		PreviewWidth:        v.GetInt("PREVIEW_WIDTH"),

		MongoURI:        v.GetString("MONGO_URI"),
		MongoDatabase:   v.GetString("MONGO_DATABASE"),
		MongoCollection: v.GetString("MONGO_COLLECTION"),
	}
}
