package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the celljobs worker and control plane.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	Scripts   ScriptsConfig
	Artifacts ArtifactsConfig
	Control   ControlConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// WorkerConfig controls the dispatch layer.
type WorkerConfig struct {
	Queue          string
	Concurrency    int
	HardTimeLimit  time.Duration
	SoftTimeLimit  time.Duration
	LeaseTTL       time.Duration
	DequeueTimeout time.Duration
	DrainTimeout   time.Duration
	OutputRoot     string
	ReapInterval   time.Duration
	ReapGrace      time.Duration
	StatusTTL      time.Duration
}

// ScriptsConfig holds the command lines of the built-in analysis scripts.
// Each command is split shell-style before the standard flags are appended.
type ScriptsConfig struct {
	Clustering             string
	Annotation             string
	DifferentialExpression string
	CatalogPath            string
	Timeout                time.Duration
	CaptureLimit           int
}

// ArtifactsConfig configures optional upload of job outputs to S3-compatible storage.
type ArtifactsConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Enabled reports whether artifact upload is configured.
func (a ArtifactsConfig) Enabled() bool {
	return a.Endpoint != ""
}

type ControlConfig struct {
	OperatorKeyHash   string
	RequestsPerMinute int
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// In development a .env file in the working directory is read first; values
// already present in the environment win.
func Load() (*Config, error) {
	if envString("CELLJOBS_ENV", "development") == "development" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("CELLJOBS_PORT", 8080),
			Env:      envString("CELLJOBS_ENV", "development"),
			LogLevel: envString("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			Driver:          envString("DATABASE_DRIVER", "postgres"),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Worker: WorkerConfig{
			Queue:          envString("WORKER_QUEUE", "analysis"),
			Concurrency:    envInt("WORKER_CONCURRENCY", 4),
			HardTimeLimit:  envDurationSecs("WORKER_TIME_LIMIT_SECS", 4*time.Hour),
			SoftTimeLimit:  envDurationSecs("WORKER_SOFT_TIME_LIMIT_SECS", 210*time.Minute),
			LeaseTTL:       envDuration("WORKER_LEASE_TTL", 30*time.Second),
			DequeueTimeout: envDuration("WORKER_DEQUEUE_TIMEOUT", 5*time.Second),
			DrainTimeout:   envDuration("WORKER_DRAIN_TIMEOUT", 10*time.Minute),
			OutputRoot:     envString("OUTPUT_ROOT", "/data/outputs"),
			ReapInterval:   envDuration("WORKER_REAP_INTERVAL", time.Minute),
			ReapGrace:      envDuration("WORKER_REAP_GRACE", 2*time.Minute),
			StatusTTL:      envDuration("JOB_STATUS_TTL", 30*time.Minute),
		},
		Scripts: ScriptsConfig{
			Clustering:             envString("CLUSTERING_COMMAND", "Rscript /app/scripts/clustering.R"),
			Annotation:             envString("ANNOTATION_COMMAND", "python /app/scripts/annotation.py"),
			DifferentialExpression: envString("DIFFERENTIAL_EXPRESSION_COMMAND", "Rscript /app/scripts/differential_expression.R"),
			CatalogPath:            os.Getenv("SCRIPT_CATALOG_PATH"),
			Timeout:                envDurationSecs("SCRIPT_TIMEOUT_SECS", 0),
			CaptureLimit:           envInt("SCRIPT_CAPTURE_LIMIT_BYTES", 1<<20),
		},
		Artifacts: ArtifactsConfig{
			Endpoint:  os.Getenv("ARTIFACTS_ENDPOINT"),
			AccessKey: os.Getenv("ARTIFACTS_ACCESS_KEY"),
			SecretKey: os.Getenv("ARTIFACTS_SECRET_KEY"),
			Bucket:    envString("ARTIFACTS_BUCKET", "celljobs"),
			Region:    envString("ARTIFACTS_REGION", "us-east-1"),
			UseSSL:    envBool("ARTIFACTS_USE_SSL", false),
		},
		Control: ControlConfig{
			OperatorKeyHash:   os.Getenv("OPERATOR_KEY_HASH"),
			RequestsPerMinute: envInt("CONTROL_REQUESTS_PER_MINUTE", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite; got %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Database.Driver == "postgres" &&
		!strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://, got %q", c.Database.URL)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.HardTimeLimit <= 0 {
		return fmt.Errorf("WORKER_TIME_LIMIT_SECS must be positive")
	}
	if c.Worker.SoftTimeLimit <= 0 || c.Worker.SoftTimeLimit >= c.Worker.HardTimeLimit {
		return fmt.Errorf("WORKER_SOFT_TIME_LIMIT_SECS must be positive and below WORKER_TIME_LIMIT_SECS (%s), got %s",
			c.Worker.HardTimeLimit, c.Worker.SoftTimeLimit)
	}
	if c.Worker.LeaseTTL < time.Second {
		return fmt.Errorf("WORKER_LEASE_TTL must be at least 1s, got %s", c.Worker.LeaseTTL)
	}
	if c.Worker.DrainTimeout < 0 {
		return fmt.Errorf("WORKER_DRAIN_TIMEOUT must not be negative, got %s", c.Worker.DrainTimeout)
	}
	if c.Worker.OutputRoot == "" {
		return fmt.Errorf("OUTPUT_ROOT is required")
	}

	if c.Scripts.Clustering == "" || c.Scripts.Annotation == "" || c.Scripts.DifferentialExpression == "" {
		return fmt.Errorf("CLUSTERING_COMMAND, ANNOTATION_COMMAND and DIFFERENTIAL_EXPRESSION_COMMAND must not be empty")
	}
	if c.Scripts.CaptureLimit <= 0 {
		return fmt.Errorf("SCRIPT_CAPTURE_LIMIT_BYTES must be positive, got %d", c.Scripts.CaptureLimit)
	}

	if c.Artifacts.Enabled() && (c.Artifacts.AccessKey == "" || c.Artifacts.SecretKey == "") {
		return fmt.Errorf("ARTIFACTS_ACCESS_KEY and ARTIFACTS_SECRET_KEY are required when ARTIFACTS_ENDPOINT is set")
	}

	if c.Server.Env != "development" && c.Control.OperatorKeyHash == "" {
		return fmt.Errorf("OPERATOR_KEY_HASH is required outside development")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
