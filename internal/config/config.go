package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	Paths         PathsConfig
	Media         MediaConfig
	Scan          ScanConfig
	Stream        StreamConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Redis         RedisConfig
	API           APIConfig
	Worker        WorkerConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
	App           AppConfig
}

// PathsConfig holds the filesystem roots the pipeline works in.
type PathsConfig struct {
	DataDir      string
	VideoDir     string
	ProcessedDir string
}

// MediaConfig holds external tool settings.
type MediaConfig struct {
	FFmpegPath         string
	FFprobePath        string
	ThumbnailLocation  int // percent of duration, 0 disables
	ProbeRetryInterval time.Duration
}

// ScanConfig holds periodic scan settings.
type ScanConfig struct {
	Interval time.Duration
	AutoTag  bool
}

// StreamConfig holds range streaming settings.
type StreamConfig struct {
	ChunkSize int64
}

// DatabaseConfig selects and configures the record stores.
type DatabaseConfig struct {
	URL      string
	Store    string
	JobStore string
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region          string
	ProcessedBucket string
	SQSQueueURL     string
	DynamoDBTable   string
}

// RedisConfig holds the optional distributed lock backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port      string
	JWTSecret string
}

// WorkerConfig holds worker-specific configuration.
type WorkerConfig struct {
	PoolSize    int
	MetricsPort int
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint   string
	TracingEnabled bool
	LogLevel       string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
	StoreDynamoDB = "dynamodb"
)

// Default values
const (
	DefaultPort               = "8080"
	DefaultMetricsPort        = 2112
	DefaultPoolSize           = 2
	DefaultOTLPEndpoint       = "localhost:4317"
	DefaultRegion             = "us-west-2"
	DefaultDataDir            = "/data"
	DefaultVideoDir           = "/videos"
	DefaultProcessedDir       = "/processed"
	DefaultScanMinutes        = 5
	DefaultProbeRetryInterval = 60 * time.Second
	DefaultChunkSize          = 10240
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		Paths: PathsConfig{
			DataDir:      getEnv("DATA_DIRECTORY", DefaultDataDir),
			VideoDir:     getEnv("VIDEO_DIRECTORY", DefaultVideoDir),
			ProcessedDir: getEnv("PROCESSED_DIRECTORY", DefaultProcessedDir),
		},
		Media: MediaConfig{
			FFmpegPath:         getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:        getEnv("FFPROBE_PATH", "ffprobe"),
			ThumbnailLocation:  getEnvInt("THUMBNAIL_VIDEO_LOCATION", 0),
			ProbeRetryInterval: getEnvDuration("PROBE_RETRY_INTERVAL", DefaultProbeRetryInterval),
		},
		Scan: ScanConfig{
			Interval: time.Duration(getEnvInt("MINUTES_BETWEEN_VIDEO_SCANS", DefaultScanMinutes)) * time.Minute,
			AutoTag:  getEnvBool("SCAN_AUTO_TAG", false),
		},
		Stream: StreamConfig{
			ChunkSize: int64(getEnvInt("STREAM_CHUNK_SIZE", DefaultChunkSize)),
		},
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			Store:    strings.ToLower(getEnv("STORE", StorePostgres)),
			JobStore: strings.ToLower(os.Getenv("JOB_STORE")),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", DefaultRegion),
			ProcessedBucket: os.Getenv("PROCESSED_BUCKET"),
			SQSQueueURL:     os.Getenv("SQS_QUEUE_URL"),
			DynamoDBTable:   os.Getenv("DYNAMODB_TABLE"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		API: APIConfig{
			Port:      getEnv("PORT", DefaultPort),
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Worker: WorkerConfig{
			PoolSize:    getEnvInt("WORKER_POOL_SIZE", DefaultPoolSize),
			MetricsPort: getEnvInt("METRICS_PORT", DefaultMetricsPort),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
			TracingEnabled: getEnvBool("TRACING_ENABLED", true),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
			}),
		},
	}

	if cfg.Database.JobStore == "" {
		cfg.Database.JobStore = cfg.Database.Store
	}

	app, err := LoadAppConfig(cfg.Paths.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.App = app

	return cfg, nil
}

// LoadServer loads configuration required for the HTTP server.
func LoadServer() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWorker loads configuration required for the queue worker.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadCLI loads configuration required for clipctl.
func LoadCLI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.validateCommon(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) commonErrors() []string {
	var errs []string

	if c.Paths.VideoDir == "" {
		errs = append(errs, "VIDEO_DIRECTORY is required")
	}
	if c.Paths.ProcessedDir == "" {
		errs = append(errs, "PROCESSED_DIRECTORY is required")
	}
	switch c.Database.Store {
	case StorePostgres:
		if c.Database.URL == "" {
			errs = append(errs, "DATABASE_URL is required for the postgres store")
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Sprintf("STORE must be %q or %q", StorePostgres, StoreMemory))
	}
	switch c.Database.JobStore {
	case StorePostgres, StoreMemory:
		if c.Database.JobStore != c.Database.Store {
			errs = append(errs, "JOB_STORE must match STORE unless it is dynamodb")
		}
	case StoreDynamoDB:
		if c.AWS.DynamoDBTable == "" {
			errs = append(errs, "DYNAMODB_TABLE is required for the dynamodb job store")
		}
	default:
		errs = append(errs, "JOB_STORE must be postgres, memory or dynamodb")
	}
	if c.Media.ThumbnailLocation < 0 || c.Media.ThumbnailLocation > 100 {
		errs = append(errs, "THUMBNAIL_VIDEO_LOCATION must be between 0 and 100")
	}

	return errs
}

func (c *Config) validateCommon() error {
	if errs := c.commonErrors(); len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateServer validates configuration required for the HTTP server.
func (c *Config) ValidateServer() error {
	errs := c.commonErrors()

	if c.IsProduction() {
		if c.API.JWTSecret == "" {
			errs = append(errs, "JWT_SECRET is required in production")
		} else if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateWorker validates configuration required for the queue worker.
func (c *Config) ValidateWorker() error {
	errs := c.commonErrors()

	if c.AWS.SQSQueueURL == "" {
		errs = append(errs, "SQS_QUEUE_URL is required")
	}
	if c.Database.Store == StoreMemory {
		errs = append(errs, "the worker needs a shared store, STORE=memory is not supported")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// UsesQueue reports whether processing is handed to SQS instead of the in-process pool.
func (c *Config) UsesQueue() bool {
	return c.AWS.SQSQueueURL != ""
}

// NeedsAWS reports whether any AWS client is required.
func (c *Config) NeedsAWS() bool {
	return c.UsesQueue() || c.AWS.ProcessedBucket != "" || c.Database.JobStore == StoreDynamoDB
}

// ThumbnailFraction returns the poster offset as a fraction of duration.
func (c *Config) ThumbnailFraction() float64 {
	if c.Media.ThumbnailLocation <= 0 || c.Media.ThumbnailLocation > 100 {
		return 0
	}
	return float64(c.Media.ThumbnailLocation) / 100
}

// GetJWTSecret returns the JWT secret used to verify service tokens.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret

	if secret == "" {
		return nil, errors.New("JWT_SECRET is required (set it even for development)")
	}

	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}

	return []byte(secret), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal >= 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
