package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server   ServerConfig
	Cache    CacheConfig
	Fetch    FetchConfig
	Share    ShareConfig
	Worker   WorkerConfig
	Database DatabaseConfig
	MinIO    MinIOConfig
	RabbitMQ RabbitMQConfig
	Redis    RedisConfig
}

type ServerConfig struct {
	Port            int           `envconfig:"API_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"API_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"API_WRITE_TIMEOUT" default:"330s"`
	ShutdownTimeout time.Duration `envconfig:"API_SHUTDOWN_TIMEOUT" default:"10s"`
}

// CacheConfig controls the on-disk video cache and its retention.
type CacheConfig struct {
	RootDir       string        `envconfig:"CACHE_ROOT_DIR" default:"downloads"`
	TTLSeconds    int           `envconfig:"CACHE_TTL_SECONDS" default:"86400"`
	MaxBytes      int64         `envconfig:"CACHE_MAX_BYTES" default:"0"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
	LogRetention  time.Duration `envconfig:"FETCH_LOG_RETENTION" default:"720h"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// FetchConfig controls the retrieval tools.
type FetchConfig struct {
	TimeoutSeconds  int           `envconfig:"FETCH_TIMEOUT_SECONDS" default:"300"`
	YtDlpPath       string        `envconfig:"YTDLP_PATH" default:"yt-dlp"`
	Format          string        `envconfig:"YTDLP_FORMAT" default:""`
	MaxFileSize     string        `envconfig:"YTDLP_MAX_FILESIZE" default:""`
	FFprobePath     string        `envconfig:"FFPROBE_PATH" default:"ffprobe"`
	ProbeEnabled    bool          `envconfig:"FFPROBE_ENABLED" default:"false"`
	ResolverTimeout time.Duration `envconfig:"RESOLVER_TIMEOUT" default:"10s"`
	UserAgent       string        `envconfig:"RESOLVER_USER_AGENT" default:""`
}

func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ShareConfig controls presigned download links for large files.
type ShareConfig struct {
	Enabled   bool          `envconfig:"SHARE_ENABLED" default:"false"`
	Threshold int64         `envconfig:"SHARE_THRESHOLD_BYTES" default:"52428800"`
	Expiry    time.Duration `envconfig:"SHARE_LINK_EXPIRY" default:"1h"`
}

type WorkerConfig struct {
	MaxRetries      int           `envconfig:"WORKER_MAX_RETRIES" default:"3"`
	ShutdownTimeout time.Duration `envconfig:"WORKER_SHUTDOWN_TIMEOUT" default:"30s"`
}

type DatabaseConfig struct {
	Enabled  bool   `envconfig:"POSTGRES_ENABLED" default:"false"`
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"vidrelay"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"vidrelay"`
	DBName   string `envconfig:"POSTGRES_DB" default:"vidrelay"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

type MinIOConfig struct {
	Endpoint       string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	PublicEndpoint string `envconfig:"MINIO_PUBLIC_ENDPOINT" default:""`
	AccessKey      string `envconfig:"MINIO_ACCESS_KEY" default:"minioadmin"`
	SecretKey      string `envconfig:"MINIO_SECRET_KEY" default:"minioadmin"`
	Bucket         string `envconfig:"MINIO_BUCKET" default:"vidrelay"`
	Region         string `envconfig:"MINIO_REGION" default:""`
	UseSSL         bool   `envconfig:"MINIO_USE_SSL" default:"false"`
}

type RabbitMQConfig struct {
	Enabled  bool   `envconfig:"RABBITMQ_ENABLED" default:"false"`
	Host     string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	Port     int    `envconfig:"RABBITMQ_PORT" default:"5672"`
	User     string `envconfig:"RABBITMQ_USER" default:"guest"`
	Password string `envconfig:"RABBITMQ_PASSWORD" default:"guest"`
	VHost    string `envconfig:"RABBITMQ_VHOST" default:"/"`
}

func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%d%s",
		c.User, c.Password, c.Host, c.Port, c.VHost,
	)
}

// RedisConfig selects the Redis metadata index. An empty Addr keeps the
// JSON file index.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:""`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	IndexKey string `envconfig:"REDIS_INDEX_KEY" default:"vidrelay:index"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects values the relay cannot run with.
func (c *Config) Validate() error {
	if c.Cache.RootDir == "" {
		return errors.New("CACHE_ROOT_DIR must not be empty")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("CACHE_TTL_SECONDS must be positive, got %d", c.Cache.TTLSeconds)
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("CACHE_MAX_BYTES must not be negative, got %d", c.Cache.MaxBytes)
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.Cache.SweepInterval)
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT_SECONDS must be positive, got %d", c.Fetch.TimeoutSeconds)
	}
	return nil
}
