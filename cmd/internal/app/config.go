package app

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"imchat/cmd/internal/cachemgr"
	"imchat/cmd/internal/idempotency"
	"imchat/cmd/internal/sequence"

	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration

	// Empty DatabaseURL selects the in-memory durable store.
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// Empty RedisAddr selects the in-memory remote store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	StoreOpTimeout time.Duration

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	Cache       cachemgr.Config
	Sequence    sequence.Config
	Idempotency idempotency.Config
}

// LoadDotEnv loads path into the process environment when the file exists.
// Variables already set win over the file.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("app: load %s: %w", path, err)
	}
	return nil
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		HTTPAddr:  EnvString("IMCHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("IMCHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("IMCHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("IMCHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("IMCHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("IMCHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("IMCHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("IMCHAT_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL: EnvString("IMCHAT_DATABASE_URL", ""),
		DBSchema:    EnvString("IMCHAT_DB_SCHEMA", "imchat"),
		DBMaxConns:  EnvInt32("IMCHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("IMCHAT_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("IMCHAT_REDIS_ADDR", ""),
		RedisPassword: EnvString("IMCHAT_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("IMCHAT_REDIS_DB", 0),
		RedisPoolSize: EnvInt("IMCHAT_REDIS_POOL_SIZE", 10),

		StoreOpTimeout: EnvDuration("IMCHAT_STORE_OP_TIMEOUT", 2*time.Second),

		ReadinessRequireDB: EnvBool("IMCHAT_READINESS_REQUIRE_DB", false),
	}

	var err error
	if cfg.Cache, err = cachemgr.LoadConfigFromEnv(); err != nil {
		return Config{}, err
	}
	if cfg.Sequence, err = sequence.LoadConfigFromEnv(); err != nil {
		return Config{}, err
	}
	if cfg.Idempotency, err = idempotency.LoadConfigFromEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
