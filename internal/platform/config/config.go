package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hengadev/errsx"
	"github.com/joho/godotenv"

	strs "medguard/pkg/platform/strings"
)

// Development defaults. Validate refuses them outside development.
const (
	devJWTSigningKey = "dev-secret-key-change-in-production"
	devMasterSecret  = "dev-master-secret-change-in-production"
)

// Config is the full service configuration.
type Config struct {
	Environment string
	Server      Server
	Auth        Auth
	Crypto      Crypto
	Postgres    PostgresConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Log         LogConfig
	Access      AccessConfig
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Auth configures bearer token verification.
type Auth struct {
	JWTSigningKey string
	Issuer        string
	Audience      string
}

// Crypto configures field-level encryption of PHI.
type Crypto struct {
	MasterSecret string
	Salt         string
}

// PostgresConfig is optional; an empty DSN keeps audit and directory data in
// memory.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// RedisConfig is optional; an empty URL disables the directory cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CacheTTL     time.Duration
}

// KafkaConfig is optional; no brokers disables the security stream.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

// AccessConfig configures authorization and break-glass.
type AccessConfig struct {
	PolicyFile           string
	BreakGlassFailClosed bool
}

// FromEnv builds the config from environment variables so main stays lean.
// A .env file in the working directory is loaded first when present;
// variables already set in the environment win.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var errs errsx.Map
	cfg := Config{
		Environment: getenv("MEDGUARD_ENV", "development"),
		Server: Server{
			Addr:            getenv("MEDGUARD_ADDR", ":8080"),
			ShutdownTimeout: duration("MEDGUARD_SHUTDOWN_TIMEOUT", 10*time.Second, &errs),
		},
		Auth: Auth{
			JWTSigningKey: getenv("JWT_SIGNING_KEY", devJWTSigningKey),
			Issuer:        getenv("JWT_ISSUER", "medguard"),
			Audience:      getenv("JWT_AUDIENCE", "medguard-api"),
		},
		Crypto: Crypto{
			MasterSecret: getenv("ENCRYPTION_MASTER_SECRET", devMasterSecret),
			Salt:         os.Getenv("ENCRYPTION_SALT"),
		},
		Postgres: PostgresConfig{
			DSN:      os.Getenv("DATABASE_URL"),
			MaxConns: int32(integer("DATABASE_MAX_CONNS", 10, &errs)),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     integer("REDIS_POOL_SIZE", 10, &errs),
			MinIdleConns: integer("REDIS_MIN_IDLE_CONNS", 2, &errs),
			DialTimeout:  duration("REDIS_DIAL_TIMEOUT", 5*time.Second, &errs),
			ReadTimeout:  duration("REDIS_READ_TIMEOUT", 3*time.Second, &errs),
			WriteTimeout: duration("REDIS_WRITE_TIMEOUT", 3*time.Second, &errs),
			CacheTTL:     duration("DIRECTORY_CACHE_TTL", 10*time.Minute, &errs),
		},
		Kafka: KafkaConfig{
			Brokers: strs.SplitList(os.Getenv("KAFKA_BROKERS"), ","),
			Topic:   getenv("KAFKA_SECURITY_TOPIC", "medguard.audit.security"),
		},
		Log: LogConfig{
			Level:  getenv("LOG_LEVEL", "info"),
			Format: getenv("LOG_FORMAT", "json"),
		},
		Access: AccessConfig{
			PolicyFile:           getenv("POLICY_FILE", "configs/policies.yaml"),
			BreakGlassFailClosed: boolean("BREAK_GLASS_FAIL_CLOSED", false, &errs),
		},
	}
	if err := errs.AsError(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the config is usable. Development secrets are only allowed
// in development.
func (c Config) Validate() error {
	var errs errsx.Map
	if c.Server.Addr == "" {
		errs.Set("MEDGUARD_ADDR", errors.New("is required"))
	}
	if len(c.Auth.JWTSigningKey) < 32 {
		errs.Set("JWT_SIGNING_KEY", errors.New("must be at least 32 bytes"))
	}
	if len(c.Crypto.MasterSecret) < 32 {
		errs.Set("ENCRYPTION_MASTER_SECRET", errors.New("must be at least 32 bytes"))
	}
	if c.Environment != "development" {
		if c.Auth.JWTSigningKey == devJWTSigningKey {
			errs.Set("JWT_SIGNING_KEY", errors.New("must be set outside development"))
		}
		if c.Crypto.MasterSecret == devMasterSecret {
			errs.Set("ENCRYPTION_MASTER_SECRET", errors.New("must be set outside development"))
		}
	}
	if c.Postgres.MaxConns < 1 {
		errs.Set("DATABASE_MAX_CONNS", errors.New("must be positive"))
	}
	if c.Redis.PoolSize < 1 {
		errs.Set("REDIS_POOL_SIZE", errors.New("must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs.Set("KAFKA_SECURITY_TOPIC", errors.New("is required when brokers are set"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs.Set("LOG_FORMAT", fmt.Errorf("unknown format %q", c.Log.Format))
	}
	if c.Access.PolicyFile == "" {
		errs.Set("POLICY_FILE", errors.New("is required"))
	}
	return errs.AsError()
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration, errs *errsx.Map) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		errs.Set(key, err)
		return fallback
	}
	return d
}

func integer(key string, fallback int, errs *errsx.Map) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		errs.Set(key, err)
		return fallback
	}
	return n
}

func boolean(key string, fallback bool, errs *errsx.Map) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		errs.Set(key, err)
		return fallback
	}
	return b
}
