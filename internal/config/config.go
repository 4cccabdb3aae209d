package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"quota-backend/pkg/ratelimit"

	"github.com/joho/godotenv"
)

// Store backends selectable with STORE_BACKEND
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Port           string
	StoreBackend   string
	MongoURI       string
	Redis          RedisConfig
	SQLDriver      string
	SQLDSN         string
	JWTSecret      string
	JWTExpiry      time.Duration
	AllowedOrigins []string
	SweepInterval  time.Duration
	LogLevel       slog.Level
	RateLimit      RateLimitConfig
}

type RedisConfig struct {
	URL          string
	Host         string
	Port         string
	Password     string
	DB           int
	KeyPrefix    string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	RetryDelay   time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

type RateLimitConfig struct {
	Enabled            bool
	StoreTimeout       time.Duration
	FailOpenCategories []ratelimit.Category
	IPLimit            int
	IPWindow           time.Duration
	MaxAdhocWindow     time.Duration
	AutoBanThreshold   int
	AutoBanWindow      time.Duration
	AutoBanDuration    time.Duration
}

// Load reads .env when present, then the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	p := &parser{}
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		MongoURI:     os.Getenv("MONGO_URI"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     os.Getenv("REDIS_PASSWORD"),
			DB:           p.intVar("REDIS_DB", 0),
			KeyPrefix:    getEnv("REDIS_KEY_PREFIX", "ratelimit:"),
			PoolSize:     p.intVar("REDIS_POOL_SIZE", 10),
			MinIdleConns: p.intVar("REDIS_MIN_IDLE_CONNS", 2),
			MaxRetries:   p.intVar("REDIS_MAX_RETRIES", 3),
			RetryDelay:   p.durationVar("REDIS_RETRY_DELAY", 100*time.Millisecond),
			DialTimeout:  p.durationVar("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  p.durationVar("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.durationVar("REDIS_WRITE_TIMEOUT", 3*time.Second),
			PoolTimeout:  p.durationVar("REDIS_POOL_TIMEOUT", 4*time.Second),
		},
		SQLDriver:      strings.ToLower(os.Getenv("SQL_DRIVER")),
		SQLDSN:         os.Getenv("SQL_DSN"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTExpiry:      p.durationVar("JWT_EXPIRY", 24*time.Hour),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		SweepInterval:  p.durationVar("SWEEP_INTERVAL", 5*time.Minute),
		LogLevel:       p.levelVar("LOG_LEVEL", slog.LevelInfo),
		RateLimit: RateLimitConfig{
			Enabled:          p.boolVar("RATE_LIMIT_ENABLED", true),
			StoreTimeout:     p.durationVar("STORE_TIMEOUT", 250*time.Millisecond),
			IPLimit:          p.intVar("IP_RATE_LIMIT", 300),
			IPWindow:         p.durationVar("IP_RATE_WINDOW", time.Minute),
			MaxAdhocWindow:   p.durationVar("MAX_ADHOC_WINDOW", 7*24*time.Hour),
			AutoBanThreshold: p.intVar("AUTOBAN_THRESHOLD", 0),
			AutoBanWindow:    p.durationVar("AUTOBAN_WINDOW", 10*time.Minute),
			AutoBanDuration:  p.durationVar("AUTOBAN_DURATION", time.Hour),
		},
	}

	for _, c := range splitList(getEnv("FAIL_OPEN_CATEGORIES", string(ratelimit.CategoryIP))) {
		cfg.RateLimit.FailOpenCategories = append(cfg.RateLimit.FailOpenCategories, ratelimit.Category(strings.ToLower(c)))
	}

	if err := cfg.validate(); err != nil {
		p.errs = append(p.errs, err)
	}
	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendRedis:
	case BackendMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI environment variable is not set")
		}
	case BackendPostgres, BackendSQLite:
		if c.SQLDSN == "" {
			return errors.New("SQL_DSN environment variable is not set")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is not set")
	}
	if c.RateLimit.IPLimit <= 0 || c.RateLimit.IPWindow <= 0 {
		return errors.New("IP_RATE_LIMIT and IP_RATE_WINDOW must be positive")
	}
	if c.RateLimit.MaxAdhocWindow <= 0 || c.RateLimit.IPWindow > c.RateLimit.MaxAdhocWindow {
		return errors.New("MAX_ADHOC_WINDOW must be positive and at least IP_RATE_WINDOW")
	}
	return nil
}

// EngineConfig builds the rate limiter configuration. Categories named in
// FAIL_OPEN_CATEGORIES fail open; every other category fails closed.
func (c *Config) EngineConfig() *ratelimit.Config {
	rc := ratelimit.DefaultConfig()
	rc.Enabled = c.RateLimit.Enabled
	rc.StoreTimeout = c.RateLimit.StoreTimeout
	rc.MaxAdhocWindow = c.RateLimit.MaxAdhocWindow
	rc.AutoBanThreshold = c.RateLimit.AutoBanThreshold
	rc.AutoBanWindow = c.RateLimit.AutoBanWindow
	rc.AutoBanDuration = c.RateLimit.AutoBanDuration

	for category := range rc.FailurePolicy {
		rc.FailurePolicy[category] = ratelimit.FailClosed
	}
	for _, category := range c.RateLimit.FailOpenCategories {
		rc.FailurePolicy[category] = ratelimit.FailOpen
	}
	return rc
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects every malformed variable instead of stopping at the first
type parser struct {
	errs []error
}

func (p *parser) intVar(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (p *parser) boolVar(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func (p *parser) durationVar(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (p *parser) levelVar(key string, fallback slog.Level) slog.Level {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return level
}
