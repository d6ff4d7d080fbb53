package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the comfyrun gateway.
type Config struct {
	Server    ServerConfig
	Metrics   MetricsConfig
	Comfy     ComfyConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	LogLevel  slog.Level
}

type ServerConfig struct {
	Port int
}

type MetricsConfig struct {
	Port int
}

type ComfyConfig struct {
	Addr                    string
	Secure                  bool
	Debug                   bool
	Timeout                 time.Duration
	FailPendingOnDisconnect bool
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL          string
	JobStatusTTL time.Duration
}

type RateLimitConfig struct {
	PerMinute int
}

// Load reads configuration from environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("COMFYRUN_PORT", 8080),
		},
		Metrics: MetricsConfig{
			Port: envInt("METRICS_PORT", 9090),
		},
		Comfy: ComfyConfig{
			Addr:                    os.Getenv("COMFY_ADDR"),
			Secure:                  envBool("COMFY_SECURE", false),
			Debug:                   envBool("COMFY_DEBUG", false),
			Timeout:                 envDuration("COMFY_TIMEOUT", 30*time.Second),
			FailPendingOnDisconnect: envBool("COMFY_FAIL_PENDING_ON_DISCONNECT", false),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			JobStatusTTL: envDuration("JOB_STATUS_TTL", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MIN", 60),
		},
	}

	level, err := parseLevel(envString("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Comfy.Addr == "" {
		return fmt.Errorf("COMFY_ADDR is required")
	}
	if strings.Contains(c.Comfy.Addr, "://") &&
		!strings.HasPrefix(c.Comfy.Addr, "http://") && !strings.HasPrefix(c.Comfy.Addr, "https://") {
		return fmt.Errorf("COMFY_ADDR must be host:port or start with http:// or https://, got %q", c.Comfy.Addr)
	}
	if c.Comfy.Timeout <= 0 {
		return fmt.Errorf("COMFY_TIMEOUT must be positive, got %s", c.Comfy.Timeout)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Server.Port == c.Metrics.Port {
		return fmt.Errorf("METRICS_PORT must differ from COMFYRUN_PORT (%d)", c.Server.Port)
	}

	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must be positive, got %d", c.RateLimit.PerMinute)
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", s)
	}
	return level, nil
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
