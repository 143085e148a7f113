package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL        string        `mapstructure:"REDIS_URL"`
	CacheTTL        time.Duration `mapstructure:"CACHE_TTL"`
	CacheMaxEntries int           `mapstructure:"CACHE_MAX_ENTRIES"`

	NotifyWorkers   int           `mapstructure:"NOTIFY_WORKERS"`
	NotifyQueueSize int           `mapstructure:"NOTIFY_QUEUE_SIZE"`
	NotifyTimeout   time.Duration `mapstructure:"NOTIFY_TIMEOUT"`

	AuditWorkers   int `mapstructure:"AUDIT_WORKERS"`
	AuditQueueSize int `mapstructure:"AUDIT_QUEUE_SIZE"`

	HistoryRetention     time.Duration `mapstructure:"HISTORY_RETENTION"`
	HistoryPurgeInterval time.Duration `mapstructure:"HISTORY_PURGE_INTERVAL"`

	AuthSecret     string        `mapstructure:"AUTH_SECRET"`
	MaxBodySize    string        `mapstructure:"MAX_BODY_SIZE"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "CORS_ORIGINS",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CACHE_TTL", "CACHE_MAX_ENTRIES",
	"NOTIFY_WORKERS", "NOTIFY_QUEUE_SIZE", "NOTIFY_TIMEOUT",
	"AUDIT_WORKERS", "AUDIT_QUEUE_SIZE",
	"HISTORY_RETENTION", "HISTORY_PURGE_INTERVAL",
	"AUTH_SECRET", "MAX_BODY_SIZE", "REQUEST_TIMEOUT",
}

// Load reads configuration from the environment and an optional .env file.
// It does not validate; call Validate before using the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("STORE_BACKEND", BackendPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CACHE_TTL", 10*time.Minute)
	v.SetDefault("CACHE_MAX_ENTRIES", 10000)
	v.SetDefault("NOTIFY_WORKERS", 10)
	v.SetDefault("NOTIFY_QUEUE_SIZE", 25)
	v.SetDefault("NOTIFY_TIMEOUT", 10*time.Second)
	v.SetDefault("AUDIT_WORKERS", 2)
	v.SetDefault("AUDIT_QUEUE_SIZE", 100)
	v.SetDefault("HISTORY_RETENTION", 90*24*time.Hour)
	v.SetDefault("HISTORY_PURGE_INTERVAL", time.Hour)
	v.SetDefault("MAX_BODY_SIZE", "1M")
	v.SetDefault("REQUEST_TIMEOUT", 30*time.Second)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) must satisfy 0 <= min <= max, max > 0", c.DBMinConns, c.DBMaxConns)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StoreBackend)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"NOTIFY_WORKERS", c.NotifyWorkers},
		{"NOTIFY_QUEUE_SIZE", c.NotifyQueueSize},
		{"AUDIT_WORKERS", c.AuditWorkers},
		{"AUDIT_QUEUE_SIZE", c.AuditQueueSize},
		{"CACHE_MAX_ENTRIES", c.CacheMaxEntries},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT must be positive, got %s", c.NotifyTimeout)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	if c.HistoryRetention < 0 {
		return fmt.Errorf("HISTORY_RETENTION must not be negative, got %s", c.HistoryRetention)
	}
	if c.HistoryRetention > 0 && c.HistoryPurgeInterval <= 0 {
		return fmt.Errorf("HISTORY_PURGE_INTERVAL must be positive when HISTORY_RETENTION is set")
	}

	if c.IsProduction() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required in production")
	}
	return nil
}
