// Package config loads normalizer.yml and NORMALIZER_ environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conduit-lang/normalizer/internal/cache"
	"github.com/conduit-lang/normalizer/internal/orm/store"
	"github.com/spf13/viper"
)

// Config represents the normalizer configuration
type Config struct {
	Mapping    string              `mapstructure:"mapping"`
	Normalizer NormalizerConfig    `mapstructure:"normalizer"`
	Database   DatabaseConfig      `mapstructure:"database"`
	Cache      CacheConfig         `mapstructure:"cache"`
	Log        LogConfig           `mapstructure:"log"`
	Roles      map[string][]string `mapstructure:"roles"`
}

// NormalizerConfig configures the engine defaults
type NormalizerConfig struct {
	MaxDepth             int            `mapstructure:"max_depth"`
	ImplicitBreadthFirst bool           `mapstructure:"implicit_breadth_first"`
	EntityBatching       bool           `mapstructure:"entity_batching"`
	CollectionBatching   bool           `mapstructure:"collection_batching"`
	DefaultContext       DefaultContext `mapstructure:"default_context"`
}

// DefaultContext holds request defaults
type DefaultContext struct {
	Groups []string `mapstructure:"groups"`
}

// DatabaseConfig selects the store backend
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

// CacheConfig configures the row cache in front of the SQL backend
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	Prefix        string        `mapstructure:"prefix"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// CacheOptions converts the cache section to cache.Config
func (c CacheConfig) CacheOptions() cache.Config {
	return cache.Config{
		Backend:       c.Backend,
		DefaultTTL:    c.TTL,
		Prefix:        c.Prefix,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
	}
}

// Load reads normalizer.yml or normalizer.yaml from dir. A missing file
// leaves the defaults in place.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("normalizer")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	v.SetEnvPrefix("NORMALIZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Mapping != "" && !filepath.IsAbs(cfg.Mapping) {
		cfg.Mapping = filepath.Join(dir, cfg.Mapping)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := cache.DefaultConfig()

	v.SetDefault("mapping", "mapping.yml")
	v.SetDefault("normalizer.max_depth", 16)
	v.SetDefault("normalizer.implicit_breadth_first", false)
	v.SetDefault("normalizer.entity_batching", true)
	v.SetDefault("normalizer.collection_batching", true)
	v.SetDefault("normalizer.default_context.groups", []string{})
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.url", "")
	v.SetDefault("cache.backend", defaults.Backend)
	v.SetDefault("cache.ttl", defaults.DefaultTTL)
	v.SetDefault("cache.prefix", defaults.Prefix)
	v.SetDefault("cache.redis_addr", defaults.RedisAddr)
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// DatabaseURL returns DATABASE_URL when set, else the configured URL
func (c *Config) DatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	return c.Database.URL
}

func validateConfig(cfg *Config) error {
	if cfg.Normalizer.MaxDepth <= 0 {
		return fmt.Errorf("normalizer.max_depth must be positive, got: %d", cfg.Normalizer.MaxDepth)
	}
	if _, err := store.DialectFor(cfg.Database.Driver); err != nil {
		return fmt.Errorf("database.driver: %w", err)
	}
	switch cfg.Cache.Backend {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("cache.backend must be one of none, memory, redis, got: %s", cfg.Cache.Backend)
	}
	if cfg.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got: %s", cfg.Cache.TTL)
	}
	return nil
}
