// Package config loads kestrel configuration from layered sources:
// built-in defaults, an optional YAML file, and KESTREL_-prefixed
// environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before mapping them to
// config paths: KESTREL_SERVER_LISTEN -> server.listen.
const EnvPrefix = "KESTREL_"

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Store   StoreConfig   `koanf:"store"`
	Cache   CacheConfig   `koanf:"cache"`
	Engine  EngineConfig  `koanf:"engine"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen          string        `koanf:"listen"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig selects and configures the tuple store backend.
type StoreConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `koanf:"backend"`
	// ConnString is the Postgres connection string, required when Backend
	// is "postgres".
	ConnString string `koanf:"conn_string"`
	// PollInterval is how often the Postgres change stream polls the
	// changelog.
	PollInterval time.Duration `koanf:"poll_interval"`
}

// CacheConfig configures the check decision cache.
type CacheConfig struct {
	Enabled bool          `koanf:"enabled"`
	Size    int           `koanf:"size"`
	TTL     time.Duration `koanf:"ttl"`
}

// EngineConfig configures evaluation budgets.
type EngineConfig struct {
	MaxDepth    int   `koanf:"max_depth"`
	MaxVisits   int64 `koanf:"max_visits"`
	MaxParallel int   `koanf:"max_parallel"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `koanf:"level"`
	// Format is "text" or "json".
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:      "memory",
			PollInterval: 100 * time.Millisecond,
		},
		Cache: CacheConfig{
			Enabled: false,
			Size:    65536,
			TTL:     10 * time.Second,
		},
		Engine: EngineConfig{
			MaxDepth:    32,
			MaxVisits:   65536,
			MaxParallel: 16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty or the file does not exist), and environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// KESTREL_STORE_CONN_STRING does not map cleanly through underscore
	// splitting, so only the first underscore becomes a path separator.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.Replace(s, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.ConnString == "" {
			return fmt.Errorf("store.conn_string is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}

	if c.Engine.MaxDepth <= 0 || c.Engine.MaxVisits <= 0 || c.Engine.MaxParallel <= 0 {
		return fmt.Errorf("engine budgets must be positive")
	}
	if c.Cache.Enabled && c.Cache.Size <= 0 {
		return fmt.Errorf("cache.size must be positive when the cache is enabled")
	}
	return nil
}
