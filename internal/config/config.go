package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the service configuration loaded from flags, environment
// variables, .env files and an optional YAML file.
type Config struct {
	Port           string
	DatabaseURL    string
	DatabaseDriver string

	RedisURL string
	LockTTL  time.Duration
	LockWait time.Duration

	LogLevel  string
	LogFormat string

	ShutdownTimeout time.Duration
	ConfigFile      string
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "./identity.db")
	v.SetDefault("database_driver", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("lock_ttl", 10*time.Second)
	v.SetDefault("lock_wait", 5*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// Load reads configuration in order of precedence:
// 1. flags bound to v by the caller
// 2. environment variables (PORT, DATABASE_URL, ...)
// 3. .env in the working directory
// 4. the file named by "config", or ./identity.yaml
// 5. defaults
func Load(v *viper.Viper) (*Config, error) {
	// .env never overrides variables already set in the environment
	_ = godotenv.Load()

	SetDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("identity")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		Port:            v.GetString("port"),
		DatabaseURL:     v.GetString("database_url"),
		DatabaseDriver:  v.GetString("database_driver"),
		RedisURL:        v.GetString("redis_url"),
		LockTTL:         v.GetDuration("lock_ttl"),
		LockWait:        v.GetDuration("lock_wait"),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		ConfigFile:      v.ConfigFileUsed(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port must not be empty")
	}
	if c.DatabaseURL == "" && c.DatabaseDriver != "memory" {
		return errors.New("database_url must not be empty")
	}
	switch c.DatabaseDriver {
	case "", "sqlite3", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported database_driver %q", c.DatabaseDriver)
	}
	if c.LockTTL <= 0 || c.LockWait <= 0 {
		return errors.New("lock_ttl and lock_wait must be positive")
	}
	return nil
}
