package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Auth      AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Notify    NotifyConfig    `toml:"notify"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Log       LogConfig       `toml:"log"`
	Families  []FamilyConfig  `toml:"families"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr" env:"KARMA_ADDR"`
	AllowedOrigins []string `toml:"allowed_origins" env:"KARMA_ALLOWED_ORIGINS"`
}

type StorageConfig struct {
	Driver      string `toml:"driver" env:"KARMA_STORAGE_DRIVER"`
	SQLitePath  string `toml:"sqlite_path" env:"KARMA_SQLITE_PATH"`
	PostgresDSN string `toml:"postgres_dsn" env:"KARMA_POSTGRES_DSN"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret" env:"KARMA_JWT_SECRET"`
	Issuer    string `toml:"issuer" env:"KARMA_JWT_ISSUER"`
}

type RateLimitConfig struct {
	RPS   float64 `toml:"rps" env:"KARMA_RATELIMIT_RPS"`
	Burst int     `toml:"burst" env:"KARMA_RATELIMIT_BURST"`
}

type NotifyConfig struct {
	Driver       string `toml:"driver" env:"KARMA_NOTIFY_DRIVER"`
	RedisAddr    string `toml:"redis_addr" env:"KARMA_REDIS_ADDR"`
	RedisChannel string `toml:"redis_channel" env:"KARMA_REDIS_CHANNEL"`
}

type ReconcileConfig struct {
	Enabled  bool   `toml:"enabled" env:"KARMA_RECONCILE_ENABLED"`
	Schedule string `toml:"schedule" env:"KARMA_RECONCILE_SCHEDULE"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"KARMA_LOG_LEVEL"`
	Format string `toml:"format" env:"KARMA_LOG_FORMAT"`
}

// FamilyConfig seeds the membership directory.
type FamilyConfig struct {
	ID      string         `toml:"id"`
	Members []MemberConfig `toml:"members"`
}

type MemberConfig struct {
	UserID string `toml:"user_id"`
	Role   string `toml:"role"`
	Name   string `toml:"name"`
}

const defaultJWTSecret = "change-me-in-production"

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "karma.db",
		},
		Auth: AuthConfig{
			JWTSecret: defaultJWTSecret,
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
		Notify: NotifyConfig{
			Driver:       "log",
			RedisAddr:    "localhost:6379",
			RedisChannel: "karma.events",
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Schedule: "@every 1h",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load overlays, in order: defaults, the TOML file at path (missing file is
// not an error), a .env file in the working directory, and KARMA_*
// environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	switch c.Notify.Driver {
	case "log", "none":
	case "redis":
		if c.Notify.RedisAddr == "" {
			return errors.New("notify.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown notify.driver %q", c.Notify.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must not be empty")
	}
	// Anyone can sign tokens with the published default. Only the
	// throwaway memory driver may run with it.
	if c.InsecureSecret() && c.Storage.Driver != "memory" {
		return fmt.Errorf("auth.jwt_secret is the default value; set KARMA_JWT_SECRET to use the %s driver", c.Storage.Driver)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("ratelimit values must not be negative")
	}

	for _, f := range c.Families {
		if f.ID == "" {
			return errors.New("families: id is required")
		}
		for _, m := range f.Members {
			if m.UserID == "" {
				return fmt.Errorf("families.%s: member without user_id", f.ID)
			}
			if r := strings.ToLower(m.Role); r != "parent" && r != "child" {
				return fmt.Errorf("families.%s.%s: role must be parent or child, got %q", f.ID, m.UserID, m.Role)
			}
		}
	}
	return nil
}

// InsecureSecret reports whether the JWT secret is still the default.
func (c *Config) InsecureSecret() bool {
	return c.Auth.JWTSecret == defaultJWTSecret
}
