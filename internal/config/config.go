// Package config loads application configuration from YAML, .env files and
// the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pew-pew-pew/pew/internal/logging"
)

// Config is the root configuration document.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Session   SessionConfig   `yaml:"session"`
	Auth      AuthConfig      `yaml:"auth"`
	Views     ViewsConfig     `yaml:"views"`
	Cache     CacheConfig     `yaml:"cache"`
	Thumbs    ThumbsConfig    `yaml:"thumbnails"`
	Logging   logging.Config  `yaml:"logging"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Routes    []RouteConfig   `yaml:"routes"`
	Models    []ModelConfig   `yaml:"models"`
	Jobs      JobsConfig      `yaml:"jobs"`
}

// AppConfig holds framework-wide settings.
type AppConfig struct {
	Name              string `yaml:"name" env:"PEW_APP_NAME"`
	Debug             bool   `yaml:"debug" env:"PEW_DEBUG"`
	DefaultController string `yaml:"default_controller"`
	DefaultAction     string `yaml:"default_action"`
	StaticDir         string `yaml:"static_dir"`
	StaticPrefix      string `yaml:"static_prefix"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"PEW_HOST"`
	Port            int           `yaml:"port" env:"PEW_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the SQL driver and pool limits.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"PEW_DATABASE_DRIVER"`
	DSN             string        `yaml:"dsn" env:"PEW_DATABASE_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// SessionConfig configures session storage and cookies.
type SessionConfig struct {
	Store      string        `yaml:"store" env:"PEW_SESSION_STORE"` // memory | redis
	Prefix     string        `yaml:"prefix"`
	CookieName string        `yaml:"cookie_name"`
	TTL        time.Duration `yaml:"ttl"`
	Secure     bool          `yaml:"secure"`
	RedisAddr  string        `yaml:"redis_addr" env:"PEW_REDIS_ADDR"`
	RedisDB    int           `yaml:"redis_db"`
	RedisPass  string        `yaml:"redis_password" env:"PEW_REDIS_PASSWORD"`
}

// AuthConfig configures credential checks and API tokens.
type AuthConfig struct {
	Table         string        `yaml:"table"`
	UsernameField string        `yaml:"username_field"`
	PasswordField string        `yaml:"password_field"`
	LoginPath     string        `yaml:"login_path"`
	Protected     []string      `yaml:"protected"`
	JWTSecret     string        `yaml:"jwt_secret" env:"PEW_JWT_SECRET"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
}

// ViewsConfig configures template lookup.
type ViewsConfig struct {
	Dir       string `yaml:"dir"`
	Layout    string `yaml:"layout"`
	Extension string `yaml:"extension"`
	Reload    bool   `yaml:"reload"`
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	Driver string `yaml:"driver"` // file | bolt
	Dir    string `yaml:"dir"`
	Path   string `yaml:"path"`
}

// ThumbsConfig configures on-demand thumbnails. Sizes limits the allowed
// WxH values; empty allows any size up to MaxSize.
type ThumbsConfig struct {
	Root    string   `yaml:"root"`
	Dir     string   `yaml:"dir"`
	Prefix  string   `yaml:"prefix"`
	Quality int      `yaml:"quality"`
	MaxSize int      `yaml:"max_size"`
	Sizes   []string `yaml:"sizes"`
}

// CORSConfig lists allowed origins.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig configures the per-client limiter. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// RouteConfig maps a URL pattern onto a controller path.
type RouteConfig struct {
	Pattern string   `yaml:"pattern"`
	Target  string   `yaml:"target"`
	Methods []string `yaml:"methods"`
}

// ModelConfig declares a model from configuration.
type ModelConfig struct {
	Name       string                    `yaml:"name"`
	Table      string                    `yaml:"table"`
	PrimaryKey string                    `yaml:"primary_key"`
	Timestamps bool                      `yaml:"timestamps"`
	HasMany    map[string]RelationConfig `yaml:"has_many"`
	HasOne     map[string]RelationConfig `yaml:"has_one"`
	BelongsTo  map[string]RelationConfig `yaml:"belongs_to"`
}

// RelationConfig points a relationship at another model.
type RelationConfig struct {
	Model      string   `yaml:"model"`
	ForeignKey string   `yaml:"foreign_key"`
	OrderBy    []string `yaml:"order_by"`
}

// JobsConfig holds cron specs for housekeeping jobs. Empty disables a job.
type JobsConfig struct {
	SessionGC   string        `yaml:"session_gc"`
	CachePurge  string        `yaml:"cache_purge"`
	CacheMaxAge time.Duration `yaml:"cache_max_age"`

	LimiterCleanup string        `yaml:"limiter_cleanup"`
	LimiterIdle    time.Duration `yaml:"limiter_idle"`
}

// Default returns a configuration usable for local development.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:              "pew",
			DefaultController: "pages",
			DefaultAction:     "index",
			StaticDir:         "www",
			StaticPrefix:      "/static/",
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "file:pew.db?_pragma=foreign_keys(1)",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Session: SessionConfig{
			Store:      "memory",
			Prefix:     "pew",
			CookieName: "pew_session",
			TTL:        24 * time.Hour,
		},
		Auth: AuthConfig{
			Table:         "users",
			UsernameField: "username",
			PasswordField: "password",
			LoginPath:     "/users/login",
			TokenTTL:      24 * time.Hour,
		},
		Views: ViewsConfig{
			Dir:       "views",
			Layout:    "default",
			Extension: ".html",
		},
		Cache: CacheConfig{
			Driver: "file",
			Dir:    "cache",
		},
		Thumbs: ThumbsConfig{
			Root:    "www/img",
			Dir:     "www/thumbs",
			Prefix:  "/thumbs/",
			Quality: 85,
			MaxSize: 2000,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Jobs: JobsConfig{
			SessionGC:   "@every 10m",
			CachePurge:  "@hourly",
			CacheMaxAge: 24 * time.Hour,

			LimiterCleanup: "@every 5m",
			LimiterIdle:    10 * time.Minute,
		},
	}
}

// Load reads the YAML file at path on top of Default, loads an optional .env
// file next to the working directory and applies PEW_* environment overrides.
// A missing config file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields tagged with `env` from the environment.
func ApplyEnv(cfg *Config) error {
	targets := []interface{}{&cfg.App, &cfg.Server, &cfg.Database, &cfg.Session, &cfg.Auth}
	for _, target := range targets {
		if err := envdecode.Decode(target); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return fmt.Errorf("decode environment: %w", err)
		}
	}
	return nil
}

// Validate checks the fields the framework cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.App.Name) == "" {
		return fmt.Errorf("app.name is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Session.Store {
	case "", "memory":
	case "redis":
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("session.redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("session.store %q not supported", c.Session.Store)
	}
	switch c.Cache.Driver {
	case "", "file", "bolt":
	default:
		return fmt.Errorf("cache.driver %q not supported", c.Cache.Driver)
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("models[%d]: name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("models[%d]: duplicate model %q", i, m.Name)
		}
		seen[m.Name] = true
	}
	for i, route := range c.Routes {
		if route.Pattern == "" || route.Target == "" {
			return fmt.Errorf("routes[%d]: pattern and target are required", i)
		}
	}
	return nil
}
