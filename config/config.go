// Package config loads runtime settings from .env, an optional YAML file and
// the process environment, in that order of increasing priority.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Nested fields are read only
// under their section prefix (DATABASE_DSN, REDIS_PASSWORD, MINIO_BUCKET).
type Config struct {
	Port      string `envconfig:"PORT" yaml:"port"`
	JWTSecret string `envconfig:"JWT_SECRET" yaml:"-"`

	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	RateLimit RateLimitConfig `envconfig:"RATE_LIMIT" yaml:"rate_limit"`
	MinIO     MinIOConfig     `envconfig:"MINIO" yaml:"minio"`
	Fallback  FallbackConfig  `yaml:"fallback" ignored:"true"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Driver string `split_words:"true" yaml:"driver"`
	DSN    string `split_words:"true" yaml:"dsn"`
}

// RedisConfig is optional; an empty Addr disables the knowledge mirror.
type RedisConfig struct {
	Addr     string `split_words:"true" yaml:"addr"`
	Password string `split_words:"true" yaml:"-"`
	DB       int    `split_words:"true" yaml:"db"`
}

type LogConfig struct {
	Level  string `split_words:"true" yaml:"level"`
	Format string `split_words:"true" yaml:"format"`
}

type KnowledgeConfig struct {
	RefreshInterval time.Duration `split_words:"true" yaml:"refresh_interval"`
	SnapshotTTL     time.Duration `split_words:"true" yaml:"snapshot_ttl"`
	SeedPath        string        `split_words:"true" yaml:"seed_path"`
}

type AnalyticsConfig struct {
	Buffer int `split_words:"true" yaml:"buffer"`
}

type RateLimitConfig struct {
	RPS   float64 `split_words:"true" yaml:"rps"`
	Burst int     `split_words:"true" yaml:"burst"`
}

type MinIOConfig struct {
	Endpoint  string `split_words:"true" yaml:"endpoint"`
	AccessKey string `split_words:"true" yaml:"-"`
	SecretKey string `split_words:"true" yaml:"-"`
	Bucket    string `split_words:"true" yaml:"bucket"`
	UseSSL    bool   `split_words:"true" yaml:"use_ssl"`
}

// Enabled reports whether enough settings are present to build a client.
func (m MinIOConfig) Enabled() bool {
	return m.Endpoint != "" && m.AccessKey != "" && m.SecretKey != "" && m.Bucket != ""
}

// FallbackConfig overrides the built-in "no answer" replies.
type FallbackConfig struct {
	Responses []string `yaml:"responses"`
	Apology   string   `yaml:"apology"`
}

// Load reads .env (if present), then configPath (if not empty), then the
// environment, and validates the result.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	setDefaults(cfg)

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("config: process env: %w", err)
	}

	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Port = "8080"
	cfg.Log = LogConfig{Level: "info", Format: "json"}
	cfg.Knowledge = KnowledgeConfig{
		RefreshInterval: time.Minute,
		SnapshotTTL:     24 * time.Hour,
	}
	cfg.Analytics = AnalyticsConfig{Buffer: 256}
	cfg.RateLimit = RateLimitConfig{RPS: 5, Burst: 10}
	cfg.CORSOrigins = []string{"http://localhost:3000"}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Port) == "" {
		errs = append(errs, "PORT must not be empty")
	}
	switch c.Database.Driver {
	case "", "mysql", "postgres", "postgresql", "pg", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Knowledge.RefreshInterval <= 0 {
		errs = append(errs, "KNOWLEDGE_REFRESH_INTERVAL must be positive")
	}
	if c.Knowledge.SnapshotTTL <= 0 {
		errs = append(errs, "KNOWLEDGE_SNAPSHOT_TTL must be positive")
	}
	if c.Analytics.Buffer <= 0 {
		errs = append(errs, "ANALYTICS_BUFFER must be positive")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, "rate limit settings must not be negative")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unsupported log format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
