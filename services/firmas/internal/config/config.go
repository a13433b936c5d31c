// Package config loads the firmas service configuration: code defaults,
// then an optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const PathEnv = "FIRMAS_CONFIG_PATH"

type Config struct {
	Port        string `yaml:"port" env:"SERVICE_PORT"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	// Store selects the repository backend: postgres or memory.
	Store string `yaml:"store" env:"FIRMAS_STORE"`

	ObjectStore string `yaml:"object_store" env:"FIRMAS_OBJECT_STORE"`
	S3          S3     `yaml:"s3"`

	Auth Auth `yaml:"auth"`

	ExpiryWindow     time.Duration `yaml:"expiry_window" env:"FIRMAS_EXPIRY_WINDOW"`
	RetryGrace       time.Duration `yaml:"retry_grace" env:"FIRMAS_RETRY_GRACE"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts" env:"FIRMAS_RETRY_MAX_ATTEMPTS"`

	ContractsURL   string `yaml:"contracts_url" env:"FIRMAS_CONTRACTS_URL"`
	RendererURL    string `yaml:"renderer_url" env:"FIRMAS_RENDERER_URL"`
	NotifierURL    string `yaml:"notifier_url" env:"FIRMAS_NOTIFIER_URL"`
	NotifierSecret string `yaml:"notifier_secret" env:"FIRMAS_NOTIFIER_SECRET"`

	RedisURL       string        `yaml:"redis_url" env:"REDIS_URL"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"FIRMAS_IDEMPOTENCY_TTL"`

	Tracing Tracing `yaml:"tracing"`
}

type Tracing struct {
	Endpoint    string  `yaml:"otel_endpoint" env:"FIRMAS_OTEL_ENDPOINT"`
	SampleRatio float64 `yaml:"otel_sample_ratio" env:"FIRMAS_OTEL_SAMPLE_RATIO"`
	Environment string  `yaml:"environment" env:"FIRMAS_ENVIRONMENT"`
}

type S3 struct {
	Bucket   string `yaml:"bucket" env:"FIRMAS_S3_BUCKET"`
	Region   string `yaml:"region" env:"FIRMAS_S3_REGION"`
	Endpoint string `yaml:"endpoint" env:"FIRMAS_S3_ENDPOINT"`
}

type Auth struct {
	JWTSecret   string `yaml:"jwt_secret" env:"FIRMAS_JWT_SECRET"`
	JWTIssuer   string `yaml:"jwt_issuer" env:"FIRMAS_JWT_ISSUER"`
	JWTAudience string `yaml:"jwt_audience" env:"FIRMAS_JWT_AUDIENCE"`
	// AllowAnyOperator lets any reviewer sign, not only the one assigned
	// to the application.
	AllowAnyOperator bool `yaml:"allow_any_operator" env:"FIRMAS_ALLOW_ANY_OPERATOR"`
}

func Default() Config {
	return Config{
		Port:             "8090",
		Store:            "postgres",
		ObjectStore:      "s3",
		S3:               S3{Region: "us-east-1"},
		ExpiryWindow:     7 * 24 * time.Hour,
		RetryGrace:       30 * time.Minute,
		RetryMaxAttempts: 3,
		IdempotencyTTL:   24 * time.Hour,
		Tracing:          Tracing{SampleRatio: 1},
	}
}

// Load builds the configuration. An empty path falls back to
// FIRMAS_CONFIG_PATH; a missing file at the default path is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = os.Getenv(PathEnv)
		explicit = path != ""
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config unmarshal: %w", err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, fmt.Errorf("config load: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.ObjectStore = strings.ToLower(strings.TrimSpace(cfg.ObjectStore))
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when FIRMAS_STORE=postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("FIRMAS_STORE must be postgres or memory, got %q", c.Store))
	}
	switch c.ObjectStore {
	case "s3":
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("FIRMAS_S3_BUCKET is required when FIRMAS_OBJECT_STORE=s3"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("FIRMAS_OBJECT_STORE must be s3 or memory, got %q", c.ObjectStore))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("FIRMAS_JWT_SECRET is required"))
	}
	if c.ExpiryWindow <= 0 {
		errs = append(errs, errors.New("FIRMAS_EXPIRY_WINDOW must be positive"))
	}
	if c.RetryMaxAttempts <= 0 {
		errs = append(errs, errors.New("FIRMAS_RETRY_MAX_ATTEMPTS must be positive"))
	}
	if c.RetryGrace < 0 || c.IdempotencyTTL < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("FIRMAS_OTEL_SAMPLE_RATIO must be within [0, 1]"))
	}
	if c.NotifierURL != "" && c.NotifierSecret == "" {
		errs = append(errs, errors.New("FIRMAS_NOTIFIER_SECRET is required with FIRMAS_NOTIFIER_URL"))
	}
	return errors.Join(errs...)
}
