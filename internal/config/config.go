// Package config loads the entitlesyncd configuration from a YAML file and
// ENTITLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the daemon configuration
type Config struct {
	Env         string `yaml:"env" env:"ENTITLE_ENV" env-default:"production"`
	LogLevel    string `yaml:"log_level" env:"ENTITLE_LOG_LEVEL" env-default:"info"`
	HTTPServer  `yaml:"http_server"`
	Storage     `yaml:"storage"`
	Stripe      `yaml:"stripe"`
	Entitlement `yaml:"entitlement"`
}

// HTTPServer configures the listener
type HTTPServer struct {
	Address         string        `yaml:"address" env:"ENTITLE_HTTP_ADDRESS" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"ENTITLE_HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"ENTITLE_HTTP_WRITE_TIMEOUT" env-default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"ENTITLE_HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"ENTITLE_HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`

	// UserIDHeader carries the caller's user id, set by the authenticating proxy
	UserIDHeader string `yaml:"user_id_header" env:"ENTITLE_HTTP_USER_ID_HEADER" env-default:"X-User-ID"`

	// TrustForwardedFor keys the webhook rate limit on X-Forwarded-For
	TrustForwardedFor bool `yaml:"trust_forwarded_for" env:"ENTITLE_HTTP_TRUST_FORWARDED_FOR"`
}

// Storage selects and configures the store backend
type Storage struct {
	Driver      string        `yaml:"driver" env:"ENTITLE_STORAGE_DRIVER" env-default:"memory"`
	PostgresDSN string        `yaml:"postgres_dsn" env:"ENTITLE_POSTGRES_DSN"`
	SkipMigrate bool          `yaml:"skip_migrate" env:"ENTITLE_POSTGRES_SKIP_MIGRATE"`
	RedisAddr   string        `yaml:"redis_addr" env:"ENTITLE_REDIS_ADDR"`
	RedisUser   string        `yaml:"redis_user" env:"ENTITLE_REDIS_USER"`
	RedisPass   string        `yaml:"redis_password" env:"ENTITLE_REDIS_PASSWORD"`
	RedisDB     int           `yaml:"redis_db" env:"ENTITLE_REDIS_DB"`
	KeyPrefix   string        `yaml:"key_prefix" env:"ENTITLE_REDIS_KEY_PREFIX" env-default:"entitle:"`
	LedgerTTL   time.Duration `yaml:"ledger_ttl" env:"ENTITLE_LEDGER_TTL" env-default:"720h"`

	// CacheTTL enables an in-process user cache in front of the store (0 = off)
	CacheTTL  time.Duration `yaml:"cache_ttl" env:"ENTITLE_CACHE_TTL"`
	CacheSize int           `yaml:"cache_size" env:"ENTITLE_CACHE_SIZE" env-default:"10000"`
}

// Stripe configures the billing provider
type Stripe struct {
	APIKey         string        `yaml:"api_key" env:"ENTITLE_STRIPE_API_KEY"`
	WebhookSecret  string        `yaml:"webhook_secret" env:"ENTITLE_STRIPE_WEBHOOK_SECRET"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout" env:"ENTITLE_STRIPE_RESOLVE_TIMEOUT" env-default:"10s"`

	// PriceTiers maps price ids to tiers, "*" sets the tier for unknown prices.
	// From the environment: "price_123:pro,price_456:team".
	PriceTiers map[string]string `yaml:"price_tiers" env:"ENTITLE_STRIPE_PRICE_TIERS"`

	WebhookRateLimit int `yaml:"webhook_rate_limit" env:"ENTITLE_STRIPE_WEBHOOK_RATE_LIMIT" env-default:"100"`
}

// Entitlement configures the reconciler and access gate
type Entitlement struct {
	WriteTimeout time.Duration `yaml:"write_timeout" env:"ENTITLE_WRITE_TIMEOUT" env-default:"10s"`

	// RevokeOnCancel denies canceled users immediately instead of at period end
	RevokeOnCancel bool          `yaml:"revoke_on_cancel" env:"ENTITLE_REVOKE_ON_CANCEL"`
	PastDueGrace   time.Duration `yaml:"past_due_grace" env:"ENTITLE_PAST_DUE_GRACE" env-default:"72h"`

	// Defaults are seeded into a user's settings on first activation
	Defaults map[string]string `yaml:"defaults" env:"ENTITLE_DEFAULTS"`
}

// Load reads the file named by CONFIG_PATH, if set, then the environment.
// Environment variables override file values.
func Load() (*Config, error) {
	var cfg Config

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected backends have what they need
func (c *Config) Validate() error {
	var errs []error

	switch c.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	case DriverRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Driver))
	}

	if strings.TrimSpace(c.Stripe.APIKey) == "" {
		errs = append(errs, errors.New("stripe.api_key is required"))
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		errs = append(errs, errors.New("stripe.webhook_secret is required"))
	}
	if c.UserIDHeader == "" {
		errs = append(errs, errors.New("http_server.user_id_header must not be empty"))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("storage.cache_ttl must not be negative"))
	}
	if c.PastDueGrace < 0 {
		errs = append(errs, errors.New("entitlement.past_due_grace must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// IsDevelopment reports whether human-readable logs were requested
func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "local"
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"HTTPServer:\n"+
			"  Address: %s\n"+
			"  UserIDHeader: %s\n"+
			"Storage:\n"+
			"  Driver: %s\n"+
			"  LedgerTTL: %s\n"+
			"Stripe:\n"+
			"  APIKey: %s\n"+
			"  WebhookSecret: %s\n"+
			"  PriceTiers: %d\n"+
			"Entitlement:\n"+
			"  RevokeOnCancel: %t\n"+
			"  PastDueGrace: %s\n",
		c.Env,
		c.Address,
		c.UserIDHeader,
		c.Driver,
		c.LedgerTTL,
		redact(c.Stripe.APIKey),
		redact(c.WebhookSecret),
		len(c.PriceTiers),
		c.RevokeOnCancel,
		c.PastDueGrace,
	)
}

func redact(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:8] + "****"
}
