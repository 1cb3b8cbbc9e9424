package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	extErrors "github.com/pkg/errors"
)

// Config holds everything the process reads from the environment. DATABASE_URL
// and SUPABASE_JWT_SECRET are hard requirements; a missing Stripe key degrades
// the server into basic mode (health/diagnostics only, no billing routes).
type Config struct {
	Environment string `env:"API_ENV" envDefault:"development"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8000"`

	// AppTag scopes profiles, plans and billing events when the Stripe account
	// is shared between multiple apps.
	AppTag string `env:"APP_TAG" envDefault:"recipetuner"`

	DatabaseURL       string `env:"DATABASE_URL,required,notEmpty"`
	SupabaseJWTSecret string `env:"SUPABASE_JWT_SECRET,required,notEmpty"`

	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"2"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"1h"`

	StripeSecretKey         string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret     string `env:"STRIPE_WEBHOOK_SECRET"`
	StripeWebhookSecretTest string `env:"STRIPE_WEBHOOK_SECRET_TEST"`

	RedisURI      string `env:"REDIS_URI"`
	RedisPassword string `env:"REDIS_PW"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:8081,https://recipetuner.com,https://www.recipetuner.com"`

	TrialPeriodDays int64 `env:"TRIAL_PERIOD_DAYS" envDefault:"7"`
}

// Load parses the environment into a Config. godotenv is expected to have
// populated os.Environ beforehand (see cmd/api).
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, extErrors.Wrap(err, "Cannot parse configurations from environment")
	}
	return &cfg, nil
}

// BasicMode reports whether the server starts without billing credentials.
func (c *Config) BasicMode() bool {
	return c.StripeSecretKey == ""
}

// TestMode reports whether the configured Stripe key is a test mode key.
func (c *Config) TestMode() bool {
	return strings.HasPrefix(c.StripeSecretKey, "sk_test_")
}

// EndpointSecret returns the webhook signing secret matching the key mode.
func (c *Config) EndpointSecret() string {
	if c.TestMode() {
		return c.StripeWebhookSecretTest
	}
	return c.StripeWebhookSecret
}

// Production reports whether API_ENV selects the production environment.
func (c *Config) Production() bool {
	return c.Environment == "production"
}
