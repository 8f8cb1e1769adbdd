package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/pattern-settlement/internal/domain/fanout"
	"github.com/xenking/pattern-settlement/internal/domain/fee"
	"github.com/xenking/pattern-settlement/internal/mailer"
	"github.com/xenking/pattern-settlement/internal/stripe"
)

// Config holds the complete application configuration, loadable from
// environment variables (SETTLE_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (SETTLE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	MaxBodyBytes int64  `default:"1048576" usage:"Request body limit for both entry points"`
	Stripe       stripe.Config
	Fees         fee.ScheduleConfig
	Fanout       fanout.Config
	Mailer       mailer.Config
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// RateLimitConfig controls the per-client token bucket on /process-order.
type RateLimitConfig struct {
	RPS     float64       `default:"5"   usage:"Sustained requests per second per client (0 disables)"`
	Burst   int           `default:"20"  usage:"Burst size per client"`
	IdleTTL time.Duration `default:"10m" usage:"Evict idle client limiters after"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string      `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool          `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
	MaxAge           time.Duration `default:"10m" usage:"Preflight cache lifetime (0 omits the header)"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SETTLE",
		Files:     []string{"config.yaml", "/etc/settle/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set SETTLE_DATABASE_URL or DATABASE_URL")
	}
	if c.Stripe.SecretKey == "" {
		return errors.New("stripe secret key is required: set SETTLE_STRIPE_SECRET_KEY")
	}
	if c.Stripe.WebhookSecret == "" {
		return errors.New("stripe webhook secret is required: set SETTLE_STRIPE_WEBHOOK_SECRET")
	}
	if _, err := c.Fees.Schedule(); err != nil {
		return errors.Wrap(err, "fee schedule")
	}
	return nil
}

func (c *Config) settlement() SettlementConfig {
	return SettlementConfig{Stripe: c.Stripe, Fees: c.Fees, Fanout: c.Fanout, Mailer: c.Mailer}
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT onto the SETTLE_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.Stripe.SecretKey == "" {
		c.Stripe.SecretKey = os.Getenv("STRIPE_SECRET_KEY")
	}
	if c.Stripe.WebhookSecret == "" {
		c.Stripe.WebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
