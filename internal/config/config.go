// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"pricewatch/internal/planner"
	"pricewatch/internal/reconciler"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds the application configuration.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Database DatabaseConfig
	Upstream UpstreamConfig
	Refresh  RefreshConfig
	Cache    CacheConfig
	Telegram TelegramConfig
}

// DatabaseConfig selects the storage engine.
type DatabaseConfig struct {
	Driver string `envconfig:"DATABASE_DRIVER" default:"sqlite"` // sqlite or postgres
	Path   string `envconfig:"DATABASE_PATH" default:"./data/prices.db"`
	URL    string `envconfig:"DATABASE_URL"`
}

// UpstreamConfig holds the catalog and pricing endpoints.
type UpstreamConfig struct {
	CatalogURL string        `envconfig:"CATALOG_URL" default:"https://api.steampowered.com/ISteamApps/GetAppList/v2/"`
	PricingURL string        `envconfig:"PRICING_URL" default:"https://store.steampowered.com/api/appdetails/"`
	UserAgent  string        `envconfig:"USER_AGENT" default:"pricewatch/1.0"`
	Timeout    time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// RefreshConfig controls planning, pacing and classification.
type RefreshConfig struct {
	BatchSize       int           `envconfig:"BATCH_SIZE" default:"100"`
	BatchDelay      time.Duration `envconfig:"BATCH_DELAY" default:"1s"`
	SkipOffset      time.Duration `envconfig:"SKIP_OFFSET" default:"24h"`
	FreshnessWindow time.Duration `envconfig:"FRESHNESS_WINDOW" default:"2m"`
	Order           string        `envconfig:"PLAN_ORDER" default:"priority"`
	UnpricedPolicy  string        `envconfig:"UNPRICED_POLICY"` // empty picks a default from SkipOffset
	RejectedPolicy  string        `envconfig:"REJECTED_POLICY"`
	PriceHistory    bool          `envconfig:"PRICE_HISTORY" default:"true"`
}

// CacheConfig holds the optional catalog cache settings. A zero TTL disables the cache.
type CacheConfig struct {
	CatalogTTL    time.Duration `envconfig:"CATALOG_CACHE_TTL"`
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
}

// TelegramConfig holds the optional price-drop notifier settings.
type TelegramConfig struct {
	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	ChatID   int64  `envconfig:"TELEGRAM_CHAT_ID"`
}

// Enabled reports whether notifications should be sent.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != 0
}

// Enabled reports whether the catalog cache is configured.
func (c CacheConfig) Enabled() bool {
	return c.CatalogTTL > 0
}

// PlanOrder returns the configured plan order.
func (r RefreshConfig) PlanOrder() planner.Order {
	order, err := planner.ParseOrder(r.Order)
	if err != nil {
		return planner.OrderPriority
	}
	return order
}

// Policies returns the exclusion policies for unpriced and rejected ids,
// resolving unset ones from SkipOffset.
func (r RefreshConfig) Policies() (unpriced, rejected reconciler.Policy) {
	def := reconciler.DefaultPolicy(r.SkipOffset)
	unpriced, rejected = reconciler.Policy(r.UnpricedPolicy), reconciler.Policy(r.RejectedPolicy)
	if unpriced == "" {
		unpriced = def
	}
	if rejected == "" {
		rejected = def
	}
	return unpriced, rejected
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("DATABASE_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid DATABASE_DRIVER %q: want sqlite or postgres", c.Database.Driver)
	}

	if c.Upstream.CatalogURL == "" || c.Upstream.PricingURL == "" {
		return fmt.Errorf("CATALOG_URL and PRICING_URL are required")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.Upstream.Timeout)
	}

	r := c.Refresh
	if r.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1, got %d", r.BatchSize)
	}
	if r.BatchDelay < 0 || r.SkipOffset < 0 || r.FreshnessWindow < 0 {
		return fmt.Errorf("BATCH_DELAY, SKIP_OFFSET and FRESHNESS_WINDOW must not be negative")
	}
	if _, err := planner.ParseOrder(r.Order); err != nil {
		return fmt.Errorf("invalid PLAN_ORDER: %w", err)
	}
	if _, err := reconciler.ParsePolicy(r.UnpricedPolicy); err != nil {
		return fmt.Errorf("invalid UNPRICED_POLICY: %w", err)
	}
	if _, err := reconciler.ParsePolicy(r.RejectedPolicy); err != nil {
		return fmt.Errorf("invalid REJECTED_POLICY: %w", err)
	}

	if c.Cache.CatalogTTL < 0 {
		return fmt.Errorf("CATALOG_CACHE_TTL must not be negative")
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == 0) {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	return nil
}
