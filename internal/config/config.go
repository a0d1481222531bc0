// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TakeProfitPolicy controls how take-profit fractions are applied against a
// partially filled position.
type TakeProfitPolicy string

const (
	// PolicyStrict uses the stored fractions as-is and drops take-profit legs
	// that no longer fit into the remaining position size.
	PolicyStrict TakeProfitPolicy = "strict"
	// PolicyRenormalize rescales the fractions proportionally to the
	// remaining position size.
	PolicyRenormalize TakeProfitPolicy = "renormalize"
)

// Config defines the structure for all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Database  DatabaseConfig  `yaml:"database"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

// ServerConfig holds the HTTP listener settings for health and metrics.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ExchangeConfig holds Bitget API settings. Credentials are loaded from the
// environment, never from the YAML file.
type ExchangeConfig struct {
	ProductType     string `yaml:"product_type"`
	MarginCoin      string `yaml:"margin_coin"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	EnableWebsocket bool   `yaml:"enable_websocket"`
	APIKey          string `yaml:"-"`
	APISecret       string `yaml:"-"`
	Passphrase      string `yaml:"-"`
}

// ReconcileConfig holds the control-loop settings.
type ReconcileConfig struct {
	IntervalSeconds        int              `yaml:"interval_seconds"`
	CycleDeadlineSeconds   int              `yaml:"cycle_deadline_seconds"`
	ShutdownTimeoutSeconds int              `yaml:"shutdown_timeout_seconds"`
	PriceToleranceTicks    int              `yaml:"price_tolerance_ticks"`
	AlertAfterCycles       int              `yaml:"alert_after_cycles"`
	MaxRetries             int              `yaml:"max_retries"`
	Workers                int              `yaml:"workers"`
	TakeProfitPolicy       TakeProfitPolicy `yaml:"take_profit_policy"`
	DisabledSymbols        []string         `yaml:"disabled_symbols"`

	disabled map[string]struct{}
}

// RateLimitConfig sizes the shared order-mutation token bucket. Burst counts
// against the per-minute quota: the bucket refills at mutations_per_minute
// minus burst, so no rolling minute exceeds the quota.
type RateLimitConfig struct {
	MutationsPerMinute int `yaml:"mutations_per_minute"`
	Burst              int `yaml:"burst"`
}

// DatabaseConfig holds PostgreSQL connection settings for the audit trail and
// the accepted-signal store. Credentials come from the environment.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"-"`
	Password string `yaml:"-"`
}

// TelegramConfig holds the notification sink settings. The bot token comes
// from the environment.
type TelegramConfig struct {
	ChatID                int64 `yaml:"chat_id"`
	BufferIntervalSeconds int   `yaml:"buffer_interval_seconds"`
	Token                 string `yaml:"-"`
}

// DSN builds a pgx connection string, or "" when no host is configured.
func (d DatabaseConfig) DSN() string {
	if d.Host == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", d.User, d.Password, d.Host, d.Port, d.Name)
}

// Interval returns the reconciliation cadence.
func (r ReconcileConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// CycleDeadline bounds the total duration of one reconciliation pass.
func (r ReconcileConfig) CycleDeadline() time.Duration {
	return time.Duration(r.CycleDeadlineSeconds) * time.Second
}

// ShutdownTimeout bounds how long in-flight remediation may run after a
// shutdown signal.
func (r ReconcileConfig) ShutdownTimeout() time.Duration {
	return time.Duration(r.ShutdownTimeoutSeconds) * time.Second
}

// SymbolEnabled reports whether remediation is enabled for the symbol.
// The lookup set is built once at load time; the config is immutable after.
func (r ReconcileConfig) SymbolEnabled(symbol string) bool {
	_, off := r.disabled[symbol]
	return !off
}

// LoadConfig loads configuration from the specified YAML file path and
// environment variables.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Server:   ServerConfig{ListenAddr: ":8080"},
		Exchange: ExchangeConfig{
			ProductType:    "USDT-FUTURES",
			MarginCoin:     "USDT",
			TimeoutSeconds: 10,
		},
		Reconcile: ReconcileConfig{
			IntervalSeconds:        30,
			CycleDeadlineSeconds:   25,
			ShutdownTimeoutSeconds: 10,
			PriceToleranceTicks:    5,
			AlertAfterCycles:       3,
			MaxRetries:             3,
			Workers:                8,
			TakeProfitPolicy:       PolicyRenormalize,
		},
		RateLimit: RateLimitConfig{
			MutationsPerMinute: 60,
			Burst:              5,
		},
		Database: DatabaseConfig{Port: "5432"},
	}

	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(file, cfg); err != nil {
		return nil, err
	}

	// Load sensitive data and overrides from environment variables
	if apiKey := os.Getenv("BITGET_API_KEY"); apiKey != "" {
		cfg.Exchange.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BITGET_API_SECRET"); apiSecret != "" {
		cfg.Exchange.APISecret = apiSecret
	}
	if passphrase := os.Getenv("BITGET_PASSPHRASE"); passphrase != "" {
		cfg.Exchange.Passphrase = passphrase
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if dbUser := os.Getenv("DB_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPassword := os.Getenv("DB_PASSWORD"); dbPassword != "" {
		cfg.Database.Password = dbPassword
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Reconcile.disabled = make(map[string]struct{}, len(cfg.Reconcile.DisabledSymbols))
	for _, s := range cfg.Reconcile.DisabledSymbols {
		cfg.Reconcile.disabled[s] = struct{}{}
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Reconcile.IntervalSeconds <= 0 {
		return fmt.Errorf("reconcile.interval_seconds must be positive, got %d", c.Reconcile.IntervalSeconds)
	}
	if c.Reconcile.CycleDeadlineSeconds <= 0 {
		return fmt.Errorf("reconcile.cycle_deadline_seconds must be positive, got %d", c.Reconcile.CycleDeadlineSeconds)
	}
	if c.Reconcile.PriceToleranceTicks < 0 {
		return fmt.Errorf("reconcile.price_tolerance_ticks must not be negative, got %d", c.Reconcile.PriceToleranceTicks)
	}
	if c.Reconcile.Workers <= 0 {
		return fmt.Errorf("reconcile.workers must be positive, got %d", c.Reconcile.Workers)
	}
	switch c.Reconcile.TakeProfitPolicy {
	case PolicyStrict, PolicyRenormalize:
	default:
		return fmt.Errorf("reconcile.take_profit_policy must be %q or %q, got %q",
			PolicyStrict, PolicyRenormalize, c.Reconcile.TakeProfitPolicy)
	}
	if c.RateLimit.MutationsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.mutations_per_minute must be positive, got %d", c.RateLimit.MutationsPerMinute)
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be positive, got %d", c.RateLimit.Burst)
	}
	if c.RateLimit.Burst >= c.RateLimit.MutationsPerMinute {
		return fmt.Errorf("rate_limit.burst must be below rate_limit.mutations_per_minute, got %d/%d",
			c.RateLimit.Burst, c.RateLimit.MutationsPerMinute)
	}
	return nil
}
