package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. VEND_API_BASE_URL.
const EnvPrefix = "VEND"

// Completion modes for a dispensing transaction.
const (
	CompletionAnimation = "animation"
	CompletionStatus    = "status"
)

// Config represents the overall client configuration. It is resolved once at
// startup and injected into every component.
type Config struct {
	API         APIConfig         `yaml:"api"`
	Lease       LeaseConfig       `yaml:"lease"`
	Poller      PollerConfig      `yaml:"poller"`
	Transaction TransactionConfig `yaml:"transaction"`
	Payment     PaymentConfig     `yaml:"payment"`
	Clock       ClockConfig       `yaml:"clock"`
	Database    DatabaseConfig    `yaml:"database"`
	Push        PushConfig        `yaml:"push"`
	Server      ServerConfig      `yaml:"server"`
	WorkerPool  WorkerPoolConfig  `yaml:"worker_pool"`
	Log         LogConfig         `yaml:"log"`
}

// APIConfig describes how to reach the vending backend.
type APIConfig struct {
	BaseURL                string        `yaml:"base_url" split_words:"true"`
	HTTPProxy              string        `yaml:"http_proxy" split_words:"true"`
	TimeoutSeconds         int           `yaml:"timeout_seconds" split_words:"true"`
	Timeout                time.Duration `yaml:"-" ignored:"true"`
	RateLimitPerSec        float64       `yaml:"rate_limit_per_sec" split_words:"true"`
	RateBurst              int           `yaml:"rate_burst" split_words:"true"`
	MachineCacheTTLSeconds int           `yaml:"machine_cache_ttl_seconds" split_words:"true"`
	MachineCacheTTL        time.Duration `yaml:"-" ignored:"true"`
	AdminToken             string        `yaml:"admin_token" split_words:"true"`
}

// LeaseConfig holds the lock acquisition settings.
type LeaseConfig struct {
	GraceSeconds          int           `yaml:"grace_seconds" split_words:"true"`
	Grace                 time.Duration `yaml:"-" ignored:"true"`
	ReleaseTimeoutSeconds int           `yaml:"release_timeout_seconds" split_words:"true"`
	ReleaseTimeout        time.Duration `yaml:"-" ignored:"true"`
}

// PollerConfig holds the machine status polling settings.
type PollerConfig struct {
	IntervalSeconds      int           `yaml:"interval_seconds" split_words:"true"`
	Interval             time.Duration `yaml:"-" ignored:"true"`
	OfflineAfterFailures int           `yaml:"offline_after_failures" split_words:"true"`
}

// TransactionConfig holds the purchase pipeline settings.
type TransactionConfig struct {
	MaxQuantity           int           `yaml:"max_quantity" split_words:"true"`
	DispenseTickMillis    int           `yaml:"dispense_tick_ms" split_words:"true"`
	DispenseTick          time.Duration `yaml:"-" ignored:"true"`
	Completion            string        `yaml:"completion" split_words:"true"`
	ConfirmTimeoutSeconds int           `yaml:"confirm_timeout_seconds" split_words:"true"`
	ConfirmTimeout        time.Duration `yaml:"-" ignored:"true"`
	LowStockThreshold     int           `yaml:"low_stock_threshold" split_words:"true"`
}

// PaymentConfig holds the public payment checkout settings. The secret side
// of the gateway lives on the backend.
type PaymentConfig struct {
	KeyID       string `yaml:"key_id" split_words:"true"`
	Name        string `yaml:"name" split_words:"true"`
	Description string `yaml:"description" split_words:"true"`
}

// ClockConfig configures the optional NTP offset used when the server does
// not report its own time.
type ClockConfig struct {
	NTPServer          string        `yaml:"ntp_server" split_words:"true"`
	NTPIntervalSeconds int           `yaml:"ntp_interval_seconds" split_words:"true"`
	NTPInterval        time.Duration `yaml:"-" ignored:"true"`
}

// DatabaseConfig holds the local store connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver" split_words:"true"`
	DSN                    string `yaml:"dsn" split_words:"true"`
	MaxOpenConns           int    `yaml:"max_open_conns" split_words:"true"`
	MaxIdleConns           int    `yaml:"max_idle_conns" split_words:"true"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" split_words:"true"`
}

// PushConfig holds the VAPID keys for web push alerts.
type PushConfig struct {
	Enabled    bool   `yaml:"enabled" split_words:"true"`
	PublicKey  string `yaml:"vapid_public_key" split_words:"true"`
	PrivateKey string `yaml:"vapid_private_key" split_words:"true"`
	Subject    string `yaml:"subject" split_words:"true"`
	TTL        int    `yaml:"ttl" split_words:"true"`
}

// ServerConfig holds the local control API configuration.
type ServerConfig struct {
	Port            int     `yaml:"port" split_words:"true"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" split_words:"true"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds" split_words:"true"`
}

// WorkerPoolConfig holds the configuration for the alert worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size" split_words:"true"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Pretty bool   `yaml:"pretty" split_words:"true"`
}

// Load reads the configuration from the given path, applies environment
// overrides and fills in defaults. A missing file is not an error: the
// client can run from environment variables alone.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", path, err)
			}
		case os.IsNotExist(err):
			log.Warn().Str("path", path).Msg("config file not found; using environment and defaults")
		default:
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")
	if cfg.API.TimeoutSeconds <= 0 {
		cfg.API.TimeoutSeconds = 15
	}
	cfg.API.Timeout = time.Duration(cfg.API.TimeoutSeconds) * time.Second
	if cfg.API.RateLimitPerSec <= 0 {
		cfg.API.RateLimitPerSec = 5
	}
	if cfg.API.RateBurst <= 0 {
		cfg.API.RateBurst = 5
	}
	if cfg.API.MachineCacheTTLSeconds <= 0 {
		cfg.API.MachineCacheTTLSeconds = 30
	}
	cfg.API.MachineCacheTTL = time.Duration(cfg.API.MachineCacheTTLSeconds) * time.Second

	if cfg.Lease.GraceSeconds <= 0 {
		cfg.Lease.GraceSeconds = 5
	}
	cfg.Lease.Grace = time.Duration(cfg.Lease.GraceSeconds) * time.Second
	if cfg.Lease.ReleaseTimeoutSeconds <= 0 {
		cfg.Lease.ReleaseTimeoutSeconds = 5
	}
	cfg.Lease.ReleaseTimeout = time.Duration(cfg.Lease.ReleaseTimeoutSeconds) * time.Second

	if cfg.Poller.IntervalSeconds <= 0 {
		cfg.Poller.IntervalSeconds = 10
	}
	cfg.Poller.Interval = time.Duration(cfg.Poller.IntervalSeconds) * time.Second
	if cfg.Poller.OfflineAfterFailures <= 0 {
		cfg.Poller.OfflineAfterFailures = 3
	}

	if cfg.Transaction.MaxQuantity <= 0 {
		cfg.Transaction.MaxQuantity = 5
	}
	if cfg.Transaction.DispenseTickMillis <= 0 {
		cfg.Transaction.DispenseTickMillis = 2500
	}
	cfg.Transaction.DispenseTick = time.Duration(cfg.Transaction.DispenseTickMillis) * time.Millisecond
	if cfg.Transaction.Completion == "" {
		cfg.Transaction.Completion = CompletionAnimation
	}
	if cfg.Transaction.ConfirmTimeoutSeconds <= 0 {
		cfg.Transaction.ConfirmTimeoutSeconds = 60
	}
	cfg.Transaction.ConfirmTimeout = time.Duration(cfg.Transaction.ConfirmTimeoutSeconds) * time.Second
	if cfg.Transaction.LowStockThreshold <= 0 {
		cfg.Transaction.LowStockThreshold = 2
	}

	if cfg.Payment.Name == "" {
		cfg.Payment.Name = "SmartVend"
	}
	if cfg.Payment.Description == "" {
		cfg.Payment.Description = "Purchase"
	}

	if cfg.Clock.NTPIntervalSeconds <= 0 {
		cfg.Clock.NTPIntervalSeconds = 300
	}
	cfg.Clock.NTPInterval = time.Duration(cfg.Clock.NTPIntervalSeconds) * time.Second

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "smartvend.db"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 4
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 2
	}
	if cfg.Database.ConnMaxLifetimeMinutes <= 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 30
	}

	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 1
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate reports settings that cannot work at all.
func (c *Config) Validate() error {
	if c.Transaction.MaxQuantity > 5 {
		return fmt.Errorf("transaction.max_quantity must be at most 5, got %d", c.Transaction.MaxQuantity)
	}
	switch c.Transaction.Completion {
	case CompletionAnimation, CompletionStatus:
	default:
		return fmt.Errorf("transaction.completion must be %q or %q, got %q", CompletionAnimation, CompletionStatus, c.Transaction.Completion)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Push.Enabled && (c.Push.PublicKey == "" || c.Push.PrivateKey == "") {
		return fmt.Errorf("push is enabled but VAPID keys are missing")
	}
	return nil
}
