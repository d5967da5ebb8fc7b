// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Trading modes. Research mode blocks every order at the risk gate.
const (
	TradingModeResearch = "research"
	TradingModeLive     = "live"
)

// Config holds application configuration
type Config struct {
	DataDir     string // Base directory for all databases (always absolute)
	Port        int
	DevMode     bool
	LogLevel    string
	LogPretty   bool
	LogFile     string // Optional rotating log file, empty disables
	TradingMode string
	Accounts    []string // Accounts whose positions are refreshed on a schedule
	Broker      BrokerConfig
	Limits      LimitsConfig
	Backup      BackupConfig
}

// BrokerConfig describes how to reach the brokerage API.
type BrokerConfig struct {
	BaseURL        string
	APIKey         string // Bearer token for the REST API and fill feed
	FillFeedURL    string // Websocket URL for pushed fills, empty disables the feed
	RequestTimeout time.Duration
}

// RateLimit is one token bucket's settings.
type RateLimit struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// BreakerConfig configures every per-scope circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	CoolDown         time.Duration `yaml:"cool_down"`
}

// RetryConfig is the invoker's retry policy.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// CacheConfig holds the TTL classes.
type CacheConfig struct {
	QuoteTTL      time.Duration `yaml:"quote_ttl"`
	AccountTTL    time.Duration `yaml:"account_ttl"`
	OrdersTTL     time.Duration `yaml:"orders_ttl"`
	InstrumentTTL time.Duration `yaml:"instrument_ttl"`
	PortfolioTTL  time.Duration `yaml:"portfolio_ttl"`
	LocalTTLCap   time.Duration `yaml:"local_ttl_cap"`
}

// RiskConfig holds the pre-trade limits.
type RiskConfig struct {
	MaxPositionPct       float64 `yaml:"max_position_pct"`       // Max share of equity in one symbol, 0..1
	ConcentrationWarnHHI float64 `yaml:"concentration_warn_hhi"` // Herfindahl index above which a warning is attached
}

// LimitsConfig is the policy section that may be overridden from a YAML file.
type LimitsConfig struct {
	Global  RateLimit            `yaml:"global"`
	Default RateLimit            `yaml:"default"`
	Scopes  map[string]RateLimit `yaml:"scopes"`
	Breaker BreakerConfig        `yaml:"breaker"`
	Retry   RetryConfig          `yaml:"retry"`
	Cache   CacheConfig          `yaml:"cache"`
	Risk    RiskConfig           `yaml:"risk"`
}

// BackupConfig configures off-site ledger backups to an S3-compatible bucket.
type BackupConfig struct {
	Enabled         bool
	Endpoint        string // Empty uses AWS, otherwise e.g. an R2 account endpoint
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
	Schedule        string // Cron expression with seconds
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TRADEGATE_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:     absDataDir,
		Port:        getEnvAsInt("TRADEGATE_PORT", 8001),
		DevMode:     getEnvAsBool("DEV_MODE", false),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogPretty:   getEnvAsBool("LOG_PRETTY", false),
		LogFile:     getEnv("LOG_FILE", ""),
		TradingMode: strings.ToLower(getEnv("TRADING_MODE", TradingModeResearch)),
		Accounts:    getEnvAsList("TRADEGATE_ACCOUNTS"),
		Broker: BrokerConfig{
			BaseURL:        getEnv("BROKER_BASE_URL", "http://localhost:9100"),
			APIKey:         getEnv("BROKER_API_KEY", ""),
			FillFeedURL:    getEnv("BROKER_FILL_FEED_URL", ""),
			RequestTimeout: getEnvAsDuration("BROKER_REQUEST_TIMEOUT", 10*time.Second),
		},
		Limits: DefaultLimits(),
		Backup: BackupConfig{
			Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:          getEnv("BACKUP_S3_REGION", "auto"),
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			Prefix:          getEnv("BACKUP_S3_PREFIX", "tradegate/ledger"),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
			Schedule:        getEnv("BACKUP_SCHEDULE", "0 0 3 * * *"),
		},
	}

	cfg.Limits.Risk.MaxPositionPct = getEnvAsFloat("RISK_MAX_POSITION_PCT", cfg.Limits.Risk.MaxPositionPct)

	if path := getEnv("TRADEGATE_LIMITS_FILE", ""); path != "" {
		if err := cfg.Limits.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultLimits returns the built-in policy.
func DefaultLimits() LimitsConfig {
	return LimitsConfig{
		Global:  RateLimit{Capacity: 20, RefillPerSecond: 10},
		Default: RateLimit{Capacity: 5, RefillPerSecond: 1},
		Scopes: map[string]RateLimit{
			"quotes":          {Capacity: 10, RefillPerSecond: 5},
			"order-placement": {Capacity: 2, RefillPerSecond: 0.5},
			"account":         {Capacity: 5, RefillPerSecond: 1},
			"reference":       {Capacity: 5, RefillPerSecond: 1},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    30 * time.Second,
			CoolDown:         30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      200 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			AttemptTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			QuoteTTL:      10 * time.Second,
			AccountTTL:    60 * time.Second,
			OrdersTTL:     5 * time.Minute,
			InstrumentTTL: 12 * time.Hour,
			PortfolioTTL:  5 * time.Second,
			LocalTTLCap:   5 * time.Second,
		},
		Risk: RiskConfig{
			MaxPositionPct:       0.25,
			ConcentrationWarnHHI: 0.35,
		},
	}
}

// LoadFile overlays the YAML policy file at path onto l. Keys absent from the file keep
// their current values; scope entries are merged.
func (l *LimitsConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read limits file: %w", err)
	}

	scopes := l.Scopes
	l.Scopes = nil
	if err := yaml.Unmarshal(data, l); err != nil {
		l.Scopes = scopes
		return fmt.Errorf("failed to parse limits file: %w", err)
	}
	for name, limit := range l.Scopes {
		if scopes == nil {
			scopes = make(map[string]RateLimit)
		}
		scopes[name] = limit
	}
	l.Scopes = scopes
	return nil
}

// Live reports whether orders may be sent.
func (c *Config) Live() bool {
	return c.TradingMode == TradingModeLive
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.TradingMode != TradingModeResearch && c.TradingMode != TradingModeLive {
		return fmt.Errorf("invalid trading mode %q", c.TradingMode)
	}
	if err := validateRate("global", c.Limits.Global); err != nil {
		return err
	}
	if err := validateRate("default", c.Limits.Default); err != nil {
		return err
	}
	for name, limit := range c.Limits.Scopes {
		if err := validateRate(name, limit); err != nil {
			return err
		}
	}
	if c.Limits.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}
	if c.Limits.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Limits.Cache.LocalTTLCap <= 0 {
		return fmt.Errorf("local cache TTL cap must be positive")
	}
	if c.Limits.Risk.MaxPositionPct <= 0 || c.Limits.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("max position pct must be in (0, 1]")
	}
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("backup enabled but no bucket configured")
	}
	return nil
}

func validateRate(name string, r RateLimit) error {
	if r.Capacity < 1 {
		return fmt.Errorf("rate limit %s: capacity must be at least 1", name)
	}
	if r.RefillPerSecond <= 0 {
		return fmt.Errorf("rate limit %s: refill rate must be positive", name)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
