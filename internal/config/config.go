// Package config loads the service configuration from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/jobs"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/payout"
)

// Config holds every runtime setting of the settlement engine.
type Config struct {
	// --- Application ---
	Port     string `envconfig:"PORT" default:"8080"`
	AppEnv   string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// --- Storage ---
	// Empty selects the in-memory store.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"25"`

	// Empty selects in-process locks and disables the bet cache.
	RedisURL string        `envconfig:"REDIS_URL"`
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"30s"`

	// --- Events ---
	// Comma separated. Empty disables the Kafka publisher.
	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string `envconfig:"KAFKA_TOPIC" default:"settlement-events"`

	// --- Locking ---
	StakeLockTTL      time.Duration `envconfig:"STAKE_LOCK_TTL" default:"10s"`
	ResolutionLockTTL time.Duration `envconfig:"RESOLUTION_LOCK_TTL" default:"2m"`
	LockWaitTimeout   time.Duration `envconfig:"LOCK_WAIT_TIMEOUT" default:"5s"`

	// --- Payout ---
	// Share of each winner's winnings kept by the platform, in [0, 1).
	PlatformFeeRate string `envconfig:"PLATFORM_FEE_RATE" default:"0"`

	// --- Exposure limits (0 disables) ---
	MaxStakePerBet      string `envconfig:"MAX_STAKE_PER_BET" default:"0"`
	MaxStakePerCategory string `envconfig:"MAX_STAKE_PER_CATEGORY" default:"0"`

	// --- Jobs ---
	CloseSweepSchedule string `envconfig:"CLOSE_SWEEP_SCHEDULE" default:"@every 1m"`
	ReconcileSchedule  string `envconfig:"RECONCILE_SCHEDULE" default:"0 */15 * * * *"`
}

// Brokers splits KafkaBrokers.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Limits parses the exposure limits.
func (c *Config) Limits() (perBet, perCategory money.Money, err error) {
	if perBet, err = money.Parse(c.MaxStakePerBet); err != nil {
		return money.Money{}, money.Money{}, fmt.Errorf("MAX_STAKE_PER_BET: %w", err)
	}
	if perCategory, err = money.Parse(c.MaxStakePerCategory); err != nil {
		return money.Money{}, money.Money{}, fmt.Errorf("MAX_STAKE_PER_CATEGORY: %w", err)
	}
	return perBet, perCategory, nil
}

// Payout builds the payout policy from PlatformFeeRate.
func (c *Config) Payout() (*payout.PariMutuel, error) {
	rate, err := decimal.NewFromString(c.PlatformFeeRate)
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE: %w", err)
	}
	p, err := payout.NewPariMutuel(rate)
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE: %w", err)
	}
	return p, nil
}

// Validate checks ranges and formats.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must be set")
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be > 0")
	}
	if c.StakeLockTTL <= 0 || c.ResolutionLockTTL <= 0 || c.LockWaitTimeout <= 0 {
		return fmt.Errorf("lock durations must be > 0")
	}
	if c.ResolutionLockTTL < c.StakeLockTTL {
		return fmt.Errorf("RESOLUTION_LOCK_TTL must not be shorter than STAKE_LOCK_TTL")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be > 0")
	}
	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC must be set when KAFKA_BROKERS is")
	}
	if _, _, err := c.Limits(); err != nil {
		return err
	}
	if _, err := c.Payout(); err != nil {
		return err
	}
	for name, spec := range map[string]string{
		"CLOSE_SWEEP_SCHEDULE": c.CloseSweepSchedule,
		"RECONCILE_SCHEDULE":   c.ReconcileSchedule,
	} {
		if err := jobs.ParseSchedule(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Load reads environment variables into a validated Config.
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
