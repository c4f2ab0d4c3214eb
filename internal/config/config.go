// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full runtime configuration of the gateway. Every field has a
// development default; only the consent secret must be overridden before
// anything real flows through.
type Config struct {
	ListenAddr string `env:"PAYGUARD_LISTEN_ADDR" envDefault:":8080"`

	// LedgerDSN is the sqlite DSN for the audit ledger. The default keeps
	// the chain in-memory, which is fine for development and tests.
	LedgerDSN string `env:"PAYGUARD_LEDGER_DSN" envDefault:"file:payguard?mode=memory&cache=shared"`

	ConsentSecret string        `env:"PAYGUARD_CONSENT_SECRET" envDefault:"dev-consent-secret-change-me"`
	ConsentTTL    time.Duration `env:"PAYGUARD_CONSENT_TTL" envDefault:"5m"`

	// SettlementFailureRate simulates payment rail flakiness in [0,1].
	SettlementFailureRate float64 `env:"PAYGUARD_SETTLEMENT_FAILURE_RATE" envDefault:"0"`

	// DevToken, when set, is required as a bearer token on every request.
	DevToken string `env:"PAYGUARD_DEV_TOKEN"`

	LogLevel string `env:"PAYGUARD_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment and validates ranges.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.SettlementFailureRate < 0 || cfg.SettlementFailureRate > 1 {
		return Config{}, fmt.Errorf("PAYGUARD_SETTLEMENT_FAILURE_RATE must be in [0,1], got %v", cfg.SettlementFailureRate)
	}
	if cfg.ConsentTTL <= 0 {
		return Config{}, fmt.Errorf("PAYGUARD_CONSENT_TTL must be positive, got %v", cfg.ConsentTTL)
	}
	return cfg, nil
}
