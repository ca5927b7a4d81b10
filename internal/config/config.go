package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models civimend.yml.
type Config struct {
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Voting      VotingConfig      `yaml:"voting"`
	Ledger      LedgerConfig      `yaml:"ledger"`
}

type MarketplaceConfig struct {
	BidCeiling     string `yaml:"bid_ceiling"`
	MaxEtaHours    int    `yaml:"max_eta_hours"`
	Currency       string `yaml:"currency"`
	MinBidsForVote int    `yaml:"min_bids_for_vote"`
}

type VotingConfig struct {
	WindowHours   int  `yaml:"window_hours"`
	QuorumPercent int  `yaml:"quorum_percent"`
	AllowChange   bool `yaml:"allow_change"`
}

type LedgerConfig struct {
	Endpoint        string `yaml:"endpoint"`
	OracleEndpoint  string `yaml:"oracle_endpoint"`
	Simulate        bool   `yaml:"simulate"`
	FallbackRate    string `yaml:"fallback_rate"`
	MaxAttempts     int    `yaml:"max_attempts"`
	BackoffBaseSecs int    `yaml:"backoff_base_seconds"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// BidCeiling parses the configured ceiling as a decimal amount.
func (c *Config) BidCeiling() decimal.Decimal {
	d, err := decimal.NewFromString(c.Marketplace.BidCeiling)
	if err != nil || d.Sign() <= 0 {
		return decimal.NewFromInt(10000)
	}
	return d
}

// FallbackRate parses the hard fallback token conversion rate.
func (c *Config) FallbackRate() decimal.Decimal {
	d, err := decimal.NewFromString(c.Ledger.FallbackRate)
	if err != nil || d.Sign() <= 0 {
		return decimal.NewFromInt(1)
	}
	return d
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := decimal.NewFromString(c.Marketplace.BidCeiling); err != nil {
		return fmt.Errorf("config.marketplace.bid_ceiling must be a decimal amount: %w", err)
	}
	if c.BidCeiling().Sign() <= 0 {
		return fmt.Errorf("config.marketplace.bid_ceiling must be positive")
	}
	if c.Marketplace.MaxEtaHours <= 0 {
		return fmt.Errorf("config.marketplace.max_eta_hours must be positive")
	}
	if c.Marketplace.MinBidsForVote <= 0 {
		return fmt.Errorf("config.marketplace.min_bids_for_vote must be positive")
	}
	if c.Voting.WindowHours <= 0 {
		return fmt.Errorf("config.voting.window_hours must be positive")
	}
	if c.Voting.QuorumPercent <= 0 || c.Voting.QuorumPercent > 100 {
		return fmt.Errorf("config.voting.quorum_percent must be in (0,100]")
	}
	if c.Ledger.FallbackRate != "" {
		if _, err := decimal.NewFromString(c.Ledger.FallbackRate); err != nil {
			return fmt.Errorf("config.ledger.fallback_rate must be a decimal rate: %w", err)
		}
	}
	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("config.ledger.max_attempts must be at least 1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "civimend.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in default config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `marketplace:
  bid_ceiling: "10000"
  max_eta_hours: 168
  currency: USD
  min_bids_for_vote: 3

voting:
  window_hours: 72
  quorum_percent: 51
  allow_change: false

ledger:
  endpoint: ""
  oracle_endpoint: ""
  simulate: true
  fallback_rate: "1"
  max_attempts: 3
  backoff_base_seconds: 2
  timeout_seconds: 5
`
