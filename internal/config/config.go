package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models peerhub.yml.
type Config struct {
	Platform struct {
		FeeRate  string `yaml:"fee_rate"`
		Currency string `yaml:"currency"`
	} `yaml:"platform"`
	Gateway struct {
		BaseURL       string `yaml:"base_url"`
		SecretKey     string `yaml:"secret_key"`
		WebhookSecret string `yaml:"webhook_secret"`
	} `yaml:"gateway"`
	Notify struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"notify"`
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
}

const fileName = "peerhub.yml"

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.Platform.FeeRate = "0.15"
	c.Platform.Currency = "usd"
	c.Gateway.BaseURL = "https://api.stripe.com/v1"
	c.Server.Addr = ":5108"
	c.Server.BasePath = "/v1"
	return c
}

// Path returns the config path inside the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	rate, err := decimal.NewFromString(c.Platform.FeeRate)
	if err != nil {
		return fmt.Errorf("config.platform.fee_rate: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("config.platform.fee_rate must be in [0,1)")
	}
	if c.Platform.Currency == "" {
		return fmt.Errorf("config.platform.currency is required")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("config.gateway.base_url is required")
	}
	if c.Server.BasePath == "" {
		return fmt.Errorf("config.server.base_path is required")
	}
	return nil
}

// FeeRate returns the parsed platform fee rate. Validate must have passed.
func (c *Config) FeeRate() decimal.Decimal {
	rate, err := decimal.NewFromString(c.Platform.FeeRate)
	if err != nil {
		return decimal.Zero
	}
	return rate
}

// ToYAML serializes config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
