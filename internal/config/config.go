package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"receiptline/internal/client"
	"receiptline/internal/wrap"
)

// Config models receiptline.yml.
type Config struct {
	Service struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxRetries     int    `yaml:"max_retries"`
	} `yaml:"service"`
	AutoReceipts struct {
		Enabled             bool     `yaml:"enabled"`
		Mode                string   `yaml:"mode"`
		SampleRate          float64  `yaml:"sample_rate"`
		MaxPayloadBytes     int      `yaml:"max_payload_bytes"`
		FireAndForget       bool     `yaml:"fire_and_forget"`
		RedactSecrets       bool     `yaml:"redact_secrets"`
		SecretPatterns      []string `yaml:"secret_patterns"`
		QueueSize           int      `yaml:"queue_size"`
		DrainTimeoutSeconds int      `yaml:"drain_timeout_seconds"`
	} `yaml:"auto_receipts"`
	Serve struct {
		Listen    string `yaml:"listen"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"serve"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.APIKey != "" && !client.ValidKeyFormat(c.Service.APIKey) {
		return fmt.Errorf("config.service.api_key must start with rl_live_ or rl_test_")
	}
	if c.Service.TimeoutSeconds < 0 {
		return fmt.Errorf("config.service.timeout_seconds must not be negative")
	}
	if c.Service.MaxRetries < 0 {
		return fmt.Errorf("config.service.max_retries must not be negative")
	}
	switch c.AutoReceipts.Mode {
	case "", wrap.ModeAll, wrap.ModeErrorsOnly, wrap.ModeSample:
	default:
		return fmt.Errorf("config.auto_receipts.mode must be one of all, errors_only, sample")
	}
	if c.AutoReceipts.SampleRate < 0 || c.AutoReceipts.SampleRate > 1 {
		return fmt.Errorf("config.auto_receipts.sample_rate must be between 0 and 1")
	}
	if c.AutoReceipts.MaxPayloadBytes < 0 {
		return fmt.Errorf("config.auto_receipts.max_payload_bytes must not be negative")
	}
	if c.AutoReceipts.QueueSize < 0 {
		return fmt.Errorf("config.auto_receipts.queue_size must not be negative")
	}
	for _, pattern := range c.AutoReceipts.SecretPatterns {
		if pattern == "" {
			return fmt.Errorf("config.auto_receipts.secret_patterns contains an empty pattern")
		}
	}
	return nil
}

// WrapConfig converts the auto_receipts section into instrumentation settings.
func (c *Config) WrapConfig() *wrap.Config {
	cfg := wrap.Default()
	cfg.Enabled = c.AutoReceipts.Enabled
	if c.AutoReceipts.Mode != "" {
		cfg.Mode = c.AutoReceipts.Mode
	}
	if c.AutoReceipts.SampleRate > 0 {
		cfg.SampleRate = c.AutoReceipts.SampleRate
	}
	if c.AutoReceipts.MaxPayloadBytes > 0 {
		cfg.MaxPayloadBytes = c.AutoReceipts.MaxPayloadBytes
	}
	cfg.FireAndForget = c.AutoReceipts.FireAndForget
	cfg.RedactSecrets = c.AutoReceipts.RedactSecrets
	if len(c.AutoReceipts.SecretPatterns) > 0 {
		cfg.SecretPatterns = c.AutoReceipts.SecretPatterns
	}
	return cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "receiptline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  base_url: https://api.receiptline.dev
  api_key: ""
  timeout_seconds: 30
  max_retries: 2

auto_receipts:
  enabled: true
  mode: all
  sample_rate: 1.0
  max_payload_bytes: 4096
  fire_and_forget: true
  redact_secrets: true
  secret_patterns:
    - key
    - secret
    - token
    - password
    - credential
    - auth
  queue_size: 1000
  drain_timeout_seconds: 30

serve:
  listen: 127.0.0.1:8787
  jwt_secret: ""
`
