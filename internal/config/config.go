package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zapdrip/zapdrip/internal/pacing"
	"github.com/zapdrip/zapdrip/internal/relay"
)

// Surface modes
const (
	SurfaceGateway   = "gateway"
	SurfaceSimulator = "simulator"
)

// Config is the main configuration structure
type Config struct {
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Pacing  pacing.Config `yaml:"pacing"`
	Surface SurfaceConfig `yaml:"surface"`
	Persona PersonaConfig `yaml:"persona"`
	Relay   relay.Config  `yaml:"relay"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	ProxyKey   string `yaml:"proxy_key"` // shared key for X-Proxy-Key, empty disables auth
}

// StorageConfig contains storage paths
type StorageConfig struct {
	QueuePath string `yaml:"queue_path"` // SQLite campaign queue
	StatePath string `yaml:"state_path"` // bbolt runtime state
}

// IngestConfig contains campaign intake limits
type IngestConfig struct {
	MaxRecipients  int    `yaml:"max_recipients"`
	DefaultCountry string `yaml:"default_country"` // country code prefixed onto short national numbers
}

// SurfaceConfig selects the outbound messaging surface
type SurfaceConfig struct {
	Mode       string `yaml:"mode"` // gateway or simulator
	GatewayURL string `yaml:"gateway_url"`
	GatewayKey string `yaml:"gateway_key"`
}

// PersonaConfig contains message personalization settings
type PersonaConfig struct {
	BaseURL string            `yaml:"base_url"` // remote persona service, empty = local rendering only
	Secret  string            `yaml:"secret"`
	Vars    map[string]string `yaml:"vars"` // static template variables
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied, used when
// no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}

	if c.Storage.QueuePath == "" {
		c.Storage.QueuePath = "/var/lib/zapdrip/queue.db"
	}
	if c.Storage.StatePath == "" {
		c.Storage.StatePath = "/var/lib/zapdrip/state.db"
	}

	if c.Ingest.MaxRecipients == 0 {
		c.Ingest.MaxRecipients = 1000
	}
	if c.Ingest.DefaultCountry == "" {
		c.Ingest.DefaultCountry = "55"
	}

	if c.Surface.Mode == "" {
		c.Surface.Mode = SurfaceSimulator
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Surface.Mode {
	case SurfaceGateway:
		if c.Surface.GatewayURL == "" {
			return fmt.Errorf("surface.gateway_url is required when mode is gateway")
		}
	case SurfaceSimulator:
	default:
		return fmt.Errorf("invalid surface.mode: %s (must be gateway or simulator)", c.Surface.Mode)
	}

	if c.Ingest.MaxRecipients < 0 {
		return fmt.Errorf("ingest.max_recipients must not be negative")
	}

	if err := c.validatePacing(); err != nil {
		return err
	}

	if c.Persona.Secret != "" && c.Persona.BaseURL == "" {
		return fmt.Errorf("persona.base_url is required when persona.secret is set")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// validatePacing checks pacing values that are set. Zero values are
// filled in by the governor itself.
func (c *Config) validatePacing() error {
	p := c.Pacing

	if p.MessagesPerHour < 0 {
		return fmt.Errorf("pacing.messages_per_hour must not be negative")
	}
	if p.HumanHourStart < 0 || p.HumanHourStart > 23 {
		return fmt.Errorf("pacing.human_hour_start must be between 0 and 23")
	}
	if p.HumanHourEnd < 0 || p.HumanHourEnd > 24 {
		return fmt.Errorf("pacing.human_hour_end must be between 0 and 24")
	}
	if p.HumanHourStart != 0 && p.HumanHourEnd == 0 {
		return fmt.Errorf("pacing.human_hour_end is required when human_hour_start is set")
	}
	if p.HumanHourEnd != 0 && p.HumanHourStart >= p.HumanHourEnd {
		return fmt.Errorf("pacing.human_hour_start must be before human_hour_end")
	}
	if p.MinItemDelay < 0 || p.MaxItemDelay < 0 {
		return fmt.Errorf("pacing item delays must not be negative")
	}
	if p.MaxItemDelay != 0 && p.MinItemDelay > p.MaxItemDelay {
		return fmt.Errorf("pacing.min_item_delay must not exceed max_item_delay")
	}
	if p.LongPauseChance < 0 || p.LongPauseChance > 1 {
		return fmt.Errorf("pacing.long_pause_chance must be between 0 and 1")
	}

	return nil
}
