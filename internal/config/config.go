// Package config handles loading and validating configuration for the
// control plane and node agent from YAML files, and for the proxy
// sidecar from environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ControlPlaneConfig holds the control plane process configuration.
type ControlPlaneConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	ListenPort  int    `yaml:"listen_port"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`

	TickInterval     time.Duration `yaml:"tick_interval"`
	IdleCPUThreshold float64       `yaml:"idle_cpu_threshold"`
	IdleAfter        time.Duration `yaml:"idle_after"`
	CreditsPerTick   float64       `yaml:"credits_per_tick"`
}

// NodeConfig holds the node agent address and shared secret as seen
// from the control plane.
type NodeConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// DatabaseConfig holds the PostgreSQL connection configuration.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds the Redis connection configuration for the wake
// dedup coordinator.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	WakeDedupTTL time.Duration `yaml:"wake_dedup_ttl"`
}

// FallbackConfig controls local-mode behavior when Redis is unavailable.
type FallbackConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the root control plane configuration structure.
type Config struct {
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Node         NodeConfig         `yaml:"node"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Fallback     FallbackConfig     `yaml:"fallback"`
}

// Load reads and parses the control plane configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if c.Node.URL == "" {
		return fmt.Errorf("node.url is required")
	}
	if c.Node.Secret == "" {
		return fmt.Errorf("node.secret is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.ControlPlane.ListenAddr == "" {
		c.ControlPlane.ListenAddr = "0.0.0.0"
	}
	if c.ControlPlane.ListenPort == 0 {
		c.ControlPlane.ListenPort = 8000
	}
	if c.ControlPlane.MetricsPort == 0 {
		c.ControlPlane.MetricsPort = 9090
	}
	if c.ControlPlane.HealthPort == 0 {
		c.ControlPlane.HealthPort = 8081
	}
	if c.ControlPlane.TickInterval == 0 {
		c.ControlPlane.TickInterval = 300 * time.Second
	}
	if c.ControlPlane.IdleCPUThreshold == 0 {
		c.ControlPlane.IdleCPUThreshold = 5.0
	}
	if c.ControlPlane.IdleAfter == 0 {
		c.ControlPlane.IdleAfter = 15 * time.Minute
	}
	if c.ControlPlane.CreditsPerTick == 0 {
		c.ControlPlane.CreditsPerTick = 0.5
	}
	if c.Node.Timeout == 0 {
		c.Node.Timeout = 30 * time.Second
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.WakeDedupTTL == 0 {
		c.Redis.WakeDedupTTL = 30 * time.Second
	}
}
