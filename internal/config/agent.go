package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds the node agent process configuration.
type AgentConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	ListenPort  int    `yaml:"listen_port"`
	MetricsPort int    `yaml:"metrics_port"`

	// Secret is the shared X-Node-Secret value. It doubles as the wake
	// webhook token injected into deployed proxy sidecars.
	Secret string `yaml:"secret"`

	// BackendURL is the control plane base URL the sidecars post wake
	// webhooks to.
	BackendURL string `yaml:"backend_url"`

	ProxyImage        string `yaml:"proxy_image"`
	ProxyBuildContext string `yaml:"proxy_build_context"`

	// Port range handed out by the public port allocator.
	PortRangeStart int `yaml:"port_range_start"`
	PortRangeEnd   int `yaml:"port_range_end"`

	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// LoadAgent reads and parses the node agent configuration file.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config %s: %w", path, err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config %s: %w", path, err)
	}

	if cfg.Secret == "" {
		return nil, fmt.Errorf("agent config validation: secret is required")
	}

	cfg.applyAgentDefaults()

	return &cfg, nil
}

func (c *AgentConfig) applyAgentDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0"
	}
	if c.ListenPort == 0 {
		c.ListenPort = 8001
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9091
	}
	if c.ProxyImage == "" {
		c.ProxyImage = "wakegate-proxy:latest"
	}
	if c.ProxyBuildContext == "" {
		c.ProxyBuildContext = "."
	}
	if c.PortRangeStart == 0 {
		c.PortRangeStart = 30000
	}
	if c.PortRangeEnd == 0 {
		c.PortRangeEnd = 32767
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 30 * time.Second
	}
}
