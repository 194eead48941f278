package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProxyConfig holds the wake-on-connect sidecar configuration. The
// sidecar runs inside a container, so its configuration comes entirely
// from environment variables injected at deploy time.
type ProxyConfig struct {
	TargetHost string
	TargetPort int
	ListenPort int
	Protocol   string // "tcp" or "udp"

	WebhookURL   string
	ServerID     int64
	WebhookToken string

	HoldTimeout   time.Duration
	RetryInterval time.Duration
}

// ProxyFromEnv builds the sidecar configuration from the environment.
// It refuses to start when any of the required variables is missing.
func ProxyFromEnv() (*ProxyConfig, error) {
	cfg := &ProxyConfig{
		TargetHost:    os.Getenv("TARGET_HOST"),
		Protocol:      strings.ToLower(getenv("PROTOCOL", "tcp")),
		WebhookURL:    os.Getenv("BACKEND_WEBHOOK_URL"),
		WebhookToken:  os.Getenv("WEBHOOK_TOKEN"),
		HoldTimeout:   60 * time.Second,
		RetryInterval: 2 * time.Second,
	}

	var err error
	if cfg.TargetPort, err = intenv("TARGET_PORT", 25565); err != nil {
		return nil, err
	}
	if cfg.ListenPort, err = intenv("LISTEN_PORT", 25565); err != nil {
		return nil, err
	}
	if v := os.Getenv("SERVER_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing SERVER_ID %q: %w", v, err)
		}
		cfg.ServerID = id
	}
	if secs, err := intenv("HOLD_TIMEOUT", 60); err != nil {
		return nil, err
	} else {
		cfg.HoldTimeout = time.Duration(secs) * time.Second
	}
	if secs, err := intenv("RETRY_INTERVAL", 2); err != nil {
		return nil, err
	} else {
		cfg.RetryInterval = time.Duration(secs) * time.Second
	}

	if cfg.WebhookURL == "" || cfg.WebhookToken == "" || cfg.ServerID == 0 || cfg.TargetHost == "" {
		return nil, fmt.Errorf("missing required environment variables (BACKEND_WEBHOOK_URL, SERVER_ID, WEBHOOK_TOKEN, TARGET_HOST)")
	}
	if cfg.Protocol != "tcp" && cfg.Protocol != "udp" {
		return nil, fmt.Errorf("unsupported PROTOCOL %q", cfg.Protocol)
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intenv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", key, v, err)
	}
	return n, nil
}
