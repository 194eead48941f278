package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  url: "http://localhost:8001"
  secret: "s3cret"
database:
  dsn: "postgres://localhost/wakegate"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.ControlPlane.ListenAddr)
	assert.Equal(t, 8000, cfg.ControlPlane.ListenPort)
	assert.Equal(t, 300*time.Second, cfg.ControlPlane.TickInterval)
	assert.Equal(t, 5.0, cfg.ControlPlane.IdleCPUThreshold)
	assert.Equal(t, 15*time.Minute, cfg.ControlPlane.IdleAfter)
	assert.Equal(t, 0.5, cfg.ControlPlane.CreditsPerTick)
	assert.Equal(t, 30*time.Second, cfg.Node.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Redis.WakeDedupTTL)
}

func TestLoadValidatesRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing node url",
			content: "node:\n  secret: x\ndatabase:\n  dsn: y\n",
			wantErr: "node.url",
		},
		{
			name:    "missing node secret",
			content: "node:\n  url: http://x\ndatabase:\n  dsn: y\n",
			wantErr: "node.secret",
		},
		{
			name:    "missing dsn",
			content: "node:\n  url: http://x\n  secret: s\n",
			wantErr: "database.dsn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadAgentDefaults(t *testing.T) {
	path := writeConfig(t, "secret: agent-secret\n")

	cfg, err := LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, 8001, cfg.ListenPort)
	assert.Equal(t, "wakegate-proxy:latest", cfg.ProxyImage)
	assert.Equal(t, 30000, cfg.PortRangeStart)
	assert.Equal(t, 32767, cfg.PortRangeEnd)
	assert.Equal(t, 30*time.Second, cfg.StopTimeout)
}

func TestLoadAgentRequiresSecret(t *testing.T) {
	_, err := LoadAgent(writeConfig(t, "listen_port: 9999\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")
}

func setProxyEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TARGET_HOST", "game-1")
	t.Setenv("TARGET_PORT", "25565")
	t.Setenv("LISTEN_PORT", "25565")
	t.Setenv("PROTOCOL", "TCP")
	t.Setenv("BACKEND_WEBHOOK_URL", "http://cp:8000/api/webhook/wake")
	t.Setenv("SERVER_ID", "17")
	t.Setenv("WEBHOOK_TOKEN", "tok")
	t.Setenv("HOLD_TIMEOUT", "")
	t.Setenv("RETRY_INTERVAL", "")
}

func TestProxyFromEnv(t *testing.T) {
	setProxyEnv(t)

	cfg, err := ProxyFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "game-1", cfg.TargetHost)
	assert.Equal(t, 25565, cfg.TargetPort)
	assert.Equal(t, "tcp", cfg.Protocol)
	assert.Equal(t, int64(17), cfg.ServerID)
	assert.Equal(t, 60*time.Second, cfg.HoldTimeout)
	assert.Equal(t, 2*time.Second, cfg.RetryInterval)
}

func TestProxyFromEnvOverridesTimeouts(t *testing.T) {
	setProxyEnv(t)
	t.Setenv("HOLD_TIMEOUT", "120")
	t.Setenv("RETRY_INTERVAL", "5")

	cfg, err := ProxyFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.HoldTimeout)
	assert.Equal(t, 5*time.Second, cfg.RetryInterval)
}

func TestProxyFromEnvRefusesMissingRequired(t *testing.T) {
	setProxyEnv(t)
	t.Setenv("WEBHOOK_TOKEN", "")

	_, err := ProxyFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required environment variables")
}

func TestProxyFromEnvRejectsBadProtocol(t *testing.T) {
	setProxyEnv(t)
	t.Setenv("PROTOCOL", "sctp")

	_, err := ProxyFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported PROTOCOL")
}
