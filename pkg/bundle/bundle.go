// Package bundle defines the per-server resource bundle model.
// A bundle is the set of node-local resources backing one game server:
// the sidecar proxy container, the game container, a private bridge
// network, a persistent data volume and a public port. Resource names
// are derived from the server id so that every operation on the bundle
// is idempotent.
package bundle

import "fmt"

// Bundle describes the resources allocated for one server on a node.
type Bundle struct {
	ServerID         int64  `json:"server_id"`
	ProxyContainerID string `json:"proxy_container_id"`
	GameContainerID  string `json:"game_container_id"`
	NetworkName      string `json:"network_name"`
	VolumeName       string `json:"volume_name"`
	PublicPort       int    `json:"public_port"`
}

// NetworkName returns the private bridge network name for a server.
func NetworkName(serverID int64) string {
	return fmt.Sprintf("net-%d", serverID)
}

// GameContainerName returns the game container name for a server.
func GameContainerName(serverID int64) string {
	return fmt.Sprintf("game-%d", serverID)
}

// ProxyContainerName returns the sidecar proxy container name for a server.
func ProxyContainerName(serverID int64) string {
	return fmt.Sprintf("proxy-%d", serverID)
}

// VolumeName returns the persistent data volume name for a server.
func VolumeName(serverID int64) string {
	return fmt.Sprintf("game-data-%d", serverID)
}

// Stats is a single sampled resource usage frame for a container.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	Status        string  `json:"status"`
}

// WebhookConfig carries the wake webhook parameters injected into the
// sidecar proxy at deploy time.
type WebhookConfig struct {
	Enabled    bool   `json:"enabled"`
	BackendURL string `json:"backend_url"`
	Secret     string `json:"webhook_secret"`
}

// DeploySpec is everything the orchestrator needs to materialize a bundle.
type DeploySpec struct {
	ServerID     int64             `json:"server_id"`
	Image        string            `json:"image"`
	InternalPort int               `json:"port"`
	Protocol     string            `json:"protocol"`
	EnvVars      map[string]string `json:"env_vars"`
	MinRAM       string            `json:"min_ram"`
	MinCPU       string            `json:"min_cpu"`
	Webhook      WebhookConfig     `json:"webhook_config"`
}
