package orchestrator

import (
	"context"
	"fmt"

	"github.com/wakegate/wakegate/pkg/bundle"
)

// NameLookup resolves a server id to its bundle through the engine,
// using the deterministic resource names. Container names are valid
// engine references, so the bundle can be acted on without an
// agent-local registry.
type NameLookup struct {
	engine Engine
}

// NewNameLookup creates a lookup over the given engine.
func NewNameLookup(engine Engine) *NameLookup {
	return &NameLookup{engine: engine}
}

// Bundle resolves the bundle for serverID. Missing resources resolve to
// their derived names anyway: delete paths treat absence as success.
func (l *NameLookup) Bundle(ctx context.Context, serverID int64) (bundle.Bundle, error) {
	b := bundle.Bundle{
		ServerID:         serverID,
		ProxyContainerID: bundle.ProxyContainerName(serverID),
		GameContainerID:  bundle.GameContainerName(serverID),
		NetworkName:      bundle.NetworkName(serverID),
		VolumeName:       bundle.VolumeName(serverID),
	}

	port, err := l.engine.ContainerPublicPort(ctx, b.ProxyContainerID)
	if err != nil && !IsNotFound(err) {
		return bundle.Bundle{}, fmt.Errorf("resolving public port for server %d: %w", serverID, err)
	}
	b.PublicPort = port
	return b, nil
}
