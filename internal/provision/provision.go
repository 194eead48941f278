// Package provision ties the store and the node agent together for the
// user-facing server commands: create, deploy, wake, hibernate, delete.
package provision

import (
	"context"
	"fmt"
	"log"

	"github.com/wakegate/wakegate/internal/nodeagent"
	"github.com/wakegate/wakegate/internal/store"
	"github.com/wakegate/wakegate/pkg/bundle"
)

// Store is the persistence surface the provisioner needs.
type Store interface {
	GetServer(ctx context.Context, id int64) (*store.Server, error)
	GetGameImage(ctx context.Context, id int64) (*store.GameImage, error)
	CreateServer(ctx context.Context, userID, gameImageID int64, friendlyName string, envVars map[string]string, autoSleep bool) (*store.Server, error)
	SetBundle(ctx context.Context, serverID int64, b bundle.Bundle) error
	ClearBundle(ctx context.Context, serverID int64) error
	CASState(ctx context.Context, serverID int64, expected, next store.ServerState) (bool, error)
	DeleteServer(ctx context.Context, serverID int64) error
}

// Provisioner executes server commands on behalf of users.
type Provisioner struct {
	store Store
	node  *nodeagent.Client

	// backendURL and secret parameterise the wake webhook injected into
	// deployed sidecars.
	backendURL string
	secret     string
}

// New creates a provisioner.
func New(st Store, node *nodeagent.Client, backendURL, secret string) *Provisioner {
	return &Provisioner{store: st, node: node, backendURL: backendURL, secret: secret}
}

// Create inserts a new server row in SLEEPING state; nothing is
// deployed yet.
func (p *Provisioner) Create(ctx context.Context, userID, gameImageID int64, friendlyName string, envVars map[string]string, autoSleep bool) (*store.Server, error) {
	img, err := p.store.GetGameImage(ctx, gameImageID)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("game image %d not found", gameImageID)
	}
	return p.store.CreateServer(ctx, userID, gameImageID, friendlyName, envVars, autoSleep)
}

// Deploy materializes the server's bundle on the node and records it.
// The server stays SLEEPING: the game container is created but not
// started, and the first player connect wakes it.
func (p *Provisioner) Deploy(ctx context.Context, serverID int64) (*bundle.Bundle, error) {
	srv, err := p.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if srv == nil {
		return nil, fmt.Errorf("server %d not found", serverID)
	}
	if srv.GameContainerID != "" {
		return nil, fmt.Errorf("server %d is already deployed", serverID)
	}

	img, err := p.store.GetGameImage(ctx, srv.GameImageID)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("game image %d not found", srv.GameImageID)
	}

	b, err := p.node.Deploy(ctx, bundle.DeploySpec{
		ServerID:     srv.ID,
		Image:        img.ImageRef,
		InternalPort: img.DefaultInternalPort,
		Protocol:     img.Protocol,
		EnvVars:      srv.EnvVars,
		MinRAM:       img.MinRAM,
		MinCPU:       img.MinCPU,
		Webhook: bundle.WebhookConfig{
			Enabled:    true,
			BackendURL: p.backendURL,
			Secret:     p.secret,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := p.store.SetBundle(ctx, srv.ID, *b); err != nil {
		return nil, fmt.Errorf("recording bundle: %w", err)
	}
	log.Printf("[provision] Server %d deployed on public port %d", srv.ID, b.PublicPort)
	return b, nil
}

// Wake starts the server's game container on user request.
func (p *Provisioner) Wake(ctx context.Context, serverID int64) error {
	srv, err := p.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if srv == nil {
		return fmt.Errorf("server %d not found", serverID)
	}
	if !p.node.Wake(ctx, srv) {
		return fmt.Errorf("waking server %d failed", serverID)
	}
	if _, err := p.store.CASState(ctx, serverID, srv.State, store.StateRunning); err != nil {
		return err
	}
	return nil
}

// Hibernate stops the server's game container on user request.
func (p *Provisioner) Hibernate(ctx context.Context, serverID int64) error {
	srv, err := p.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if srv == nil {
		return fmt.Errorf("server %d not found", serverID)
	}
	if !p.node.Hibernate(ctx, srv) {
		return fmt.Errorf("hibernating server %d failed", serverID)
	}
	if _, err := p.store.CASState(ctx, serverID, srv.State, store.StateSleeping); err != nil {
		return err
	}
	return nil
}

// Delete tears down the server's bundle and removes the row.
func (p *Provisioner) Delete(ctx context.Context, serverID int64) error {
	srv, err := p.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if srv == nil {
		return nil
	}
	if !p.node.Delete(ctx, srv) {
		return fmt.Errorf("deleting bundle of server %d failed", serverID)
	}
	if err := p.store.ClearBundle(ctx, serverID); err != nil {
		return err
	}
	if err := p.store.DeleteServer(ctx, serverID); err != nil {
		return err
	}
	log.Printf("[provision] Server %d deleted", serverID)
	return nil
}
