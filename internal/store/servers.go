package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wakegate/wakegate/pkg/bundle"
)

const serverColumns = `id, user_id, game_image_id, friendly_name, env_vars,
	COALESCE(proxy_container_id, ''), COALESCE(game_container_id, ''),
	COALESCE(public_port, 0), COALESCE(private_network_name, ''),
	state, auto_sleep, created_at, last_state_change`

func scanServer(row pgx.Row) (*Server, error) {
	var srv Server
	var envJSON []byte
	err := row.Scan(
		&srv.ID, &srv.UserID, &srv.GameImageID, &srv.FriendlyName, &envJSON,
		&srv.ProxyContainerID, &srv.GameContainerID,
		&srv.PublicPort, &srv.NetworkName,
		&srv.State, &srv.AutoSleep, &srv.CreatedAt, &srv.LastStateChange,
	)
	if err != nil {
		return nil, err
	}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &srv.EnvVars); err != nil {
			return nil, fmt.Errorf("decoding env_vars: %w", err)
		}
	}
	if srv.EnvVars == nil {
		srv.EnvVars = map[string]string{}
	}
	return &srv, nil
}

// CreateServer inserts a new server in SLEEPING state with no bundle.
func (s *Store) CreateServer(ctx context.Context, userID, gameImageID int64, friendlyName string, envVars map[string]string, autoSleep bool) (*Server, error) {
	if envVars == nil {
		envVars = map[string]string{}
	}
	envJSON, err := json.Marshal(envVars)
	if err != nil {
		return nil, fmt.Errorf("encoding env_vars: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO servers (user_id, game_image_id, friendly_name, env_vars, auto_sleep)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+serverColumns,
		userID, gameImageID, friendlyName, envJSON, autoSleep)

	srv, err := scanServer(row)
	if err != nil {
		return nil, fmt.Errorf("creating server %q: %w", friendlyName, err)
	}
	return srv, nil
}

// GetServer loads a server by id. Returns nil, nil when it does not exist.
func (s *Store) GetServer(ctx context.Context, id int64) (*Server, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	srv, err := scanServer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying server %d: %w", id, err)
	}
	return srv, nil
}

// ListServersByState returns every server currently in the given state.
func (s *Store) ListServersByState(ctx context.Context, state ServerState) ([]*Server, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE state = $1 ORDER BY id`, state)
	if err != nil {
		return nil, fmt.Errorf("querying servers in state %s: %w", state, err)
	}
	defer rows.Close()

	var out []*Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// SetBundle records the deployed bundle on the server row.
func (s *Store) SetBundle(ctx context.Context, serverID int64, b bundle.Bundle) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE servers
		 SET proxy_container_id = $2, game_container_id = $3,
		     public_port = $4, private_network_name = $5
		 WHERE id = $1`,
		serverID, b.ProxyContainerID, b.GameContainerID, b.PublicPort, b.NetworkName)
	if err != nil {
		return fmt.Errorf("recording bundle for server %d: %w", serverID, err)
	}
	return nil
}

// ClearBundle removes the bundle columns after a delete.
func (s *Store) ClearBundle(ctx context.Context, serverID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE servers
		 SET proxy_container_id = NULL, game_container_id = NULL,
		     public_port = NULL, private_network_name = NULL
		 WHERE id = $1`, serverID)
	if err != nil {
		return fmt.Errorf("clearing bundle for server %d: %w", serverID, err)
	}
	return nil
}

// CASState transitions the server from expected to next and bumps
// last_state_change, but only if the stored state still equals
// expected. Returns false (no error) when the CAS loses.
func (s *Store) CASState(ctx context.Context, serverID int64, expected, next ServerState) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE servers
		 SET state = $3, last_state_change = now()
		 WHERE id = $1 AND state = $2`,
		serverID, expected, next)
	if err != nil {
		return false, fmt.Errorf("updating state for server %d: %w", serverID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteServer removes the server row.
func (s *Store) DeleteServer(ctx context.Context, serverID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM servers WHERE id = $1`, serverID)
	if err != nil {
		return fmt.Errorf("deleting server %d: %w", serverID, err)
	}
	return nil
}
