package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wakegate/wakegate/internal/store"
	"github.com/wakegate/wakegate/pkg/bundle"
)

// Client is the control plane's handle on a node agent.
type Client struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewClient creates a node agent client.
func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

// Deploy asks the agent to materialize the bundle for a server.
func (c *Client) Deploy(ctx context.Context, spec bundle.DeploySpec) (*bundle.Bundle, error) {
	log.Printf("[nodeclient] Deploying server %d via node agent", spec.ServerID)

	body, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encoding deploy request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/deploy", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		ProxyContainerID string `json:"proxy_container_id"`
		GameContainerID  string `json:"game_container_id"`
		NetworkName      string `json:"network_name"`
		PublicPort       int    `json:"public_port"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("deploying server %d: %w", spec.ServerID, err)
	}

	return &bundle.Bundle{
		ServerID:         spec.ServerID,
		ProxyContainerID: resp.ProxyContainerID,
		GameContainerID:  resp.GameContainerID,
		NetworkName:      resp.NetworkName,
		VolumeName:       bundle.VolumeName(spec.ServerID),
		PublicPort:       resp.PublicPort,
	}, nil
}

// Wake starts the server's game container. Failures are logged and
// reported as false.
func (c *Client) Wake(ctx context.Context, srv *store.Server) bool {
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/servers/%d/wake", srv.ID), nil)
	if err != nil {
		return false
	}
	if err := c.do(req, nil); err != nil {
		log.Printf("[nodeclient] Wake of server %d failed: %v", srv.ID, err)
		return false
	}
	return true
}

// Hibernate stops the server's game container. Failures are logged and
// reported as false.
func (c *Client) Hibernate(ctx context.Context, srv *store.Server) bool {
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/servers/%d/hibernate", srv.ID), nil)
	if err != nil {
		return false
	}
	if err := c.do(req, nil); err != nil {
		log.Printf("[nodeclient] Hibernate of server %d failed: %v", srv.ID, err)
		return false
	}
	return true
}

// Delete removes the server's bundle.
func (c *Client) Delete(ctx context.Context, srv *store.Server) bool {
	req, err := c.newRequest(ctx, http.MethodDelete, fmt.Sprintf("/servers/%d", srv.ID), nil)
	if err != nil {
		return false
	}
	if err := c.do(req, nil); err != nil {
		log.Printf("[nodeclient] Delete of server %d failed: %v", srv.ID, err)
		return false
	}
	return true
}

// Stats samples the server's game container usage. Errors surface to
// the caller; the lifecycle controller skips servers it cannot sample.
func (c *Client) Stats(ctx context.Context, srv *store.Server) (bundle.Stats, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/servers/%d/stats", srv.ID), nil)
	if err != nil {
		return bundle.Stats{}, err
	}
	var stats bundle.Stats
	if err := c.do(req, &stats); err != nil {
		return bundle.Stats{}, fmt.Errorf("sampling stats for server %d: %w", srv.ID, err)
	}
	return stats, nil
}

// Logs fetches the last tail lines of the server's game container.
func (c *Client) Logs(ctx context.Context, srv *store.Server, tail int) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet,
		fmt.Sprintf("/servers/%d/logs?tail=%s", srv.ID, strconv.Itoa(tail)), nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Logs string `json:"logs"`
	}
	if err := c.do(req, &resp); err != nil {
		return "", fmt.Errorf("fetching logs for server %d: %w", srv.ID, err)
	}
	return resp.Logs, nil
}

// Health checks the agent's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set(headerSecret, c.secret)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("agent returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("agent returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding agent response: %w", err)
	}
	return nil
}
