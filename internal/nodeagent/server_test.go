package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakegate/wakegate/internal/orchestrator"
	"github.com/wakegate/wakegate/internal/store"
	"github.com/wakegate/wakegate/pkg/bundle"
)

// fakeEngine implements orchestrator.Engine in memory for RPC tests.
type fakeEngine struct {
	networks   map[string]bool
	volumes    map[string]bool
	containers map[string]*fakeContainer
	starts     int
}

type fakeContainer struct {
	id      string
	spec    orchestrator.RunSpec
	running bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		networks:   map[string]bool{},
		volumes:    map[string]bool{},
		containers: map[string]*fakeContainer{},
	}
}

func (f *fakeEngine) ImageExists(ctx context.Context, ref string) (bool, error) { return true, nil }
func (f *fakeEngine) BuildImage(ctx context.Context, dir, tag string) error     { return nil }

func (f *fakeEngine) NetworkExists(ctx context.Context, name string) (bool, error) {
	return f.networks[name], nil
}
func (f *fakeEngine) CreateNetwork(ctx context.Context, name string) error {
	f.networks[name] = true
	return nil
}
func (f *fakeEngine) RemoveNetwork(ctx context.Context, name string) error {
	if !f.networks[name] {
		return fmt.Errorf("%w: %s", orchestrator.ErrNotFound, name)
	}
	delete(f.networks, name)
	return nil
}

func (f *fakeEngine) find(id string) *fakeContainer {
	if c, ok := f.containers[id]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (f *fakeEngine) ContainerExists(ctx context.Context, name string) (bool, error) {
	return f.find(name) != nil, nil
}

func (f *fakeEngine) ContainerStatus(ctx context.Context, id string) (string, error) {
	c := f.find(id)
	if c == nil {
		return "", fmt.Errorf("%w: %s", orchestrator.ErrNotFound, id)
	}
	if c.running {
		return "running", nil
	}
	return "exited", nil
}

func (f *fakeEngine) RunContainer(ctx context.Context, spec orchestrator.RunSpec) (string, error) {
	id, _ := f.CreateContainer(ctx, spec)
	return id, f.StartContainer(ctx, id)
}

func (f *fakeEngine) CreateContainer(ctx context.Context, spec orchestrator.RunSpec) (string, error) {
	id := "cid-" + spec.Name
	f.containers[spec.Name] = &fakeContainer{id: id, spec: spec}
	return id, nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, id string) error {
	c := f.find(id)
	if c == nil {
		return fmt.Errorf("%w: %s", orchestrator.ErrNotFound, id)
	}
	if !c.running {
		f.starts++
		c.running = true
	}
	return nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	c := f.find(id)
	if c == nil {
		return fmt.Errorf("%w: %s", orchestrator.ErrNotFound, id)
	}
	c.running = false
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	c := f.find(id)
	if c == nil {
		return fmt.Errorf("%w: %s", orchestrator.ErrNotFound, id)
	}
	delete(f.containers, c.spec.Name)
	return nil
}

func (f *fakeEngine) VolumeExists(ctx context.Context, name string) (bool, error) {
	return f.volumes[name], nil
}
func (f *fakeEngine) CreateVolume(ctx context.Context, name string) error {
	f.volumes[name] = true
	return nil
}
func (f *fakeEngine) RemoveVolume(ctx context.Context, name string) error {
	if !f.volumes[name] {
		return fmt.Errorf("%w: %s", orchestrator.ErrNotFound, name)
	}
	delete(f.volumes, name)
	return nil
}

func (f *fakeEngine) ContainerStats(ctx context.Context, id string) (bundle.Stats, error) {
	if f.find(id) == nil {
		return bundle.Stats{}, fmt.Errorf("%w: %s", orchestrator.ErrNotFound, id)
	}
	return bundle.Stats{CPUPercent: 3.2, MemoryPercent: 20, MemoryUsedMB: 128, Status: "running"}, nil
}

func (f *fakeEngine) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	if f.find(id) == nil {
		return "", fmt.Errorf("%w: %s", orchestrator.ErrNotFound, id)
	}
	return fmt.Sprintf("tail=%d\n", tail), nil
}

func (f *fakeEngine) ContainerPublicPort(ctx context.Context, id string) (int, error) {
	c := f.find(id)
	if c == nil {
		return 0, fmt.Errorf("%w: %s", orchestrator.ErrNotFound, id)
	}
	return c.spec.PublicPort, nil
}

const testSecret = "node-secret"

func newTestAgent(t *testing.T) (*httptest.Server, *fakeEngine) {
	t.Helper()
	engine := newFakeEngine()
	orch := orchestrator.New(engine, orchestrator.Options{
		ProxyImage:        "wakegate-proxy:test",
		ProxyBuildContext: ".",
		Ports:             orchestrator.NewPortAllocator(44000, 44100),
	})
	server := NewServer(orch, orchestrator.NewNameLookup(engine), testSecret)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, engine
}

func deployPayload(serverID int64) []byte {
	body, _ := json.Marshal(bundle.DeploySpec{
		ServerID:     serverID,
		Image:        "example/game:latest",
		InternalPort: 25565,
		Protocol:     "TCP",
		EnvVars:      map[string]string{},
		MinRAM:       "512m",
		MinCPU:       "0.5",
	})
	return body
}

func doReq(t *testing.T, method, url string, body []byte, secret string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if secret != "" {
		req.Header.Set("X-Node-Secret", secret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestAgentRejectsBadSecret(t *testing.T) {
	ts, _ := newTestAgent(t)

	resp, _ := doReq(t, http.MethodPost, ts.URL+"/deploy", deployPayload(1), "wrong")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doReq(t, http.MethodPost, ts.URL+"/servers/1/wake", nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAgentHealthNeedsNoSecret(t *testing.T) {
	ts, _ := newTestAgent(t)
	resp, body := doReq(t, http.MethodGet, ts.URL+"/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestAgentDeployWakeHibernateDelete(t *testing.T) {
	ts, engine := newTestAgent(t)

	resp, body := doReq(t, http.MethodPost, ts.URL+"/deploy", deployPayload(11), testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cid-proxy-11", body["proxy_container_id"])
	assert.Equal(t, "cid-game-11", body["game_container_id"])
	assert.Equal(t, "net-11", body["network_name"])
	assert.NotZero(t, body["public_port"])

	resp, body = doReq(t, http.MethodPost, ts.URL+"/servers/11/wake", nil, testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.True(t, engine.containers["game-11"].running)

	resp, _ = doReq(t, http.MethodPost, ts.URL+"/servers/11/hibernate", nil, testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, engine.containers["game-11"].running)

	resp, _ = doReq(t, http.MethodDelete, ts.URL+"/servers/11", nil, testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, engine.containers)
	assert.Empty(t, engine.networks)
	assert.Empty(t, engine.volumes)
}

func TestAgentDeployConflictSurfacesAsError(t *testing.T) {
	ts, _ := newTestAgent(t)

	resp, _ := doReq(t, http.MethodPost, ts.URL+"/deploy", deployPayload(12), testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doReq(t, http.MethodPost, ts.URL+"/deploy", deployPayload(12), testSecret)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body["error"], "already exist")
}

func TestAgentStatsAndLogs(t *testing.T) {
	ts, _ := newTestAgent(t)

	resp, _ := doReq(t, http.MethodPost, ts.URL+"/deploy", deployPayload(13), testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doReq(t, http.MethodGet, ts.URL+"/servers/13/stats", nil, testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3.2, body["cpu_percent"])
	assert.Equal(t, "running", body["status"])

	resp, body = doReq(t, http.MethodGet, ts.URL+"/servers/13/logs?tail=7", nil, testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["logs"], "tail=7")
}

func TestClientRoundTrip(t *testing.T) {
	ts, engine := newTestAgent(t)
	client := NewClient(ts.URL, testSecret, 5*time.Second)

	b, err := client.Deploy(context.Background(), bundle.DeploySpec{
		ServerID:     21,
		Image:        "example/game:latest",
		InternalPort: 25565,
		Protocol:     "tcp",
		MinRAM:       "512m",
		MinCPU:       "0.5",
	})
	require.NoError(t, err)
	assert.Equal(t, "cid-game-21", b.GameContainerID)
	assert.Equal(t, "game-data-21", b.VolumeName)

	srv := &store.Server{ID: 21}
	assert.True(t, client.Wake(context.Background(), srv))
	assert.True(t, engine.containers["game-21"].running)

	stats, err := client.Stats(context.Background(), srv)
	require.NoError(t, err)
	assert.Equal(t, 3.2, stats.CPUPercent)

	logs, err := client.Logs(context.Background(), srv, 5)
	require.NoError(t, err)
	assert.Contains(t, logs, "tail=5")

	assert.True(t, client.Hibernate(context.Background(), srv))
	assert.False(t, engine.containers["game-21"].running)

	assert.True(t, client.Delete(context.Background(), srv))
	assert.Empty(t, engine.containers)

	require.NoError(t, client.Health(context.Background()))
}

func TestClientWrongSecretFailsClosed(t *testing.T) {
	ts, _ := newTestAgent(t)
	client := NewClient(ts.URL, "wrong", 5*time.Second)

	srv := &store.Server{ID: 1}
	assert.False(t, client.Wake(context.Background(), srv))
	assert.False(t, client.Hibernate(context.Background(), srv))

	_, err := client.Stats(context.Background(), srv)
	assert.Error(t, err)
}
