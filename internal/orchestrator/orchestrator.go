// Package orchestrator implements the per-server container bundle
// operations: deploy, wake, hibernate, delete, stats and logs. Every
// operation names its resources deterministically from the server id
// and is safe to re-invoke after a partial failure.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	units "github.com/docker/go-units"

	"github.com/wakegate/wakegate/internal/metrics"
	"github.com/wakegate/wakegate/pkg/bundle"
)

const (
	// Resource caps for the sidecar proxy container.
	proxyMemoryBytes = 50 * 1024 * 1024
	proxyCPUQuota    = 50_000

	statusRunning = "running"
)

// ErrBundleExists is returned by Deploy when containers for the server
// already exist. The caller must delete the bundle before redeploying.
type ErrBundleExists struct {
	ServerID int64
}

func (e *ErrBundleExists) Error() string {
	return fmt.Sprintf("containers for server %d already exist", e.ServerID)
}

// Options configures an Orchestrator.
type Options struct {
	ProxyImage        string
	ProxyBuildContext string
	StopTimeout       time.Duration
	Ports             *PortAllocator
}

// Orchestrator drives a container engine to manage server bundles.
type Orchestrator struct {
	engine Engine
	opts   Options

	// buildOnce guards the one-time proxy image build.
	buildOnce sync.Once
	buildErr  error
}

// New creates an orchestrator over the given engine.
func New(engine Engine, opts Options) *Orchestrator {
	if opts.StopTimeout == 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if opts.Ports == nil {
		opts.Ports = NewPortAllocator(30000, 32767)
	}
	return &Orchestrator{engine: engine, opts: opts}
}

// EnsureProxyImage makes sure the sidecar proxy image is available
// locally, building it once from the configured context if absent.
func (o *Orchestrator) EnsureProxyImage(ctx context.Context) error {
	o.buildOnce.Do(func() {
		exists, err := o.engine.ImageExists(ctx, o.opts.ProxyImage)
		if err != nil {
			o.buildErr = err
			return
		}
		if exists {
			log.Printf("[orchestrator] Proxy image %s already present", o.opts.ProxyImage)
			return
		}
		log.Printf("[orchestrator] Building proxy image %s", o.opts.ProxyImage)
		if err := o.engine.BuildImage(ctx, o.opts.ProxyBuildContext, o.opts.ProxyImage); err != nil {
			o.buildErr = err
			return
		}
		log.Printf("[orchestrator] Proxy image %s built", o.opts.ProxyImage)
	})
	return o.buildErr
}

// Deploy materializes the full bundle for a server: private network,
// sidecar proxy (started), data volume, and the game container
// (created but not started). It refuses if the server's containers
// already exist.
func (o *Orchestrator) Deploy(ctx context.Context, spec bundle.DeploySpec) (*bundle.Bundle, error) {
	log.Printf("[orchestrator] Deploying server %d (image %s)", spec.ServerID, spec.Image)

	if err := o.EnsureProxyImage(ctx); err != nil {
		metrics.OrchestratorOps.WithLabelValues("deploy", "error").Inc()
		return nil, fmt.Errorf("ensuring proxy image: %w", err)
	}

	netName := bundle.NetworkName(spec.ServerID)
	if exists, err := o.engine.NetworkExists(ctx, netName); err != nil {
		metrics.OrchestratorOps.WithLabelValues("deploy", "error").Inc()
		return nil, err
	} else if !exists {
		if err := o.engine.CreateNetwork(ctx, netName); err != nil {
			metrics.OrchestratorOps.WithLabelValues("deploy", "error").Inc()
			return nil, err
		}
		log.Printf("[orchestrator] Created network %s", netName)
	}

	gameName := bundle.GameContainerName(spec.ServerID)
	proxyName := bundle.ProxyContainerName(spec.ServerID)
	for _, name := range []string{gameName, proxyName} {
		exists, err := o.engine.ContainerExists(ctx, name)
		if err != nil {
			metrics.OrchestratorOps.WithLabelValues("deploy", "error").Inc()
			return nil, err
		}
		if exists {
			metrics.OrchestratorOps.WithLabelValues("deploy", "refused").Inc()
			return nil, &ErrBundleExists{ServerID: spec.ServerID}
		}
	}

	publicPort, err := o.opts.Ports.Reserve()
	if err != nil {
		metrics.OrchestratorOps.WithLabelValues("deploy", "error").Inc()
		return nil, fmt.Errorf("allocating public port: %w", err)
	}

	proxyEnv := map[string]string{
		"TARGET_HOST": gameName,
		"TARGET_PORT": strconv.Itoa(spec.InternalPort),
		"PROTOCOL":    spec.Protocol,
		"LISTEN_PORT": strconv.Itoa(spec.InternalPort),
	}
	if spec.Webhook.Enabled {
		proxyEnv["BACKEND_WEBHOOK_URL"] = spec.Webhook.BackendURL + "/api/webhook/wake"
		proxyEnv["SERVER_ID"] = strconv.FormatInt(spec.ServerID, 10)
		proxyEnv["WEBHOOK_TOKEN"] = spec.Webhook.Secret
	}

	proxyID, err := o.engine.RunContainer(ctx, RunSpec{
		Name:          proxyName,
		Image:         o.opts.ProxyImage,
		Network:       netName,
		Env:           proxyEnv,
		InternalPort:  spec.InternalPort,
		PublicPort:    publicPort,
		MemoryBytes:   proxyMemoryBytes,
		CPUQuota:      proxyCPUQuota,
		RestartAlways: true,
	})
	if err != nil {
		o.opts.Ports.Release(publicPort)
		metrics.OrchestratorOps.WithLabelValues("deploy", "error").Inc()
		return nil, fmt.Errorf("starting proxy container: %w", err)
	}
	log.Printf("[orchestrator] Started proxy container %s on public port %d", shortID(proxyID), publicPort)

	volName := bundle.VolumeName(spec.ServerID)
	if exists, err := o.engine.VolumeExists(ctx, volName); err != nil {
		o.rollbackDeploy(ctx, proxyID, publicPort)
		metrics.OrchestratorOps.WithLabelValues("deploy", "error").Inc()
		return nil, err
	} else if !exists {
		if err := o.engine.CreateVolume(ctx, volName); err != nil {
			o.rollbackDeploy(ctx, proxyID, publicPort)
			metrics.OrchestratorOps.WithLabelValues("deploy", "error").Inc()
			return nil, err
		}
		log.Printf("[orchestrator] Created volume %s", volName)
	}

	memBytes, err := units.RAMInBytes(spec.MinRAM)
	if err != nil {
		o.rollbackDeploy(ctx, proxyID, publicPort)
		metrics.OrchestratorOps.WithLabelValues("deploy", "error").Inc()
		return nil, fmt.Errorf("parsing min_ram %q: %w", spec.MinRAM, err)
	}
	cpuQuota, err := cpuQuotaFor(spec.MinCPU)
	if err != nil {
		o.rollbackDeploy(ctx, proxyID, publicPort)
		metrics.OrchestratorOps.WithLabelValues("deploy", "error").Inc()
		return nil, err
	}

	gameEnv := make(map[string]string, len(spec.EnvVars)+2)
	for k, v := range spec.EnvVars {
		gameEnv[k] = v
	}
	gameEnv["SERVER_ID"] = strconv.FormatInt(spec.ServerID, 10)
	gameEnv["DATA_DIR"] = "/data"

	gameID, err := o.engine.CreateContainer(ctx, RunSpec{
		Name:         gameName,
		Image:        spec.Image,
		Network:      netName,
		Env:          gameEnv,
		VolumeMounts: map[string]string{volName: "/data"},
		MemoryBytes:  memBytes,
		CPUQuota:     cpuQuota,
	})
	if err != nil {
		o.rollbackDeploy(ctx, proxyID, publicPort)
		metrics.OrchestratorOps.WithLabelValues("deploy", "error").Inc()
		return nil, fmt.Errorf("creating game container: %w", err)
	}
	log.Printf("[orchestrator] Created game container %s", shortID(gameID))

	metrics.OrchestratorOps.WithLabelValues("deploy", "ok").Inc()
	return &bundle.Bundle{
		ServerID:         spec.ServerID,
		ProxyContainerID: proxyID,
		GameContainerID:  gameID,
		NetworkName:      netName,
		VolumeName:       volName,
		PublicPort:       publicPort,
	}, nil
}

// rollbackDeploy undoes the proxy container and port reservation after
// a mid-deploy failure so the operation can be retried cleanly.
func (o *Orchestrator) rollbackDeploy(ctx context.Context, proxyID string, port int) {
	if err := o.engine.RemoveContainer(ctx, proxyID, true); err != nil && !IsNotFound(err) {
		log.Printf("[orchestrator] Rollback: removing proxy container failed: %v", err)
	}
	o.opts.Ports.Release(port)
}

// Wake starts the game container if it is not already running.
func (o *Orchestrator) Wake(ctx context.Context, gameContainerID string) error {
	status, err := o.engine.ContainerStatus(ctx, gameContainerID)
	if err != nil {
		metrics.OrchestratorOps.WithLabelValues("wake", "error").Inc()
		return fmt.Errorf("checking game container: %w", err)
	}
	if status == statusRunning {
		metrics.OrchestratorOps.WithLabelValues("wake", "noop").Inc()
		return nil
	}
	if err := o.engine.StartContainer(ctx, gameContainerID); err != nil {
		metrics.OrchestratorOps.WithLabelValues("wake", "error").Inc()
		return fmt.Errorf("starting game container: %w", err)
	}
	log.Printf("[orchestrator] Started game container %s", shortID(gameContainerID))
	metrics.OrchestratorOps.WithLabelValues("wake", "ok").Inc()
	return nil
}

// Hibernate stops the game container with a graceful timeout. The proxy
// container is never stopped: it stays up as the public front for the
// sleeping target.
func (o *Orchestrator) Hibernate(ctx context.Context, gameContainerID string) error {
	status, err := o.engine.ContainerStatus(ctx, gameContainerID)
	if err != nil {
		metrics.OrchestratorOps.WithLabelValues("hibernate", "error").Inc()
		return fmt.Errorf("checking game container: %w", err)
	}
	if status != statusRunning {
		metrics.OrchestratorOps.WithLabelValues("hibernate", "noop").Inc()
		return nil
	}
	if err := o.engine.StopContainer(ctx, gameContainerID, o.opts.StopTimeout); err != nil {
		metrics.OrchestratorOps.WithLabelValues("hibernate", "error").Inc()
		return fmt.Errorf("stopping game container: %w", err)
	}
	log.Printf("[orchestrator] Stopped game container %s", shortID(gameContainerID))
	metrics.OrchestratorOps.WithLabelValues("hibernate", "ok").Inc()
	return nil
}

// Delete removes all four bundle resources. Absence of any resource is
// not an error, and all four are attempted even when earlier ones fail;
// the first failure is reported after the sweep.
func (o *Orchestrator) Delete(ctx context.Context, b bundle.Bundle) error {
	log.Printf("[orchestrator] Deleting bundle for server %d", b.ServerID)

	var firstErr error
	record := func(what string, err error) {
		if err == nil || IsNotFound(err) {
			return
		}
		log.Printf("[orchestrator] Delete: %s failed: %v", what, err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", what, err)
		}
	}

	if b.GameContainerID != "" {
		record("removing game container", o.engine.RemoveContainer(ctx, b.GameContainerID, true))
	}
	if b.ProxyContainerID != "" {
		record("removing proxy container", o.engine.RemoveContainer(ctx, b.ProxyContainerID, true))
	}
	if b.NetworkName != "" {
		record("removing network", o.engine.RemoveNetwork(ctx, b.NetworkName))
	}
	volName := b.VolumeName
	if volName == "" {
		volName = bundle.VolumeName(b.ServerID)
	}
	record("removing volume", o.engine.RemoveVolume(ctx, volName))

	if b.PublicPort != 0 {
		o.opts.Ports.Release(b.PublicPort)
	}

	if firstErr != nil {
		metrics.OrchestratorOps.WithLabelValues("delete", "partial").Inc()
		return firstErr
	}
	metrics.OrchestratorOps.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Stats samples one usage frame for a container.
func (o *Orchestrator) Stats(ctx context.Context, containerID string) (bundle.Stats, error) {
	stats, err := o.engine.ContainerStats(ctx, containerID)
	if err != nil {
		metrics.OrchestratorOps.WithLabelValues("stats", "error").Inc()
		return bundle.Stats{}, err
	}
	metrics.OrchestratorOps.WithLabelValues("stats", "ok").Inc()
	return stats, nil
}

// Logs returns the last tail lines of a container's output.
func (o *Orchestrator) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	logs, err := o.engine.ContainerLogs(ctx, containerID, tail)
	if err != nil {
		metrics.OrchestratorOps.WithLabelValues("logs", "error").Inc()
		return "", err
	}
	metrics.OrchestratorOps.WithLabelValues("logs", "ok").Inc()
	return logs, nil
}

// cpuQuotaFor converts a fractional CPU count ("0.5", "2") into a CFS
// quota against the standard 100ms period.
func cpuQuotaFor(minCPU string) (int64, error) {
	cpus, err := strconv.ParseFloat(minCPU, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing min_cpu %q: %w", minCPU, err)
	}
	return int64(cpus * cpuPeriod), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
