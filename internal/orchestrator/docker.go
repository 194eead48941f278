package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/wakegate/wakegate/pkg/bundle"
)

// cpuPeriod is the CFS scheduling period the quotas are computed against.
const cpuPeriod = 100_000

// DockerEngine implements Engine over the local Docker daemon.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the Docker daemon from the environment.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// Close releases the underlying client.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

func translateNotFound(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	}
	return err
}

func (e *DockerEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := e.cli.ImageInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	return true, nil
}

// BuildImage builds contextDir into an image tagged tag. The build
// context is packed with the stdlib tar writer; the daemon does the rest.
func (e *DockerEngine) BuildImage(ctx context.Context, contextDir, tag string) error {
	buildCtx, err := tarDirectory(contextDir)
	if err != nil {
		return fmt.Errorf("packing build context %s: %w", contextDir, err)
	}

	resp, err := e.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("building image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	// Drain the build output; the daemon reports errors in-stream.
	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("reading build output for %s: %w", tag, err)
		}
		if msg.Error != "" {
			return fmt.Errorf("build of %s failed: %s", tag, msg.Error)
		}
	}
	return nil
}

func (e *DockerEngine) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := e.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting network %s: %w", name, err)
	}
	return true, nil
}

func (e *DockerEngine) CreateNetwork(ctx context.Context, name string) error {
	_, err := e.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}
	return nil
}

func (e *DockerEngine) RemoveNetwork(ctx context.Context, name string) error {
	return translateNotFound(e.cli.NetworkRemove(ctx, name))
}

func (e *DockerEngine) ContainerExists(ctx context.Context, name string) (bool, error) {
	_, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting container %s: %w", name, err)
	}
	return true, nil
}

func (e *DockerEngine) ContainerStatus(ctx context.Context, id string) (string, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", translateNotFound(err)
	}
	if info.State == nil {
		return "unknown", nil
	}
	return info.State.Status, nil
}

func (e *DockerEngine) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	id, err := e.CreateContainer(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := e.StartContainer(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func (e *DockerEngine) CreateContainer(ctx context.Context, spec RunSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env:   env,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUQuota:  spec.CPUQuota,
			CPUPeriod: cpuPeriod,
		},
	}
	if spec.RestartAlways {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyAlways}
	}

	if spec.PublicPort != 0 {
		exposed := nat.PortSet{}
		bindings := nat.PortMap{}
		for _, proto := range []string{"tcp", "udp"} {
			p := nat.Port(fmt.Sprintf("%d/%s", spec.InternalPort, proto))
			exposed[p] = struct{}{}
			bindings[p] = []nat.PortBinding{{
				HostIP:   "0.0.0.0",
				HostPort: strconv.Itoa(spec.PublicPort),
			}}
		}
		cfg.ExposedPorts = exposed
		hostCfg.PortBindings = bindings
	}

	for vol, path := range spec.VolumeMounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: vol,
			Target: path,
		})
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (e *DockerEngine) StartContainer(ctx context.Context, id string) error {
	return translateNotFound(e.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (e *DockerEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return translateNotFound(e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}))
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	return translateNotFound(e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}))
}

func (e *DockerEngine) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := e.cli.VolumeInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting volume %s: %w", name, err)
	}
	return true, nil
}

func (e *DockerEngine) CreateVolume(ctx context.Context, name string) error {
	_, err := e.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	if err != nil {
		return fmt.Errorf("creating volume %s: %w", name, err)
	}
	return nil
}

func (e *DockerEngine) RemoveVolume(ctx context.Context, name string) error {
	return translateNotFound(e.cli.VolumeRemove(ctx, name, false))
}

// ContainerStats samples one non-streaming stats frame and derives the
// usage percentages the lifecycle controller keys on.
func (e *DockerEngine) ContainerStats(ctx context.Context, id string) (bundle.Stats, error) {
	resp, err := e.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return bundle.Stats{}, translateNotFound(err)
	}
	defer resp.Body.Close()

	var frame container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		return bundle.Stats{}, fmt.Errorf("decoding stats for %s: %w", id, err)
	}

	status, err := e.ContainerStatus(ctx, id)
	if err != nil {
		status = "unknown"
	}

	cpuDelta := float64(frame.CPUStats.CPUUsage.TotalUsage) - float64(frame.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(frame.CPUStats.SystemUsage) - float64(frame.PreCPUStats.SystemUsage)
	cpuPercent := 0.0
	if systemDelta > 0 {
		cpuPercent = cpuDelta / systemDelta * 100.0
	}

	memUsage := float64(frame.MemoryStats.Usage)
	memLimit := float64(frame.MemoryStats.Limit)
	memPercent := 0.0
	if memLimit > 0 {
		memPercent = memUsage / memLimit * 100.0
	}

	return bundle.Stats{
		CPUPercent:    round2(cpuPercent),
		MemoryPercent: round2(memPercent),
		MemoryUsedMB:  round2(memUsage / (1024 * 1024)),
		Status:        status,
	}, nil
}

func (e *DockerEngine) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", translateNotFound(err)
	}
	defer rc.Close()

	// Container logs are multiplexed; demux stdout and stderr together.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("reading logs for %s: %w", id, err)
	}
	return buf.String(), nil
}

// ContainerPublicPort reports the first published host port of a
// container, or 0 when it publishes none.
func (e *DockerEngine) ContainerPublicPort(ctx context.Context, id string) (int, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return 0, translateNotFound(err)
	}
	if info.NetworkSettings == nil {
		return 0, nil
	}
	for _, bindings := range info.NetworkSettings.Ports {
		for _, b := range bindings {
			port, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			return port, nil
		}
	}
	return 0, nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// tarDirectory packs dir into an in-memory tar stream for use as an
// image build context.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
