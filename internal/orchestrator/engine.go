package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/wakegate/wakegate/pkg/bundle"
)

// ErrNotFound is returned by Engine implementations when the named
// resource does not exist. Absence is frequently not an error for the
// orchestrator (delete paths, ensure paths), so callers branch on it.
var ErrNotFound = errors.New("resource not found")

// IsNotFound checks whether an engine error means the resource is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// RunSpec describes a container to create or run.
type RunSpec struct {
	Name    string
	Image   string
	Network string
	Env     map[string]string

	// InternalPort is published on PublicPort for both tcp and udp when
	// PublicPort is non-zero.
	InternalPort int
	PublicPort   int

	// VolumeMounts maps volume name → container path.
	VolumeMounts map[string]string

	MemoryBytes   int64
	CPUQuota      int64 // microseconds per 100ms period
	RestartAlways bool
}

// Engine is the narrow container-engine surface the orchestrator needs.
// The production implementation wraps the Docker engine API; tests use
// an in-memory fake.
type Engine interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	BuildImage(ctx context.Context, contextDir, tag string) error

	NetworkExists(ctx context.Context, name string) (bool, error)
	CreateNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error

	ContainerExists(ctx context.Context, name string) (bool, error)
	ContainerStatus(ctx context.Context, id string) (string, error)
	RunContainer(ctx context.Context, spec RunSpec) (string, error)
	CreateContainer(ctx context.Context, spec RunSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error

	VolumeExists(ctx context.Context, name string) (bool, error)
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error

	ContainerStats(ctx context.Context, id string) (bundle.Stats, error)
	ContainerLogs(ctx context.Context, id string, tail int) (string, error)

	// ContainerPublicPort reports the host port a container publishes,
	// or 0 when it publishes none.
	ContainerPublicPort(ctx context.Context, id string) (int, error)
}
