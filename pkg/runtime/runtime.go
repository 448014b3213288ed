package runtime

import (
	"context"

	"github.com/pinacle-sh/pinacle/pkg/host"
	"github.com/pinacle-sh/pinacle/pkg/models"
)

// Runtime is the contract over a sandboxed container runtime on one host.
// All volume and network operations are idempotent: repeat calls with
// matching state succeed silently.
type Runtime interface {
	// EnsureImage pulls the image if the host does not have it.
	EnsureImage(ctx context.Context, image string) error

	// CreateNetwork creates the pod's bridge network with the given subnet.
	CreateNetwork(ctx context.Context, podID, subnet string) error
	DestroyNetwork(ctx context.Context, podID string) error

	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string, force bool) error
	VolumeExists(ctx context.Context, name string) (bool, error)

	// CreateContainer returns the full 64-character container ID; some
	// downstream runtime operations require the untruncated form.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, gracePeriodSec int) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	ListContainers(ctx context.Context, filter ListFilter) ([]ContainerInfo, error)

	// Exec runs a shell command inside a running container. Non-zero exits
	// are data, not errors, matching host.Connection semantics.
	Exec(ctx context.Context, containerID, script string, opts host.ExecOpts) (host.ExecResult, error)

	// Stats takes a point-in-time resource snapshot of a container.
	Stats(ctx context.Context, containerID string) (ContainerStats, error)
}

// ContainerSpec is everything needed to create a pod container.
type ContainerSpec struct {
	PodID string
	Name  string
	Image string
	Cmd   []string
	Env   map[string]string

	// Sandbox is the runtime handed to the engine (--runtime), e.g. runsc.
	Sandbox string

	CPUCores  float64
	MemoryMb  int64
	PidsLimit int64

	NetworkName string

	// Mounts maps canonical volume names to container paths.
	Mounts []VolumeMount

	// Ports publishes external host ports to internal container ports.
	Ports []models.PortMapping

	Labels map[string]string
}

// VolumeMount binds a named volume into the container.
type VolumeMount struct {
	Volume string
	Target string
}

// ListFilter narrows ListContainers. Zero value lists all pod containers.
type ListFilter struct {
	// Label filters by a label expression, e.g. "role=pod".
	Label string
	// NamePrefix filters by container name prefix.
	NamePrefix string
	// All includes stopped containers.
	All bool
}

// ContainerInfo is one row of ListContainers.
type ContainerInfo struct {
	ID    string
	Name  string
	Image string
	State string
	// Labels as reported by the engine.
	Labels map[string]string
}

// ContainerStats is a point-in-time resource snapshot.
type ContainerStats struct {
	CPUPercent     float64
	MemoryBytes    int64
	DiskBytes      int64
	NetworkRxBytes int64
	NetworkTxBytes int64
}

// CalculateCPUPercent converts the engine's cumulative CPU counters into a
// usage percentage over the sampling window.
func CalculateCPUPercent(cpuTotal, preCPUTotal, systemTotal, preSystemTotal uint64, onlineCPUs int) float64 {
	cpuDelta := float64(cpuTotal) - float64(preCPUTotal)
	systemDelta := float64(systemTotal) - float64(preSystemTotal)

	if systemDelta > 0 && cpuDelta > 0 {
		pct := (cpuDelta / systemDelta) * 100.0
		if onlineCPUs > 0 {
			pct *= float64(onlineCPUs)
		}
		return pct
	}
	return 0.0
}
