package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/host"
	"github.com/pinacle-sh/pinacle/pkg/models"
)

// SDKRuntime talks to an engine socket directly through the docker client.
// The host agent uses it (it runs on the host, next to the socket); the
// control plane uses it for local-VM hosts with a forwarded socket.
type SDKRuntime struct {
	Log    *logrus.Entry
	Client client.APIClient
}

// NewSDKRuntime creates a runtime from the environment's engine socket
// (DOCKER_HOST et al).
func NewSDKRuntime(log *logrus.Entry) (*SDKRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &SDKRuntime{Log: log, Client: cli}, nil
}

// EnsureImage pulls the image if absent.
func (r *SDKRuntime) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := r.Client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return err
	}

	r.Log.Infof("pulling image %s", ref)
	reader, err := r.Client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return models.Transient(fmt.Errorf("pull %s: %w", ref, err))
	}
	defer reader.Close()
	// the pull completes when the progress stream does
	_, err = io.Copy(io.Discard, reader)
	return err
}

// CreateNetwork creates the pod's bridge network, tolerating repeats.
func (r *SDKRuntime) CreateNetwork(ctx context.Context, podID, subnet string) error {
	name := models.NetworkName(podID)

	_, err := r.Client.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return err
	}

	_, err = r.Client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: subnet}},
		},
		Labels: map[string]string{"podId": podID},
	})
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

// DestroyNetwork removes the pod's network; absent networks are fine.
func (r *SDKRuntime) DestroyNetwork(ctx context.Context, podID string) error {
	err := r.Client.NetworkRemove(ctx, models.NetworkName(podID))
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// CreateVolume creates a named volume; the engine upserts by name.
func (r *SDKRuntime) CreateVolume(ctx context.Context, name string) error {
	_, err := r.Client.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	return err
}

// RemoveVolume removes a named volume; absent volumes are fine.
func (r *SDKRuntime) RemoveVolume(ctx context.Context, name string, force bool) error {
	err := r.Client.VolumeRemove(ctx, name, force)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// VolumeExists reports whether the named volume is present.
func (r *SDKRuntime) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := r.Client.VolumeInspect(ctx, name)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// CreateContainer creates the pod container and returns its full ID.
func (r *SDKRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p.Internal))
		if err != nil {
			return "", err
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(p.External)}}
	}

	env := make([]string, 0, len(spec.Env))
	for _, k := range sortedKeys(spec.Env) {
		env = append(env, k+"="+spec.Env[k])
	}

	binds := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		binds = append(binds, m.Volume+":"+m.Target)
	}

	hostConfig := &container.HostConfig{
		Runtime:      spec.Sandbox,
		Binds:        binds,
		PortBindings: bindings,
		NetworkMode:  container.NetworkMode(spec.NetworkName),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}
	hostConfig.NanoCPUs = int64(spec.CPUCores * 1e9)
	hostConfig.Memory = spec.MemoryMb * 1024 * 1024
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		hostConfig.PidsLimit = &pids
	}

	created, err := r.Client.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          spec.Cmd,
			Env:          env,
			Labels:       spec.Labels,
			ExposedPorts: exposed,
		},
		hostConfig,
		&network.NetworkingConfig{},
		nil,
		spec.Name,
	)
	if err != nil {
		return "", err
	}
	if len(created.ID) != 64 {
		return "", errors.Errorf("engine returned truncated id %q", created.ID)
	}
	return created.ID, nil
}

func (r *SDKRuntime) StartContainer(ctx context.Context, id string) error {
	return r.Client.ContainerStart(ctx, id, container.StartOptions{})
}

func (r *SDKRuntime) StopContainer(ctx context.Context, id string, gracePeriodSec int) error {
	err := r.Client.ContainerStop(ctx, id, container.StopOptions{Timeout: &gracePeriodSec})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (r *SDKRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := r.Client.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// ListContainers lists containers matching the filter.
func (r *SDKRuntime) ListContainers(ctx context.Context, filter ListFilter) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	if filter.Label != "" {
		args.Add("label", filter.Label)
	}
	if filter.NamePrefix != "" {
		args.Add("name", filter.NamePrefix)
	}

	list, err := r.Client.ContainerList(ctx, container.ListOptions{All: filter.All, Filters: args})
	if err != nil {
		return nil, err
	}

	containers := make([]ContainerInfo, len(list))
	for i, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimLeft(c.Names[0], "/")
		}
		containers[i] = ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			State:  c.State,
			Labels: c.Labels,
		}
	}
	return containers, nil
}

// Exec runs a shell script inside the container and demuxes the engine's
// combined output stream.
func (r *SDKRuntime) Exec(ctx context.Context, containerID, script string, opts host.ExecOpts) (host.ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	env := make([]string, 0, len(opts.Env))
	for _, k := range sortedKeys(opts.Env) {
		env = append(env, k+"="+opts.Env[k])
	}

	start := time.Now()
	execID, err := r.Client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", script},
		Env:          env,
		WorkingDir:   opts.Dir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Stdin != "",
	})
	if err != nil {
		return host.ExecResult{}, models.Transient(fmt.Errorf("exec create: %w", err))
	}

	attach, err := r.Client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return host.ExecResult{}, models.Transient(fmt.Errorf("exec attach: %w", err))
	}
	defer attach.Close()

	if opts.Stdin != "" {
		go func() {
			_, _ = io.Copy(attach.Conn, strings.NewReader(opts.Stdin))
			_ = attach.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)

	result := host.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		result.ExitCode = host.ExitCodeTimeout
		return result, nil
	}
	if copyErr != nil {
		return result, models.Transient(fmt.Errorf("exec stream: %w", copyErr))
	}

	inspect, err := r.Client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return result, models.Transient(fmt.Errorf("exec inspect: %w", err))
	}
	result.ExitCode = inspect.ExitCode
	return result, nil
}

// Stats takes a one-shot stats snapshot and derives the usage numbers the
// agent reports.
func (r *SDKRuntime) Stats(ctx context.Context, containerID string) (ContainerStats, error) {
	resp, err := r.Client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return ContainerStats{}, err
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return ContainerStats{}, errors.Errorf("decode stats: %s", err)
	}

	stats := ContainerStats{
		CPUPercent: CalculateCPUPercent(
			raw.CPUStats.CPUUsage.TotalUsage,
			raw.PreCPUStats.CPUUsage.TotalUsage,
			raw.CPUStats.SystemUsage,
			raw.PreCPUStats.SystemUsage,
			int(raw.CPUStats.OnlineCPUs),
		),
		MemoryBytes: int64(raw.MemoryStats.Usage),
	}
	for _, nw := range raw.Networks {
		stats.NetworkRxBytes += int64(nw.RxBytes)
		stats.NetworkTxBytes += int64(nw.TxBytes)
	}

	// stats carry no filesystem usage; size comes from an inspect with sizes,
	// best-effort since sizing can be slow on large containers
	inspect, _, err := r.Client.ContainerInspectWithRaw(ctx, containerID, true)
	if err == nil && inspect.SizeRw != nil {
		stats.DiskBytes = *inspect.SizeRw
	}
	return stats, nil
}
