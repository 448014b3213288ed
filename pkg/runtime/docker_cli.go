package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/host"
	"github.com/pinacle-sh/pinacle/pkg/models"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// CLIRuntime drives the docker CLI on a host through a host.Connection.
// This is the path for remote hosts, where the engine socket is not
// reachable; the SDK variant covers hosts we can dial directly. Every
// invocation is argv-based, never string-concatenated into a shell.
type CLIRuntime struct {
	Log  *logrus.Entry
	Conn host.Connection
}

// NewCLIRuntime builds a runtime adapter over an established connection.
func NewCLIRuntime(log *logrus.Entry, conn host.Connection) *CLIRuntime {
	return &CLIRuntime{Log: log, Conn: conn}
}

func (r *CLIRuntime) docker(ctx context.Context, args ...string) (host.ExecResult, error) {
	return r.Conn.Exec(ctx, "docker", args, host.ExecOpts{})
}

// cliError converts a failed management command into an error carrying the
// CLI's stderr.
func cliError(op string, res host.ExecResult) error {
	return errors.Errorf("%s: exit %d: %s", op, res.ExitCode, strings.TrimSpace(res.Stderr))
}

// EnsureImage pulls the image only when the host does not already have it.
func (r *CLIRuntime) EnsureImage(ctx context.Context, image string) error {
	res, err := r.docker(ctx, "image", "inspect", "--format", "{{.Id}}", image)
	if err != nil {
		return err
	}
	if res.Ok() {
		return nil
	}

	res, err = r.docker(ctx, "pull", "--quiet", image)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return cliError("pull "+image, res)
	}
	return nil
}

// CreateNetwork creates the pod's bridge network. Repeat calls with the
// network already present succeed silently.
func (r *CLIRuntime) CreateNetwork(ctx context.Context, podID, subnet string) error {
	name := models.NetworkName(podID)

	res, err := r.docker(ctx, "network", "inspect", "--format", "{{.Id}}", name)
	if err != nil {
		return err
	}
	if res.Ok() {
		return nil
	}

	res, err = r.docker(ctx, "network", "create", "--driver", "bridge", "--subnet", subnet, name)
	if err != nil {
		return err
	}
	if !res.Ok() && !strings.Contains(res.Stderr, "already exists") {
		return cliError("network create "+name, res)
	}
	return nil
}

// DestroyNetwork removes the pod's network; absent networks are fine.
func (r *CLIRuntime) DestroyNetwork(ctx context.Context, podID string) error {
	name := models.NetworkName(podID)
	res, err := r.docker(ctx, "network", "rm", name)
	if err != nil {
		return err
	}
	if !res.Ok() && !notFoundStderr(res.Stderr) {
		return cliError("network rm "+name, res)
	}
	return nil
}

// CreateVolume creates a named volume. docker volume create is idempotent.
func (r *CLIRuntime) CreateVolume(ctx context.Context, name string) error {
	res, err := r.docker(ctx, "volume", "create", name)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return cliError("volume create "+name, res)
	}
	return nil
}

// RemoveVolume removes a named volume; absent volumes are fine.
func (r *CLIRuntime) RemoveVolume(ctx context.Context, name string, force bool) error {
	args := []string{"volume", "rm"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, name)

	res, err := r.docker(ctx, args...)
	if err != nil {
		return err
	}
	if !res.Ok() && !notFoundStderr(res.Stderr) {
		return cliError("volume rm "+name, res)
	}
	return nil
}

// VolumeExists reports whether the named volume is present on the host.
func (r *CLIRuntime) VolumeExists(ctx context.Context, name string) (bool, error) {
	res, err := r.docker(ctx, "volume", "inspect", "--format", "{{.Name}}", name)
	if err != nil {
		return false, err
	}
	return res.Ok(), nil
}

// CreateContainer creates (without starting) the pod container and returns
// the full 64-character ID from the engine.
func (r *CLIRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	args := []string{"create", "--name", spec.Name}

	if spec.Sandbox != "" {
		args = append(args, "--runtime", spec.Sandbox)
	}
	if spec.NetworkName != "" {
		args = append(args, "--network", spec.NetworkName)
	}
	if spec.CPUCores > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPUCores, 'f', -1, 64))
	}
	if spec.MemoryMb > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.MemoryMb))
	}
	if spec.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(spec.PidsLimit, 10))
	}

	for _, m := range spec.Mounts {
		args = append(args, "--volume", m.Volume+":"+m.Target)
	}
	for _, p := range spec.Ports {
		args = append(args, "--publish", fmt.Sprintf("%d:%d", p.External, p.Internal))
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "--env", k+"="+spec.Env[k])
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	args = append(args, "--restart", "unless-stopped", spec.Image)
	args = append(args, spec.Cmd...)

	res, err := r.docker(ctx, args...)
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		return "", cliError("create "+spec.Name, res)
	}

	id := strings.TrimSpace(res.Stdout)
	if len(id) != 64 {
		return "", errors.Errorf("create %s: engine returned truncated id %q", spec.Name, id)
	}
	return id, nil
}

func (r *CLIRuntime) StartContainer(ctx context.Context, id string) error {
	res, err := r.docker(ctx, "start", id)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return cliError("start", res)
	}
	return nil
}

func (r *CLIRuntime) StopContainer(ctx context.Context, id string, gracePeriodSec int) error {
	res, err := r.docker(ctx, "stop", "--time", strconv.Itoa(gracePeriodSec), id)
	if err != nil {
		return err
	}
	if !res.Ok() && !notFoundStderr(res.Stderr) {
		return cliError("stop", res)
	}
	return nil
}

func (r *CLIRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, id)

	res, err := r.docker(ctx, args...)
	if err != nil {
		return err
	}
	if !res.Ok() && !notFoundStderr(res.Stderr) {
		return cliError("rm", res)
	}
	return nil
}

// ListContainers lists containers matching the filter, with untruncated IDs.
func (r *CLIRuntime) ListContainers(ctx context.Context, filter ListFilter) ([]ContainerInfo, error) {
	args := []string{"ps", "--no-trunc", "--format", "{{.ID}}\t{{.Names}}\t{{.Image}}\t{{.State}}\t{{.Labels}}"}
	if filter.All {
		args = append(args, "--all")
	}
	if filter.Label != "" {
		args = append(args, "--filter", "label="+filter.Label)
	}
	if filter.NamePrefix != "" {
		args = append(args, "--filter", "name="+filter.NamePrefix)
	}

	res, err := r.docker(ctx, args...)
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, cliError("ps", res)
	}

	containers := []ContainerInfo{}
	for _, line := range utils.SplitLines(res.Stdout) {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 5)
		if len(fields) < 4 {
			continue
		}
		info := ContainerInfo{
			ID:     fields[0],
			Name:   fields[1],
			Image:  fields[2],
			State:  fields[3],
			Labels: map[string]string{},
		}
		if len(fields) == 5 {
			for _, pair := range strings.Split(fields[4], ",") {
				if k, v, ok := strings.Cut(pair, "="); ok {
					info.Labels[k] = v
				}
			}
		}
		containers = append(containers, info)
	}
	return containers, nil
}

// Exec runs a shell script inside the container. The log records both the
// host-level and in-container forms, so we keep the wrapping minimal here.
func (r *CLIRuntime) Exec(ctx context.Context, containerID, script string, opts host.ExecOpts) (host.ExecResult, error) {
	args := []string{"exec"}
	if opts.Dir != "" {
		args = append(args, "--workdir", opts.Dir)
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "--env", k+"="+opts.Env[k])
	}
	args = append(args, containerID, "sh", "-c", script)

	return r.Conn.Exec(ctx, "docker", args, host.ExecOpts{Stdin: opts.Stdin, Timeout: opts.Timeout})
}

// cliStats is the json line emitted by docker stats --format '{{json .}}'.
type cliStats struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	NetIO    string `json:"NetIO"`
	BlockIO  string `json:"BlockIO"`
}

// Stats snapshots a container's resource usage through the CLI.
func (r *CLIRuntime) Stats(ctx context.Context, containerID string) (ContainerStats, error) {
	res, err := r.docker(ctx, "stats", "--no-stream", "--format", "{{json .}}", containerID)
	if err != nil {
		return ContainerStats{}, err
	}
	if !res.Ok() {
		return ContainerStats{}, cliError("stats", res)
	}

	var raw cliStats
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &raw); err != nil {
		return ContainerStats{}, errors.Errorf("parse stats: %s", err)
	}

	stats := ContainerStats{}
	stats.CPUPercent = parsePercent(raw.CPUPerc)
	used, _, _ := strings.Cut(raw.MemUsage, " / ")
	stats.MemoryBytes = parseSize(used)
	rx, tx := parseIOPair(raw.NetIO)
	stats.NetworkRxBytes, stats.NetworkTxBytes = rx, tx

	// container-reported disk usage comes from ps --size (writable layer)
	sizeRes, err := r.docker(ctx, "ps", "--all", "--size", "--filter", "id="+containerID, "--format", "{{.Size}}")
	if err == nil && sizeRes.Ok() {
		sizeField, _, _ := strings.Cut(strings.TrimSpace(sizeRes.Stdout), " ")
		stats.DiskBytes = parseSize(sizeField)
	}

	return stats, nil
}

func notFoundStderr(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such") || strings.Contains(s, "not found")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parsePercent parses strings like "12.34%".
func parsePercent(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	if err != nil {
		return 0
	}
	return v
}

var sizeUnits = []struct {
	suffix string
	factor float64
}{
	// order matters: longest suffix first
	{"TiB", 1 << 40}, {"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
	{"TB", 1e12}, {"GB", 1e9}, {"MB", 1e6}, {"kB", 1e3},
	{"B", 1},
}

// parseSize parses the CLI's humanized sizes ("7.219MiB", "648kB", "0B").
func parseSize(s string) int64 {
	s = strings.TrimSpace(s)
	for _, unit := range sizeUnits {
		if strings.HasSuffix(s, unit.suffix) {
			num := strings.TrimSuffix(s, unit.suffix)
			v, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
			if err != nil {
				return 0
			}
			return int64(v * unit.factor)
		}
	}
	return 0
}

// parseIOPair parses "648kB / 0B" into (rx, tx).
func parseIOPair(s string) (int64, int64) {
	left, right, ok := strings.Cut(s, " / ")
	if !ok {
		return 0, 0
	}
	return parseSize(left), parseSize(right)
}
