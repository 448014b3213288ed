package models

import (
	"fmt"
	"regexp"
	"time"
)

// ServerStatus is the health of a physical host as seen by the control plane.
type ServerStatus string

const (
	ServerOnline  ServerStatus = "online"
	ServerOffline ServerStatus = "offline"
)

// HeartbeatStaleThreshold is how long a server may go without a heartbeat
// before it is considered offline and excluded from scheduling.
const HeartbeatStaleThreshold = 90 * time.Second

// Server is a physical host running the agent. Identified by the stable ID
// the agent generates on its first boot, never by hostname or IP.
type Server struct {
	ID              string       `db:"id" json:"id"`
	Hostname        string       `db:"hostname" json:"hostname"`
	IPAddress       string       `db:"ip_address" json:"ipAddress"`
	CPUCores        int          `db:"cpu_cores" json:"cpuCores"`
	MemoryMb        int64        `db:"memory_mb" json:"memoryMb"`
	DiskGb          int64        `db:"disk_gb" json:"diskGb"`
	SSHHost         string       `db:"ssh_host" json:"sshHost"`
	SSHPort         int          `db:"ssh_port" json:"sshPort"`
	SSHUser         string       `db:"ssh_user" json:"sshUser"`
	LocalVMName     string       `db:"local_vm_name" json:"localVmName,omitempty"`
	Status          ServerStatus `db:"status" json:"status"`
	LastHeartbeatAt time.Time    `db:"last_heartbeat_at" json:"lastHeartbeatAt"`
	CreatedAt       time.Time    `db:"created_at" json:"createdAt"`
}

// Stale reports whether the server missed its heartbeat window as of now.
func (s *Server) Stale(now time.Time) bool {
	return now.Sub(s.LastHeartbeatAt) > HeartbeatStaleThreshold
}

// PodStatus is the lifecycle state of a pod.
type PodStatus string

const (
	PodCreating     PodStatus = "creating"
	PodProvisioning PodStatus = "provisioning"
	PodRunning      PodStatus = "running"
	PodStopping     PodStatus = "stopping"
	PodStopped      PodStatus = "stopped"
	PodDeleting     PodStatus = "deleting"
	PodError        PodStatus = "error"
)

var slugRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// ValidSlug reports whether s is a well-formed pod slug.
func ValidSlug(s string) bool { return slugRE.MatchString(s) }

// Pod is a sandboxed workload: one container plus its volume set and network.
type Pod struct {
	ID               string    `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	Slug             string    `db:"slug" json:"slug"`
	UserID           string    `db:"user_id" json:"userId"`
	TeamID           string    `db:"team_id" json:"teamId"`
	ServerID         string    `db:"server_id" json:"serverId,omitempty"`
	ContainerID      string    `db:"container_id" json:"containerId,omitempty"`
	Subnet           string    `db:"subnet" json:"subnet,omitempty"`
	Template         string    `db:"template" json:"template"`
	Tier             string    `db:"tier" json:"tier"`
	Config           string    `db:"config" json:"config,omitempty"`
	Status           PodStatus `db:"status" json:"status"`
	LastErrorMessage string    `db:"last_error_message" json:"lastErrorMessage,omitempty"`
	Version          int64     `db:"version" json:"-"`
	ArchivedAt       *time.Time `db:"archived_at" json:"archivedAt,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time `db:"updated_at" json:"updatedAt"`

	Ports []PortMapping `db:"-" json:"ports"`
}

// Archived reports whether the pod has been soft-deleted.
func (p *Pod) Archived() bool { return p.ArchivedAt != nil }

// CheckRunnable verifies the running-pod invariant: a running pod must know
// its host and container.
func (p *Pod) CheckRunnable() error {
	if p.Status == PodRunning && (p.ServerID == "" || p.ContainerID == "") {
		return Invariant(fmt.Errorf("pod %s is running without host/container (server=%q container=%q)", p.ID, p.ServerID, p.ContainerID))
	}
	return nil
}

// NginxProxyPortName is the one distinguished port mapping: the in-pod entry
// point that performs hostname-based routing to user-defined ports. All other
// port names are informational.
const NginxProxyPortName = "nginx-proxy"

// PortMapping maps a named internal container port to an external host port.
type PortMapping struct {
	PodID    string `db:"pod_id" json:"-"`
	Name     string `db:"name" json:"name"`
	Internal int    `db:"internal" json:"internal"`
	External int    `db:"external" json:"external"`
}

// VolumeNames is the canonical volume set that constitutes a pod's durable
// state. Order matters: it is the order volumes appear in snapshot manifests.
var VolumeNames = []string{"workspace", "home", "root", "etc", "usr-local", "opt", "var", "srv"}

// VolumeMountPoints maps canonical volume names to their mount points inside
// the pod container.
var VolumeMountPoints = map[string]string{
	"workspace": "/workspace",
	"home":      "/home",
	"root":      "/root",
	"etc":       "/etc",
	"usr-local": "/usr/local",
	"opt":       "/opt",
	"var":       "/var",
	"srv":       "/srv",
}

// VolumeName returns the canonical host-side name of one of a pod's volumes.
func VolumeName(podID, name string) string {
	return fmt.Sprintf("pinacle-vol-%s-%s", podID, name)
}

// NetworkName returns the canonical name of a pod's bridge network.
func NetworkName(podID string) string {
	return fmt.Sprintf("pinacle-net-%s", podID)
}

// ContainerName returns the canonical name of a pod's container. The agent
// uses this prefix to find pod containers when collecting metrics.
func ContainerName(podID string) string {
	return fmt.Sprintf("pinacle-pod-%s", podID)
}

// ContainerNamePrefix matches all pod containers on a host.
const ContainerNamePrefix = "pinacle-pod-"

// ServerMetricsSample is one time-indexed host resource reading.
type ServerMetricsSample struct {
	ServerID        string    `db:"server_id" json:"serverId"`
	CPUUsagePercent float64   `db:"cpu_usage_percent" json:"cpuUsagePercent"`
	MemoryUsageMb   int64     `db:"memory_usage_mb" json:"memoryUsageMb"`
	DiskUsageGb     float64   `db:"disk_usage_gb" json:"diskUsageGb"`
	ActivePodsCount int       `db:"active_pods_count" json:"activePodsCount"`
	Timestamp       time.Time `db:"timestamp" json:"timestamp"`
}

// PodMetricsSample is one time-indexed per-container resource reading.
type PodMetricsSample struct {
	PodID           string    `db:"pod_id" json:"podId"`
	ContainerID     string    `db:"container_id" json:"containerId"`
	CPUUsagePercent float64   `db:"cpu_usage_percent" json:"cpuUsagePercent"`
	MemoryUsageMb   int64     `db:"memory_usage_mb" json:"memoryUsageMb"`
	DiskUsageMb     int64     `db:"disk_usage_mb" json:"diskUsageMb"`
	NetworkRxBytes  int64     `db:"network_rx_bytes" json:"networkRxBytes"`
	NetworkTxBytes  int64     `db:"network_tx_bytes" json:"networkTxBytes"`
	Timestamp       time.Time `db:"timestamp" json:"timestamp"`
}

// MetricsRetention is the rolling window kept for metrics samples.
const MetricsRetention = 7 * 24 * time.Hour

// PodLog is one record of the append-only provisioning command stream.
// ExitCode == nil means the command is still in flight.
type PodLog struct {
	ID               int64     `db:"id" json:"id"`
	PodID            string    `db:"pod_id" json:"podId"`
	Label            string    `db:"label" json:"label,omitempty"`
	Command          string    `db:"command" json:"command"`
	ContainerCommand string    `db:"container_command" json:"containerCommand,omitempty"`
	Stdout           string    `db:"stdout" json:"stdout,omitempty"`
	Stderr           string    `db:"stderr" json:"stderr,omitempty"`
	ExitCode         *int      `db:"exit_code" json:"exitCode"`
	DurationMs       int64     `db:"duration_ms" json:"durationMs"`
	Timestamp        time.Time `db:"timestamp" json:"timestamp"`
}

// Succeeded reports whether the logged command finished with exit code 0.
func (l *PodLog) Succeeded() bool { return l.ExitCode != nil && *l.ExitCode == 0 }

// SnapshotStatus is the lifecycle state of a snapshot record.
type SnapshotStatus string

const (
	SnapshotCreating SnapshotStatus = "creating"
	SnapshotReady    SnapshotStatus = "ready"
	SnapshotFailed   SnapshotStatus = "failed"
)

// Snapshot is one archived copy of a pod's volume set.
type Snapshot struct {
	ID              string         `db:"id" json:"id"`
	PodID           string         `db:"pod_id" json:"podId"`
	Status          SnapshotStatus `db:"status" json:"status"`
	StoragePath     string         `db:"storage_path" json:"storagePath"`
	SizeBytes       int64          `db:"size_bytes" json:"sizeBytes"`
	ManifestVersion string         `db:"manifest_version" json:"manifestVersion"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
}
