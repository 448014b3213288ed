package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/host"
	"github.com/pinacle-sh/pinacle/pkg/models"
	"github.com/pinacle-sh/pinacle/pkg/runtime"
)

func TestLoadOrCreateServerID(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".server-config.json")

	id, err := LoadOrCreateServerID(path)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "server_"), id)

	// stable across restarts
	again, err := LoadOrCreateServerID(path)
	assert.NoError(t, err)
	assert.Equal(t, id, again)

	raw, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Contains(t, string(raw), `"serverId"`)
}

func TestLoadOrCreateServerIDRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".server-config.json")
	assert.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, err := LoadOrCreateServerID(path)
	assert.Error(t, err)

	assert.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	_, err = LoadOrCreateServerID(path)
	assert.Error(t, err)
}

func TestDeltaCPUPercent(t *testing.T) {
	type scenario struct {
		prev     cpuTotals
		cur      cpuTotals
		expected float64
	}

	scenarios := []scenario{
		// 25 busy of 100 elapsed
		{cpuTotals{idle: 100, total: 200}, cpuTotals{idle: 175, total: 300}, 25},
		// fully idle window
		{cpuTotals{idle: 100, total: 200}, cpuTotals{idle: 200, total: 300}, 0},
		// no elapsed time
		{cpuTotals{idle: 100, total: 200}, cpuTotals{idle: 100, total: 200}, 0},
		// clamped to 100
		{cpuTotals{idle: 100, total: 200}, cpuTotals{idle: 100, total: 300}, 100},
	}

	for i, s := range scenarios {
		assert.Equal(t, s.expected, deltaCPUPercent(s.prev, s.cur), fmt.Sprintf("scenario %d", i))
	}
}

func TestDedupeByDevice(t *testing.T) {
	parts := []disk.PartitionStat{
		{Device: "/dev/sda1", Mountpoint: "/"},
		{Device: "/dev/sda1", Mountpoint: "/var/lib/docker"},
		{Device: "/dev/nvme0n1p1", Mountpoint: "/data"},
		{Device: "tmpfs", Mountpoint: "/run"},
		{Device: "overlay", Mountpoint: "/var/lib/docker/overlay2/x"},
	}

	out := dedupeByDevice(parts)
	assert.Len(t, out, 2)
	assert.Equal(t, "/dev/sda1", out[0].Device)
	assert.Equal(t, "/", out[0].Mountpoint)
	assert.Equal(t, "/dev/nvme0n1p1", out[1].Device)
}

// fakeControlPlane records calls and can be scripted to 404.
type fakeControlPlane struct {
	mu sync.Mutex

	registered []*models.Server
	heartbeats int
	reports    int
	podCounts  []int

	heartbeat404 bool
	report404    bool
}

func (f *fakeControlPlane) RegisterServer(ctx context.Context, server *models.Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, server)
	f.heartbeat404 = false
	f.report404 = false
	return nil
}

func (f *fakeControlPlane) Heartbeat(ctx context.Context, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heartbeat404 {
		return models.NotFound(fmt.Errorf("server %s not registered", serverID))
	}
	f.heartbeats++
	return nil
}

func (f *fakeControlPlane) ReportMetrics(ctx context.Context, sample *models.ServerMetricsSample, pods []*models.PodMetricsSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.report404 {
		return models.NotFound(fmt.Errorf("server not registered"))
	}
	f.reports++
	f.podCounts = append(f.podCounts, len(pods))
	return nil
}

func newTestAgent(cp *fakeControlPlane, conn *host.FakeConnection) *Agent {
	a := New(host.NewDummyLog(), config.AgentConfig{HeartbeatInterval: time.Minute}, "server_test", cp, runtime.NewCLIRuntime(host.NewDummyLog(), conn))
	return a
}

func TestHeartbeatReRegistersOn404(t *testing.T) {
	cp := &fakeControlPlane{heartbeat404: true}
	a := newTestAgent(cp, host.NewFakeConnection())

	assert.NoError(t, a.heartbeat(context.Background()))
	assert.Len(t, cp.registered, 1)
	assert.Equal(t, "server_test", cp.registered[0].ID)
	assert.Equal(t, 1, cp.heartbeats)
}

func TestReportReRegistersOn404(t *testing.T) {
	cp := &fakeControlPlane{report404: true}
	a := newTestAgent(cp, host.NewFakeConnection())

	sample := &models.ServerMetricsSample{ServerID: "server_test"}
	assert.NoError(t, a.report(context.Background(), cp, sample, nil))
	assert.Len(t, cp.registered, 1)
	assert.Equal(t, 1, cp.reports)
}

func TestSecondaryFailureIsNonFatal(t *testing.T) {
	primary := &fakeControlPlane{}
	secondary := &fakeControlPlane{report404: true}

	conn := host.NewFakeConnection()
	a := newTestAgent(primary, conn)
	a.Secondary = secondary

	a.Tick(context.Background())

	assert.Equal(t, 1, primary.reports)
	// the secondary 404 did not trigger a re-register and did not crash
	assert.Equal(t, 0, secondary.reports)
	assert.Empty(t, secondary.registered)
}

func TestCollectPodSamples(t *testing.T) {
	conn := host.NewFakeConnection()
	conn.Responses["docker ps --no-trunc"] = host.ExecResult{
		Stdout: strings.Join([]string{
			strings.Repeat("a", 64) + "\tpinacle-pod-pod_one\timg\trunning\tpodId=pod_one,role=pod",
			strings.Repeat("b", 64) + "\tpinacle-pod-pod_two\timg\trunning\trole=pod",
		}, "\n") + "\n",
	}
	conn.Responses["docker stats"] = host.ExecResult{
		Stdout: `{"CPUPerc":"3.5%","MemUsage":"512MiB / 4GiB","NetIO":"1MB / 2MB","BlockIO":"0B / 0B"}` + "\n",
	}
	conn.Responses["docker ps --all --size"] = host.ExecResult{Stdout: "100MB (virtual 1GB)\n"}

	a := newTestAgent(&fakeControlPlane{}, conn)
	samples, err := a.collectPodSamples(context.Background())
	assert.NoError(t, err)
	assert.Len(t, samples, 2)

	assert.Equal(t, "pod_one", samples[0].PodID)
	// no podId label: fall back to the container name suffix
	assert.Equal(t, "pod_two", samples[1].PodID)
	assert.InDelta(t, 3.5, samples[0].CPUUsagePercent, 0.001)
	assert.Equal(t, int64(512), samples[0].MemoryUsageMb)
	assert.Equal(t, int64(1000000), samples[0].NetworkRxBytes)
}
