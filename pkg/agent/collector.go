package agent

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/models"
)

// Collector reads host-level resource usage. CPU is a delta of idle/total
// between ticks, so the first reading is always 0.
type Collector struct {
	Log *logrus.Entry

	prev    cpuTotals
	hasPrev bool
}

type cpuTotals struct {
	idle  float64
	total float64
}

func NewCollector(log *logrus.Entry) *Collector {
	return &Collector{Log: log}
}

// HostFacts describes the hardware, read once at registration.
type HostFacts struct {
	Hostname  string
	IPAddress string
	CPUCores  int
	MemoryMb  int64
	DiskGb    int64
}

// Facts collects the registration-time hardware description.
func (c *Collector) Facts(ctx context.Context) (HostFacts, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostFacts{}, err
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return HostFacts{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostFacts{}, err
	}

	diskTotal, _, err := c.diskUsage(ctx)
	if err != nil {
		return HostFacts{}, err
	}

	return HostFacts{
		Hostname:  info.Hostname,
		IPAddress: primaryIPv4(),
		CPUCores:  cores,
		MemoryMb:  int64(vm.Total / 1024 / 1024),
		DiskGb:    diskTotal / 1024 / 1024 / 1024,
	}, nil
}

// primaryIPv4 returns the first global unicast IPv4 of an up, non-loopback
// interface. Empty when the host has none; the control plane then falls back
// to the SSH host for routing.
func primaryIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipNet.IP.To4(); ip != nil && ip.IsGlobalUnicast() {
				return ip.String()
			}
		}
	}
	return ""
}

// Sample reads one host metrics sample.
func (c *Collector) Sample(ctx context.Context, serverID string, activePods int) (*models.ServerMetricsSample, error) {
	cpuPct, err := c.cpuPercent(ctx)
	if err != nil {
		return nil, err
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}

	_, diskUsed, err := c.diskUsage(ctx)
	if err != nil {
		return nil, err
	}

	return &models.ServerMetricsSample{
		ServerID:        serverID,
		CPUUsagePercent: cpuPct,
		MemoryUsageMb:   int64((vm.Total - vm.Free) / 1024 / 1024),
		DiskUsageGb:     float64(diskUsed) / (1 << 30),
		ActivePodsCount: activePods,
		Timestamp:       time.Now().UTC(),
	}, nil
}

func (c *Collector) cpuPercent(ctx context.Context) (float64, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(times) == 0 {
		return 0, nil
	}
	t := times[0]

	cur := cpuTotals{
		idle: t.Idle + t.Iowait,
		total: t.User + t.System + t.Idle + t.Nice + t.Iowait +
			t.Irq + t.Softirq + t.Steal,
	}

	pct := 0.0
	if c.hasPrev {
		pct = deltaCPUPercent(c.prev, cur)
	}
	c.prev = cur
	c.hasPrev = true
	return pct, nil
}

// deltaCPUPercent computes busy time over the window between two cumulative
// readings.
func deltaCPUPercent(prev, cur cpuTotals) float64 {
	totalDelta := cur.total - prev.total
	idleDelta := cur.idle - prev.idle
	if totalDelta <= 0 {
		return 0
	}
	pct := (totalDelta - idleDelta) / totalDelta * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// diskUsage sums total and used bytes across real block devices, counting
// each device once even when it is mounted in several places.
func (c *Collector) diskUsage(ctx context.Context) (total int64, used int64, err error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}

	for _, part := range dedupeByDevice(parts) {
		usage, uerr := disk.UsageWithContext(ctx, part.Mountpoint)
		if uerr != nil {
			c.Log.WithError(uerr).WithField("mountpoint", part.Mountpoint).Debug("skipping partition")
			continue
		}
		total += int64(usage.Total)
		used += int64(usage.Used)
	}
	return total, used, nil
}

// dedupeByDevice keeps the first mount of each real device and drops
// virtual filesystems.
func dedupeByDevice(parts []disk.PartitionStat) []disk.PartitionStat {
	seen := map[string]bool{}
	out := []disk.PartitionStat{}
	for _, part := range parts {
		if !strings.HasPrefix(part.Device, "/dev/") {
			continue
		}
		if seen[part.Device] {
			continue
		}
		seen[part.Device] = true
		out = append(out, part)
	}
	return out
}
