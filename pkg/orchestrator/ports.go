package orchestrator

import (
	"fmt"
	"hash/fnv"
	"net"
	"sync"

	"github.com/pinacle-sh/pinacle/pkg/models"
)

// PortSource exposes the persisted port mappings the allocator treats as
// authoritative. The in-memory cursor is only a cache.
type PortSource interface {
	ExternalPortsInUse(serverID string) (map[int]bool, error)
}

// PortAllocator hands out external host ports, first-fit with wrap-around
// over a host-wide range. Allocation is guarded by a per-host lock; the
// persisted ports of all non-archived pods on the host are the truth.
type PortAllocator struct {
	Start int
	End   int

	source PortSource

	mu      sync.Mutex
	hosts   map[string]*sync.Mutex
	cursors map[string]int
}

func NewPortAllocator(source PortSource, start, end int) *PortAllocator {
	return &PortAllocator{
		Start:   start,
		End:     end,
		source:  source,
		hosts:   map[string]*sync.Mutex{},
		cursors: map[string]int{},
	}
}

func (a *PortAllocator) hostLock(serverID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.hosts[serverID]
	if !ok {
		lock = &sync.Mutex{}
		a.hosts[serverID] = lock
	}
	return lock
}

// Allocate reserves count distinct ports on the host. The caller persists
// them before releasing any other pod operation on the same host.
func (a *PortAllocator) Allocate(serverID string, count int) ([]int, error) {
	lock := a.hostLock(serverID)
	lock.Lock()
	defer lock.Unlock()

	inUse, err := a.source.ExternalPortsInUse(serverID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	cursor, ok := a.cursors[serverID]
	a.mu.Unlock()
	if !ok || cursor < a.Start || cursor > a.End {
		cursor = a.Start
	}

	size := a.End - a.Start + 1
	ports := make([]int, 0, count)
	taken := map[int]bool{}

	for scanned := 0; len(ports) < count && scanned < size; scanned++ {
		p := cursor
		cursor++
		if cursor > a.End {
			cursor = a.Start
		}
		if inUse[p] || taken[p] {
			continue
		}
		taken[p] = true
		ports = append(ports, p)
	}

	if len(ports) < count {
		return nil, models.Exhausted(fmt.Errorf("host %s has no free ports in %d-%d", serverID, a.Start, a.End))
	}

	a.mu.Lock()
	a.cursors[serverID] = cursor
	a.mu.Unlock()
	return ports, nil
}

// SubnetSource exposes the persisted subnets the allocator treats as
// authoritative.
type SubnetSource interface {
	SubnetsInUse(serverID string) (map[string]bool, error)
}

// SubnetAllocator carves /28 blocks for pod bridge networks out of a
// host-local pool. A stable hash of the pod ID picks the starting block, so
// repeat provisioning of the same pod usually lands on the same subnet; on a
// hash collision the allocator probes forward to the next block no
// non-archived pod on the host holds. The caller persists the result so the
// pod keeps its subnet across rebuilds.
type SubnetAllocator struct {
	Pool string

	source SubnetSource

	mu    sync.Mutex
	hosts map[string]*sync.Mutex
}

func NewSubnetAllocator(source SubnetSource, pool string) *SubnetAllocator {
	return &SubnetAllocator{
		Pool:   pool,
		source: source,
		hosts:  map[string]*sync.Mutex{},
	}
}

func (a *SubnetAllocator) hostLock(serverID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.hosts[serverID]
	if !ok {
		lock = &sync.Mutex{}
		a.hosts[serverID] = lock
	}
	return lock
}

// Allocate reserves a free /28 on the host for the pod. The caller persists
// it before releasing any other pod operation on the same host.
func (a *SubnetAllocator) Allocate(serverID, podID string) (string, error) {
	_, network, err := net.ParseCIDR(a.Pool)
	if err != nil {
		return "", fmt.Errorf("parse subnet pool %q: %w", a.Pool, err)
	}
	ones, bits := network.Mask.Size()
	if bits != 32 || ones > 28 {
		return "", fmt.Errorf("subnet pool %q cannot be split into /28s", a.Pool)
	}

	lock := a.hostLock(serverID)
	lock.Lock()
	defer lock.Unlock()

	inUse, err := a.source.SubnetsInUse(serverID)
	if err != nil {
		return "", err
	}

	blocks := uint32(1) << (28 - ones)
	h := fnv.New32a()
	h.Write([]byte(podID))
	start := h.Sum32() % blocks
	base := ipToUint32(network.IP.To4())

	for i := uint32(0); i < blocks; i++ {
		index := (start + i) % blocks
		subnet := fmt.Sprintf("%s/28", uint32ToIP(base+index*16))
		if !inUse[subnet] {
			return subnet, nil
		}
	}
	return "", models.Exhausted(fmt.Errorf("host %s has no free /28 in %s", serverID, a.Pool))
}

func ipToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
