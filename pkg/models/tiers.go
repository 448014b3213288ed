package models

import "fmt"

// Tier is a named tuple of resource limits applied to a pod's container.
// CPU is a hard quota, memory a hard cap (OOM kill), storage a per-volume
// quota where the runtime supports it and advisory otherwise.
type Tier struct {
	Name      string  `json:"name"`
	CPUCores  float64 `json:"cpuCores"`
	MemoryMb  int64   `json:"memoryMb"`
	StorageMb int64   `json:"storageMb"`
}

// tiers are totally ordered by price, cheapest first.
var tiers = []Tier{
	{Name: "dev.small", CPUCores: 1, MemoryMb: 2048, StorageMb: 10240},
	{Name: "dev.medium", CPUCores: 2, MemoryMb: 4096, StorageMb: 20480},
	{Name: "dev.large", CPUCores: 4, MemoryMb: 8192, StorageMb: 40960},
	{Name: "dev.xlarge", CPUCores: 8, MemoryMb: 16384, StorageMb: 81920},
}

// TierByName resolves a tier tag. Unknown tags are a not-found error so the
// control-plane edge can reject them with a 404 rather than a 500.
func TierByName(name string) (Tier, error) {
	for _, t := range tiers {
		if t.Name == name {
			return t, nil
		}
	}
	return Tier{}, NotFound(fmt.Errorf("unknown tier %q", name))
}

// Tiers returns the tier table, cheapest first.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}
