package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"

	"github.com/pinacle-sh/pinacle/pkg/host"
)

// statsClient stubs the two engine calls Stats makes.
type statsClient struct {
	client.APIClient

	stats             container.StatsResponse
	sizeRw            int64
	inspectedWithSize bool
}

func (c *statsClient) ContainerStatsOneShot(ctx context.Context, id string) (container.StatsResponseReader, error) {
	raw, err := json.Marshal(c.stats)
	if err != nil {
		return container.StatsResponseReader{}, err
	}
	return container.StatsResponseReader{Body: io.NopCloser(bytes.NewReader(raw))}, nil
}

func (c *statsClient) ContainerInspectWithRaw(ctx context.Context, id string, getSize bool) (types.ContainerJSON, []byte, error) {
	c.inspectedWithSize = getSize
	size := c.sizeRw
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{SizeRw: &size}}, nil, nil
}

func TestSDKStatsIncludesDiskUsage(t *testing.T) {
	cli := &statsClient{sizeRw: 64 << 20}
	cli.stats.CPUStats.CPUUsage.TotalUsage = 200
	cli.stats.PreCPUStats.CPUUsage.TotalUsage = 100
	cli.stats.CPUStats.SystemUsage = 1000
	cli.stats.PreCPUStats.SystemUsage = 600
	cli.stats.CPUStats.OnlineCPUs = 2
	cli.stats.MemoryStats.Usage = 512 << 20
	cli.stats.Networks = map[string]container.NetworkStats{
		"eth0": {RxBytes: 1000, TxBytes: 2000},
	}

	r := &SDKRuntime{Log: host.NewDummyLog(), Client: cli}
	stats, err := r.Stats(context.Background(), "cid")
	assert.NoError(t, err)

	// container filesystem usage comes from the sized inspect
	assert.True(t, cli.inspectedWithSize)
	assert.Equal(t, int64(64<<20), stats.DiskBytes)

	assert.Equal(t, int64(512<<20), stats.MemoryBytes)
	assert.Equal(t, int64(1000), stats.NetworkRxBytes)
	assert.Equal(t, int64(2000), stats.NetworkTxBytes)
	assert.InDelta(t, 50.0, stats.CPUPercent, 0.001)
}
