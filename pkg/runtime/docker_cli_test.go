package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pinacle-sh/pinacle/pkg/host"
	"github.com/pinacle-sh/pinacle/pkg/models"
)

const fakeContainerID = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"

var mib = float64(1 << 20)

func newTestCLIRuntime() (*CLIRuntime, *host.FakeConnection) {
	conn := host.NewFakeConnection()
	return NewCLIRuntime(host.NewDummyLog(), conn), conn
}

func TestCLICreateContainerArgs(t *testing.T) {
	r, conn := newTestCLIRuntime()
	conn.Responses["docker create"] = host.ExecResult{Stdout: fakeContainerID + "\n"}

	spec := ContainerSpec{
		PodID:       "pod_01J8",
		Name:        "pinacle-pod-myproj",
		Image:       "pinacle/base:latest",
		Cmd:         []string{"sleep", "infinity"},
		Sandbox:     "runsc",
		CPUCores:    2,
		MemoryMb:    4096,
		PidsLimit:   512,
		NetworkName: "pinacle-net-pod_01J8",
		Mounts: []VolumeMount{
			{Volume: "pinacle-vol-pod_01J8-workspace", Target: "/workspace"},
		},
		Ports:  []models.PortMapping{{Name: "nginx-proxy", Internal: 80, External: 20000}},
		Env:    map[string]string{"POD_SLUG": "myproj"},
		Labels: map[string]string{"podId": "pod_01J8"},
	}

	id, err := r.CreateContainer(context.Background(), spec)
	assert.NoError(t, err)
	assert.Equal(t, fakeContainerID, id)

	calls := conn.CallsMatching("docker create")
	assert.Len(t, calls, 1)
	assert.Equal(t,
		"docker create --name pinacle-pod-myproj"+
			" --runtime runsc"+
			" --network pinacle-net-pod_01J8"+
			" --cpus 2 --memory 4096m --pids-limit 512"+
			" --volume pinacle-vol-pod_01J8-workspace:/workspace"+
			" --publish 20000:80"+
			" --env POD_SLUG=myproj"+
			" --label podId=pod_01J8"+
			" --restart unless-stopped pinacle/base:latest sleep infinity",
		calls[0])
}

func TestCLICreateContainerRejectsTruncatedID(t *testing.T) {
	r, conn := newTestCLIRuntime()
	conn.Responses["docker create"] = host.ExecResult{Stdout: "a1b2c3d4e5f6\n"}

	_, err := r.CreateContainer(context.Background(), ContainerSpec{Name: "x", Image: "img"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "truncated id")
}

func TestCLICreateNetworkSkipsExisting(t *testing.T) {
	r, conn := newTestCLIRuntime()
	// inspect succeeds: the network is already there
	err := r.CreateNetwork(context.Background(), "pod_01J8", "10.100.0.0/28")
	assert.NoError(t, err)
	assert.Empty(t, conn.CallsMatching("docker network create"))
}

func TestCLICreateNetwork(t *testing.T) {
	r, conn := newTestCLIRuntime()
	conn.Responses["docker network inspect"] = host.ExecResult{ExitCode: 1, Stderr: "Error: No such network"}

	err := r.CreateNetwork(context.Background(), "pod_01J8", "10.100.0.0/28")
	assert.NoError(t, err)

	calls := conn.CallsMatching("docker network create")
	assert.Len(t, calls, 1)
	assert.Equal(t, "docker network create --driver bridge --subnet 10.100.0.0/28 pinacle-net-pod_01J8", calls[0])
}

func TestCLICreateNetworkToleratesRace(t *testing.T) {
	r, conn := newTestCLIRuntime()
	conn.Responses["docker network inspect"] = host.ExecResult{ExitCode: 1, Stderr: "Error: No such network"}
	conn.Responses["docker network create"] = host.ExecResult{ExitCode: 1, Stderr: "network with name pinacle-net-pod_01J8 already exists"}

	assert.NoError(t, r.CreateNetwork(context.Background(), "pod_01J8", "10.100.0.0/28"))
}

func TestCLIRemoveVolumeToleratesMissing(t *testing.T) {
	r, conn := newTestCLIRuntime()
	conn.Responses["docker volume rm"] = host.ExecResult{ExitCode: 1, Stderr: "Error: No such volume: pinacle-vol-x"}

	assert.NoError(t, r.RemoveVolume(context.Background(), "pinacle-vol-x", false))
}

func TestCLIEnsureImageSkipsPresent(t *testing.T) {
	r, conn := newTestCLIRuntime()
	// image inspect succeeds by default
	assert.NoError(t, r.EnsureImage(context.Background(), "pinacle/base:latest"))
	assert.Empty(t, conn.CallsMatching("docker pull"))
}

func TestCLIEnsureImagePullsMissing(t *testing.T) {
	r, conn := newTestCLIRuntime()
	conn.Responses["docker image inspect"] = host.ExecResult{ExitCode: 1, Stderr: "Error: No such image"}

	assert.NoError(t, r.EnsureImage(context.Background(), "pinacle/base:latest"))
	assert.Len(t, conn.CallsMatching("docker pull --quiet pinacle/base:latest"), 1)
}

func TestCLIListContainers(t *testing.T) {
	r, conn := newTestCLIRuntime()
	conn.Responses["docker ps"] = host.ExecResult{
		Stdout: fakeContainerID + "\tpinacle-pod-myproj\tpinacle/base:latest\trunning\tpodId=pod_01J8,role=pod\n",
	}

	containers, err := r.ListContainers(context.Background(), ListFilter{NamePrefix: models.ContainerNamePrefix})
	assert.NoError(t, err)
	assert.Len(t, containers, 1)
	assert.Equal(t, fakeContainerID, containers[0].ID)
	assert.Equal(t, "pinacle-pod-myproj", containers[0].Name)
	assert.Equal(t, "running", containers[0].State)
	assert.Equal(t, "pod_01J8", containers[0].Labels["podId"])

	calls := conn.CallsMatching("docker ps")
	assert.Contains(t, calls[0], "--no-trunc")
	assert.Contains(t, calls[0], "--filter name="+models.ContainerNamePrefix)
}

func TestCLIExec(t *testing.T) {
	r, conn := newTestCLIRuntime()
	conn.Responses["docker exec"] = host.ExecResult{Stdout: "done\n", ExitCode: 0}

	res, err := r.Exec(context.Background(), fakeContainerID, "npm install", host.ExecOpts{
		Dir: "/workspace",
		Env: map[string]string{"CI": "1"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	calls := conn.CallsMatching("docker exec")
	assert.Len(t, calls, 1)
	assert.Equal(t, "docker exec --workdir /workspace --env CI=1 "+fakeContainerID+" sh -c npm install", calls[0])
}

func TestCLIStats(t *testing.T) {
	r, conn := newTestCLIRuntime()
	conn.Responses["docker stats"] = host.ExecResult{
		Stdout: `{"CPUPerc":"12.34%","MemUsage":"7.219MiB / 4GiB","NetIO":"648kB / 32kB","BlockIO":"0B / 0B"}` + "\n",
	}
	conn.Responses["docker ps --all --size"] = host.ExecResult{
		Stdout: "15.3MB (virtual 1.2GB)\n",
	}

	stats, err := r.Stats(context.Background(), fakeContainerID)
	assert.NoError(t, err)
	assert.InDelta(t, 12.34, stats.CPUPercent, 0.001)
	assert.Equal(t, int64(7.219*mib), stats.MemoryBytes)
	assert.Equal(t, int64(648000), stats.NetworkRxBytes)
	assert.Equal(t, int64(32000), stats.NetworkTxBytes)
	assert.Equal(t, int64(15300000), stats.DiskBytes)
}

func TestParseSize(t *testing.T) {
	type scenario struct {
		input    string
		expected int64
	}

	scenarios := []scenario{
		{"0B", 0},
		{"648kB", 648000},
		{"15.3MB", 15300000},
		{"1.5GB", 1500000000},
		{"7.219MiB", int64(7.219 * mib)},
		{"2GiB", 2 << 30},
		{"512KiB", 512 << 10},
		{"1TiB", 1 << 40},
		{"garbage", 0},
		{"", 0},
	}

	for _, s := range scenarios {
		assert.Equal(t, s.expected, parseSize(s.input), s.input)
	}
}

func TestParsePercent(t *testing.T) {
	assert.Equal(t, 12.34, parsePercent("12.34%"))
	assert.Equal(t, 0.0, parsePercent("--"))
	assert.Equal(t, 100.0, parsePercent(" 100% "))
}

func TestParseIOPair(t *testing.T) {
	rx, tx := parseIOPair("648kB / 0B")
	assert.Equal(t, int64(648000), rx)
	assert.Equal(t, int64(0), tx)

	rx, tx = parseIOPair("unparseable")
	assert.Equal(t, int64(0), rx)
	assert.Equal(t, int64(0), tx)
}

func TestCalculateCPUPercent(t *testing.T) {
	// 5 of 8 ticks used over the window
	assert.Equal(t, 62.5, CalculateCPUPercent(10, 5, 10, 2, 0))
	// scaled by online CPUs when the engine reports them
	assert.Equal(t, 125.0, CalculateCPUPercent(10, 5, 10, 2, 2))
	// no movement means no usage
	assert.Equal(t, 0.0, CalculateCPUPercent(5, 5, 10, 2, 0))
	assert.Equal(t, 0.0, CalculateCPUPercent(10, 5, 2, 2, 0))
}

func TestSortedKeysDeterministic(t *testing.T) {
	m := map[string]string{"b": "2", "a": "1", "c": "3"}
	assert.Equal(t, []string{"a", "b", "c"}, sortedKeys(m))
	assert.True(t, strings.HasPrefix(models.ContainerName("x"), models.ContainerNamePrefix))
}
