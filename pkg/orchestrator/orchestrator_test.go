package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/host"
	"github.com/pinacle-sh/pinacle/pkg/ids"
	"github.com/pinacle-sh/pinacle/pkg/models"
	"github.com/pinacle-sh/pinacle/pkg/runtime"
	"github.com/pinacle-sh/pinacle/pkg/store"
)

const fakeContainerID = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"

func newTestStore(t *testing.T) *store.Store {
	st, err := store.NewStore(host.NewDummyLog(), ":memory:")
	assert.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *host.FakeConnection, *store.Store) {
	st := newTestStore(t)
	conn := host.NewFakeConnection()
	conn.Responses["docker create"] = host.ExecResult{Stdout: fakeContainerID + "\n"}

	o := New(host.NewDummyLog(), st, config.OrchestratorConfig{
		PortRangeStart: 20000,
		PortRangeEnd:   20009,
		SubnetPool:     "10.100.0.0/16",
		StepTimeout:    5 * time.Second,
		TotalTimeout:   30 * time.Second,
	}, "runsc")
	o.ConnectFn = func(ctx context.Context, server *models.Server) (host.Connection, error) {
		return conn, nil
	}
	o.RuntimeFn = func(c host.Connection) runtime.Runtime {
		return runtime.NewCLIRuntime(host.NewDummyLog(), c)
	}
	return o, conn, st
}

func seedServer(t *testing.T, st *store.Store) *models.Server {
	server := &models.Server{
		ID:              ids.NewServerID(),
		Hostname:        "host-1",
		IPAddress:       "192.0.2.10",
		CPUCores:        16,
		MemoryMb:        65536,
		DiskGb:          1024,
		SSHHost:         "192.0.2.10",
		SSHPort:         22,
		SSHUser:         "root",
		Status:          models.ServerOnline,
		LastHeartbeatAt: time.Now().UTC(),
	}
	assert.NoError(t, st.UpsertServer(server))
	return server
}

func seedPod(t *testing.T, st *store.Store) *models.Pod {
	cfg := models.PodConfig{
		Template: models.Template{
			Name:  "node",
			Image: "pinacle/node:20",
			Ports: map[string]int{"app": 3000},
			InstallCommands: []models.TemplateCommand{
				{Label: "editor", Command: "install-editor.sh"},
			},
			PostInstallCommand: "post-install.sh",
		},
	}
	raw, err := cfg.Encode()
	assert.NoError(t, err)

	id := ids.NewPodID()
	pod := &models.Pod{
		ID:       id,
		Name:     "My Project",
		Slug:     "proj-" + strings.ToLower(id[len(id)-6:]),
		UserID:   "user_1",
		TeamID:   "team_1",
		Template: "node",
		Tier:     "dev.small",
		Config:   raw,
		Status:   models.PodCreating,
	}
	assert.NoError(t, st.CreatePod(pod))
	return pod
}

func stepLabels(t *testing.T, st *store.Store, podID string) []string {
	logs, err := st.PodLogsAfter(podID, 0)
	assert.NoError(t, err)
	labels := make([]string, len(logs))
	for i, l := range logs {
		labels[i] = l.Label
	}
	return labels
}

func TestProvisionHappyPath(t *testing.T) {
	o, conn, st := newTestOrchestrator(t)
	server := seedServer(t, st)
	pod := seedPod(t, st)

	assert.NoError(t, o.Provision(context.Background(), pod.ID, server.ID))
	o.Wait()

	got, err := st.GetPod(pod.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PodRunning, got.Status)
	assert.Equal(t, fakeContainerID, got.ContainerID)
	assert.Equal(t, server.ID, got.ServerID)
	assert.NoError(t, got.CheckRunnable())
	// the allocated subnet is persisted for the pod's lifetime
	assert.True(t, strings.HasPrefix(got.Subnet, "10.100."), got.Subnet)

	// nginx-proxy plus the template's app port, from the bottom of the range
	assert.Len(t, got.Ports, 2)
	byName := map[string]models.PortMapping{}
	for _, m := range got.Ports {
		byName[m.Name] = m
	}
	assert.Equal(t, 80, byName[models.NginxProxyPortName].Internal)
	assert.Contains(t, []int{20000, 20001}, byName[models.NginxProxyPortName].External)
	assert.Equal(t, 3000, byName["app"].Internal)

	assert.Equal(t, []string{
		"ensure-image", "create-network", "create-volumes", "allocate-ports",
		"create-container", "start-container", "bootstrap",
		"install:editor", "post-install", "health-check",
	}, stepLabels(t, st, pod.ID))

	for _, rec := range mustLogs(t, st, pod.ID) {
		assert.True(t, rec.Succeeded(), rec.Label)
	}

	// eight canonical volumes, sandboxed runtime, pod network
	assert.Len(t, conn.CallsMatching("docker volume create"), 8)
	creates := conn.CallsMatching("docker create")
	assert.Len(t, creates, 1)
	assert.Contains(t, creates[0], "--runtime runsc")
	assert.Contains(t, creates[0], "--network "+models.NetworkName(pod.ID))
}

func mustLogs(t *testing.T, st *store.Store, podID string) []*models.PodLog {
	logs, err := st.PodLogsAfter(podID, 0)
	assert.NoError(t, err)
	return logs
}

func TestProvisionIsNoOpWhenAlreadyRunning(t *testing.T) {
	o, conn, st := newTestOrchestrator(t)
	server := seedServer(t, st)
	pod := seedPod(t, st)

	assert.NoError(t, o.Provision(context.Background(), pod.ID, server.ID))
	o.Wait()

	before := len(conn.Calls)
	assert.NoError(t, o.Provision(context.Background(), pod.ID, server.ID))
	o.Wait()
	assert.Len(t, conn.Calls, before)

	got, err := st.GetPod(pod.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PodRunning, got.Status)
}

func TestProvisionStepFailureSetsError(t *testing.T) {
	o, conn, st := newTestOrchestrator(t)
	server := seedServer(t, st)
	pod := seedPod(t, st)

	conn.Responses["docker exec --workdir /workspace"] = host.ExecResult{
		ExitCode: 2,
		Stderr:   "install-editor.sh: command not found",
	}

	assert.NoError(t, o.Provision(context.Background(), pod.ID, server.ID))
	o.Wait()

	got, err := st.GetPod(pod.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PodError, got.Status)
	assert.Contains(t, got.LastErrorMessage, "install:editor")

	last, err := st.LastFailedOrInflightLog(pod.ID)
	assert.NoError(t, err)
	assert.Equal(t, "install:editor", last.Label)
	assert.Equal(t, 2, *last.ExitCode)
}

func TestRetryResumesFromFailedStep(t *testing.T) {
	o, conn, st := newTestOrchestrator(t)
	server := seedServer(t, st)
	pod := seedPod(t, st)

	conn.Responses["docker exec --workdir /workspace"] = host.ExecResult{ExitCode: 2, Stderr: "boom"}
	assert.NoError(t, o.Provision(context.Background(), pod.ID, server.ID))
	o.Wait()

	delete(conn.Responses, "docker exec --workdir /workspace")
	imageChecks := len(conn.CallsMatching("docker image inspect"))

	assert.NoError(t, o.Retry(context.Background(), pod.ID))
	o.Wait()

	got, err := st.GetPod(pod.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PodRunning, got.Status)

	// earlier steps were not re-run
	assert.Equal(t, imageChecks, len(conn.CallsMatching("docker image inspect")))
	assert.Len(t, conn.CallsMatching("docker create"), 1)
}

func TestStopAndStart(t *testing.T) {
	o, conn, st := newTestOrchestrator(t)
	server := seedServer(t, st)
	pod := seedPod(t, st)

	assert.NoError(t, o.Provision(context.Background(), pod.ID, server.ID))
	o.Wait()

	assert.NoError(t, o.Stop(context.Background(), pod.ID))
	o.Wait()

	got, err := st.GetPod(pod.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PodStopped, got.Status)
	assert.Len(t, conn.CallsMatching("docker stop"), 1)

	conn.Calls = nil
	// the container survives a stop; the restart pipeline must adopt it
	conn.Responses["docker ps"] = host.ExecResult{
		Stdout: fakeContainerID + "\t" + models.ContainerName(pod.ID) + "\tpinacle/node:20\texited\tpodId=" + pod.ID + "\n",
	}

	assert.NoError(t, o.Start(context.Background(), pod.ID))
	o.Wait()

	got, err = st.GetPod(pod.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PodRunning, got.Status)

	// install steps are skipped on subsequent starts
	assert.Empty(t, conn.CallsMatching("docker exec --workdir /workspace"))
	assert.Empty(t, conn.CallsMatching("docker create"))
	assert.Len(t, conn.CallsMatching("docker start"), 1)
}

func TestDeleteTearsDownAndArchives(t *testing.T) {
	o, conn, st := newTestOrchestrator(t)
	server := seedServer(t, st)
	pod := seedPod(t, st)

	assert.NoError(t, o.Provision(context.Background(), pod.ID, server.ID))
	o.Wait()

	deleted := []string{}
	o.DeleteArchiveFn = func(ctx context.Context, snap *models.Snapshot) error {
		deleted = append(deleted, snap.ID)
		return nil
	}
	snap := &models.Snapshot{ID: ids.NewSnapshotID(), PodID: pod.ID, Status: models.SnapshotReady}
	assert.NoError(t, st.CreateSnapshot(snap))

	assert.NoError(t, o.Delete(context.Background(), pod.ID))
	o.Wait()

	assert.Len(t, conn.CallsMatching("docker rm --force"), 1)
	assert.Len(t, conn.CallsMatching("docker volume rm --force"), 8)
	assert.Len(t, conn.CallsMatching("docker network rm"), 1)
	assert.Equal(t, []string{snap.ID}, deleted)

	_, err := st.GetPodBySlug(pod.Slug)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// archived pods release their external ports
	inUse, err := st.ExternalPortsInUse(server.ID)
	assert.NoError(t, err)
	assert.Empty(t, inUse)
}

// TestStopThenDeleteOneWinner: when Stop moves the pod into stopping,
// a concurrent Delete must lose the transition race with a conflict.
// Once the stop settles, Delete goes through.
func TestStopThenDeleteOneWinner(t *testing.T) {
	o, _, st := newTestOrchestrator(t)
	server := seedServer(t, st)
	pod := seedPod(t, st)

	assert.NoError(t, o.Provision(context.Background(), pod.ID, server.ID))
	o.Wait()

	assert.NoError(t, o.Stop(context.Background(), pod.ID))
	err := o.Delete(context.Background(), pod.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
	o.Wait()

	got, err := st.GetPod(pod.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PodStopped, got.Status)

	assert.NoError(t, o.Delete(context.Background(), pod.ID))
	o.Wait()
	_, err = st.GetPodBySlug(pod.Slug)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRebuildRecreatesContainer(t *testing.T) {
	o, conn, st := newTestOrchestrator(t)
	server := seedServer(t, st)
	pod := seedPod(t, st)

	assert.NoError(t, o.Provision(context.Background(), pod.ID, server.ID))
	o.Wait()

	provisioned, err := st.GetPod(pod.ID)
	assert.NoError(t, err)

	restored := ""
	o.RestoreFn = func(ctx context.Context, snapshotID, podID string) error {
		restored = snapshotID
		return nil
	}

	conn.Calls = nil
	assert.NoError(t, o.Rebuild(context.Background(), pod.ID, "snap_1"))
	o.Wait()

	got, err := st.GetPod(pod.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PodRunning, got.Status)
	assert.Equal(t, provisioned.Subnet, got.Subnet)
	assert.Equal(t, "snap_1", restored)
	assert.Len(t, conn.CallsMatching("docker rm --force"), 1)
	assert.Len(t, conn.CallsMatching("docker create"), 1)
}

func TestPortAllocatorFirstFitWithWrapAround(t *testing.T) {
	st := newTestStore(t)
	server := seedServer(t, st)
	alloc := NewPortAllocator(st, 20000, 20003)

	ports, err := alloc.Allocate(server.ID, 3)
	assert.NoError(t, err)
	assert.Equal(t, []int{20000, 20001, 20002}, ports)

	// nothing was persisted, so after wrap-around the same ports come back
	ports, err = alloc.Allocate(server.ID, 2)
	assert.NoError(t, err)
	assert.Equal(t, []int{20003, 20000}, ports)
}

func TestPortAllocatorSkipsPersistedPorts(t *testing.T) {
	st := newTestStore(t)
	server := seedServer(t, st)
	pod := seedPod(t, st)
	assert.NoError(t, st.SetPodServer(pod.ID, server.ID))
	assert.NoError(t, st.ReplacePodPorts(pod.ID, []models.PortMapping{
		{PodID: pod.ID, Name: models.NginxProxyPortName, Internal: 80, External: 20000},
		{PodID: pod.ID, Name: "app", Internal: 3000, External: 20002},
	}))

	alloc := NewPortAllocator(st, 20000, 20004)
	ports, err := alloc.Allocate(server.ID, 3)
	assert.NoError(t, err)
	assert.Equal(t, []int{20001, 20003, 20004}, ports)
}

func TestPortAllocatorExhausted(t *testing.T) {
	st := newTestStore(t)
	server := seedServer(t, st)

	alloc := NewPortAllocator(st, 20000, 20001)
	_, err := alloc.Allocate(server.ID, 3)
	assert.ErrorIs(t, err, models.ErrExhausted)
}

func TestSubnetAllocator(t *testing.T) {
	st := newTestStore(t)
	server := seedServer(t, st)
	alloc := NewSubnetAllocator(st, "10.100.0.0/16")

	a, err := alloc.Allocate(server.ID, "pod_aaa")
	assert.NoError(t, err)
	assert.True(t, strings.HasSuffix(a, "/28"), a)
	assert.True(t, strings.HasPrefix(a, "10.100."), a)

	// nothing persisted yet, so the same pod hashes back to the same block
	b, err := alloc.Allocate(server.ID, "pod_aaa")
	assert.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = NewSubnetAllocator(st, "not-a-cidr").Allocate(server.ID, "pod_aaa")
	assert.Error(t, err)

	_, err = NewSubnetAllocator(st, "10.0.0.0/30").Allocate(server.ID, "pod_aaa")
	assert.Error(t, err)
}

// TestSubnetAllocatorProbesPastCollisions: a /27 pool holds exactly two /28
// blocks, so any pair of pods contends. The second pod must get the block
// the first does not hold, whatever it hashes to; a third finds the pool
// exhausted rather than colliding.
func TestSubnetAllocatorProbesPastCollisions(t *testing.T) {
	st := newTestStore(t)
	server := seedServer(t, st)
	alloc := NewSubnetAllocator(st, "10.100.0.0/27")

	first := seedPod(t, st)
	assert.NoError(t, st.SetPodServer(first.ID, server.ID))
	a, err := alloc.Allocate(server.ID, first.ID)
	assert.NoError(t, err)
	assert.NoError(t, st.SetPodSubnet(first.ID, a))

	second := seedPod(t, st)
	assert.NoError(t, st.SetPodServer(second.ID, server.ID))
	b, err := alloc.Allocate(server.ID, second.ID)
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NoError(t, st.SetPodSubnet(second.ID, b))

	third := seedPod(t, st)
	assert.NoError(t, st.SetPodServer(third.ID, server.ID))
	_, err = alloc.Allocate(server.ID, third.ID)
	assert.ErrorIs(t, err, models.ErrExhausted)
}

func TestStopRequiresRunning(t *testing.T) {
	o, _, st := newTestOrchestrator(t)
	seedServer(t, st)
	pod := seedPod(t, st)

	err := o.Stop(context.Background(), pod.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestProvisionUnknownPod(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	err := o.Provision(context.Background(), "pod_missing", "server_x")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStepTimeoutRecordsExit124(t *testing.T) {
	o, conn, st := newTestOrchestrator(t)
	server := seedServer(t, st)
	pod := seedPod(t, st)
	o.Config.StepTimeout = 10 * time.Millisecond

	slow := &slowConnection{FakeConnection: conn, delay: 50 * time.Millisecond, prefix: "curl"}
	o.ConnectFn = func(ctx context.Context, server *models.Server) (host.Connection, error) {
		return slow, nil
	}

	assert.NoError(t, o.Provision(context.Background(), pod.ID, server.ID))
	o.Wait()

	got, err := st.GetPod(pod.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PodError, got.Status)

	last, err := st.LastFailedOrInflightLog(pod.ID)
	assert.NoError(t, err)
	assert.Equal(t, "health-check", last.Label)
	assert.Equal(t, host.ExitCodeTimeout, *last.ExitCode)
}

// slowConnection delays matching commands past the step deadline and then
// reports the timeout exit code, the way a real connection does.
type slowConnection struct {
	*host.FakeConnection
	delay  time.Duration
	prefix string
}

func (s *slowConnection) Exec(ctx context.Context, cmd string, args []string, opts host.ExecOpts) (host.ExecResult, error) {
	if strings.HasPrefix(cmd, s.prefix) {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return host.ExecResult{ExitCode: host.ExitCodeTimeout}, nil
		}
	}
	return s.FakeConnection.Exec(ctx, cmd, args, opts)
}
