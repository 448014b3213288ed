package store

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinacle-sh/pinacle/pkg/ids"
	"github.com/pinacle-sh/pinacle/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(logrus.NewEntry(logrus.New()), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestServer() *models.Server {
	return &models.Server{
		ID:        ids.NewServerID(),
		Hostname:  "host-1",
		IPAddress: "10.0.0.1",
		CPUCores:  16,
		MemoryMb:  65536,
		DiskGb:    1024,
		SSHHost:   "10.0.0.1",
		SSHPort:   22,
		SSHUser:   "root",
	}
}

func newTestPod(serverID string) *models.Pod {
	id := ids.NewPodID()
	return &models.Pod{
		ID:       id,
		Name:     "my pod",
		Slug:     "my-pod-" + id[len(id)-6:],
		UserID:   "user_1",
		TeamID:   "team_1",
		ServerID: serverID,
		Template: "nodejs-blank",
		Tier:     "dev.small",
	}
}

func TestUpsertServerAndHeartbeat(t *testing.T) {
	s := newTestStore(t)
	server := newTestServer()

	require.NoError(t, s.UpsertServer(server))

	got, err := s.GetServer(server.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ServerOnline, got.Status)
	assert.Equal(t, "host-1", got.Hostname)

	// re-register with new hardware refreshes the row
	server.CPUCores = 32
	require.NoError(t, s.UpsertServer(server))
	got, err = s.GetServer(server.ID)
	require.NoError(t, err)
	assert.Equal(t, 32, got.CPUCores)

	assert.NoError(t, s.Heartbeat(server.ID))
	err = s.Heartbeat("server_unknown")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestSelectHostSkipsStale(t *testing.T) {
	s := newTestStore(t)

	stale := newTestServer()
	require.NoError(t, s.UpsertServer(stale))
	// age the heartbeat to twice the threshold
	_, err := s.DB.Exec(`UPDATE servers SET last_heartbeat_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-2*models.HeartbeatStaleThreshold), stale.ID)
	require.NoError(t, err)

	_, err = s.SelectHost()
	assert.True(t, errors.Is(err, models.ErrExhausted))

	fresh := newTestServer()
	require.NoError(t, s.UpsertServer(fresh))

	picked, err := s.SelectHost()
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, picked.ID)

	n, err := s.SweepStaleServers()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetServer(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ServerOffline, got.Status)
}

func TestCreatePodSlugConflict(t *testing.T) {
	s := newTestStore(t)

	pod := newTestPod("")
	require.NoError(t, s.CreatePod(pod))

	dup := newTestPod("")
	dup.Slug = pod.Slug
	err := s.CreatePod(dup)
	assert.True(t, errors.Is(err, models.ErrConflict))
}

func TestTransitionPodOptimisticLock(t *testing.T) {
	s := newTestStore(t)
	pod := newTestPod("")
	require.NoError(t, s.CreatePod(pod))

	got, err := s.TransitionPod(pod.ID, []models.PodStatus{models.PodCreating}, models.PodProvisioning)
	require.NoError(t, err)
	assert.Equal(t, models.PodProvisioning, got.Status)
	assert.EqualValues(t, 1, got.Version)

	// a second mover racing on the same precondition observes a conflict
	_, err = s.TransitionPod(pod.ID, []models.PodStatus{models.PodCreating}, models.PodProvisioning)
	assert.True(t, errors.Is(err, models.ErrConflict))

	_, err = s.TransitionPod("pod_missing", []models.PodStatus{models.PodCreating}, models.PodProvisioning)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestPodPortsAuthoritativeSet(t *testing.T) {
	s := newTestStore(t)
	server := newTestServer()
	require.NoError(t, s.UpsertServer(server))

	podA := newTestPod(server.ID)
	podB := newTestPod(server.ID)
	require.NoError(t, s.CreatePod(podA))
	require.NoError(t, s.CreatePod(podB))

	require.NoError(t, s.ReplacePodPorts(podA.ID, []models.PortMapping{
		{Name: models.NginxProxyPortName, Internal: 80, External: 20000},
		{Name: "app", Internal: 3000, External: 20001},
	}))
	require.NoError(t, s.ReplacePodPorts(podB.ID, []models.PortMapping{
		{Name: models.NginxProxyPortName, Internal: 80, External: 20002},
	}))

	used, err := s.ExternalPortsInUse(server.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{20000: true, 20001: true, 20002: true}, used)

	// archiving a pod releases its ports from the authoritative set
	require.NoError(t, s.ArchivePod(podB.ID))
	used, err = s.ExternalPortsInUse(server.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{20000: true, 20001: true}, used)

	got, err := s.GetPod(podA.ID)
	require.NoError(t, err)
	require.Len(t, got.Ports, 2)
	assert.Equal(t, models.NginxProxyPortName, got.Ports[1].Name)
}

func TestPodLogsMonotonicTail(t *testing.T) {
	s := newTestStore(t)
	pod := newTestPod("")
	require.NoError(t, s.CreatePod(pod))

	var lastID int64
	for i := 0; i < 5; i++ {
		id, err := s.AppendPodLog(&models.PodLog{PodID: pod.ID, Command: "echo step", Label: "step"})
		require.NoError(t, err)
		assert.Greater(t, id, lastID)
		lastID = id
		require.NoError(t, s.FinishPodLog(id, "out", "", 0, 10*time.Millisecond))
	}

	logs, err := s.PodLogsAfter(pod.ID, 2)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	prev := int64(2)
	for _, l := range logs {
		assert.Greater(t, l.ID, prev)
		prev = l.ID
		assert.True(t, l.Succeeded())
	}
}

func TestLastFailedOrInflightLog(t *testing.T) {
	s := newTestStore(t)
	pod := newTestPod("")
	require.NoError(t, s.CreatePod(pod))

	okID, err := s.AppendPodLog(&models.PodLog{PodID: pod.ID, Command: "ok", Label: "create-network"})
	require.NoError(t, err)
	require.NoError(t, s.FinishPodLog(okID, "", "", 0, time.Millisecond))

	failedID, err := s.AppendPodLog(&models.PodLog{PodID: pod.ID, Command: "boom", Label: "create-volumes"})
	require.NoError(t, err)
	require.NoError(t, s.FinishPodLog(failedID, "", "no space", 1, time.Millisecond))

	l, err := s.LastFailedOrInflightLog(pod.ID)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "create-volumes", l.Label)

	// in-flight records count as not succeeded
	inflightID, err := s.AppendPodLog(&models.PodLog{PodID: pod.ID, Command: "running", Label: "start-container"})
	require.NoError(t, err)
	l, err = s.LastFailedOrInflightLog(pod.ID)
	require.NoError(t, err)
	assert.Equal(t, "create-volumes", l.Label)

	// only a step's latest record counts: a retried step that now succeeds
	// no longer blocks, so the resume point moves to the next failure
	retryID, err := s.AppendPodLog(&models.PodLog{PodID: pod.ID, Command: "ok now", Label: "create-volumes"})
	require.NoError(t, err)
	require.NoError(t, s.FinishPodLog(retryID, "", "", 0, time.Millisecond))
	l, err = s.LastFailedOrInflightLog(pod.ID)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "start-container", l.Label)

	// all latest records succeeded: nothing to resume from
	require.NoError(t, s.FinishPodLog(inflightID, "", "", 0, time.Millisecond))
	l, err = s.LastFailedOrInflightLog(pod.ID)
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestMetricsBucketsAndPrune(t *testing.T) {
	s := newTestStore(t)
	server := newTestServer()
	require.NoError(t, s.UpsertServer(server))

	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.InsertServerSample(&models.ServerMetricsSample{
			ServerID:        server.ID,
			CPUUsagePercent: float64(10 * i),
			MemoryUsageMb:   1024,
			DiskUsageGb:     50,
			ActivePodsCount: 2,
			Timestamp:       now.Add(-time.Duration(i) * 10 * time.Second),
		}))
	}

	samples, err := s.ServerSamples(server.ID, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, samples)
	// 10 samples over ~100s collapse into at most 3 one-minute buckets
	assert.LessOrEqual(t, len(samples), 3)
	for i := 1; i < len(samples); i++ {
		assert.True(t, samples[i].Timestamp.After(samples[i-1].Timestamp))
	}

	require.NoError(t, s.InsertPodSamples([]*models.PodMetricsSample{
		{PodID: "pod_1", ContainerID: "c1", CPUUsagePercent: 5, MemoryUsageMb: 256, Timestamp: now},
		{PodID: "pod_1", ContainerID: "c1", CPUUsagePercent: 7, MemoryUsageMb: 256, Timestamp: now.Add(-8 * 24 * time.Hour)},
	}))

	require.NoError(t, s.PruneMetrics(models.MetricsRetention))

	podSamples, err := s.PodSamples("pod_1", 30*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, podSamples, 1)
	assert.EqualValues(t, 5, podSamples[0].CPUUsagePercent)
}

func TestBucketForHorizon(t *testing.T) {
	type scenario struct {
		horizon  time.Duration
		expected time.Duration
	}

	scenarios := []scenario{
		{30 * time.Minute, time.Minute},
		{2 * time.Hour, 2 * time.Minute},
		{6 * time.Hour, 5 * time.Minute},
		{20 * time.Hour, 15 * time.Minute},
		{7 * 24 * time.Hour, 30 * time.Minute},
	}

	for _, s := range scenarios {
		assert.Equal(t, s.expected, BucketForHorizon(s.horizon))
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	s := newTestStore(t)
	pod := newTestPod("")
	require.NoError(t, s.CreatePod(pod))

	snap := &models.Snapshot{ID: ids.NewSnapshotID(), PodID: pod.ID}
	require.NoError(t, s.CreateSnapshot(snap))

	got, err := s.GetSnapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotCreating, got.Status)

	require.NoError(t, s.FinishSnapshot(snap.ID, "snapshots/"+snap.ID+".tar.gz", 4096, "2.0"))
	got, err = s.GetSnapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotReady, got.Status)
	assert.EqualValues(t, 4096, got.SizeBytes)
	assert.Equal(t, "2.0", got.ManifestVersion)

	list, err := s.ListSnapshotsByPod(pod.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteSnapshot(snap.ID))
	_, err = s.GetSnapshot(snap.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestGetPodBySlugExcludesArchived(t *testing.T) {
	s := newTestStore(t)
	pod := newTestPod("")
	require.NoError(t, s.CreatePod(pod))

	got, err := s.GetPodBySlug(pod.Slug)
	require.NoError(t, err)
	assert.Equal(t, pod.ID, got.ID)

	require.NoError(t, s.ArchivePod(pod.ID))
	_, err = s.GetPodBySlug(pod.Slug)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
