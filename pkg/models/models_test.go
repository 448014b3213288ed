package models

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidSlug(t *testing.T) {
	type scenario struct {
		slug     string
		expected bool
	}

	scenarios := []scenario{
		{"my-pod", true},
		{"a1", true},
		{"0abc", true},
		{"-leading-dash", false},
		{"UPPER", false},
		{"a", false},
		{"has space", false},
		{"", false},
		{strings.Repeat("a", 70), false},
	}

	for _, s := range scenarios {
		assert.Equal(t, s.expected, ValidSlug(s.slug), s.slug)
	}
}

func TestErrorKinds(t *testing.T) {
	base := fmt.Errorf("connection refused")

	err := Transient(base)
	assert.True(t, errors.Is(err, ErrTransient))
	assert.True(t, errors.Is(err, base))
	assert.False(t, errors.Is(err, ErrConflict))

	assert.True(t, errors.Is(Conflict(base), ErrConflict))
	assert.True(t, errors.Is(NotFound(base), ErrNotFound))
	assert.True(t, errors.Is(Exhausted(base), ErrExhausted))
	assert.True(t, errors.Is(Invariant(base), ErrInvariant))
	assert.NoError(t, Transient(nil))
}

func TestCheckRunnable(t *testing.T) {
	pod := &Pod{ID: "pod_x", Status: PodRunning, ServerID: "server_y", ContainerID: "abc"}
	assert.NoError(t, pod.CheckRunnable())

	pod.ContainerID = ""
	err := pod.CheckRunnable()
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariant))

	pod.Status = PodStopped
	assert.NoError(t, pod.CheckRunnable())
}

func TestServerStale(t *testing.T) {
	now := time.Now()
	s := &Server{LastHeartbeatAt: now.Add(-2 * HeartbeatStaleThreshold)}
	assert.True(t, s.Stale(now))

	s.LastHeartbeatAt = now.Add(-time.Second)
	assert.False(t, s.Stale(now))
}

func TestCanonicalNames(t *testing.T) {
	assert.Equal(t, "pinacle-vol-pod_1-workspace", VolumeName("pod_1", "workspace"))
	assert.Equal(t, "pinacle-net-pod_1", NetworkName("pod_1"))
	assert.Equal(t, "pinacle-pod-pod_1", ContainerName("pod_1"))
	assert.Len(t, VolumeNames, 8)
	for _, name := range VolumeNames {
		assert.Contains(t, VolumeMountPoints, name)
	}
}

func TestTierByName(t *testing.T) {
	tier, err := TierByName("dev.small")
	assert.NoError(t, err)
	assert.Equal(t, int64(2048), tier.MemoryMb)

	_, err = TierByName("dev.gigantic")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPodConfigRoundTrip(t *testing.T) {
	cfg := PodConfig{
		Template: Template{Name: "nodejs-blank", Image: "pinacle/nodejs:20", Ports: map[string]int{"app": 3000}},
		Tier:     Tier{Name: "dev.small", CPUCores: 1, MemoryMb: 2048, StorageMb: 10240},
	}

	raw, err := cfg.Encode()
	assert.NoError(t, err)

	decoded, err := DecodePodConfig(raw)
	assert.NoError(t, err)
	assert.Equal(t, cfg, decoded)

	_, err = DecodePodConfig(`{"template":{}}`)
	assert.Error(t, err)

	_, err = DecodePodConfig(`not json`)
	assert.Error(t, err)
}
