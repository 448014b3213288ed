package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/models"
	"github.com/pinacle-sh/pinacle/pkg/runtime"
)

// ControlPlane is the slice of the API the agent talks to.
type ControlPlane interface {
	RegisterServer(ctx context.Context, server *models.Server) error
	Heartbeat(ctx context.Context, serverID string) error
	ReportMetrics(ctx context.Context, sample *models.ServerMetricsSample, pods []*models.PodMetricsSample) error
}

// Agent is the long-lived per-host process: it registers the host under its
// stable ID, then heartbeats and reports metrics every tick. It never exits
// on a metrics error; a failed tick is logged and the next tick retries.
type Agent struct {
	Log       *logrus.Entry
	Config    config.AgentConfig
	ServerID  string
	Collector *Collector
	Runtime   runtime.Runtime

	// Primary is the control plane. Secondary, when non-nil, receives a copy
	// of every report; its failures are non-fatal (local dev mirroring).
	Primary   ControlPlane
	Secondary ControlPlane

	// SSH endpoint facts included in registration, from config.
	SSHHost string
	SSHPort int
	SSHUser string
}

func New(log *logrus.Entry, cfg config.AgentConfig, serverID string, primary ControlPlane, rt runtime.Runtime) *Agent {
	return &Agent{
		Log:       log,
		Config:    cfg,
		ServerID:  serverID,
		Collector: NewCollector(log),
		Runtime:   rt,
		Primary:   primary,
	}
}

// Register introduces the host to the control plane. Upserts by stable ID,
// so re-running after a reboot or re-deploy is safe.
func (a *Agent) Register(ctx context.Context) error {
	facts, err := a.Collector.Facts(ctx)
	if err != nil {
		return err
	}

	server := &models.Server{
		ID:        a.ServerID,
		Hostname:  facts.Hostname,
		IPAddress: facts.IPAddress,
		CPUCores:  facts.CPUCores,
		MemoryMb:  facts.MemoryMb,
		DiskGb:    facts.DiskGb,
		SSHHost:   a.SSHHost,
		SSHPort:   a.SSHPort,
		SSHUser:   a.SSHUser,
		Status:    models.ServerOnline,
	}

	if err := a.Primary.RegisterServer(ctx, server); err != nil {
		return err
	}
	if a.Secondary != nil {
		if serr := a.Secondary.RegisterServer(ctx, server); serr != nil {
			a.Log.WithError(serr).Warn("secondary register failed")
		}
	}
	a.Log.WithField("server", a.ServerID).Info("registered with control plane")
	return nil
}

// Run registers and then loops until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Register(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.Config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick performs one heartbeat + metrics report cycle.
func (a *Agent) Tick(ctx context.Context) {
	if err := a.heartbeat(ctx); err != nil {
		a.Log.WithError(err).Warn("heartbeat failed")
	}

	pods, err := a.collectPodSamples(ctx)
	if err != nil {
		a.Log.WithError(err).Warn("collecting pod metrics")
		pods = nil
	}

	sample, err := a.Collector.Sample(ctx, a.ServerID, len(pods))
	if err != nil {
		a.Log.WithError(err).Warn("collecting host metrics")
		return
	}

	if err := a.report(ctx, a.Primary, sample, pods); err != nil {
		a.Log.WithError(err).Warn("reporting metrics")
	}
	if a.Secondary != nil {
		if err := a.report(ctx, a.Secondary, sample, pods); err != nil {
			a.Log.WithError(err).Debug("secondary metrics report failed")
		}
	}
}

// heartbeat bumps the host's liveness. An unrecognized host re-registers
// with its stable ID and retries once.
func (a *Agent) heartbeat(ctx context.Context) error {
	err := a.Primary.Heartbeat(ctx, a.ServerID)
	if err == nil || !errors.Is(err, models.ErrNotFound) {
		return err
	}

	a.Log.Info("control plane does not recognize this host, re-registering")
	if rerr := a.Register(ctx); rerr != nil {
		return rerr
	}
	return a.Primary.Heartbeat(ctx, a.ServerID)
}

// report posts one metrics payload, re-registering once on 404.
func (a *Agent) report(ctx context.Context, target ControlPlane, sample *models.ServerMetricsSample, pods []*models.PodMetricsSample) error {
	err := target.ReportMetrics(ctx, sample, pods)
	if err == nil || !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if target != a.Primary {
		return err
	}

	if rerr := a.Register(ctx); rerr != nil {
		return rerr
	}
	return target.ReportMetrics(ctx, sample, pods)
}

// collectPodSamples reads per-container stats for every live pod container
// on this host.
func (a *Agent) collectPodSamples(ctx context.Context) ([]*models.PodMetricsSample, error) {
	containers, err := a.Runtime.ListContainers(ctx, runtime.ListFilter{
		NamePrefix: models.ContainerNamePrefix,
	})
	if err != nil {
		return nil, err
	}

	samples := []*models.PodMetricsSample{}
	for _, c := range containers {
		podID := c.Labels["podId"]
		if podID == "" {
			podID = strings.TrimPrefix(c.Name, models.ContainerNamePrefix)
		}

		stats, serr := a.Runtime.Stats(ctx, c.ID)
		if serr != nil {
			a.Log.WithError(serr).WithField("container", c.Name).Warn("container stats")
			continue
		}

		samples = append(samples, &models.PodMetricsSample{
			PodID:           podID,
			ContainerID:     c.ID,
			CPUUsagePercent: stats.CPUPercent,
			MemoryUsageMb:   stats.MemoryBytes / 1024 / 1024,
			DiskUsageMb:     stats.DiskBytes / 1024 / 1024,
			NetworkRxBytes:  stats.NetworkRxBytes,
			NetworkTxBytes:  stats.NetworkTxBytes,
			Timestamp:       time.Now().UTC(),
		})
	}
	return samples, nil
}
