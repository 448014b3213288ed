package store

import (
	"time"

	"github.com/pinacle-sh/pinacle/pkg/models"
)

// InsertServerSample appends one host metrics reading.
func (s *Store) InsertServerSample(sample *models.ServerMetricsSample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	_, err := s.DB.NamedExec(`
		INSERT INTO server_metrics (server_id, cpu_usage_percent, memory_usage_mb, disk_usage_gb, active_pods_count, timestamp)
		VALUES (:server_id, :cpu_usage_percent, :memory_usage_mb, :disk_usage_gb, :active_pods_count, :timestamp)`,
		sample)
	return err
}

// InsertPodSamples appends per-container readings in one transaction. Sample
// order within a host's report is preserved; ordering across hosts is not
// guaranteed.
func (s *Store) InsertPodSamples(samples []*models.PodMetricsSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.DB.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, sample := range samples {
		if sample.Timestamp.IsZero() {
			sample.Timestamp = now
		}
		if _, err := tx.NamedExec(`
			INSERT INTO pod_metrics (pod_id, container_id, cpu_usage_percent, memory_usage_mb, disk_usage_mb, network_rx_bytes, network_tx_bytes, timestamp)
			VALUES (:pod_id, :container_id, :cpu_usage_percent, :memory_usage_mb, :disk_usage_mb, :network_rx_bytes, :network_tx_bytes, :timestamp)`,
			sample); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// BucketForHorizon picks the aggregation bucket for a query window.
func BucketForHorizon(horizon time.Duration) time.Duration {
	switch {
	case horizon <= time.Hour:
		return time.Minute
	case horizon <= 3*time.Hour:
		return 2 * time.Minute
	case horizon <= 12*time.Hour:
		return 5 * time.Minute
	case horizon <= 24*time.Hour:
		return 15 * time.Minute
	default:
		return 30 * time.Minute
	}
}

type aggregatedServerRow struct {
	CPUUsagePercent float64 `db:"cpu"`
	MemoryUsageMb   float64 `db:"mem"`
	DiskUsageGb     float64 `db:"disk"`
	ActivePodsCount float64 `db:"pods"`
	UnixTs          int64   `db:"ts"`
}

// ServerSamples returns a server's samples over the horizon, averaged into
// buckets sized by BucketForHorizon.
func (s *Store) ServerSamples(serverID string, horizon time.Duration) ([]*models.ServerMetricsSample, error) {
	bucket := int64(BucketForHorizon(horizon).Seconds())
	since := time.Now().UTC().Add(-horizon)

	rows := []aggregatedServerRow{}
	err := s.DB.Select(&rows, `
		SELECT avg(cpu_usage_percent) AS cpu,
		       avg(memory_usage_mb) AS mem,
		       avg(disk_usage_gb) AS disk,
		       avg(active_pods_count) AS pods,
		       min(CAST(strftime('%s', timestamp) AS INTEGER)) AS ts
		FROM server_metrics
		WHERE server_id = ? AND timestamp >= ?
		GROUP BY CAST(strftime('%s', timestamp) AS INTEGER) / ?
		ORDER BY ts`,
		serverID, since, bucket)
	if err != nil {
		return nil, err
	}

	samples := make([]*models.ServerMetricsSample, len(rows))
	for i, r := range rows {
		samples[i] = &models.ServerMetricsSample{
			ServerID:        serverID,
			CPUUsagePercent: r.CPUUsagePercent,
			MemoryUsageMb:   int64(r.MemoryUsageMb),
			DiskUsageGb:     r.DiskUsageGb,
			ActivePodsCount: int(r.ActivePodsCount + 0.5),
			Timestamp:       time.Unix(r.UnixTs, 0).UTC(),
		}
	}
	return samples, nil
}

// PodSamples returns a pod's raw samples over the horizon, oldest first.
func (s *Store) PodSamples(podID string, horizon time.Duration) ([]*models.PodMetricsSample, error) {
	since := time.Now().UTC().Add(-horizon)
	samples := []*models.PodMetricsSample{}
	err := s.DB.Select(&samples, `
		SELECT * FROM pod_metrics WHERE pod_id = ? AND timestamp >= ? ORDER BY timestamp`,
		podID, since)
	return samples, err
}

// PruneMetrics drops samples older than the retention window. Runs from the
// control plane's cron.
func (s *Store) PruneMetrics(retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention)
	if _, err := s.DB.Exec(`DELETE FROM server_metrics WHERE timestamp < ?`, cutoff); err != nil {
		return err
	}
	_, err := s.DB.Exec(`DELETE FROM pod_metrics WHERE timestamp < ?`, cutoff)
	return err
}
