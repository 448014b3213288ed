package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pinacle-sh/pinacle/pkg/models"
)

// UpsertServer registers a server, keyed by the agent's stable ID. A
// re-register after a control-plane wipe or a 404'd metrics push lands here
// too, so the whole row is refreshed.
func (s *Store) UpsertServer(server *models.Server) error {
	now := time.Now().UTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.LastHeartbeatAt = now
	server.Status = models.ServerOnline

	_, err := s.DB.NamedExec(`
		INSERT INTO servers (id, hostname, ip_address, cpu_cores, memory_mb, disk_gb,
			ssh_host, ssh_port, ssh_user, local_vm_name, status, last_heartbeat_at, created_at)
		VALUES (:id, :hostname, :ip_address, :cpu_cores, :memory_mb, :disk_gb,
			:ssh_host, :ssh_port, :ssh_user, :local_vm_name, :status, :last_heartbeat_at, :created_at)
		ON CONFLICT (id) DO UPDATE SET
			hostname = excluded.hostname,
			ip_address = excluded.ip_address,
			cpu_cores = excluded.cpu_cores,
			memory_mb = excluded.memory_mb,
			disk_gb = excluded.disk_gb,
			ssh_host = excluded.ssh_host,
			ssh_port = excluded.ssh_port,
			ssh_user = excluded.ssh_user,
			local_vm_name = excluded.local_vm_name,
			status = excluded.status,
			last_heartbeat_at = excluded.last_heartbeat_at`,
		server)
	return err
}

// Heartbeat bumps a server's heartbeat and flips it online.
func (s *Store) Heartbeat(serverID string) error {
	res, err := s.DB.Exec(`UPDATE servers SET last_heartbeat_at = ?, status = ? WHERE id = ?`,
		time.Now().UTC(), models.ServerOnline, serverID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NotFound(fmt.Errorf("server %s not registered", serverID))
	}
	return nil
}

// GetServer fetches one server by ID.
func (s *Store) GetServer(id string) (*models.Server, error) {
	var server models.Server
	if err := s.DB.Get(&server, `SELECT * FROM servers WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFound(fmt.Errorf("server %s", id))
		}
		return nil, err
	}
	return &server, nil
}

// ListServers returns all servers, oldest first.
func (s *Store) ListServers() ([]*models.Server, error) {
	servers := []*models.Server{}
	err := s.DB.Select(&servers, `SELECT * FROM servers ORDER BY created_at, id`)
	return servers, err
}

// SelectHost returns the next host eligible for a new pod: online, with a
// fresh heartbeat, first-fit by creation order. Placement policy beyond
// that is a non-goal of the core.
func (s *Store) SelectHost() (*models.Server, error) {
	cutoff := time.Now().UTC().Add(-models.HeartbeatStaleThreshold)
	var server models.Server
	err := s.DB.Get(&server, `
		SELECT * FROM servers
		WHERE status = ? AND last_heartbeat_at >= ?
		ORDER BY created_at, id LIMIT 1`,
		models.ServerOnline, cutoff)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.Exhausted(errors.New("no healthy host available"))
		}
		return nil, err
	}
	return &server, nil
}

// SweepStaleServers marks servers offline whose heartbeat is older than the
// stale threshold. Returns how many were flipped.
func (s *Store) SweepStaleServers() (int64, error) {
	cutoff := time.Now().UTC().Add(-models.HeartbeatStaleThreshold)
	res, err := s.DB.Exec(`
		UPDATE servers SET status = ? WHERE status = ? AND last_heartbeat_at < ?`,
		models.ServerOffline, models.ServerOnline, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
