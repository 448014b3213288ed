package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pinacle-sh/pinacle/pkg/models"
)

// CreatePod inserts a new pod row in status creating. Slug collisions
// surface as a conflict.
func (s *Store) CreatePod(pod *models.Pod) error {
	now := time.Now().UTC()
	pod.CreatedAt = now
	pod.UpdatedAt = now
	pod.Status = models.PodCreating

	_, err := s.DB.NamedExec(`
		INSERT INTO pods (id, name, slug, user_id, team_id, server_id, container_id, subnet,
			template, tier, config, status, last_error_message, version, archived_at, created_at, updated_at)
		VALUES (:id, :name, :slug, :user_id, :team_id, :server_id, :container_id, :subnet,
			:template, :tier, :config, :status, :last_error_message, :version, :archived_at, :created_at, :updated_at)`,
		pod)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return models.Conflict(fmt.Errorf("slug %q already taken", pod.Slug))
		}
		return err
	}
	return nil
}

// GetPod fetches a pod with its port mappings.
func (s *Store) GetPod(id string) (*models.Pod, error) {
	var pod models.Pod
	if err := s.DB.Get(&pod, `SELECT * FROM pods WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFound(fmt.Errorf("pod %s", id))
		}
		return nil, err
	}
	if err := s.loadPorts(&pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

// GetPodBySlug fetches a non-archived pod by its slug. The proxy resolves
// hostnames through here, so archived pods must not be returned.
func (s *Store) GetPodBySlug(slug string) (*models.Pod, error) {
	var pod models.Pod
	err := s.DB.Get(&pod, `SELECT * FROM pods WHERE slug = ? AND archived_at IS NULL`, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFound(fmt.Errorf("pod slug %s", slug))
		}
		return nil, err
	}
	if err := s.loadPorts(&pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

// GetPodByContainerID fetches a non-archived pod by the full container ID on
// its host. The snapshot CLI addresses pods this way.
func (s *Store) GetPodByContainerID(containerID string) (*models.Pod, error) {
	var pod models.Pod
	err := s.DB.Get(&pod, `SELECT * FROM pods WHERE container_id = ? AND archived_at IS NULL`, containerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFound(fmt.Errorf("pod with container %s", containerID))
		}
		return nil, err
	}
	if err := s.loadPorts(&pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

// ListPods returns all non-archived pods, newest last.
func (s *Store) ListPods() ([]*models.Pod, error) {
	pods := []*models.Pod{}
	if err := s.DB.Select(&pods, `SELECT * FROM pods WHERE archived_at IS NULL ORDER BY id`); err != nil {
		return nil, err
	}
	for _, pod := range pods {
		if err := s.loadPorts(pod); err != nil {
			return nil, err
		}
	}
	return pods, nil
}

// ListPodsByServer returns the non-archived pods scheduled on a host.
func (s *Store) ListPodsByServer(serverID string) ([]*models.Pod, error) {
	pods := []*models.Pod{}
	err := s.DB.Select(&pods, `
		SELECT * FROM pods WHERE server_id = ? AND archived_at IS NULL ORDER BY id`, serverID)
	if err != nil {
		return nil, err
	}
	for _, pod := range pods {
		if err := s.loadPorts(pod); err != nil {
			return nil, err
		}
	}
	return pods, nil
}

func (s *Store) loadPorts(pod *models.Pod) error {
	pod.Ports = []models.PortMapping{}
	return s.DB.Select(&pod.Ports, `
		SELECT pod_id, name, internal, external FROM pod_ports WHERE pod_id = ? ORDER BY name`, pod.ID)
}

// TransitionPod moves a pod from one of the allowed states into another.
// The WHERE clause is the optimistic lock: losing a race against a
// concurrent transition yields zero affected rows, which we surface as a
// conflict (or not-found when the pod is gone).
func (s *Store) TransitionPod(podID string, from []models.PodStatus, to models.PodStatus) (*models.Pod, error) {
	placeholders := make([]string, len(from))
	args := []interface{}{to, time.Now().UTC(), podID}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}

	query := fmt.Sprintf(`
		UPDATE pods SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND archived_at IS NULL AND status IN (%s)`,
		strings.Join(placeholders, ","))

	res, err := s.DB.Exec(query, args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		pod, getErr := s.GetPod(podID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, models.Conflict(fmt.Errorf("pod %s is %s, cannot move to %s", podID, pod.Status, to))
	}
	return s.GetPod(podID)
}

// SetPodServer records the host a pod was scheduled onto.
func (s *Store) SetPodServer(podID, serverID string) error {
	return s.updatePod(podID, `server_id = ?`, serverID)
}

// SetPodContainer records the full container ID once the runtime created it.
func (s *Store) SetPodContainer(podID, containerID string) error {
	return s.updatePod(podID, `container_id = ?`, containerID)
}

// SetPodSubnet records the /28 block carved out for the pod's bridge
// network. The subnet is held for the pod's whole life, including across
// rebuilds, and is released only on archive.
func (s *Store) SetPodSubnet(podID, subnet string) error {
	return s.updatePod(podID, `subnet = ?`, subnet)
}

// SetPodError moves a pod into the error state and records the message
// surfaced to the UI.
func (s *Store) SetPodError(podID, message string) error {
	return s.updatePod(podID, `status = ?, last_error_message = ?`, models.PodError, message)
}

// ArchivePod soft-deletes a pod. Archived pods are invisible to scheduling,
// port allocation and proxy resolution.
func (s *Store) ArchivePod(podID string) error {
	return s.updatePod(podID, `archived_at = ?`, time.Now().UTC())
}

func (s *Store) updatePod(podID, set string, args ...interface{}) error {
	args = append(args, time.Now().UTC(), podID)
	res, err := s.DB.Exec(fmt.Sprintf(`UPDATE pods SET %s, updated_at = ? WHERE id = ?`, set), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NotFound(fmt.Errorf("pod %s", podID))
	}
	return nil
}

// ReplacePodPorts swaps a pod's port mappings in one transaction.
func (s *Store) ReplacePodPorts(podID string, ports []models.PortMapping) error {
	tx, err := s.DB.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM pod_ports WHERE pod_id = ?`, podID); err != nil {
		return err
	}
	for _, p := range ports {
		p.PodID = podID
		if _, err := tx.NamedExec(`
			INSERT INTO pod_ports (pod_id, name, internal, external)
			VALUES (:pod_id, :name, :internal, :external)`, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ExternalPortsInUse returns every external port held by a non-archived pod
// on the given host. This is the authoritative source for the port
// allocator; the allocator's in-memory set is only a cache of it.
func (s *Store) ExternalPortsInUse(serverID string) (map[int]bool, error) {
	var ports []int
	err := s.DB.Select(&ports, `
		SELECT pp.external FROM pod_ports pp
		JOIN pods p ON p.id = pp.pod_id
		WHERE p.server_id = ? AND p.archived_at IS NULL`, serverID)
	if err != nil {
		return nil, err
	}
	used := make(map[int]bool, len(ports))
	for _, p := range ports {
		used[p] = true
	}
	return used, nil
}

// SubnetsInUse returns every subnet held by a non-archived pod on the given
// host. Authoritative source for the subnet allocator.
func (s *Store) SubnetsInUse(serverID string) (map[string]bool, error) {
	var subnets []string
	err := s.DB.Select(&subnets, `
		SELECT subnet FROM pods
		WHERE server_id = ? AND archived_at IS NULL AND subnet != ''`, serverID)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(subnets))
	for _, sn := range subnets {
		used[sn] = true
	}
	return used, nil
}

// CountActivePods counts running pods on a host, for server metrics.
func (s *Store) CountActivePods(serverID string) (int, error) {
	var n int
	err := s.DB.Get(&n, `
		SELECT COUNT(*) FROM pods
		WHERE server_id = ? AND archived_at IS NULL AND status = ?`,
		serverID, models.PodRunning)
	return n, err
}
