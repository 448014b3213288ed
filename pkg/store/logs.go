package store

import (
	"time"

	"github.com/pinacle-sh/pinacle/pkg/models"
)

// AppendPodLog inserts an in-flight provisioning log record and returns its
// ID. IDs are strictly increasing per pod (sqlite AUTOINCREMENT is global,
// which is stronger than we need).
func (s *Store) AppendPodLog(log *models.PodLog) (int64, error) {
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}
	res, err := s.DB.NamedExec(`
		INSERT INTO pod_logs (pod_id, label, command, container_command, stdout, stderr, exit_code, duration_ms, timestamp)
		VALUES (:pod_id, :label, :command, :container_command, :stdout, :stderr, :exit_code, :duration_ms, :timestamp)`,
		log)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	log.ID = id
	return id, nil
}

// FinishPodLog completes an in-flight record with the command's outcome.
func (s *Store) FinishPodLog(id int64, stdout, stderr string, exitCode int, duration time.Duration) error {
	_, err := s.DB.Exec(`
		UPDATE pod_logs SET stdout = ?, stderr = ?, exit_code = ?, duration_ms = ?
		WHERE id = ?`,
		stdout, stderr, exitCode, duration.Milliseconds(), id)
	return err
}

// PodLogsAfter tails a pod's log stream: every record with ID greater than
// afterID, in ID order. Pass 0 for the full stream.
func (s *Store) PodLogsAfter(podID string, afterID int64) ([]*models.PodLog, error) {
	logs := []*models.PodLog{}
	err := s.DB.Select(&logs, `
		SELECT * FROM pod_logs WHERE pod_id = ? AND id > ? ORDER BY id`,
		podID, afterID)
	return logs, err
}

// LastFailedOrInflightLog returns the record of the first pipeline step whose
// latest run did not succeed, if any. Retry resumes from that step. A step
// that failed once but succeeded on a later run counts as succeeded.
func (s *Store) LastFailedOrInflightLog(podID string) (*models.PodLog, error) {
	logs, err := s.PodLogsAfter(podID, 0)
	if err != nil {
		return nil, err
	}
	var order []string
	latest := map[string]*models.PodLog{}
	for _, l := range logs {
		if _, seen := latest[l.Label]; !seen {
			order = append(order, l.Label)
		}
		latest[l.Label] = l
	}
	for _, label := range order {
		if l := latest[label]; !l.Succeeded() {
			return l, nil
		}
	}
	return nil, nil
}

// DeletePodLogs drops the log stream of a deleted pod.
func (s *Store) DeletePodLogs(podID string) error {
	_, err := s.DB.Exec(`DELETE FROM pod_logs WHERE pod_id = ?`, podID)
	return err
}
