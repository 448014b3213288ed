package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pinacle-sh/pinacle/pkg/models"
)

// CreateSnapshot inserts a snapshot record in status creating.
func (s *Store) CreateSnapshot(snap *models.Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	snap.Status = models.SnapshotCreating
	_, err := s.DB.NamedExec(`
		INSERT INTO snapshots (id, pod_id, status, storage_path, size_bytes, manifest_version, created_at)
		VALUES (:id, :pod_id, :status, :storage_path, :size_bytes, :manifest_version, :created_at)`,
		snap)
	return err
}

// FinishSnapshot marks a snapshot ready and records where it landed.
func (s *Store) FinishSnapshot(id, storagePath string, sizeBytes int64, manifestVersion string) error {
	_, err := s.DB.Exec(`
		UPDATE snapshots SET status = ?, storage_path = ?, size_bytes = ?, manifest_version = ?
		WHERE id = ?`,
		models.SnapshotReady, storagePath, sizeBytes, manifestVersion, id)
	return err
}

// FailSnapshot marks a snapshot failed.
func (s *Store) FailSnapshot(id string) error {
	_, err := s.DB.Exec(`UPDATE snapshots SET status = ? WHERE id = ?`, models.SnapshotFailed, id)
	return err
}

// GetSnapshot fetches one snapshot record.
func (s *Store) GetSnapshot(id string) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := s.DB.Get(&snap, `SELECT * FROM snapshots WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFound(fmt.Errorf("snapshot %s", id))
		}
		return nil, err
	}
	return &snap, nil
}

// ListSnapshotsByPod returns a pod's snapshots, newest first.
func (s *Store) ListSnapshotsByPod(podID string) ([]*models.Snapshot, error) {
	snaps := []*models.Snapshot{}
	err := s.DB.Select(&snaps, `
		SELECT * FROM snapshots WHERE pod_id = ? ORDER BY created_at DESC, id DESC`, podID)
	return snaps, err
}

// DeleteSnapshot removes a snapshot record. The archive itself is deleted
// by the snapshot engine before this is called.
func (s *Store) DeleteSnapshot(id string) error {
	res, err := s.DB.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NotFound(fmt.Errorf("snapshot %s", id))
	}
	return nil
}
