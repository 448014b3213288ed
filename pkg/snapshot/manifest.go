package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ManifestVersion is the current archive layout version. The layout is
// forward-compatible: readers must refuse versions they do not know.
const ManifestVersion = "2.0"

// manifestFileName is the first entry of every snapshot archive.
const manifestFileName = "snapshot-metadata.json"

// Manifest describes the contents of a snapshot archive. Each listed volume
// name corresponds to an archive entry "volumes/<name>.tar".
type Manifest struct {
	Version    string    `json:"version"`
	SnapshotID string    `json:"snapshotId"`
	PodID      string    `json:"podId"`
	Volumes    []string  `json:"volumes"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ParseManifest decodes and version-checks a manifest.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode snapshot manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q (want %s)", m.Version, ManifestVersion)
	}
	if len(m.Volumes) == 0 {
		return nil, fmt.Errorf("snapshot manifest lists no volumes")
	}
	return &m, nil
}

// volumeEntry is the archive path for a named volume tar.
func volumeEntry(name string) string {
	return "volumes/" + name + ".tar"
}

func (m *Manifest) encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
