package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/host"
	"github.com/pinacle-sh/pinacle/pkg/ids"
	"github.com/pinacle-sh/pinacle/pkg/models"
	"github.com/pinacle-sh/pinacle/pkg/runtime"
	"github.com/pinacle-sh/pinacle/pkg/store"
)

// helperImage runs the tar export/import containers. Volumes are mounted
// read-only on export, so the pod container can keep running.
const helperImage = "busybox:1.36"

// Engine creates and restores pod snapshots: every canonical volume that
// exists is exported to a tar by a short-lived helper container, the tars
// are composed into one gzipped archive with a manifest, and the archive is
// streamed into the storage provider.
type Engine struct {
	Log      *logrus.Entry
	Store    *store.Store
	Provider StorageProvider

	// Quiesce runs the template's quiesce command before export. Without it
	// snapshots are crash-consistent, not application-consistent.
	Quiesce bool

	ConnectFn func(ctx context.Context, server *models.Server) (host.Connection, error)
	RuntimeFn func(conn host.Connection) runtime.Runtime

	wg sync.WaitGroup
}

func NewEngine(log *logrus.Entry, st *store.Store, provider StorageProvider, quiesce bool) *Engine {
	return &Engine{Log: log, Store: st, Provider: provider, Quiesce: quiesce}
}

func (e *Engine) connect(ctx context.Context, pod *models.Pod) (host.Connection, runtime.Runtime, error) {
	if pod.ServerID == "" {
		return nil, nil, models.Invariant(fmt.Errorf("pod %s has no host assigned", pod.ID))
	}
	server, err := e.Store.GetServer(pod.ServerID)
	if err != nil {
		return nil, nil, err
	}
	var conn host.Connection
	err = host.WithRetry(ctx, func() error {
		conn, err = e.ConnectFn(ctx, server)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return conn, e.RuntimeFn(conn), nil
}

// Create snapshots the pod's volume set and returns the finished record.
// On failure or cancellation the partial archive key is deleted; nothing
// half-written stays reachable.
func (e *Engine) Create(ctx context.Context, podID string) (*models.Snapshot, error) {
	return e.CreateWithID(ctx, podID, ids.NewSnapshotID())
}

// CreateWithID is Create with a caller-assigned snapshot ID, for callers that
// record the ID before the export runs (the snapshot CLI).
func (e *Engine) CreateWithID(ctx context.Context, podID, snapshotID string) (*models.Snapshot, error) {
	_, pod, cfg, err := e.begin(podID, snapshotID)
	if err != nil {
		return nil, err
	}
	if err := e.runExport(ctx, pod, cfg, snapshotID); err != nil {
		return nil, err
	}
	return e.Store.GetSnapshot(snapshotID)
}

// CreateAsync records the snapshot in creating state, starts the export in
// the background, and returns the record immediately. An export can take
// however long the volume set demands; callers poll the record instead of
// holding a request open. Failures land the record in the error state.
func (e *Engine) CreateAsync(ctx context.Context, podID string) (*models.Snapshot, error) {
	snapshotID := ids.NewSnapshotID()
	snap, pod, cfg, err := e.begin(podID, snapshotID)
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// the export outlives the originating request
		if err := e.runExport(context.Background(), pod, cfg, snapshotID); err != nil {
			e.Log.WithError(err).WithField("snapshot", snapshotID).Error("snapshot export failed")
		}
	}()

	return snap, nil
}

// Wait blocks until background exports have drained. Used on shutdown and by
// tests.
func (e *Engine) Wait() { e.wg.Wait() }

// begin validates the pod and inserts the creating snapshot record.
func (e *Engine) begin(podID, snapshotID string) (*models.Snapshot, *models.Pod, models.PodConfig, error) {
	pod, err := e.Store.GetPod(podID)
	if err != nil {
		return nil, nil, models.PodConfig{}, err
	}
	cfg, err := models.DecodePodConfig(pod.Config)
	if err != nil {
		return nil, nil, models.PodConfig{}, err
	}

	snap := &models.Snapshot{
		ID:              snapshotID,
		PodID:           pod.ID,
		Status:          models.SnapshotCreating,
		ManifestVersion: ManifestVersion,
	}
	if err := e.Store.CreateSnapshot(snap); err != nil {
		return nil, nil, models.PodConfig{}, err
	}
	return snap, pod, cfg, nil
}

// runExport connects to the pod's host and drives the export, settling the
// snapshot record either way.
func (e *Engine) runExport(ctx context.Context, pod *models.Pod, cfg models.PodConfig, snapshotID string) error {
	key := "snapshots/" + snapshotID + ".tar.gz"

	fail := func(err error) error {
		if ferr := e.Store.FailSnapshot(snapshotID); ferr != nil {
			e.Log.WithError(ferr).Error("marking snapshot failed")
		}
		// best-effort removal of a partially committed key
		if derr := e.Provider.Delete(context.Background(), key); derr != nil {
			e.Log.WithError(derr).Warn("deleting partial snapshot archive")
		}
		return err
	}

	conn, rt, err := e.connect(ctx, pod)
	if err != nil {
		return fail(err)
	}
	defer conn.Close()

	size, err := e.export(ctx, conn, rt, pod, cfg, snapshotID, key)
	if err != nil {
		return fail(err)
	}
	return e.Store.FinishSnapshot(snapshotID, key, size, ManifestVersion)
}

func (e *Engine) export(ctx context.Context, conn host.Connection, rt runtime.Runtime, pod *models.Pod, cfg models.PodConfig, snapID, key string) (int64, error) {
	e.quiesce(ctx, rt, pod, cfg)

	if err := rt.EnsureImage(ctx, helperImage); err != nil {
		return 0, err
	}

	hostDir := "/tmp/pinacle-snapshot-" + snapID
	if res, err := conn.Exec(ctx, "mkdir", []string{"-p", hostDir}, host.ExecOpts{}); err != nil || !res.Ok() {
		return 0, fmt.Errorf("prepare export dir: %v %s", err, res.Stderr)
	}
	defer func() {
		if _, cerr := conn.Exec(context.Background(), "rm", []string{"-rf", hostDir}, host.ExecOpts{}); cerr != nil {
			e.Log.WithError(cerr).Warn("cleaning export dir")
		}
	}()

	localDir, err := os.MkdirTemp("", "pinacle-snapshot-")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(localDir)

	manifest := &Manifest{
		Version:    ManifestVersion,
		SnapshotID: snapID,
		PodID:      pod.ID,
		CreatedAt:  time.Now().UTC(),
	}
	sizes := map[string]int64{}

	for _, name := range models.VolumeNames {
		volume := models.VolumeName(pod.ID, name)
		exists, err := rt.VolumeExists(ctx, volume)
		if err != nil {
			return 0, err
		}
		if !exists {
			continue
		}

		tarName := name + ".tar"
		res, err := conn.Exec(ctx, "docker", []string{
			"run", "--rm",
			"--volume", volume + ":/input:ro",
			"--volume", hostDir + ":/output",
			helperImage,
			"tar", "-cf", "/output/" + tarName, "-C", "/input", ".",
		}, host.ExecOpts{})
		if err != nil {
			return 0, err
		}
		if !res.Ok() {
			return 0, fmt.Errorf("export volume %s: exit %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
		}

		localPath := filepath.Join(localDir, tarName)
		if err := conn.CopyOut(ctx, hostDir+"/"+tarName, localPath); err != nil {
			return 0, err
		}
		info, err := os.Stat(localPath)
		if err != nil {
			return 0, err
		}

		manifest.Volumes = append(manifest.Volumes, name)
		sizes[name] = info.Size()
	}

	if len(manifest.Volumes) == 0 {
		return 0, models.Invariant(fmt.Errorf("pod %s has no volumes to snapshot", pod.ID))
	}

	return e.upload(ctx, manifest, sizes, localDir, key)
}

// upload streams manifest + volume tars as one gzipped archive.
func (e *Engine) upload(ctx context.Context, manifest *Manifest, sizes map[string]int64, localDir, key string) (int64, error) {
	pr, pw := io.Pipe()
	counter := &countingReader{r: pr}

	go func() {
		pw.CloseWithError(writeArchive(pw, manifest, sizes, localDir))
	}()

	if _, err := e.Provider.Upload(ctx, key, counter, map[string]string{
		"snapshot-id": manifest.SnapshotID,
		"pod-id":      manifest.PodID,
	}); err != nil {
		pr.CloseWithError(err)
		return 0, err
	}
	return counter.n, nil
}

func writeArchive(w io.Writer, manifest *Manifest, sizes map[string]int64, localDir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	raw, err := manifest.encode()
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    manifestFileName,
		Mode:    0o644,
		Size:    int64(len(raw)),
		ModTime: manifest.CreatedAt,
	}); err != nil {
		return err
	}
	if _, err := tw.Write(raw); err != nil {
		return err
	}

	for _, name := range manifest.Volumes {
		f, err := os.Open(filepath.Join(localDir, name+".tar"))
		if err != nil {
			return err
		}
		err = func() error {
			defer f.Close()
			if err := tw.WriteHeader(&tar.Header{
				Name:    volumeEntry(name),
				Mode:    0o644,
				Size:    sizes[name],
				ModTime: manifest.CreatedAt,
			}); err != nil {
				return err
			}
			_, err := io.Copy(tw, f)
			return err
		}()
		if err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// Restore rebuilds the pod's volume set from a snapshot. The caller stops
// the pod's container first; restore only touches volumes.
func (e *Engine) Restore(ctx context.Context, snapshotID, podID string) error {
	snap, err := e.Store.GetSnapshot(snapshotID)
	if err != nil {
		return err
	}
	if snap.Status != models.SnapshotReady {
		return models.Conflict(fmt.Errorf("snapshot %s is %s, not ready", snapshotID, snap.Status))
	}

	pod, err := e.Store.GetPod(podID)
	if err != nil {
		return err
	}

	conn, rt, err := e.connect(ctx, pod)
	if err != nil {
		return err
	}
	defer conn.Close()

	manifest, localDir, err := e.download(ctx, snap)
	if err != nil {
		return err
	}
	defer os.RemoveAll(localDir)

	if err := rt.EnsureImage(ctx, helperImage); err != nil {
		return err
	}

	hostDir := "/tmp/pinacle-restore-" + snap.ID
	if res, rerr := conn.Exec(ctx, "mkdir", []string{"-p", hostDir}, host.ExecOpts{}); rerr != nil || !res.Ok() {
		return fmt.Errorf("prepare restore dir: %v %s", rerr, res.Stderr)
	}
	defer func() {
		if _, cerr := conn.Exec(context.Background(), "rm", []string{"-rf", hostDir}, host.ExecOpts{}); cerr != nil {
			e.Log.WithError(cerr).Warn("cleaning restore dir")
		}
	}()

	for _, name := range manifest.Volumes {
		tarName := name + ".tar"
		if err := conn.CopyIn(ctx, filepath.Join(localDir, tarName), hostDir+"/"+tarName); err != nil {
			return err
		}

		// clear in place: drop and recreate the named volume
		volume := models.VolumeName(pod.ID, name)
		if err := rt.RemoveVolume(ctx, volume, true); err != nil {
			return err
		}
		if err := rt.CreateVolume(ctx, volume); err != nil {
			return err
		}

		res, err := conn.Exec(ctx, "docker", []string{
			"run", "--rm",
			"--volume", volume + ":/target",
			"--volume", hostDir + ":/input:ro",
			helperImage,
			"tar", "-xf", "/input/" + tarName, "-C", "/target",
		}, host.ExecOpts{})
		if err != nil {
			return err
		}
		if !res.Ok() {
			return fmt.Errorf("restore volume %s: exit %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}

	e.Log.WithFields(logrus.Fields{"snapshot": snap.ID, "pod": pod.ID}).Info("snapshot restored")
	return nil
}

// download pulls the archive apart into a local temp dir and returns the
// parsed manifest. The manifest is the first archive entry.
func (e *Engine) download(ctx context.Context, snap *models.Snapshot) (*Manifest, string, error) {
	rc, err := e.Provider.Download(ctx, snap.StoragePath)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return nil, "", fmt.Errorf("decompress snapshot: %w", err)
	}
	defer gz.Close()

	localDir, err := os.MkdirTemp("", "pinacle-restore-")
	if err != nil {
		return nil, "", err
	}

	var manifest *Manifest
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			os.RemoveAll(localDir)
			return nil, "", err
		}

		switch {
		case hdr.Name == manifestFileName:
			manifest, err = ParseManifest(tr)
			if err != nil {
				os.RemoveAll(localDir)
				return nil, "", err
			}
		case strings.HasPrefix(hdr.Name, "volumes/"):
			if manifest == nil {
				os.RemoveAll(localDir)
				return nil, "", fmt.Errorf("snapshot archive has volume data before its manifest")
			}
			name := filepath.Base(hdr.Name)
			f, ferr := os.Create(filepath.Join(localDir, name))
			if ferr != nil {
				os.RemoveAll(localDir)
				return nil, "", ferr
			}
			_, cerr := io.Copy(f, tr)
			f.Close()
			if cerr != nil {
				os.RemoveAll(localDir)
				return nil, "", cerr
			}
		}
	}

	if manifest == nil {
		os.RemoveAll(localDir)
		return nil, "", fmt.Errorf("snapshot archive has no manifest")
	}
	return manifest, localDir, nil
}

// DeleteArchive removes the stored archive for a snapshot record.
func (e *Engine) DeleteArchive(ctx context.Context, snap *models.Snapshot) error {
	if snap.StoragePath == "" {
		return nil
	}
	return e.Provider.Delete(ctx, snap.StoragePath)
}

// quiesce runs the template's quiesce hook best-effort before export.
func (e *Engine) quiesce(ctx context.Context, rt runtime.Runtime, pod *models.Pod, cfg models.PodConfig) {
	if !e.Quiesce || cfg.Template.QuiesceCommand == "" || pod.ContainerID == "" {
		return
	}
	res, err := rt.Exec(ctx, pod.ContainerID, cfg.Template.QuiesceCommand, host.ExecOpts{Timeout: 30 * time.Second})
	if err != nil {
		e.Log.WithError(err).Warn("quiesce hook failed")
		return
	}
	if !res.Ok() {
		e.Log.WithField("exitCode", res.ExitCode).Warn("quiesce hook exited non-zero")
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
