package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/host"
	"github.com/pinacle-sh/pinacle/pkg/models"
	"github.com/pinacle-sh/pinacle/pkg/runtime"
	"github.com/pinacle-sh/pinacle/pkg/store"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// maxErrorMessageLen caps lastErrorMessage; full errors stay in the logs.
const maxErrorMessageLen = 500

// Orchestrator drives pod lifecycle: it owns the state machine, the
// provisioning pipeline, and the per-pod serialization guarantee. Public
// operations transition the pod into its in-flight state synchronously and
// return; the actual work runs in a background task serialized per pod.
type Orchestrator struct {
	Log    *logrus.Entry
	Store  *store.Store
	Config config.OrchestratorConfig

	// Sandbox is the container runtime handed to the engine, e.g. runsc.
	Sandbox string

	Ports   *PortAllocator
	Subnets *SubnetAllocator

	// ConnectFn dials the pod's host. RuntimeFn wraps the connection in a
	// runtime adapter. Both are injected so tests can script the host.
	ConnectFn func(ctx context.Context, server *models.Server) (host.Connection, error)
	RuntimeFn func(conn host.Connection) runtime.Runtime

	// RestoreFn, when set, restores a snapshot into the pod's volumes during
	// Rebuild. Wired to the snapshot engine by the control plane.
	RestoreFn func(ctx context.Context, snapshotID, podID string) error

	// DeleteArchiveFn, when set, removes a snapshot's stored archive when the
	// pod is deleted.
	DeleteArchiveFn func(ctx context.Context, snap *models.Snapshot) error

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	wg    sync.WaitGroup
}

func New(log *logrus.Entry, st *store.Store, cfg config.OrchestratorConfig, sandbox string) *Orchestrator {
	return &Orchestrator{
		Log:     log,
		Store:   st,
		Config:  cfg,
		Sandbox: sandbox,
		Ports:   NewPortAllocator(st, cfg.PortRangeStart, cfg.PortRangeEnd),
		Subnets: NewSubnetAllocator(st, cfg.SubnetPool),
		locks:   map[string]*sync.Mutex{},
	}
}

// podLock returns the mutex serializing background work for one pod.
func (o *Orchestrator) podLock(podID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[podID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[podID] = lock
	}
	return lock
}

// Wait blocks until all background pod work has drained. Used on shutdown
// and by tests.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) spawn(podID string, fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		lock := o.podLock(podID)
		lock.Lock()
		defer lock.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), o.Config.TotalTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Provision assigns the pod to a host and starts the full provisioning
// pipeline. The pod must be in creating state (or error, for a retry after
// a failed first provision).
func (o *Orchestrator) Provision(ctx context.Context, podID, serverID string) error {
	if current, err := o.Store.GetPod(podID); err != nil {
		return err
	} else if current.Status == models.PodRunning {
		// already provisioned; nothing to do
		return nil
	}

	pod, err := o.Store.TransitionPod(podID, []models.PodStatus{models.PodCreating, models.PodError}, models.PodProvisioning)
	if err != nil {
		return err
	}
	if err := o.Store.SetPodServer(podID, serverID); err != nil {
		return err
	}
	pod.ServerID = serverID

	o.Log.WithFields(logrus.Fields{"pod": podID, "server": serverID}).Info("provisioning pod")
	o.spawn(podID, func(ctx context.Context) {
		o.runPipeline(ctx, pod, modeProvision, "")
	})
	return nil
}

// Start brings a stopped pod back up. Template install steps do not run
// again; the container and volumes already exist.
func (o *Orchestrator) Start(ctx context.Context, podID string) error {
	pod, err := o.Store.TransitionPod(podID, []models.PodStatus{models.PodStopped}, models.PodProvisioning)
	if err != nil {
		return err
	}

	o.Log.WithField("pod", podID).Info("starting pod")
	o.spawn(podID, func(ctx context.Context) {
		o.runPipeline(ctx, pod, modeRestart, "")
	})
	return nil
}

// Stop stops the pod's container, keeping volumes and network.
func (o *Orchestrator) Stop(ctx context.Context, podID string) error {
	pod, err := o.Store.TransitionPod(podID, []models.PodStatus{models.PodRunning}, models.PodStopping)
	if err != nil {
		return err
	}

	o.Log.WithField("pod", podID).Info("stopping pod")
	o.spawn(podID, func(ctx context.Context) {
		o.runStop(ctx, pod)
	})
	return nil
}

// Delete tears the pod down completely: container, volumes, network,
// snapshots. The pod row is archived, releasing its slug and ports. Pods in
// an in-flight state (provisioning, stopping) are not deletable: the
// transition CAS makes the racing operation the single winner and Delete
// observes a conflict until the pod settles.
func (o *Orchestrator) Delete(ctx context.Context, podID string) error {
	pod, err := o.Store.TransitionPod(podID, []models.PodStatus{
		models.PodCreating, models.PodRunning, models.PodStopped, models.PodError,
	}, models.PodDeleting)
	if err != nil {
		return err
	}

	o.Log.WithField("pod", podID).Info("deleting pod")
	o.spawn(podID, func(ctx context.Context) {
		o.runDelete(ctx, pod)
	})
	return nil
}

// Retry resumes a failed provisioning run from the first step whose last
// record did not succeed.
func (o *Orchestrator) Retry(ctx context.Context, podID string) error {
	pod, err := o.Store.TransitionPod(podID, []models.PodStatus{models.PodError}, models.PodProvisioning)
	if err != nil {
		return err
	}

	resumeFrom := ""
	if last, err := o.Store.LastFailedOrInflightLog(podID); err == nil && last != nil {
		resumeFrom = last.Label
	}

	o.Log.WithFields(logrus.Fields{"pod": podID, "resumeFrom": resumeFrom}).Info("retrying provisioning")
	o.spawn(podID, func(ctx context.Context) {
		o.runPipeline(ctx, pod, modeProvision, resumeFrom)
	})
	return nil
}

// Rebuild recreates the pod's container from scratch. Volumes survive unless
// fromSnapshot is set, in which case they are restored from the snapshot
// before the container is recreated.
func (o *Orchestrator) Rebuild(ctx context.Context, podID, fromSnapshot string) error {
	pod, err := o.Store.TransitionPod(podID, []models.PodStatus{
		models.PodRunning, models.PodStopped, models.PodError,
	}, models.PodProvisioning)
	if err != nil {
		return err
	}
	if fromSnapshot != "" && o.RestoreFn == nil {
		return models.Invariant(fmt.Errorf("rebuild from snapshot requested but no restore hook is wired"))
	}

	o.Log.WithFields(logrus.Fields{"pod": podID, "snapshot": fromSnapshot}).Info("rebuilding pod")
	o.spawn(podID, func(ctx context.Context) {
		o.runRebuild(ctx, pod, fromSnapshot)
	})
	return nil
}

// connect resolves the pod's host row and dials it.
func (o *Orchestrator) connect(ctx context.Context, pod *models.Pod) (host.Connection, runtime.Runtime, error) {
	if pod.ServerID == "" {
		return nil, nil, models.Invariant(fmt.Errorf("pod %s has no host assigned", pod.ID))
	}
	server, err := o.Store.GetServer(pod.ServerID)
	if err != nil {
		return nil, nil, err
	}
	var conn host.Connection
	err = host.WithRetry(ctx, func() error {
		conn, err = o.ConnectFn(ctx, server)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return conn, o.RuntimeFn(conn), nil
}

func (o *Orchestrator) fail(pod *models.Pod, from models.PodStatus, err error) {
	o.Log.WithField("pod", pod.ID).WithError(err).Error("pod operation failed")
	if serr := o.Store.SetPodError(pod.ID, utils.TruncateWithEllipsis(err.Error(), maxErrorMessageLen)); serr != nil {
		o.Log.WithError(serr).Error("recording pod error")
	}
	if _, terr := o.Store.TransitionPod(pod.ID, []models.PodStatus{from}, models.PodError); terr != nil {
		o.Log.WithError(terr).Error("transitioning pod to error")
	}
}

func (o *Orchestrator) runStop(ctx context.Context, pod *models.Pod) {
	conn, rt, err := o.connect(ctx, pod)
	if err != nil {
		o.fail(pod, models.PodStopping, err)
		return
	}
	defer conn.Close()

	if pod.ContainerID != "" {
		if err := rt.StopContainer(ctx, pod.ContainerID, 10); err != nil {
			o.fail(pod, models.PodStopping, err)
			return
		}
	}
	if _, err := o.Store.TransitionPod(pod.ID, []models.PodStatus{models.PodStopping}, models.PodStopped); err != nil {
		o.Log.WithError(err).Error("transitioning pod to stopped")
	}
}

func (o *Orchestrator) runDelete(ctx context.Context, pod *models.Pod) {
	if pod.ServerID != "" {
		conn, rt, err := o.connect(ctx, pod)
		if err != nil {
			o.fail(pod, models.PodDeleting, err)
			return
		}
		defer conn.Close()

		if pod.ContainerID != "" {
			if err := rt.RemoveContainer(ctx, pod.ContainerID, true); err != nil {
				o.fail(pod, models.PodDeleting, err)
				return
			}
		}
		for _, name := range models.VolumeNames {
			if err := rt.RemoveVolume(ctx, models.VolumeName(pod.ID, name), true); err != nil {
				o.fail(pod, models.PodDeleting, err)
				return
			}
		}
		if err := rt.DestroyNetwork(ctx, pod.ID); err != nil {
			o.fail(pod, models.PodDeleting, err)
			return
		}
	}

	snaps, err := o.Store.ListSnapshotsByPod(pod.ID)
	if err == nil {
		for _, snap := range snaps {
			if o.DeleteArchiveFn != nil {
				if derr := o.DeleteArchiveFn(ctx, snap); derr != nil {
					o.Log.WithError(derr).WithField("snapshot", snap.ID).Warn("deleting snapshot archive")
				}
			}
			if derr := o.Store.DeleteSnapshot(snap.ID); derr != nil {
				o.Log.WithError(derr).WithField("snapshot", snap.ID).Warn("deleting snapshot record")
			}
		}
	}

	if err := o.Store.DeletePodLogs(pod.ID); err != nil {
		o.Log.WithError(err).Warn("deleting pod logs")
	}
	if err := o.Store.ArchivePod(pod.ID); err != nil {
		o.Log.WithError(err).Error("archiving pod")
	}
}

func (o *Orchestrator) runRebuild(ctx context.Context, pod *models.Pod, fromSnapshot string) {
	conn, rt, err := o.connect(ctx, pod)
	if err != nil {
		o.fail(pod, models.PodProvisioning, err)
		return
	}

	if pod.ContainerID != "" {
		if err := rt.RemoveContainer(ctx, pod.ContainerID, true); err != nil {
			conn.Close()
			o.fail(pod, models.PodProvisioning, err)
			return
		}
		if err := o.Store.SetPodContainer(pod.ID, ""); err != nil {
			conn.Close()
			o.fail(pod, models.PodProvisioning, err)
			return
		}
		pod.ContainerID = ""
	}
	conn.Close()

	if fromSnapshot != "" {
		if err := o.RestoreFn(ctx, fromSnapshot, pod.ID); err != nil {
			o.fail(pod, models.PodProvisioning, err)
			return
		}
	}

	o.runPipeline(ctx, pod, modeProvision, "")
}

// stepDuration caps one pipeline step.
func (o *Orchestrator) stepTimeout() time.Duration {
	if o.Config.StepTimeout > 0 {
		return o.Config.StepTimeout
	}
	return 5 * time.Minute
}
