package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/pinacle-sh/pinacle/pkg/host"
	"github.com/pinacle-sh/pinacle/pkg/models"
	"github.com/pinacle-sh/pinacle/pkg/runtime"
)

type pipelineMode int

const (
	// modeProvision runs the full pipeline, template installs included.
	modeProvision pipelineMode = iota
	// modeRestart brings an existing pod back up; install steps are skipped.
	modeRestart
)

// step is one named, atomic, re-runnable unit of the provisioning pipeline.
// Each execution produces exactly one pod log record.
type step struct {
	label string

	// command is the shell-level invocation recorded in the log;
	// containerCommand is the in-container form when the two differ.
	command          string
	containerCommand string

	run func(ctx context.Context) (host.ExecResult, error)
}

// pipeline carries the state threaded through one provisioning run.
type pipeline struct {
	o    *Orchestrator
	pod  *models.Pod
	cfg  models.PodConfig
	conn host.Connection
	rt   runtime.Runtime

	subnet string
	ports  []models.PortMapping
}

func (o *Orchestrator) runPipeline(ctx context.Context, pod *models.Pod, mode pipelineMode, resumeFrom string) {
	cfg, err := models.DecodePodConfig(pod.Config)
	if err != nil {
		o.fail(pod, models.PodProvisioning, err)
		return
	}

	conn, rt, err := o.connect(ctx, pod)
	if err != nil {
		o.fail(pod, models.PodProvisioning, err)
		return
	}
	defer conn.Close()

	p := &pipeline{o: o, pod: pod, cfg: cfg, conn: conn, rt: rt, subnet: pod.Subnet, ports: pod.Ports}

	steps := p.steps(mode)
	start := 0
	if resumeFrom != "" {
		for i, s := range steps {
			if s.label == resumeFrom {
				start = i
				break
			}
		}
	}

	for _, s := range steps[start:] {
		if err := p.execStep(ctx, s); err != nil {
			o.fail(pod, models.PodProvisioning, err)
			return
		}
	}

	running, err := o.Store.TransitionPod(pod.ID, []models.PodStatus{models.PodProvisioning}, models.PodRunning)
	if err != nil {
		o.Log.WithError(err).Error("transitioning pod to running")
		return
	}
	if err := running.CheckRunnable(); err != nil {
		o.fail(pod, models.PodRunning, err)
		return
	}
	o.Log.WithField("pod", pod.ID).Info("pod is running")
}

// execStep runs one step under the per-step timeout and records its log.
func (p *pipeline) execStep(ctx context.Context, s step) error {
	logID, err := p.o.Store.AppendPodLog(&models.PodLog{
		PodID:            p.pod.ID,
		Label:            s.label,
		Command:          s.command,
		ContainerCommand: s.containerCommand,
	})
	if err != nil {
		return err
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.o.stepTimeout())
	defer cancel()

	started := time.Now()
	res, runErr := s.run(stepCtx)
	duration := time.Since(started)

	if runErr != nil {
		exit := 1
		if stepCtx.Err() != nil {
			exit = host.ExitCodeTimeout
		}
		if ferr := p.o.Store.FinishPodLog(logID, res.Stdout, runErr.Error(), exit, duration); ferr != nil {
			p.o.Log.WithError(ferr).Error("finishing pod log")
		}
		return fmt.Errorf("step %s: %w", s.label, runErr)
	}

	if ferr := p.o.Store.FinishPodLog(logID, res.Stdout, res.Stderr, res.ExitCode, duration); ferr != nil {
		p.o.Log.WithError(ferr).Error("finishing pod log")
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("step %s: exit %d: %s", s.label, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ok wraps a management operation that has no process semantics into the
// step contract: success is exit 0, failure propagates as an error.
func ok(err error) (host.ExecResult, error) {
	if err != nil {
		return host.ExecResult{}, err
	}
	return host.ExecResult{ExitCode: 0}, nil
}

func (p *pipeline) steps(mode pipelineMode) []step {
	containerName := models.ContainerName(p.pod.ID)
	subnetLabel := p.subnet
	if subnetLabel == "" {
		subnetLabel = "<subnet>"
	}

	steps := []step{
		{
			label:   "ensure-image",
			command: "docker pull " + p.cfg.Template.Image,
			run: func(ctx context.Context) (host.ExecResult, error) {
				return ok(p.rt.EnsureImage(ctx, p.cfg.Template.Image))
			},
		},
		{
			label:   "create-network",
			command: fmt.Sprintf("docker network create --subnet %s %s", subnetLabel, models.NetworkName(p.pod.ID)),
			run:     p.createNetwork,
		},
		{
			label:   "create-volumes",
			command: "docker volume create " + models.VolumeName(p.pod.ID, "<name>"),
			run:     p.createVolumes,
		},
		{
			label:   "allocate-ports",
			command: "allocate external ports",
			run:     p.allocatePorts,
		},
		{
			label:   "create-container",
			command: "docker create --name " + containerName + " " + p.cfg.Template.Image,
			run:     p.createContainer,
		},
		{
			label:   "start-container",
			command: "docker start " + containerName,
			run: func(ctx context.Context) (host.ExecResult, error) {
				return ok(p.rt.StartContainer(ctx, p.pod.ContainerID))
			},
		},
		{
			label:            "bootstrap",
			command:          fmt.Sprintf("docker exec %s sh -c <bootstrap>", containerName),
			containerCommand: p.bootstrapScript(),
			run: func(ctx context.Context) (host.ExecResult, error) {
				return p.rt.Exec(ctx, p.pod.ContainerID, p.bootstrapScript(), host.ExecOpts{})
			},
		},
	}

	if mode == modeProvision {
		for _, cmd := range p.cfg.Template.InstallCommands {
			cmd := cmd
			steps = append(steps, step{
				label:            "install:" + cmd.Label,
				command:          fmt.Sprintf("docker exec %s sh -c %s", containerName, host.ShellQuote(cmd.Command)),
				containerCommand: cmd.Command,
				run: func(ctx context.Context) (host.ExecResult, error) {
					return p.rt.Exec(ctx, p.pod.ContainerID, cmd.Command, host.ExecOpts{Dir: "/workspace"})
				},
			})
		}
		if hook := p.cfg.Template.PostInstallCommand; hook != "" {
			steps = append(steps, step{
				label:            "post-install",
				command:          fmt.Sprintf("docker exec %s sh -c %s", containerName, host.ShellQuote(hook)),
				containerCommand: hook,
				run: func(ctx context.Context) (host.ExecResult, error) {
					return p.rt.Exec(ctx, p.pod.ContainerID, hook, host.ExecOpts{Dir: "/workspace"})
				},
			})
		}
	}

	steps = append(steps, step{
		label:   "health-check",
		command: "curl --silent --fail --retry 10 --retry-connrefused http://127.0.0.1:<nginx-port>/",
		run:     p.healthCheck,
	})

	return steps
}

// createNetwork carves the pod's /28 on first run and persists it. Re-runs
// (retry, rebuild, restart) reuse the persisted subnet, so the idempotent
// network create succeeds silently instead of colliding with a neighbor.
func (p *pipeline) createNetwork(ctx context.Context) (host.ExecResult, error) {
	if p.subnet == "" {
		subnet, err := p.o.Subnets.Allocate(p.pod.ServerID, p.pod.ID)
		if err != nil {
			return host.ExecResult{}, err
		}
		if err := p.o.Store.SetPodSubnet(p.pod.ID, subnet); err != nil {
			return host.ExecResult{}, err
		}
		p.subnet = subnet
		p.pod.Subnet = subnet
	}
	return ok(p.rt.CreateNetwork(ctx, p.pod.ID, p.subnet))
}

func (p *pipeline) createVolumes(ctx context.Context) (host.ExecResult, error) {
	for _, name := range models.VolumeNames {
		if err := p.rt.CreateVolume(ctx, models.VolumeName(p.pod.ID, name)); err != nil {
			return host.ExecResult{}, err
		}
	}
	return host.ExecResult{ExitCode: 0}, nil
}

// allocatePorts reserves an external port for nginx-proxy plus every
// template-declared port, and persists the mapping. Ports already persisted
// for this pod are kept, so the step is re-runnable.
func (p *pipeline) allocatePorts(ctx context.Context) (host.ExecResult, error) {
	wanted := map[string]int{models.NginxProxyPortName: 80}
	for name, internal := range p.cfg.Template.Ports {
		wanted[name] = internal
	}

	existing := map[string]models.PortMapping{}
	for _, m := range p.ports {
		existing[m.Name] = m
	}

	missing := []string{}
	for name := range wanted {
		if _, ok := existing[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)

	if len(missing) > 0 {
		allocated, err := p.o.Ports.Allocate(p.pod.ServerID, len(missing))
		if err != nil {
			return host.ExecResult{}, err
		}
		for i, name := range missing {
			existing[name] = models.PortMapping{
				PodID:    p.pod.ID,
				Name:     name,
				Internal: wanted[name],
				External: allocated[i],
			}
		}
	}

	mappings := make([]models.PortMapping, 0, len(existing))
	for _, name := range sortedPortNames(existing) {
		mappings = append(mappings, existing[name])
	}
	if err := p.o.Store.ReplacePodPorts(p.pod.ID, mappings); err != nil {
		return host.ExecResult{}, err
	}
	p.ports = mappings
	return host.ExecResult{ExitCode: 0}, nil
}

// createContainer creates the pod container, or adopts an existing one with
// the canonical name so the step is re-runnable.
func (p *pipeline) createContainer(ctx context.Context) (host.ExecResult, error) {
	name := models.ContainerName(p.pod.ID)

	existing, err := p.rt.ListContainers(ctx, runtime.ListFilter{NamePrefix: name, All: true})
	if err != nil {
		return host.ExecResult{}, err
	}
	for _, c := range existing {
		if c.Name == name {
			return p.adoptContainer(c.ID)
		}
	}

	tier, err := models.TierByName(p.pod.Tier)
	if err != nil {
		return host.ExecResult{}, err
	}

	env := map[string]string{
		"PINACLE_POD_ID":   p.pod.ID,
		"PINACLE_POD_SLUG": p.pod.Slug,
	}
	for k, v := range p.cfg.Template.Env {
		env[k] = v
	}
	for k, v := range p.cfg.Env {
		env[k] = v
	}

	mounts := lo.Map(models.VolumeNames, func(vol string, _ int) runtime.VolumeMount {
		return runtime.VolumeMount{
			Volume: models.VolumeName(p.pod.ID, vol),
			Target: models.VolumeMountPoints[vol],
		}
	})

	id, err := p.rt.CreateContainer(ctx, runtime.ContainerSpec{
		PodID:       p.pod.ID,
		Name:        name,
		Image:       p.cfg.Template.Image,
		Env:         env,
		Sandbox:     p.o.Sandbox,
		CPUCores:    tier.CPUCores,
		MemoryMb:    tier.MemoryMb,
		PidsLimit:   4096,
		NetworkName: models.NetworkName(p.pod.ID),
		Mounts:      mounts,
		Ports:       p.ports,
		Labels:      map[string]string{"podId": p.pod.ID, "role": "pod"},
	})
	if err != nil {
		return host.ExecResult{}, err
	}
	return p.adoptContainer(id)
}

func (p *pipeline) adoptContainer(id string) (host.ExecResult, error) {
	if err := p.o.Store.SetPodContainer(p.pod.ID, id); err != nil {
		return host.ExecResult{}, err
	}
	p.pod.ContainerID = id
	return host.ExecResult{ExitCode: 0, Stdout: id}, nil
}

// bootstrapScript prepares the container's base filesystem: hostname,
// workspace, ssh key directory, and the profile exporting pod identity.
func (p *pipeline) bootstrapScript() string {
	return strings.Join([]string{
		"set -e",
		fmt.Sprintf("echo %s > /etc/hostname", host.ShellQuote(p.pod.Slug)),
		"mkdir -p /workspace /root/.ssh",
		"chmod 700 /root/.ssh",
		"touch /root/.ssh/authorized_keys",
		"chmod 600 /root/.ssh/authorized_keys",
		"mkdir -p /etc/profile.d",
		fmt.Sprintf("printf 'export PINACLE_POD_ID=%%s\\nexport PINACLE_POD_SLUG=%%s\\n' %s %s > /etc/profile.d/pinacle.sh",
			host.ShellQuote(p.pod.ID), host.ShellQuote(p.pod.Slug)),
	}, "\n")
}

// healthCheck probes the pod's entry point from the host side: nginx-proxy
// must answer on its external port before the pod is declared running.
func (p *pipeline) healthCheck(ctx context.Context) (host.ExecResult, error) {
	external := 0
	for _, m := range p.ports {
		if m.Name == models.NginxProxyPortName {
			external = m.External
		}
	}
	if external == 0 {
		return host.ExecResult{}, models.Invariant(fmt.Errorf("pod %s has no %s port", p.pod.ID, models.NginxProxyPortName))
	}

	return p.conn.Exec(ctx, "curl", []string{
		"--silent", "--fail", "--output", "/dev/null",
		"--retry", "10", "--retry-connrefused", "--retry-delay", "2",
		fmt.Sprintf("http://127.0.0.1:%d/", external),
	}, host.ExecOpts{})
}

func sortedPortNames(m map[string]models.PortMapping) []string {
	names := lo.Keys(m)
	sort.Strings(names)
	return names
}
