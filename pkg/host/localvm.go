package host

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-errors/errors"
	"github.com/mgutz/str"
	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/models"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// Command templates for the local VM-management CLI. Placeholders are
// resolved with the VM name and paths; the resulting string is split into
// argv, never handed to a shell.
const (
	defaultShellTemplate   = "limactl shell --workdir / {{vm}}"
	defaultCopyInTemplate  = "limactl cp {{local}} {{vm}}:{{remote}}"
	defaultCopyOutTemplate = "limactl cp {{vm}}:{{remote}} {{local}}"
)

// LocalVMConnection drives a developer VM through the local VM-management
// CLI instead of SSH. Used when a Server row carries a VM name.
type LocalVMConnection struct {
	Log    *logrus.Entry
	VMName string

	shellTemplate   string
	copyInTemplate  string
	copyOutTemplate string
	command         func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewLocalVMConnection builds a connection to the named VM.
func NewLocalVMConnection(log *logrus.Entry, vmName string) *LocalVMConnection {
	return &LocalVMConnection{
		Log:             log,
		VMName:          vmName,
		shellTemplate:   defaultShellTemplate,
		copyInTemplate:  defaultCopyInTemplate,
		copyOutTemplate: defaultCopyOutTemplate,
		command:         exec.CommandContext,
	}
}

// SetCommand swaps the process launcher. To be used for testing only.
func (c *LocalVMConnection) SetCommand(cmd func(ctx context.Context, name string, args ...string) *exec.Cmd) {
	c.command = cmd
}

// Exec runs cmd inside the VM via the CLI's shell subcommand.
func (c *LocalVMConnection) Exec(ctx context.Context, cmd string, args []string, opts ExecOpts) (ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	shellArgv := str.ToArgv(utils.ResolvePlaceholderString(c.shellTemplate, map[string]string{
		"vm": c.VMName,
	}))

	// the CLI forwards the remainder verbatim, so we hand it one shell line
	// with all caller input quoted
	remote := buildShellCommand(cmd, args, ExecOpts{Env: opts.Env, Dir: opts.Dir})
	argv := append(shellArgv, "--", "sh", "-c", remote)

	execCmd := c.command(ctx, argv[0], argv[1:]...)
	execCmd.Env = os.Environ()
	if opts.Stdin != "" {
		execCmd.Stdin = strings.NewReader(opts.Stdin)
	}
	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	c.Log.WithField("vm", c.VMName).Debug(strings.Join(argv, " "))

	start := time.Now()
	err := execCmd.Run()
	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		result.ExitCode = ExitCodeTimeout
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, models.Transient(fmt.Errorf("vm exec: %w", err))
	}
	return result, nil
}

// CopyIn uploads a local file into the VM.
func (c *LocalVMConnection) CopyIn(ctx context.Context, localPath, remotePath string) error {
	return c.copy(ctx, c.copyInTemplate, localPath, remotePath)
}

// CopyOut downloads a file from the VM.
func (c *LocalVMConnection) CopyOut(ctx context.Context, remotePath, localPath string) error {
	return c.copy(ctx, c.copyOutTemplate, localPath, remotePath)
}

func (c *LocalVMConnection) copy(ctx context.Context, template, localPath, remotePath string) error {
	argv := str.ToArgv(utils.ResolvePlaceholderString(template, map[string]string{
		"vm":     c.VMName,
		"local":  localPath,
		"remote": remotePath,
	}))

	execCmd := c.command(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	execCmd.Stderr = &stderr
	if err := execCmd.Run(); err != nil {
		return models.Transient(fmt.Errorf("vm copy: %s: %w", strings.TrimSpace(stderr.String()), err))
	}
	return nil
}

// Dial connects to a VM port. Local VMs forward their ports to the loopback
// interface, so this is a plain TCP dial.
func (c *LocalVMConnection) Dial(ctx context.Context, targetPort int) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", targetPort))
	if err != nil {
		return nil, models.Transient(fmt.Errorf("vm dial :%d: %w", targetPort, err))
	}
	return conn, nil
}

func (c *LocalVMConnection) Close() error { return nil }
