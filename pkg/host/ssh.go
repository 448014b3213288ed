package host

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	scp "github.com/bramvdbogaerde/go-scp"
	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/pinacle-sh/pinacle/pkg/models"
)

// SSHConnection reaches a remote host over a single multiplexed SSH
// transport. Each Exec opens its own session, so concurrent calls run in
// parallel on the one TCP connection.
type SSHConnection struct {
	Log    *logrus.Entry
	client *ssh.Client
	addr   string
}

// NewSSHConnection dials the host with the control plane's private key.
func NewSSHConnection(log *logrus.Entry, hostAddr string, port int, user, privateKeyPath string) (*SSHConnection, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, errors.Errorf("read ssh private key: %s", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Errorf("parse ssh private key: %s", err)
	}

	cfg := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// host keys are distributed out of band when hosts are enrolled;
		// TOFU here would block unattended provisioning
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", hostAddr, port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("ssh dial %s: %w", addr, err))
	}

	return &SSHConnection{Log: log, client: client, addr: addr}, nil
}

// Exec runs the command in a fresh session. The deadline kills the remote
// process and reports exit code 124.
func (c *SSHConnection) Exec(ctx context.Context, cmd string, args []string, opts ExecOpts) (ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	session, err := c.client.NewSession()
	if err != nil {
		return ExecResult{}, models.Transient(fmt.Errorf("ssh session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if opts.Stdin != "" {
		session.Stdin = strings.NewReader(opts.Stdin)
	}

	command := buildShellCommand(cmd, args, opts)
	c.Log.WithField("host", c.addr).Debug(command)

	start := time.Now()
	done := make(chan error, 1)
	if err := session.Start(command); err != nil {
		return ExecResult{}, models.Transient(fmt.Errorf("ssh start: %w", err))
	}
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: ExitCodeTimeout,
			Duration: time.Since(start),
		}, nil
	case err = <-done:
	}

	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, models.Transient(fmt.Errorf("ssh exec: %w", err))
	}
	return result, nil
}

// CopyIn uploads a local file over the existing transport.
func (c *SSHConnection) CopyIn(ctx context.Context, localPath, remotePath string) error {
	scpClient, err := scp.NewClientBySSH(c.client)
	if err != nil {
		return models.Transient(fmt.Errorf("scp client: %w", err))
	}
	defer scpClient.Close()

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := scpClient.CopyFromFile(ctx, *f, remotePath, "0644"); err != nil {
		return models.Transient(fmt.Errorf("scp upload %s: %w", remotePath, err))
	}
	return nil
}

// CopyOut downloads a remote file over the existing transport.
func (c *SSHConnection) CopyOut(ctx context.Context, remotePath, localPath string) error {
	scpClient, err := scp.NewClientBySSH(c.client)
	if err != nil {
		return models.Transient(fmt.Errorf("scp client: %w", err))
	}
	defer scpClient.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := scpClient.CopyFromRemote(ctx, f, remotePath); err != nil {
		return models.Transient(fmt.Errorf("scp download %s: %w", remotePath, err))
	}
	return nil
}

// Dial opens a stream to a port on the host, tunneled through SSH.
func (c *SSHConnection) Dial(ctx context.Context, targetPort int) (net.Conn, error) {
	conn, err := c.client.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", targetPort))
	if err != nil {
		return nil, models.Transient(fmt.Errorf("ssh tunnel dial :%d: %w", targetPort, err))
	}
	return conn, nil
}

func (c *SSHConnection) Close() error { return c.client.Close() }

// buildShellCommand renders cmd+args+opts into a single shell line with
// every argument quoted. We never concatenate caller strings into the
// shell unquoted.
func buildShellCommand(cmd string, args []string, opts ExecOpts) string {
	parts := make([]string, 0, len(args)+4)

	if len(opts.Env) > 0 {
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		envParts := make([]string, 0, len(keys)+1)
		envParts = append(envParts, "env")
		for _, k := range keys {
			envParts = append(envParts, ShellQuote(k+"="+opts.Env[k]))
		}
		parts = append(parts, envParts...)
	}

	parts = append(parts, ShellQuote(cmd))
	for _, a := range args {
		parts = append(parts, ShellQuote(a))
	}

	command := strings.Join(parts, " ")
	if opts.Dir != "" {
		command = fmt.Sprintf("cd %s && %s", ShellQuote(opts.Dir), command)
	}
	return command
}

// ShellQuote wraps s in single quotes, escaping embedded single quotes, so
// it is safe to pass through a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$\\&|;<>()*?[]#~%!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
