package host

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/models"
)

// ExitCodeTimeout is recorded when a command is killed by its deadline.
const ExitCodeTimeout = 124

// ExecResult is the outcome of a command on a host. A non-zero ExitCode is
// not an error: callers decide whether it is data or a failure.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Ok reports whether the command exited zero.
func (r ExecResult) Ok() bool { return r.ExitCode == 0 }

// ExecOpts tunes a single Exec call.
type ExecOpts struct {
	Stdin   string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// Connection executes commands and transfers files on one host. A
// connection is logically multiplexed: concurrent Exec calls do not
// serialize behind each other.
type Connection interface {
	// Exec runs cmd with args on the host. Errors are transport-level only;
	// non-zero exits come back in the result.
	Exec(ctx context.Context, cmd string, args []string, opts ExecOpts) (ExecResult, error)

	// CopyIn uploads a local file to the host.
	CopyIn(ctx context.Context, localPath, remotePath string) error

	// CopyOut downloads a file from the host.
	CopyOut(ctx context.Context, remotePath, localPath string) error

	// Dial opens a stream to a TCP port on the host.
	Dial(ctx context.Context, targetPort int) (net.Conn, error)

	Close() error
}

// NewConnection picks the endpoint variant for a server: local-VM hosts are
// tagged by a non-empty VM name, everything else is SSH. Nothing outside
// this package branches on the variant.
func NewConnection(log *logrus.Entry, server *models.Server, sshCfg config.SSHConfig) (Connection, error) {
	if server.LocalVMName != "" {
		return NewLocalVMConnection(log, server.LocalVMName), nil
	}

	host := server.SSHHost
	port := server.SSHPort
	user := server.SSHUser
	if host == "" {
		host = sshCfg.Host
	}
	if port == 0 {
		port = sshCfg.Port
	}
	if user == "" {
		user = sshCfg.User
	}
	return NewSSHConnection(log, host, port, user, sshCfg.PrivateKeyPath)
}
