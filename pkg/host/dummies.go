package host

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// This file exports dummy constructors for use by tests in other packages

// NewDummyLog creates a new dummy Log for testing
func NewDummyLog() *logrus.Entry {
	log := logrus.New()
	log.Out = io.Discard
	return log.WithField("test", "test")
}

func newDummyLog() *logrus.Entry { return NewDummyLog() }

// FakeConnection is a scripted Connection for testing orchestration logic
// without a host. Responses are matched by command-line prefix; unmatched
// commands succeed with empty output.
type FakeConnection struct {
	mu sync.Mutex

	// Responses maps a command-line prefix to a canned result.
	Responses map[string]ExecResult

	// Calls records every command line executed, in order.
	Calls []string

	// CopiedIn / CopiedOut record transfer requests as "local->remote".
	CopiedIn  []string
	CopiedOut []string
}

// NewFakeConnection creates a FakeConnection with no scripted responses.
func NewFakeConnection() *FakeConnection {
	return &FakeConnection{Responses: map[string]ExecResult{}}
}

func (f *FakeConnection) Exec(ctx context.Context, cmd string, args []string, opts ExecOpts) (ExecResult, error) {
	line := strings.Join(append([]string{cmd}, args...), " ")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, line)

	for prefix, result := range f.Responses {
		if strings.HasPrefix(line, prefix) {
			return result, nil
		}
	}
	return ExecResult{ExitCode: 0}, nil
}

func (f *FakeConnection) CopyIn(ctx context.Context, localPath, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CopiedIn = append(f.CopiedIn, localPath+"->"+remotePath)
	return nil
}

func (f *FakeConnection) CopyOut(ctx context.Context, remotePath, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CopiedOut = append(f.CopiedOut, remotePath+"->"+localPath)
	return nil
}

func (f *FakeConnection) Dial(ctx context.Context, targetPort int) (net.Conn, error) {
	server, client := net.Pipe()
	server.Close()
	return client, nil
}

func (f *FakeConnection) Close() error { return nil }

// CallsMatching returns the recorded command lines with the given prefix.
func (f *FakeConnection) CallsMatching(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for _, call := range f.Calls {
		if strings.HasPrefix(call, prefix) {
			out = append(out, call)
		}
	}
	return out
}
