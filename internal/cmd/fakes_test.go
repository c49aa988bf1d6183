package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/uploadtopi/uploadtopi/internal/deploy"
)

// fakePi accepts every connection and records the commands it is asked to
// run. Launched processes run until interrupted unless exitAt is set.
type fakePi struct {
	mu       sync.Mutex
	commands []string
	dials    int

	// exitAt, when set, makes launched processes exit with that status.
	exitAt   *int
	launched chan *fakeProcess
}

func newFakePi() *fakePi {
	return &fakePi{launched: make(chan *fakeProcess, 8)}
}

func (p *fakePi) Dial(ctx context.Context, cfg deploy.HostConfig) (deploy.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	return &fakeConn{pi: p}, nil
}

func (p *fakePi) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

func (p *fakePi) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

func (p *fakePi) record(command string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, command)
}

type fakeConn struct {
	pi *fakePi
}

func (c *fakeConn) Exec(ctx context.Context, command string) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	c.pi.record(command)
	return 0, nil
}

func (c *fakeConn) Start(ctx context.Context, command string) (deploy.Process, error) {
	c.pi.record(command)
	proc := &fakeProcess{interrupted: make(chan struct{})}
	if c.pi.exitAt != nil {
		proc.status = *c.pi.exitAt
		proc.interruptOnce.Do(func() { close(proc.interrupted) })
	}
	c.pi.launched <- proc
	return proc, nil
}

func (c *fakeConn) Upload(ctx context.Context, localDir, remoteDir string) error {
	c.pi.record("upload " + remoteDir)
	return nil
}

func (c *fakeConn) Chmod(ctx context.Context, remotePath string, mode os.FileMode) error {
	return nil
}

func (c *fakeConn) Close() error { return nil }

type fakeProcess struct {
	status        int
	interrupted   chan struct{}
	interruptOnce sync.Once
	wasKilled     bool
}

func (p *fakeProcess) Stdout() io.Reader { return strings.NewReader("") }
func (p *fakeProcess) Stderr() io.Reader { return strings.NewReader("") }

func (p *fakeProcess) Wait() (int, error) {
	<-p.interrupted
	if p.wasKilled {
		return -1, errors.New("session closed")
	}
	return p.status, nil
}

func (p *fakeProcess) Interrupt() error {
	p.interruptOnce.Do(func() {
		p.wasKilled = true
		close(p.interrupted)
	})
	return nil
}
