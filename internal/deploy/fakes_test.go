package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// fakeHost is an in-memory stand-in for a remote host. It records every
// transport call in order and models the autostart file.
type fakeHost struct {
	mu        sync.Mutex
	events    []string
	autostart []string
	dials     int
	closes    map[int]int

	dialErrs     []error
	removeStatus int
	launchStatus int
	stdout       string
	stderr       string

	// blockLaunches makes that many launches run until interrupted.
	blockLaunches int
	launched      chan int

	// execHook, when it returns handled, overrides the default Exec result.
	execHook func(ctx context.Context, cmd string) (status int, err error, handled bool)
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		closes:   make(map[int]int),
		launched: make(chan int, 8),
	}
}

func (h *fakeHost) record(id int, format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, fmt.Sprintf("%d ", id)+fmt.Sprintf(format, args...))
}

func (h *fakeHost) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *fakeHost) Closes(id int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes[id]
}

func (h *fakeHost) AutostartLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.autostart...)
}

func (h *fakeHost) Dial(ctx context.Context, cfg HostConfig) (Conn, error) {
	h.mu.Lock()
	h.dials++
	id := h.dials
	var err error
	if len(h.dialErrs) > 0 {
		err = h.dialErrs[0]
		h.dialErrs = h.dialErrs[1:]
	}
	h.mu.Unlock()

	if err != nil {
		h.record(id, "dial-failed")
		return nil, err
	}
	h.record(id, "dial %s", cfg.AcceptedFingerprint)
	return &fakeConn{host: h, id: id}, nil
}

type fakeConn struct {
	host *fakeHost
	id   int
}

func (c *fakeConn) Exec(ctx context.Context, cmd string) (int, error) {
	h := c.host
	h.record(c.id, "exec %s", cmd)
	if h.execHook != nil {
		if status, err, handled := h.execHook(ctx, cmd); handled {
			return status, err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case strings.HasPrefix(cmd, "rm -Rf "):
		return h.removeStatus, nil
	case strings.Contains(cmd, "sed -i"):
		kept := h.autostart[:0]
		for _, line := range h.autostart {
			if !strings.Contains(line, ManagedMarker) {
				kept = append(kept, line)
			}
		}
		h.autostart = kept
	case strings.Contains(cmd, " >> "):
		h.autostart = append(h.autostart, appendedLine(cmd))
	}
	return 0, nil
}

// appendedLine extracts the argument of the final printf before ">>".
func appendedLine(cmd string) string {
	const printf = `printf '%s\n' `
	start := strings.LastIndex(cmd, printf) + len(printf)
	end := strings.LastIndex(cmd, " >> ")
	arg := cmd[start:end]
	if strings.HasPrefix(arg, "'") && strings.HasSuffix(arg, "'") {
		arg = strings.ReplaceAll(arg[1:len(arg)-1], `'"'"'`, "'")
	}
	return arg
}

func (c *fakeConn) Start(ctx context.Context, cmd string) (Process, error) {
	h := c.host
	h.record(c.id, "start %s", cmd)

	h.mu.Lock()
	block := h.blockLaunches > 0
	if block {
		h.blockLaunches--
	}
	status := h.launchStatus
	stdout, stderr := h.stdout, h.stderr
	h.mu.Unlock()

	p := &fakeProcess{
		status:      status,
		block:       block,
		interrupted: make(chan struct{}),
	}
	if block {
		var outW, errW *io.PipeWriter
		p.stdout, outW = io.Pipe()
		p.stderr, errW = io.Pipe()
		p.closeStreams = func() {
			_ = outW.Close()
			_ = errW.Close()
		}
	} else {
		p.stdout = strings.NewReader(stdout)
		p.stderr = strings.NewReader(stderr)
	}
	h.launched <- c.id
	return p, nil
}

func (c *fakeConn) Upload(ctx context.Context, localDir, remoteDir string) error {
	c.host.record(c.id, "upload %s -> %s", localDir, remoteDir)
	return nil
}

func (c *fakeConn) Chmod(ctx context.Context, remotePath string, mode os.FileMode) error {
	c.host.record(c.id, "chmod %s %o", remotePath, mode)
	return nil
}

func (c *fakeConn) Close() error {
	c.host.record(c.id, "close")
	c.host.mu.Lock()
	c.host.closes[c.id]++
	c.host.mu.Unlock()
	return nil
}

type fakeProcess struct {
	stdout, stderr io.Reader
	status         int
	block          bool
	interrupted    chan struct{}
	once           sync.Once
	closeStreams   func()
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }

func (p *fakeProcess) Wait() (int, error) {
	if !p.block {
		return p.status, nil
	}
	<-p.interrupted
	// Mirrors a transport whose wait fails when the session is torn down.
	return -1, errors.New("wait: remote command exited without exit status or exit signal")
}

func (p *fakeProcess) Interrupt() error {
	p.once.Do(func() {
		close(p.interrupted)
		if p.closeStreams != nil {
			p.closeStreams()
		}
	})
	return nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeConsole struct {
	mu      sync.Mutex
	notices []string
	errs    []string
	clears  int
	out     lockedBuffer
	errOut  lockedBuffer
}

func (c *fakeConsole) StatusNotice(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, text)
}

func (c *fakeConsole) StatusError(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, text)
}

func (c *fakeConsole) Stdout() io.Writer { return &c.out }
func (c *fakeConsole) Stderr() io.Writer { return &c.errOut }

func (c *fakeConsole) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
}

func (c *fakeConsole) Notices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.notices...)
}

func (c *fakeConsole) Errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.errs...)
}
