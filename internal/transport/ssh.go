package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/sftp"
	"github.com/uploadtopi/uploadtopi/internal/deploy"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultKeepAlive      = 60 * time.Second
)

// interruptGrace is how long an interrupted process may take to report its
// exit before the whole connection is closed under it.
var interruptGrace = 2 * time.Second

// Dialer opens password-authenticated SSH connections.
type Dialer struct {
	KnownHostsPath string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	Logger         *log.Logger
}

// Dial connects and authenticates to cfg's host. Failures are returned as
// *deploy.ConnectError.
func (d *Dialer) Dial(ctx context.Context, cfg deploy.HostConfig) (deploy.Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	addr := cfg.Address()
	check := &hostKeyCheck{knownHostsPath: d.KnownHostsPath, accepted: cfg.AcceptedFingerprint}
	config := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(cfg.Secret),
			ssh.KeyboardInteractive(answerWith(cfg.Secret)),
		},
		HostKeyCallback: check.callback,
		Timeout:         timeout,
	}

	logger.Debug("dialing", "addr", addr, "user", cfg.Username)
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify(cfg.Hostname, err, nil)
	}

	// Bound the handshake and abort it if the caller gives up.
	_ = netConn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	defer stop()

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, classify(cfg.Hostname, err, check.failure)
	}
	_ = netConn.SetDeadline(time.Time{})

	c := &conn{
		client: ssh.NewClient(clientConn, chans, reqs),
		logger: logger.With("host", cfg.Hostname),
		done:   make(chan struct{}),
	}
	interval := d.KeepAlive
	if interval <= 0 {
		interval = DefaultKeepAlive
	}
	go c.keepAlive(interval)
	return c, nil
}

func answerWith(secret string) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = secret
		}
		return answers, nil
	}
}

type conn struct {
	client *ssh.Client
	logger *log.Logger

	sftpOnce sync.Once
	sftp     atomic.Pointer[sftp.Client]
	sftpErr  error

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(interval); err != nil {
				c.logger.Debug("keep-alive failed, closing connection", "err", err)
				_ = c.Close()
				return
			}
		}
	}
}

// ping sends a keep-alive request and waits at most timeout for the reply.
func (c *conn) ping(timeout time.Duration) error {
	replied := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		replied <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-replied:
		return err
	case <-timer.C:
		return errors.New("no keep-alive reply")
	case <-c.done:
		return nil
	}
}

// Exec runs command on a fresh session and waits for its exit status.
func (c *conn) Exec(ctx context.Context, command string) (int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		return exitStatus(err)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return -1, ctx.Err()
	}
}

// Start launches command on a fresh session with piped output.
func (c *conn) Start(ctx context.Context, command string) (deploy.Process, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to attach stderr: %w", err)
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	return &process{
		conn:    c,
		session: session,
		stdout:  stdout,
		stderr:  stderr,
		exited:  make(chan struct{}),
	}, nil
}

// Close tears down the connection. It is safe to call more than once.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// sftp waits for its reader, which only ends once the transport is gone.
		err = c.client.Close()
		if client := c.sftp.Load(); client != nil {
			_ = client.Close()
		}
	})
	return err
}

type process struct {
	conn    *conn
	session *ssh.Session
	stdout  io.Reader
	stderr  io.Reader

	exited   chan struct{}
	waitOnce sync.Once
}

func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

func (p *process) Wait() (int, error) {
	defer p.waitOnce.Do(func() { close(p.exited) })
	defer p.session.Close()
	return exitStatus(p.session.Wait())
}

// Interrupt asks the remote side to kill the command and closes the
// session, which unblocks Wait. A host that stops answering never confirms
// the close, so the connection is dropped if Wait has not returned within
// interruptGrace.
func (p *process) Interrupt() error {
	_ = p.session.Signal(ssh.SIGKILL)
	err := p.session.Close()

	go func() {
		timer := time.NewTimer(interruptGrace)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-p.conn.done:
		case <-timer.C:
			p.conn.logger.Debug("no reply after interrupt, closing connection")
			_ = p.conn.Close()
		}
	}()

	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}
