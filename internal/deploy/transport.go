package deploy

import (
	"context"
	"io"
	"os"
)

// Transport opens authenticated sessions to a host.
type Transport interface {
	Dial(ctx context.Context, cfg HostConfig) (Conn, error)
}

// Conn is one authenticated connection. Each Exec or Start call runs exactly
// one command over a fresh session. A Conn is used by a single goroutine.
type Conn interface {
	// Exec runs command and waits for its exit status. When ctx ends first
	// the session is torn down and ctx.Err() is returned.
	Exec(ctx context.Context, command string) (int, error)
	// Start launches command without waiting for it.
	Start(ctx context.Context, command string) (Process, error)
	// Upload copies the local directory tree to remoteDir.
	Upload(ctx context.Context, localDir, remoteDir string) error
	Chmod(ctx context.Context, remotePath string, mode os.FileMode) error
	Close() error
}

// Process is a remote command started by Conn.Start.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the remote command exits or the process is
	// interrupted. After Interrupt, Wait may return an error; callers
	// treat that as the interruption itself.
	Wait() (int, error)
	Interrupt() error
}

// Console receives user-facing status and relayed remote output.
type Console interface {
	StatusNotice(text string)
	StatusError(text string)
	Stdout() io.Writer
	Stderr() io.Writer
	Clear()
}
