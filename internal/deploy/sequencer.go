package deploy

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// Sequencer runs the remote operation set in order over one Conn.
type Sequencer struct {
	conn     Conn
	cfg      HostConfig
	artifact Artifact
	target   Target
	bounds   Bounds
	console  Console
	logger   *log.Logger
}

// NewSequencer prepares a Sequencer for artifact on the host behind conn.
func NewSequencer(conn Conn, cfg HostConfig, artifact Artifact, bounds Bounds, console Console, logger *log.Logger) *Sequencer {
	if logger == nil {
		logger = discardLogger()
	}
	return &Sequencer{
		conn:     conn,
		cfg:      cfg,
		artifact: artifact,
		target:   TargetFor(cfg, artifact),
		bounds:   bounds.withDefaults(),
		console:  console,
		logger:   logger.With("host", cfg.Hostname, "artifact", artifact.Name),
	}
}

// Target returns the remote placement this sequencer deploys to.
func (s *Sequencer) Target() Target {
	return s.target
}

// Deploy stops managed processes, replaces the remote tree, rewrites the
// autostart entries and syncs disks. Only remove-path and upload-tree abort.
func (s *Sequencer) Deploy(ctx context.Context) error {
	if err := s.StopManaged(ctx); err != nil {
		return err
	}
	if err := s.exec(ctx, OpRemovePath, s.bounds.Remove, removeCommand(s.target.RemotePath()), true); err != nil {
		return err
	}
	if err := s.upload(ctx); err != nil {
		return err
	}
	if err := s.RemoveAutostart(ctx); err != nil {
		return err
	}
	if s.cfg.Autostart {
		if err := s.exec(ctx, OpAddAutostart, s.bounds.Autostart, addAutostartCommand(s.cfg, s.target), false); err != nil {
			return err
		}
	}
	if s.console != nil {
		s.console.StatusNotice("Syncing disks ...")
	}
	return s.SyncDisks(ctx)
}

// StopManaged kills every process carrying ManagedMarker.
func (s *Sequencer) StopManaged(ctx context.Context) error {
	return s.exec(ctx, OpStopManaged, s.bounds.Stop, stopCommand(), false)
}

// RemoveAutostart strips all marker-tagged lines from the autostart file.
func (s *Sequencer) RemoveAutostart(ctx context.Context) error {
	return s.exec(ctx, OpRemoveAutostart, s.bounds.Autostart, removeAutostartCommand(s.cfg.autostartFile()), false)
}

// SyncDisks flushes filesystem buffers on the host.
func (s *Sequencer) SyncDisks(ctx context.Context) error {
	return s.exec(ctx, OpSyncDisks, s.bounds.Sync, syncCommand(), false)
}

// Launch starts the artifact and relays its output until it exits or ctx is
// cancelled. A non-zero exit is returned as *ExitError.
func (s *Sequencer) Launch(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return -1, ErrCancelled
	}
	command := launchCommand(s.cfg, s.target)
	s.logger.Debug("remote start", "op", OpLaunch, "cmd", command)
	proc, err := s.conn.Start(ctx, command)
	if err != nil {
		return -1, s.fatal(ctx, OpLaunch, -1, err)
	}

	stdout, stderr := io.Discard, io.Discard
	if s.cfg.StreamOutput && s.console != nil {
		stdout, stderr = s.console.Stdout(), s.console.Stderr()
	}

	status, err := relay(ctx, proc, stdout, stderr, s.logger)
	if err != nil {
		if err == ErrCancelled {
			return -1, err
		}
		return -1, s.fatal(ctx, OpLaunch, status, err)
	}
	if status != 0 {
		return status, &ExitError{Status: status}
	}
	return 0, nil
}

func (s *Sequencer) upload(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	remote := s.target.RemotePath()
	s.logger.Debug("remote upload", "op", OpUploadTree, "src", s.artifact.LocalPath, "dst", remote)
	if err := s.conn.Upload(ctx, s.artifact.LocalPath, remote); err != nil {
		return s.fatal(ctx, OpUploadTree, -1, err)
	}
	if err := s.conn.Chmod(ctx, s.target.Executable(), ExecutableMode); err != nil {
		return s.fatal(ctx, OpUploadTree, -1, err)
	}
	return nil
}

// exec runs one bounded command. Non-critical failures are logged and
// swallowed; critical ones become *RemoteOperationError.
func (s *Sequencer) exec(ctx context.Context, op Operation, bound time.Duration, command string, critical bool) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}

	stepCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	s.logger.Debug("remote exec", "op", op, "cmd", command)
	status, err := s.conn.Exec(stepCtx, command)
	if err == nil && (status == 0 || tolerated(op, status)) {
		return nil
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if critical {
		return s.fatal(ctx, op, status, err)
	}

	s.logger.Warn("non-critical step failed", "op", op, "status", status, "err", err)
	if s.console != nil {
		fmt.Fprintln(s.console.Stderr(), s.warning(op))
	}
	return nil
}

func (s *Sequencer) fatal(ctx context.Context, op Operation, status int, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	s.logger.Warn("remote step failed", "op", op, "status", status, "err", err)
	return &RemoteOperationError{Op: op, ExitStatus: status, Err: err}
}

// tolerated reports exit statuses that are not failures for op.
func tolerated(op Operation, status int) bool {
	// pkill exits 1 when nothing matched.
	return op == OpStopManaged && status == 1
}

func (s *Sequencer) warning(op Operation) string {
	switch op {
	case OpStopManaged:
		return "Could not stop previously started instances"
	case OpRemoveAutostart, OpAddAutostart:
		return "Error modifying " + s.cfg.autostartFile()
	case OpSyncDisks:
		return "Error syncing disks. Make sure you power off the host safely to prevent file corruption."
	default:
		return fmt.Sprintf("Step %s did not complete", op)
	}
}

func discardLogger() *log.Logger {
	return log.New(io.Discard)
}
