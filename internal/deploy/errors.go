package deploy

import (
	"errors"
	"fmt"
)

// ErrCancelled marks a run that ended because the caller cancelled or
// superseded it. It is a terminal state, not a failure.
var ErrCancelled = errors.New("deployment cancelled")

// ErrorKind classifies a failed deployment.
type ErrorKind string

const (
	KindConnectFailed         ErrorKind = "connect_failed"
	KindRemoteOperationFailed ErrorKind = "remote_operation_failed"
	KindExportFailed          ErrorKind = "export_failed"
	KindNonZeroExit           ErrorKind = "non_zero_exit"
	KindInternal              ErrorKind = "internal"
)

// ConnectReason classifies why a connection could not be established.
type ConnectReason string

const (
	ReasonUnknownHost       ConnectReason = "unknown_host"
	ReasonAuthRejected      ConnectReason = "auth_rejected"
	ReasonConnectionRefused ConnectReason = "connection_refused"
	ReasonTimeout           ConnectReason = "timeout"
	ReasonUnknownHostKey    ConnectReason = "unknown_host_key"
	ReasonHostKeyMismatch   ConnectReason = "host_key_mismatch"
	ReasonOther             ConnectReason = "other"
)

// ConnectError is returned when the transport session cannot be opened.
type ConnectError struct {
	Reason ConnectReason
	Host   string
	// Fingerprint is the SHA256 fingerprint offered by the host, set for
	// ReasonUnknownHostKey and ReasonHostKeyMismatch.
	Fingerprint string
	Err         error
}

func (e *ConnectError) Error() string {
	if e.Fingerprint != "" {
		return fmt.Sprintf("connect to %s: %s (%s)", e.Host, e.Reason, e.Fingerprint)
	}
	return fmt.Sprintf("connect to %s: %s", e.Host, e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Detail is the user-facing explanation of the reason.
func (e *ConnectError) Detail() string {
	switch e.Reason {
	case ReasonUnknownHost:
		return "Unknown host"
	case ReasonAuthRejected:
		return "Wrong username or password"
	case ReasonConnectionRefused:
		return "No SSH server running?"
	case ReasonTimeout:
		return "A timeout occurred"
	case ReasonUnknownHostKey:
		return fmt.Sprintf("Host key %s is not trusted yet", e.Fingerprint)
	case ReasonHostKeyMismatch:
		return fmt.Sprintf("Host key %s does not match known_hosts", e.Fingerprint)
	default:
		return "Connection failed"
	}
}

// RemoteOperationError is returned when a fatal remote step fails.
type RemoteOperationError struct {
	Op         Operation
	ExitStatus int
	Err        error
}

func (e *RemoteOperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed with exit status %d", e.Op, e.ExitStatus)
}

func (e *RemoteOperationError) Unwrap() error { return e.Err }

// ExportError wraps a failure of the local build/export collaborator.
type ExportError struct {
	Err error
}

func (e *ExportError) Error() string { return fmt.Sprintf("export failed: %v", e.Err) }

func (e *ExportError) Unwrap() error { return e.Err }

// ExitError reports a launched artifact that exited with a non-zero status.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exited with status %d", e.Status) }

// Kind maps err onto the failure taxonomy.
func Kind(err error) ErrorKind {
	var (
		connectErr *ConnectError
		opErr      *RemoteOperationError
		exportErr  *ExportError
		exitErr    *ExitError
	)
	switch {
	case errors.As(err, &connectErr):
		return KindConnectFailed
	case errors.As(err, &opErr):
		return KindRemoteOperationFailed
	case errors.As(err, &exportErr):
		return KindExportFailed
	case errors.As(err, &exitErr):
		return KindNonZeroExit
	default:
		return KindInternal
	}
}
