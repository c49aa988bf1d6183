package runs

import (
	"errors"
	"time"

	"github.com/uploadtopi/uploadtopi/internal/deploy"
)

// Status of a recorded run
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is one deployment run as seen by ps and prune
type Record struct {
	ID         string     `json:"id"`
	Host       string     `json:"host"`
	Username   string     `json:"username"`
	Artifact   string     `json:"artifact"`
	LocalPath  string     `json:"local_path"`
	RemotePath string     `json:"remote_path"`
	Persistent bool       `json:"persistent"`
	Autostart  bool       `json:"autostart"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"` // deploy.ErrorKind of a failed run
	Error      string     `json:"error,omitempty"`
}

// NewRecord describes a run that has just been started
func NewRecord(run *deploy.Run) *Record {
	cfg := run.Config()
	artifact := run.Artifact()
	return &Record{
		ID:         run.ID(),
		Host:       cfg.Hostname,
		Username:   cfg.Username,
		Artifact:   artifact.Name,
		LocalPath:  artifact.LocalPath,
		RemotePath: run.Target().RemotePath(),
		Persistent: cfg.Persistent,
		Autostart:  cfg.Autostart,
		Status:     StatusRunning,
		StartedAt:  run.StartedAt(),
	}
}

// Finish records the terminal outcome of the run
func (r *Record) Finish(o deploy.Outcome, at time.Time) {
	r.StoppedAt = &at
	switch o.Result {
	case deploy.ResultSuccess:
		r.Status = StatusSucceeded
	case deploy.ResultCancelled:
		r.Status = StatusCancelled
	default:
		r.Status = StatusFailed
		r.ErrorKind = string(o.Kind())
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
	}
	var exitErr *deploy.ExitError
	if o.Result == deploy.ResultSuccess || errors.As(o.Err, &exitErr) {
		code := o.ExitCode
		r.ExitCode = &code
	}
}

// Finished reports whether the run reached a terminal state
func (r *Record) Finished() bool {
	return r.Status != StatusRunning
}
