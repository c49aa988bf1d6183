package deploy

import (
	"context"
	"errors"
	"fmt"
)

// Result is the terminal state of a run.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultCancelled Result = "cancelled"
	ResultFailed    Result = "failed"
)

// Outcome is what a run reports to its caller.
type Outcome struct {
	Result   Result
	ExitCode int
	Err      error // set when Result is ResultFailed
}

// Success builds a successful outcome.
func Success(code int) Outcome {
	return Outcome{Result: ResultSuccess, ExitCode: code}
}

// Cancelled builds a cancelled outcome.
func Cancelled() Outcome {
	return Outcome{Result: ResultCancelled, ExitCode: -1}
}

// Failed builds a failed outcome from err.
func Failed(err error) Outcome {
	o := Outcome{Result: ResultFailed, ExitCode: -1, Err: err}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		o.ExitCode = exitErr.Status
	}
	return o
}

// Kind classifies a failed outcome. It is empty for other results.
func (o Outcome) Kind() ErrorKind {
	if o.Result != ResultFailed {
		return ""
	}
	return Kind(o.Err)
}

func (o Outcome) String() string {
	switch o.Result {
	case ResultSuccess:
		return fmt.Sprintf("success(%d)", o.ExitCode)
	case ResultFailed:
		return fmt.Sprintf("failed(%s)", o.Kind())
	default:
		return string(o.Result)
	}
}

// Report maps an outcome onto exactly one status call and one detail line.
func Report(console Console, artifact Artifact, cfg HostConfig, o Outcome) {
	if console == nil {
		return
	}
	name := artifact.Name
	switch o.Result {
	case ResultSuccess:
		console.StatusNotice(fmt.Sprintf("%s ended", name))
		fmt.Fprintf(console.Stdout(), "%s on %s exited with status %d\n", name, cfg.Hostname, o.ExitCode)
	case ResultCancelled:
		console.StatusNotice(fmt.Sprintf("%s stopped", name))
		fmt.Fprintf(console.Stdout(), "Run of %s on %s was cancelled\n", name, cfg.Hostname)
	default:
		headline, detail := describeFailure(name, cfg.Hostname, o.Err)
		console.StatusError(headline)
		fmt.Fprintln(console.Stderr(), detail)
	}
}

func describeFailure(name, host string, err error) (string, string) {
	var (
		connectErr *ConnectError
		opErr      *RemoteOperationError
		exportErr  *ExportError
		exitErr    *ExitError
	)
	switch {
	case errors.As(err, &connectErr):
		return "Cannot connect to " + host, connectErr.Detail()
	case errors.As(err, &exitErr):
		return fmt.Sprintf("%s ended with exit code %d", name, exitErr.Status),
			fmt.Sprintf("Exit status %d", exitErr.Status)
	case errors.As(err, &opErr):
		headline := "Cannot upload " + name
		if opErr.Op == OpLaunch {
			headline = "Error running " + name
		}
		return headline, operationDetail(opErr)
	case errors.As(err, &exportErr):
		return "Cannot export " + name,
			"Most likely caused by a build error. Run the build locally to see where the problem lies."
	default:
		return "Deployment of " + name + " failed", "Unexpected error, run with --debug for details"
	}
}

func operationDetail(e *RemoteOperationError) string {
	switch {
	case errors.Is(e.Err, context.DeadlineExceeded):
		return fmt.Sprintf("Step %s timed out", e.Op)
	case e.Err != nil:
		return fmt.Sprintf("Step %s failed (transport error)", e.Op)
	default:
		return fmt.Sprintf("Step %s failed with exit status %d", e.Op, e.ExitStatus)
	}
}
