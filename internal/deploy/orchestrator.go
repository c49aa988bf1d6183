package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// State is the orchestrator lifecycle position.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateDeploying     State = "deploying"
	StateRunning       State = "running"
	StateCancelling    State = "cancelling"
	StateDisconnecting State = "disconnecting"
)

// HostKeyDecision is asked whether an untrusted host key may be accepted.
// Returning true retries the connection once, trusting err.Fingerprint.
type HostKeyDecision func(ctx context.Context, err *ConnectError) bool

// Options configures an Orchestrator.
type Options struct {
	Transport     Transport
	Console       Console
	Logger        *log.Logger
	Bounds        Bounds
	AcceptHostKey HostKeyDecision
}

// Orchestrator runs at most one deployment at a time against its hosts.
// Starting a new deployment supersedes the previous one.
type Orchestrator struct {
	transport     Transport
	console       Console
	logger        *log.Logger
	bounds        Bounds
	acceptHostKey HostKeyDecision

	// mu serializes Start so supersession joins the previous worker before
	// the next one connects.
	mu      sync.Mutex
	current *Run

	stateMu sync.Mutex
	state   State
	owner   *Run
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &Orchestrator{
		transport:     opts.Transport,
		console:       opts.Console,
		logger:        logger,
		bounds:        opts.Bounds.withDefaults(),
		acceptHostKey: opts.AcceptHostKey,
		state:         StateIdle,
	}, nil
}

// Run is one deployment attempt.
type Run struct {
	id        string
	cfg       HostConfig
	artifact  Artifact
	startedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	onCancel  func(*Run)

	done    chan struct{}
	outcome Outcome
}

// ID uniquely identifies the run.
func (r *Run) ID() string { return r.id }

// Config returns the host configuration the run was started with.
func (r *Run) Config() HostConfig { return r.cfg }

// Artifact returns the artifact being deployed.
func (r *Run) Artifact() Artifact { return r.artifact }

// Target returns where the artifact is placed on the host.
func (r *Run) Target() Target { return TargetFor(r.cfg, r.artifact) }

// StartedAt is when Start accepted the run.
func (r *Run) StartedAt() time.Time { return r.startedAt }

// Done is closed once the run has disconnected and reported its outcome.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run is finished and returns its outcome.
func (r *Run) Wait() Outcome {
	<-r.done
	return r.outcome
}

// Cancel requests cancellation. It does not wait; use Wait or Done.
func (r *Run) Cancel() {
	if !r.cancelled.CompareAndSwap(false, true) {
		return
	}
	if r.onCancel != nil {
		r.onCancel(r)
	}
	r.cancel()
}

func (r *Run) isCancelled() bool {
	return r.cancelled.Load() || r.ctx.Err() != nil
}

// Start begins deploying artifact to the host in cfg. An active run is
// cancelled and fully joined first, so its connection is closed before the
// new run dials.
func (o *Orchestrator) Start(ctx context.Context, artifact Artifact, cfg HostConfig) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid host config: %w", err)
	}
	if err := artifact.Validate(); err != nil {
		return nil, fmt.Errorf("invalid artifact: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if prev := o.current; prev != nil {
		select {
		case <-prev.done:
		default:
			o.logger.Info("superseding active run", "run", prev.id)
			prev.Cancel()
			<-prev.done
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		id:        uuid.NewString(),
		cfg:       cfg,
		artifact:  artifact,
		startedAt: time.Now(),
		ctx:       runCtx,
		cancel:    cancel,
		onCancel:  o.markCancelling,
		done:      make(chan struct{}),
	}
	o.current = run

	if o.console != nil {
		o.console.Clear()
	}
	go o.work(run)
	return run, nil
}

// Cancel requests cancellation of the active run, if any.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	run := o.current
	o.mu.Unlock()
	if run != nil {
		run.Cancel()
	}
}

// Current returns the most recently started run, which may have finished.
func (o *Orchestrator) Current() *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(r *Run, next State) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.owner == r && o.state == StateCancelling && next != StateDisconnecting && next != StateIdle {
		return
	}
	o.logger.Debug("state", "run", r.id, "from", o.state, "to", next)
	o.state = next
	o.owner = r
}

func (o *Orchestrator) markCancelling(r *Run) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.owner != r {
		return
	}
	switch o.state {
	case StateConnecting, StateDeploying, StateRunning:
		o.logger.Debug("state", "run", r.id, "from", o.state, "to", StateCancelling)
		o.state = StateCancelling
	}
}

func (o *Orchestrator) work(r *Run) {
	defer close(r.done)
	defer r.cancel()

	r.outcome = o.execute(r)
	o.logger.Info("run finished", "run", r.id, "outcome", r.outcome.String())
	Report(o.console, r.artifact, r.cfg, r.outcome)
	o.transition(r, StateIdle)
}

func (o *Orchestrator) execute(r *Run) Outcome {
	o.transition(r, StateConnecting)
	o.notice("Connecting to %s ...", r.cfg.Hostname)

	conn, err := o.connect(r)
	if err != nil {
		if r.isCancelled() {
			return Cancelled()
		}
		return Failed(err)
	}
	defer o.disconnect(r, conn)

	if r.isCancelled() {
		return Cancelled()
	}

	o.transition(r, StateDeploying)
	o.notice("Uploading %s ...", r.artifact.Name)
	seq := NewSequencer(conn, r.cfg, r.artifact, o.bounds, o.console, o.logger.With("run", r.id))
	if err := seq.Deploy(r.ctx); err != nil {
		return o.outcomeFor(r, -1, err)
	}

	o.transition(r, StateRunning)
	o.notice("Running %s on %s", r.artifact.Name, r.cfg.Hostname)
	code, err := seq.Launch(r.ctx)
	return o.outcomeFor(r, code, err)
}

func (o *Orchestrator) connect(r *Run) (Conn, error) {
	conn, err := o.transport.Dial(r.ctx, r.cfg)
	if err == nil {
		return conn, nil
	}

	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		connectErr = &ConnectError{Reason: ReasonOther, Host: r.cfg.Hostname, Err: err}
	}
	o.logger.Debug("dial failed", "run", r.id, "reason", connectErr.Reason, "err", err)

	if connectErr.Reason != ReasonUnknownHostKey || o.acceptHostKey == nil || r.isCancelled() {
		return nil, connectErr
	}
	if !o.acceptHostKey(r.ctx, connectErr) {
		return nil, connectErr
	}

	cfg := r.cfg
	cfg.AcceptedFingerprint = connectErr.Fingerprint
	o.logger.Info("host key accepted", "host", cfg.Hostname, "fingerprint", cfg.AcceptedFingerprint)
	conn, err = o.transport.Dial(r.ctx, cfg)
	if err != nil {
		if !errors.As(err, &connectErr) {
			connectErr = &ConnectError{Reason: ReasonOther, Host: cfg.Hostname, Err: err}
		}
		return nil, connectErr
	}
	return conn, nil
}

func (o *Orchestrator) disconnect(r *Run, conn Conn) {
	o.transition(r, StateDisconnecting)
	if err := conn.Close(); err != nil {
		o.logger.Debug("disconnect", "run", r.id, "err", err)
	}
}

func (o *Orchestrator) outcomeFor(r *Run, code int, err error) Outcome {
	switch {
	case err == nil:
		return Success(code)
	case errors.Is(err, ErrCancelled), r.isCancelled():
		return Cancelled()
	default:
		return Failed(err)
	}
}

func (o *Orchestrator) notice(format string, args ...any) {
	if o.console != nil {
		o.console.StatusNotice(fmt.Sprintf(format, args...))
	}
}
