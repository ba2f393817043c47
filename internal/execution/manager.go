// Package execution runs validated tool requests inside containers.
//
// The [Manager] owns everything with real lifecycle risk: admission into a
// bounded worker pool, image resolution, mount and command construction,
// per-(session, tool) exclusivity, deadlines, cancellation and guaranteed
// teardown. It reports raw facts about each run as an [Execution]; deciding
// whether a run succeeded is left to the result package.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/neurogate/internal/catalog"
	"github.com/MrWong99/neurogate/internal/observe"
	"github.com/MrWong99/neurogate/internal/resilience"
	"github.com/MrWong99/neurogate/internal/toolerr"
	"github.com/MrWong99/neurogate/pkg/runtime"
)

// Cancellation causes recorded on an execution's context.
var (
	// ErrCancelled is the cause used by [Manager.Cancel].
	ErrCancelled = errors.New("execution: cancelled by request")

	errShutdown = errors.New("execution: manager shutting down")
)

// Config tunes a Manager. Zero values select the documented defaults.
type Config struct {
	// MaxConcurrent is the worker pool size N. Default: 4.
	MaxConcurrent int

	// QueueDepth is the admission queue bound M. Default: 16.
	QueueDepth int

	// GracePeriod is how long a container gets to exit after SIGTERM before
	// it is killed. Default: 10s.
	GracePeriod time.Duration

	// LogCapBytes caps the captured stdout and stderr per execution, each.
	// Default: 64 KiB.
	LogCapBytes int

	// Resources are applied to every container.
	Resources runtime.Resources

	// Network is the container network mode. Default: "none".
	Network string

	// Instance labels containers so several gateways can share one runtime
	// without reaping each other's work. Default: "default".
	Instance string

	// Pull bounds image pull retries.
	Pull PullPolicy

	// PingTTL is how long a successful runtime ping is trusted at admission.
	// Default: 2s.
	PingTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.QueueDepth < 0 {
		c.QueueDepth = 0
	} else if c.QueueDepth == 0 {
		c.QueueDepth = 16
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.LogCapBytes <= 0 {
		c.LogCapBytes = 64 << 10
	}
	if c.Network == "" {
		c.Network = "none"
	}
	if c.Instance == "" {
		c.Instance = "default"
	}
	if c.PingTTL <= 0 {
		c.PingTTL = 2 * time.Second
	}
	return c
}

// Request is one validated execution request.
type Request struct {
	// ID is the request identifier. It must be unique among live requests
	// and safe for use in a container name.
	ID string

	SessionID string

	// Workspace is the canonical session workspace root on the host.
	Workspace string

	Tool   *catalog.Definition
	Values catalog.Values

	// Deadline, if non-zero, caps the run in addition to the tool timeout.
	// Whichever is sooner applies.
	Deadline time.Time

	// OnState, if set, is called synchronously on every state change after
	// Pending. It must not block.
	OnState func(State)
}

// Execution is the record of one container run. All fields are final once
// Run returns.
type Execution struct {
	RequestID   string
	SessionID   string
	Tool        catalog.ToolID
	Image       string
	Command     []string
	Mounts      []runtime.Mount
	ContainerID string

	State       State
	Transitions []Transition

	// Created is when the execution entered Pending.
	Created time.Time

	// Started is when the container entered Running; Ended is when the
	// execution reached its terminal state.
	Started time.Time
	Ended   time.Time

	ExitCode  int
	OOMKilled bool

	Stdout Output
	Stderr Output

	// Err describes failures that prevented the container from running to
	// completion (image pull, launch, runtime errors). Nil for runs that
	// exited on their own, timed out, or were cancelled.
	Err *toolerr.Error

	onState func(State)
}

// Duration is the time spent in Running, or since admission when the
// container never ran.
func (e *Execution) Duration() time.Duration {
	start := e.Started
	if start.IsZero() {
		start = e.Created
	}
	if start.IsZero() || e.Ended.IsZero() {
		return 0
	}
	return e.Ended.Sub(start)
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithBreaker guards runtime health probes with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(mgr *Manager) { mgr.breaker = cb }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// Manager runs executions. It is safe for concurrent use.
type Manager struct {
	rt      runtime.Runtime
	cfg     Config
	metrics *observe.Metrics
	breaker *resilience.CircuitBreaker
	now     func() time.Time

	slots  *admission
	keys   *keyLock
	images *imageCache

	mu       sync.Mutex
	live     map[string]context.CancelCauseFunc
	lastPing time.Time
	closed   bool
	wg       sync.WaitGroup
}

// NewManager returns a Manager driving rt.
func NewManager(rt runtime.Runtime, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		rt:   rt,
		cfg:  cfg,
		now:  time.Now,
		keys: newKeyLock(),
		live: make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.breaker == nil {
		m.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          "container-runtime",
			MaxFailures:   3,
			ResetTimeout:  10 * time.Second,
			HalfOpenMax:   1,
			OnStateChange: func(name string, _, to resilience.State) {
				m.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		})
	}
	m.slots = newAdmission(cfg.MaxConcurrent, cfg.QueueDepth)
	m.images = newImageCache(rt, cfg.Pull, m.metrics)
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Stats reports the number of executions holding a worker slot and the
// number of requests queued for one.
func (m *Manager) Stats() (running, queued int) { return m.slots.stats() }

// Live reports whether requestID is currently admitted or queued.
func (m *Manager) Live(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[requestID]
	return ok
}

// Cancel asks the execution for requestID to stop. A queued request leaves
// the queue; a running container receives the graceful-then-forced
// termination sequence. The execution ends in state Cancelled.
func (m *Manager) Cancel(requestID string) error {
	m.mu.Lock()
	cancel, ok := m.live[requestID]
	m.mu.Unlock()
	if !ok {
		return toolerr.New(toolerr.KindNotFound, "no execution in flight for request %q", requestID)
	}
	cancel(ErrCancelled)
	return nil
}

// CheckRuntime probes the runtime through the circuit breaker. A recent
// success is reused for PingTTL.
func (m *Manager) CheckRuntime(ctx context.Context) error {
	m.mu.Lock()
	fresh := !m.lastPing.IsZero() && m.now().Sub(m.lastPing) < m.cfg.PingTTL
	m.mu.Unlock()
	if fresh {
		return nil
	}
	err := m.breaker.Execute(func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return m.rt.Ping(pctx)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = fmt.Errorf("%w: %w", runtime.ErrUnavailable, err)
		}
		return launchError(err)
	}
	m.mu.Lock()
	m.lastPing = m.now()
	m.mu.Unlock()
	return nil
}

// Run executes req to a terminal state and returns its record.
//
// The error is non-nil only when the request was rejected before an
// execution existed: the queue was full (ResourceExhausted), the runtime was
// unreachable at admission (ContainerLaunchError, which also fails every
// queued request), the request identifier is already live, or the manager
// is shutting down. Every other outcome, including image pull and launch
// failures, is reported through the returned Execution.
func (m *Manager) Run(ctx context.Context, req Request) (*Execution, error) {
	ctx, span := observe.StartInvocationSpan(ctx, "execution.run",
		observe.Invocation{RequestID: req.ID, SessionID: req.SessionID, Tool: req.Tool.Name()})
	defer span.End()
	log := observe.Logger(ctx)

	if !req.Deadline.IsZero() {
		var stop context.CancelFunc
		ctx, stop = context.WithDeadline(ctx, req.Deadline)
		defer stop()
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := m.register(req.ID, cancel); err != nil {
		return nil, err
	}
	defer m.unregister(req.ID)

	if err := m.CheckRuntime(ctx); err != nil {
		if n := m.slots.failQueued(err); n > 0 {
			log.Warn("execution: runtime unreachable, failed queued requests", "count", n)
		}
		return nil, err
	}

	exec := &Execution{
		RequestID: req.ID,
		SessionID: req.SessionID,
		Tool:      req.Tool.ID,
		Image:     req.Tool.Image,
		State:     Pending,
		Created:   m.now(),
		onState:   req.OnState,
	}

	queuedAt := m.now()
	m.metrics.QueuedRequests.Add(ctx, 1)
	err := m.slots.acquire(runCtx)
	m.metrics.QueuedRequests.Add(ctx, -1)
	m.metrics.QueueWait.Record(ctx, m.now().Sub(queuedAt).Seconds())
	switch {
	case errors.Is(err, errQueueFull):
		_, queued := m.slots.stats()
		log.Warn("execution: admission queue full", "queued", queued)
		return nil, toolerr.New(toolerr.KindResourceExhausted,
			"gateway is at capacity (%d running, %d queued); retry later", m.cfg.MaxConcurrent, queued)
	case err != nil && runCtx.Err() == nil:
		// The queue was failed because the runtime went away.
		return nil, err
	case err != nil:
		m.interrupted(runCtx, exec)
		return exec, nil
	}
	defer m.slots.release()
	m.metrics.RunningExecutions.Add(ctx, 1)
	defer m.metrics.RunningExecutions.Add(ctx, -1)
	log.Debug("execution: admitted")

	m.run(runCtx, req, exec, log)
	return exec, nil
}

func (m *Manager) register(id string, cancel context.CancelCauseFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return toolerr.Wrap(toolerr.KindContainerLaunch, errShutdown, "gateway is shutting down")
	}
	if _, dup := m.live[id]; dup {
		return toolerr.Validation([]toolerr.Violation{{Param: "request_id", Message: fmt.Sprintf("request %q is already in flight", id)}})
	}
	m.live[id] = cancel
	m.wg.Add(1)
	return nil
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
	m.wg.Done()
}

// lockKey is the exclusivity key of a request.
func lockKey(req Request) string {
	return req.SessionID + "\x00" + req.Tool.Name()
}

// run drives an admitted execution from Pending to a terminal state.
func (m *Manager) run(ctx context.Context, req Request, exec *Execution, log *slog.Logger) {
	m.move(exec, ImageResolving, log)
	if err := m.images.ensure(ctx, req.Tool.Image); err != nil {
		if ctx.Err() != nil {
			m.interrupted(ctx, exec)
			return
		}
		m.fail(exec, toolerr.As(err), log)
		return
	}

	if !req.Tool.ConcurrencySafe {
		unlock, err := m.keys.lock(ctx, lockKey(req))
		if err != nil {
			m.interrupted(ctx, exec)
			return
		}
		defer unlock()
	}

	m.move(exec, Launching, log)
	stdout := newTailBuffer(m.cfg.LogCapBytes)
	stderr := newTailBuffer(m.cfg.LogCapBytes)
	spec, err := m.launchSpec(req, exec)
	if err != nil {
		m.fail(exec, toolerr.Wrap(toolerr.KindInternal, err, "command for %s could not be built", req.Tool.Name()), log)
		return
	}
	spec.Stdout, spec.Stderr = stdout, stderr

	if ctx.Err() != nil {
		m.interrupted(ctx, exec)
		return
	}
	proc, err := m.rt.Launch(ctx, spec)
	if err != nil {
		if errors.Is(err, runtime.ErrImageNotFound) {
			m.images.forget(req.Tool.Image)
		}
		log.Error("execution: launch failed", "err", err)
		// The create step may have succeeded before the start failed or ctx
		// ended; the container is removed by name.
		m.teardown(spec.Name, log)
		m.fail(exec, launchError(err), log)
		return
	}
	exec.ContainerID = proc.ID()
	defer m.teardown(proc.ID(), log)
	defer func() {
		exec.Stdout, exec.Stderr = stdout.output(), stderr.output()
	}()

	deadline := m.now().Add(req.Tool.Timeout)
	if !req.Deadline.IsZero() && req.Deadline.Before(deadline) {
		deadline = req.Deadline
	}
	m.move(exec, Running, log)
	exec.Started = exec.enteredAt(Running)
	log.Info("execution: container running", "container", proc.ID(), "deadline", deadline)

	done := make(chan waitResult, 1)
	go func() {
		exit, err := proc.Wait()
		done <- waitResult{exit, err}
	}()

	timer := time.NewTimer(deadline.Sub(m.now()))
	defer timer.Stop()

	var res waitResult
	next := Completed
	select {
	case res = <-done:
	case <-timer.C:
		next = TimedOut
		log.Warn("execution: deadline exceeded, terminating", "container", proc.ID())
		res = m.terminate(proc.ID(), done, log)
	case <-ctx.Done():
		next = m.interruptState(ctx)
		log.Info("execution: interrupted, terminating", "container", proc.ID(), "cause", context.Cause(ctx))
		res = m.terminate(proc.ID(), done, log)
	}

	if res.err != nil && next == Completed {
		m.fail(exec, toolerr.Wrap(toolerr.KindExecutionFailed, res.err, "lost track of the container"), log)
		return
	}
	exec.ExitCode = res.exit.Code
	exec.OOMKilled = res.exit.OOMKilled
	m.move(exec, next, log)
}

type waitResult struct {
	exit runtime.Exit
	err  error
}

// terminate sends SIGTERM, waits up to the grace period, then sends SIGKILL
// and waits for the process to be reaped.
func (m *Manager) terminate(id string, done <-chan waitResult, log *slog.Logger) waitResult {
	sigCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.rt.Signal(sigCtx, id, runtime.SignalTerm); err != nil {
		log.Warn("execution: SIGTERM failed", "container", id, "err", err)
	}
	grace := time.NewTimer(m.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case r := <-done:
		return r
	case <-grace.C:
	}
	log.Warn("execution: grace period elapsed, killing", "container", id)
	if err := m.rt.Signal(sigCtx, id, runtime.SignalKill); err != nil {
		log.Warn("execution: SIGKILL failed", "container", id, "err", err)
	}
	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		// Teardown removes the container forcibly.
		return waitResult{exit: runtime.Exit{Code: 137}}
	}
}

// teardown removes the container. It runs on every path once a container
// exists, independent of the request context.
func (m *Manager) teardown(id string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.rt.Remove(ctx, id); err != nil {
		// Left for reconciliation.
		log.Error("execution: container removal failed", "container", id, "err", err)
		return
	}
	log.Debug("execution: container removed", "container", id)
}

// launchSpec builds mounts, labels and argv. Each file parameter is mounted
// read-only at /inputs/<param>/<basename>; the workspace is mounted
// read-write at /workspace.
func (m *Manager) launchSpec(req Request, exec *Execution) (runtime.LaunchSpec, error) {
	mounts := []runtime.Mount{{Source: req.Workspace, Target: catalog.ContainerWorkspace}}
	targets := make(map[string]string)
	for _, p := range req.Tool.Params {
		if p.Type != catalog.TypeFile {
			continue
		}
		host := req.Values.String(p.Name)
		if host == "" {
			continue
		}
		target := catalog.ContainerInputs + "/" + p.Name + "/" + filepath.Base(host)
		targets[p.Name] = target
		mounts = append(mounts, runtime.Mount{Source: host, Target: target, ReadOnly: true})
	}
	argv, err := req.Tool.Render(req.Values, func(param, _ string) string { return targets[param] })
	if err != nil {
		return runtime.LaunchSpec{}, err
	}
	exec.Command = argv
	exec.Mounts = mounts
	return runtime.LaunchSpec{
		Name:    "neurogate-" + req.ID,
		Image:   req.Tool.Image,
		Command: argv,
		Env:     req.Tool.Env,
		Mounts:  mounts,
		WorkDir: catalog.ContainerWorkspace,
		Labels: map[string]string{
			runtime.LabelRequestID: req.ID,
			runtime.LabelSession:   req.SessionID,
			runtime.LabelTool:      req.Tool.Name(),
			runtime.LabelInstance:  m.cfg.Instance,
		},
		Resources: m.cfg.Resources,
		Network:   m.cfg.Network,
	}, nil
}

func (m *Manager) move(exec *Execution, next State, log *slog.Logger) {
	if err := exec.transition(next, m.now()); err != nil {
		log.Error("execution: state machine violation", "err", err)
		return
	}
	if next.Terminal() {
		exec.Ended = m.now()
	}
	log.Debug("execution: state", "state", next)
}

func (m *Manager) fail(exec *Execution, err *toolerr.Error, log *slog.Logger) {
	exec.Err = err
	m.move(exec, Failed, log)
}

// interruptState maps an interrupted context to TimedOut (caller deadline)
// or Cancelled (explicit cancel, caller gone, shutdown).
func (m *Manager) interruptState(ctx context.Context) State {
	if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return TimedOut
	}
	return Cancelled
}

func (m *Manager) interrupted(ctx context.Context, exec *Execution) {
	next := m.interruptState(ctx)
	if err := exec.transition(next, m.now()); err == nil {
		exec.Ended = m.now()
	}
}

// Shutdown cancels every live execution and waits for their teardown or for
// ctx to expire. New requests are refused afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, cancel := range m.live {
		cancel(errShutdown)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
