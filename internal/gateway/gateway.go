// Package gateway is the single entry point for tool invocations. It runs a
// request through lookup, session setup, validation, admission, execution and
// result interpretation, in that order, and records the outcome.
//
// Rejections that happen before an execution exists (unknown tool, invalid
// parameters, full queue, unreachable runtime) are returned as errors. Every
// other outcome is an [result.ExecutionResult], including failures.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/neurogate/internal/catalog"
	"github.com/MrWong99/neurogate/internal/execution"
	"github.com/MrWong99/neurogate/internal/journal"
	"github.com/MrWong99/neurogate/internal/observe"
	"github.com/MrWong99/neurogate/internal/result"
	"github.com/MrWong99/neurogate/internal/toolerr"
	"github.com/MrWong99/neurogate/internal/validate"
	"github.com/MrWong99/neurogate/internal/workspace"
)

// Request is one tool invocation as received from a caller.
type Request struct {
	Tool      string
	SessionID string

	// RequestID makes the invocation idempotent. Empty means a fresh
	// identifier is generated.
	RequestID string

	Params map[string]any

	// Timeout, if positive, caps the run below the tool's own timeout.
	Timeout time.Duration

	// OnState receives the execution's state changes along with the request
	// identifier. Concurrent duplicates of a request share one run, and only
	// the caller that started it is notified.
	OnState func(requestID string, state execution.State)
}

// Gateway owns no state of its own beyond in-flight de-duplication; it
// composes the registry, workspace, validator, execution manager, collector
// and journal.
type Gateway struct {
	reg       *catalog.Registry
	ws        *workspace.Manager
	validator *validate.Validator
	mgr       *execution.Manager
	collector *result.Collector
	journal   journal.Journal
	metrics   *observe.Metrics
	now       func() time.Time

	defaultTimeout time.Duration

	flight singleflight.Group

	mu       sync.Mutex
	inflight map[string]*owner
}

// owner binds an in-flight request id to the session and tool that first
// used it.
type owner struct {
	session string
	tool    string
	refs    int
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithJournal sets the execution journal. Default: an in-memory journal.
func WithJournal(j journal.Journal) Option {
	return func(g *Gateway) { g.journal = j }
}

// WithCollector sets the result collector. Default: a zero Collector.
func WithCollector(c *result.Collector) Option {
	return func(g *Gateway) { g.collector = c }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithDefaultTimeout caps requests that carry no timeout of their own. The
// tool's catalog timeout still applies when it is shorter.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.defaultTimeout = d }
}

// New assembles a Gateway.
func New(reg *catalog.Registry, ws *workspace.Manager, v *validate.Validator, mgr *execution.Manager, opts ...Option) *Gateway {
	g := &Gateway{
		reg:       reg,
		ws:        ws,
		validator: v,
		mgr:       mgr,
		now:       time.Now,
		inflight:  make(map[string]*owner),
	}
	for _, o := range opts {
		o(g)
	}
	if g.collector == nil {
		g.collector = &result.Collector{}
	}
	if g.journal == nil {
		g.journal = journal.NewMemory()
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Registry returns the tool catalog served by the gateway.
func (g *Gateway) Registry() *catalog.Registry { return g.reg }

// Invoke runs one tool request to completion.
func (g *Gateway) Invoke(ctx context.Context, req Request) (*result.ExecutionResult, error) {
	ctx, span := observe.StartInvocationSpan(ctx, "gateway.invoke",
		observe.Invocation{Tool: req.Tool, SessionID: req.SessionID})
	defer span.End()

	def, err := g.reg.Lookup(req.Tool)
	if err != nil {
		g.reject(ctx, req.Tool, err)
		return nil, err
	}
	sess, err := g.ws.EnsureSession(req.SessionID)
	if err != nil {
		g.reject(ctx, def.Name(), err)
		return nil, err
	}
	vals, err := g.validator.Validate(def, sess.ID, req.Params)
	if err != nil {
		g.reject(ctx, def.Name(), err)
		return nil, err
	}

	id := req.RequestID
	switch {
	case id == "":
		id = uuid.NewString()
	case !workspace.SafeName(id):
		err := toolerr.Validation([]toolerr.Violation{{
			Param:   "request_id",
			Message: "must be 1-128 characters of letters, digits, '.', '_' or '-'",
		}})
		g.reject(ctx, def.Name(), err)
		return nil, err
	}
	ctx = observe.WithInvocation(ctx, observe.Invocation{RequestID: id, SessionID: sess.ID, Tool: def.Name()})
	log := observe.Logger(ctx)

	// The claim comes first: a run records its result before it releases the
	// claim, so a mismatched reuse is caught by one check or the other.
	release, err := g.claim(id, sess.ID, def.Name())
	if err != nil {
		g.reject(ctx, def.Name(), err)
		return nil, err
	}
	defer release()

	if res, ok, err := g.journal.Lookup(ctx, id); err != nil {
		log.Warn("gateway: journal lookup failed, executing anyway", "err", err)
	} else if ok {
		if res.SessionID != sess.ID || res.Tool != def.Name() {
			err := reusedID(res.Tool, res.SessionID)
			g.reject(ctx, def.Name(), err)
			return nil, err
		}
		log.Info("gateway: returning recorded result", "status", res.Status)
		return res, nil
	}

	v, err, shared := g.flight.Do(id+"\x00"+sess.ID+"\x00"+def.Name(), func() (any, error) {
		return g.execute(ctx, id, def, sess, vals, req)
	})
	if shared {
		log.Debug("gateway: joined in-flight request")
	}
	if err != nil {
		return nil, err
	}
	return v.(*result.ExecutionResult), nil
}

// claim registers id as in flight for (session, tool). Concurrent callers
// with the same triple share the claim; any other use of id is rejected.
func (g *Gateway) claim(id, session, tool string) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.inflight[id]
	if ok && (o.session != session || o.tool != tool) {
		return nil, reusedID(o.tool, o.session)
	}
	if !ok {
		o = &owner{session: session, tool: tool}
		g.inflight[id] = o
	}
	o.refs++
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if o.refs--; o.refs == 0 {
			delete(g.inflight, id)
		}
	}, nil
}

func reusedID(tool, session string) *toolerr.Error {
	return toolerr.Validation([]toolerr.Violation{{
		Param:   "request_id",
		Message: fmt.Sprintf("already used for %s in session %s", tool, session),
	}})
}

func (g *Gateway) execute(ctx context.Context, id string, def *catalog.Definition, sess workspace.Session, vals catalog.Values, req Request) (*result.ExecutionResult, error) {
	log := observe.Logger(ctx)

	expected, err := def.ExpectedOutputs(vals)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, err, "declared outputs of %s could not be expanded", def.Name())
	}
	claims := make([]string, len(expected))
	for i, e := range expected {
		claims[i] = e.Path
	}
	release, err := g.ws.Acquire(sess.ID, claims...)
	if err != nil {
		return nil, err
	}
	defer func() {
		release()
		if err := g.ws.Refresh(sess.ID); err != nil {
			log.Warn("gateway: workspace refresh failed", "err", err)
		}
	}()

	var deadline time.Time
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	if timeout > 0 {
		deadline = g.now().Add(timeout)
	}
	var onState func(execution.State)
	if req.OnState != nil {
		onState = func(st execution.State) { req.OnState(id, st) }
	}
	log.Info("gateway: invocation accepted")
	exec, err := g.mgr.Run(ctx, execution.Request{
		ID:        id,
		SessionID: sess.ID,
		Workspace: sess.Root,
		Tool:      def,
		Values:    vals,
		Deadline:  deadline,
		OnState:   onState,
	})
	if err != nil {
		g.reject(ctx, def.Name(), err)
		return nil, err
	}

	res := g.collector.Interpret(exec, def, vals, sess.Root)
	// Outputs of a container that ran but did not succeed are partial.
	// Files from earlier runs are left alone when nothing was launched.
	if res.Status != result.Success && !exec.Started.IsZero() {
		if err := g.ws.Discard(sess.ID, claims); err != nil {
			log.Warn("gateway: discarding partial outputs failed", "err", err)
		}
	}

	// The outcome is recorded even when the caller has gone away.
	if err := g.journal.Record(context.WithoutCancel(ctx), res); err != nil {
		log.Warn("gateway: journal record failed", "err", err)
	}
	g.metrics.RecordExecution(ctx, def.Name(), res.Status.String(), exec.Duration())

	attrs := []any{"status", res.Status, "exit_code", res.ExitCode, "duration", exec.Duration()}
	if res.Error != nil {
		attrs = append(attrs, "error_kind", res.Error.Kind)
	}
	log.Info("gateway: invocation finished", attrs...)
	return res, nil
}

func (g *Gateway) reject(ctx context.Context, tool string, err error) {
	kind, _ := toolerr.KindOf(err)
	g.metrics.RecordRejection(ctx, tool, kind.String())
	observe.Logger(ctx).Info("gateway: request rejected", "kind", kind, "err", err)
}

// Cancel cancels a live request. Cancelling a request that already finished,
// or was never seen, returns a [toolerr.KindNotFound] error.
func (g *Gateway) Cancel(requestID string) error {
	return g.mgr.Cancel(requestID)
}

// ListWorkspace returns the committed files of a session. Files that
// in-flight executions are still writing are not listed.
func (g *Gateway) ListWorkspace(sessionID string) ([]workspace.FileInfo, error) {
	if !workspace.SafeName(sessionID) {
		return nil, toolerr.New(toolerr.KindNotFound, "unknown session %q", sessionID)
	}
	return g.ws.List(sessionID)
}

// Session reports whether a session exists and returns it.
func (g *Gateway) Session(id string) (workspace.Session, bool) {
	return g.ws.Lookup(id)
}

// Ready reports whether the gateway can accept work: the container runtime
// answers and the journal is reachable.
func (g *Gateway) Ready(ctx context.Context) error {
	return errors.Join(g.mgr.CheckRuntime(ctx), g.journal.Ping(ctx))
}
