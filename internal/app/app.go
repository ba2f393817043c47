// Package app wires every neurogate subsystem into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves MCP clients until the context ends, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithRuntime,
// WithJournal, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/neurogate/internal/catalog"
	"github.com/MrWong99/neurogate/internal/config"
	"github.com/MrWong99/neurogate/internal/execution"
	"github.com/MrWong99/neurogate/internal/gateway"
	"github.com/MrWong99/neurogate/internal/health"
	"github.com/MrWong99/neurogate/internal/journal"
	"github.com/MrWong99/neurogate/internal/journal/postgres"
	"github.com/MrWong99/neurogate/internal/mcp"
	"github.com/MrWong99/neurogate/internal/mcp/toolserver"
	"github.com/MrWong99/neurogate/internal/observe"
	"github.com/MrWong99/neurogate/internal/result"
	"github.com/MrWong99/neurogate/internal/validate"
	"github.com/MrWong99/neurogate/internal/workspace"
	"github.com/MrWong99/neurogate/pkg/runtime"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	version string
	level   *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	rt      runtime.Runtime
	ws      *workspace.Manager
	mgr     *execution.Manager
	journal journal.Journal
	metrics *observe.Metrics
	gw      *gateway.Gateway
	tools   *toolserver.Server
	mux     *http.ServeMux
	sweeper *workspace.Sweeper

	// listener, if set, replaces net.Listen on cfg.Server.ListenAddr.
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRuntime injects a container runtime instead of creating one through
// the config registry.
func WithRuntime(rt runtime.Runtime) Option {
	return func(a *App) { a.rt = rt }
}

// WithJournal injects an execution journal instead of creating one from
// journal.postgres_dsn.
func WithJournal(j journal.Journal) Option {
	return func(a *App) { a.journal = j }
}

// WithMetrics injects metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets the caller own the log level so config reloads can
// change it. Default: a fresh LevelVar at cfg.Server.LogLevel.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithListener serves HTTP on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The registry supplies
// the container runtime factory unless WithRuntime is given.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, version: "dev"}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(ParseLevel(cfg.Server.LogLevel))
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Container runtime ─────────────────────────────────────────────
	if a.rt == nil {
		if reg == nil {
			reg = config.DefaultRegistry()
		}
		rt, err := reg.CreateRuntime(cfg.Runtime)
		if err != nil {
			return nil, fmt.Errorf("app: init runtime: %w", err)
		}
		a.rt = rt
	}

	// ── 2. Workspaces ────────────────────────────────────────────────────
	ws, err := workspace.New(cfg.Workspace.DataRoot, workspace.WithRetention(cfg.Workspace.Retention))
	if err != nil {
		return nil, fmt.Errorf("app: init workspace: %w", err)
	}
	a.ws = ws

	// ── 3. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 4. Validator, execution manager, gateway ─────────────────────────
	v, err := validate.New(ws, cfg.Workspace.InputRoots...)
	if err != nil {
		return nil, fmt.Errorf("app: init validator: %w", err)
	}
	a.mgr = execution.NewManager(a.rt, managerConfig(cfg), execution.WithMetrics(a.metrics))
	a.gw = gateway.New(catalog.Default(cfg.CatalogOptions()...), ws, v, a.mgr,
		gateway.WithJournal(a.journal),
		gateway.WithMetrics(a.metrics),
		gateway.WithCollector(&result.Collector{TailBytes: cfg.Execution.LogTailBytes}),
		gateway.WithDefaultTimeout(cfg.Execution.DefaultTimeout),
	)

	// ── 5. MCP surface and HTTP routes ───────────────────────────────────
	a.tools = toolserver.New(a.gw, a.version)
	a.mux = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initJournal opens the PostgreSQL journal when a DSN is configured and falls
// back to the in-memory journal otherwise.
func (a *App) initJournal(ctx context.Context) error {
	if a.journal == nil {
		if dsn := a.cfg.Journal.PostgresDSN; dsn != "" {
			store, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.journal = store
			slog.Info("execution journal on postgres")
		} else {
			a.journal = journal.NewMemory()
			slog.Info("execution journal in memory; request ids do not survive a restart")
		}
	}
	a.closers = append(a.closers, func() error {
		a.journal.Close()
		return nil
	})
	return nil
}

// managerConfig maps the config file onto the execution manager.
func managerConfig(cfg *config.Config) execution.Config {
	return execution.Config{
		MaxConcurrent: cfg.Execution.MaxConcurrent,
		QueueDepth:    cfg.Execution.QueueDepth,
		GracePeriod:   cfg.Execution.GracePeriod,
		LogCapBytes:   cfg.Execution.LogCapBytes,
		Resources: runtime.Resources{
			CPUs:        cfg.Runtime.CPUs,
			MemoryBytes: cfg.Runtime.MemoryMB << 20,
		},
		Network:  cfg.Runtime.Network,
		Instance: cfg.Server.Instance,
		Pull: execution.PullPolicy{
			Attempts:  cfg.Runtime.PullAttempts,
			BaseDelay: cfg.Runtime.PullBaseDelay,
			MaxDelay:  cfg.Runtime.PullMaxDelay,
			Timeout:   cfg.Runtime.PullTimeout,
		},
	}
}

// routes builds the HTTP mux: health, metrics and, for the streamable-http
// transport, the MCP endpoint at /mcp.
func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "runtime", Check: a.mgr.CheckRuntime},
		health.PingChecker("journal", a.journal),
	).Register(mux)
	mux.Handle("GET "+a.cfg.Telemetry.MetricsPath, promhttp.Handler())
	if a.cfg.Server.Transport == mcp.TransportStreamableHTTP {
		mux.Handle("/mcp", observe.Middleware(a.metrics)(a.tools.Handler()))
	}
	return mux
}

// Handler returns the HTTP routes, for tests and embedding.
func (a *App) Handler() http.Handler { return a.mux }

// Gateway returns the wired gateway.
func (a *App) Gateway() *gateway.Gateway { return a.gw }

// Tools returns the MCP server.
func (a *App) Tools() *toolserver.Server { return a.tools }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run reaps orphaned containers, starts the retention sweep and serves HTTP
// (and stdio, when configured) until ctx is cancelled or the stdio client
// disconnects. A clean stop returns context.Canceled.
func (a *App) Run(ctx context.Context) error {
	if n, err := a.Reap(ctx); err != nil {
		slog.Warn("orphan reconciliation incomplete", "reaped", n, "err", err)
	}

	sw, err := a.ws.StartSweeper(a.cfg.Workspace.SweepSchedule, a.onSweep)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.sweeper = sw

	ln := a.listener
	if ln == nil {
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if a.cfg.Server.Transport == mcp.TransportStdio {
		g.Go(func() error {
			err := a.tools.RunStdio(gctx)
			slog.Info("stdio client disconnected")
			if err == nil || errors.Is(err, context.Canceled) {
				// End of stdin ends the process.
				return context.Canceled
			}
			return err
		})
	}

	slog.Info("gateway running",
		"addr", ln.Addr().String(),
		"transport", string(a.cfg.Server.Transport),
		"tools", len(a.gw.Registry().All()),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return context.Canceled
}

// Reap removes containers left behind by a previous process of this
// instance.
func (a *App) Reap(ctx context.Context) (int, error) {
	n, err := a.mgr.Reconcile(ctx)
	if n > 0 {
		slog.Info("reaped orphaned containers", "count", n)
	}
	return n, err
}

// onSweep runs after every retention sweep that removed sessions.
func (a *App) onSweep(removed []string) {
	ctx := context.Background()
	a.metrics.SessionsSwept.Add(ctx, int64(len(removed)))
	slog.Info("swept idle sessions", "sessions", removed)
	a.pruneJournal(ctx)
}

func (a *App) pruneJournal(ctx context.Context) {
	keep := a.cfg.Journal.Retention
	if keep <= 0 {
		return
	}
	n, err := a.journal.Prune(ctx, time.Now().Add(-keep))
	if err != nil {
		slog.Warn("journal prune failed", "err", err)
		return
	}
	if n > 0 {
		slog.Debug("pruned journal records", "count", n)
	}
}

// ApplyConfig applies the hot-reloadable part of a changed config file.
// Anything else is logged as requiring a restart.
func (a *App) ApplyConfig(prev, next *config.Config) {
	d := config.Diff(prev, next)
	if d.LogLevelChanged {
		a.level.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.RetentionChanged {
		a.ws.SetRetention(d.NewRetention)
		slog.Info("workspace retention changed", "retention", d.NewRetention)
	}
	if d.RestartRequired {
		slog.Warn("config changes need a restart to take effect")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the sweep, terminates in-flight executions and closes the
// journal. It respects the context deadline: if ctx expires, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if a.sweeper != nil {
			if err := a.sweeper.Stop(ctx); err != nil {
				slog.Warn("sweeper stop error", "err", err)
			}
		}
		if err := a.mgr.Shutdown(ctx); err != nil {
			slog.Warn("execution manager shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// ParseLevel converts a config log level to a slog level. Unknown values
// map to info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
