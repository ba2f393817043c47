// Command neurogate serves a fixed catalog of containerized neuroimaging
// tools to MCP clients.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/neurogate/internal/app"
	"github.com/MrWong99/neurogate/internal/catalog"
	"github.com/MrWong99/neurogate/internal/config"
	"github.com/MrWong99/neurogate/internal/execution"
	"github.com/MrWong99/neurogate/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the flags shared by every subcommand.
type cli struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:          "neurogate",
		Short:        "neurogate - containerized neuroimaging tools over MCP",
		SilenceUsage: true,
		Version:      version,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "",
		"path to the YAML configuration file (defaults apply when empty)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the tool catalog to MCP clients",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return c.serve(cmd.Context()) },
		},
		c.toolsCmd(),
		c.reapCmd(),
	)
	return root
}

// loadConfig reads --config, or returns the defaults when it is empty.
func (c *cli) loadConfig() (*config.Config, error) {
	if c.configPath == "" {
		return config.LoadFromReader(strings.NewReader(""))
	}
	cfg, err := config.Load(c.configPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found", c.configPath)
	}
	return cfg, err
}

// ── serve ─────────────────────────────────────────────────────────────────────

func (c *cli) serve(parent context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	// stdout belongs to the MCP stdio transport; logs go to stderr.
	level := new(slog.LevelVar)
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level})))

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Instance:       cfg.Server.Instance,
		Runtime:        cfg.Runtime.Name,
		DataRoot:       cfg.Workspace.DataRoot,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	slog.Info("neurogate starting",
		"version", version,
		"config", c.configPath,
		"transport", string(cfg.Server.Transport),
		"listen_addr", cfg.Server.ListenAddr,
		"runtime", cfg.Runtime.Name,
		"data_root", cfg.Workspace.DataRoot,
		"instance", cfg.Server.Instance,
	)

	application, err := app.New(ctx, cfg, config.DefaultRegistry(),
		app.WithLevelVar(level),
		app.WithVersion(version),
	)
	if err != nil {
		return err
	}

	if c.configPath != "" {
		w, err := config.NewWatcher(c.configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	slog.Info("stopping, terminating in-flight executions")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// ── tools ─────────────────────────────────────────────────────────────────────

// toolEntry is the listing form of a catalog definition.
type toolEntry struct {
	Name            string   `json:"name"`
	Image           string   `json:"image"`
	Timeout         string   `json:"timeout"`
	ConcurrencySafe bool     `json:"concurrency_safe"`
	Params          []string `json:"params"`
}

func (c *cli) toolsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tool catalog with configured overrides applied",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return listTools(c.stdout, catalog.Default(cfg.CatalogOptions()...), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func listTools(w io.Writer, reg *catalog.Registry, asJSON bool) error {
	var entries []toolEntry
	for _, d := range reg.All() {
		e := toolEntry{
			Name:            d.Name(),
			Image:           d.Image,
			Timeout:         d.Timeout.String(),
			ConcurrencySafe: d.ConcurrencySafe,
		}
		for _, p := range d.Params {
			e.Params = append(e.Params, p.Name)
		}
		entries = append(entries, e)
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tIMAGE\tTIMEOUT\tPARAMS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Image, e.Timeout, strings.Join(e.Params, ","))
	}
	return tw.Flush()
}

// ── reap ──────────────────────────────────────────────────────────────────────

func (c *cli) reapCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Remove stopped containers left behind by a crashed gateway instance",
		Long: `Remove containers labeled with this instance that no request owns.

Running containers are skipped because a live server for the same instance
may own them. Pass --force only when no such server is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error { return c.reap(cmd.Context(), force) },
	}
	cmd.Flags().BoolVar(&force, "force", false, "also remove running containers")
	return cmd
}

func (c *cli) reap(ctx context.Context, force bool) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := config.DefaultRegistry().CreateRuntime(cfg.Runtime)
	if err != nil {
		return err
	}
	return reapWith(ctx, c.stdout, execution.NewManager(rt, execution.Config{Instance: cfg.Server.Instance}), force)
}

func reapWith(ctx context.Context, w io.Writer, mgr *execution.Manager, force bool) error {
	reconcile := mgr.ReconcileStopped
	if force {
		reconcile = mgr.Reconcile
	}
	n, err := reconcile(ctx)
	fmt.Fprintf(w, "reaped %d orphaned container(s) for instance %q\n", n, mgr.Config().Instance)
	return err
}
