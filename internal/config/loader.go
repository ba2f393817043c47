package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/neurogate/internal/catalog"
	"github.com/MrWong99/neurogate/internal/mcp"
)

// ValidRuntimeNames lists the container runtimes registered by default.
// Used by [Validate] to warn about unrecognised runtime names.
var ValidRuntimeNames = []string{"docker", "podman"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = ":8080"
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.Transport == "" {
		s.Transport = mcp.TransportStdio
	}
	if s.Instance == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			s.Instance = h
		} else {
			s.Instance = "neurogate"
		}
	}

	rt := &cfg.Runtime
	if rt.Name == "" {
		rt.Name = "docker"
	}
	if rt.Binary == "" {
		rt.Binary = rt.Name
	}
	if rt.Network == "" {
		rt.Network = "none"
	}

	ws := &cfg.Workspace
	if ws.DataRoot == "" {
		ws.DataRoot = filepath.Join(os.TempDir(), "neurogate")
	}
	if ws.SweepSchedule == "" {
		ws.SweepSchedule = "@every 10m"
	}

	ex := &cfg.Execution
	if ex.LogTailBytes == 0 {
		ex.LogTailBytes = 4 << 10
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "neurogate"
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = "/metrics"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Transport != "" && !cfg.Server.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("server.transport %q is invalid; valid values: stdio, streamable-http", cfg.Server.Transport))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Runtime
	validateRuntimeName(cfg.Runtime.Name)
	if cfg.Runtime.CPUs < 0 {
		errs = append(errs, fmt.Errorf("runtime.cpus %v must not be negative", cfg.Runtime.CPUs))
	}
	if cfg.Runtime.MemoryMB < 0 {
		errs = append(errs, fmt.Errorf("runtime.memory_mb %d must not be negative", cfg.Runtime.MemoryMB))
	}
	if cfg.Runtime.PullAttempts < 0 {
		errs = append(errs, fmt.Errorf("runtime.pull_attempts %d must not be negative", cfg.Runtime.PullAttempts))
	}
	for name, d := range map[string]int64{
		"runtime.pull_base_delay":   int64(cfg.Runtime.PullBaseDelay),
		"runtime.pull_max_delay":    int64(cfg.Runtime.PullMaxDelay),
		"runtime.pull_timeout":      int64(cfg.Runtime.PullTimeout),
		"workspace.retention":       int64(cfg.Workspace.Retention),
		"execution.grace_period":    int64(cfg.Execution.GracePeriod),
		"execution.default_timeout": int64(cfg.Execution.DefaultTimeout),
		"journal.retention":         int64(cfg.Journal.Retention),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	// Workspace
	for i, root := range cfg.Workspace.InputRoots {
		if !filepath.IsAbs(root) {
			errs = append(errs, fmt.Errorf("workspace.input_roots[%d] %q must be an absolute path", i, root))
		}
	}
	if cfg.Workspace.SweepSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Workspace.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("workspace.sweep_schedule %q is invalid: %w", cfg.Workspace.SweepSchedule, err))
		}
	}

	// Execution
	if cfg.Execution.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("execution.max_concurrent %d must not be negative", cfg.Execution.MaxConcurrent))
	}
	if cfg.Execution.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("execution.queue_depth %d must not be negative", cfg.Execution.QueueDepth))
	}
	if cfg.Execution.LogCapBytes < 0 || cfg.Execution.LogTailBytes < 0 {
		errs = append(errs, errors.New("execution.log_cap_bytes and execution.log_tail_bytes must not be negative"))
	}

	// Tools
	names := make([]string, 0, len(cfg.Tools))
	for name := range cfg.Tools {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		prefix := fmt.Sprintf("tools.%s", name)
		if _, ok := catalog.ParseToolID(name); !ok {
			errs = append(errs, fmt.Errorf("%s: unknown tool; valid tools: %v", prefix, catalog.AllTools()))
			continue
		}
		if cfg.Tools[name].Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must not be negative", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateRuntimeName logs a warning if name is non-empty and not one of
// [ValidRuntimeNames]. Third-party runtimes may be registered at startup.
func validateRuntimeName(name string) {
	if name == "" || slices.Contains(ValidRuntimeNames, name) {
		return
	}
	slog.Warn("unknown runtime name, may be a typo or a third-party runtime",
		"name", name,
		"known", ValidRuntimeNames,
	)
}

// CatalogOptions turns the tools section into registry options.
func (c *Config) CatalogOptions() []catalog.Option {
	var opts []catalog.Option
	for name, tc := range c.Tools {
		id, ok := catalog.ParseToolID(name)
		if !ok {
			continue
		}
		if tc.Image != "" {
			opts = append(opts, catalog.WithImage(id, tc.Image))
		}
		if tc.Timeout > 0 {
			opts = append(opts, catalog.WithTimeout(id, tc.Timeout))
		}
		if tc.ConcurrencySafe != nil {
			opts = append(opts, catalog.WithConcurrencySafe(id, *tc.ConcurrencySafe))
		}
	}
	return opts
}
