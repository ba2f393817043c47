// Package docker implements runtime.Runtime on top of the docker command-line
// client. The podman CLI accepts the same subcommands and flags, so the same
// implementation serves both engines; only the binary and the environment
// variable naming the endpoint differ.
package docker

import (
	"bytes"
	"encoding/csv"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/neurogate/pkg/runtime"
)

// Config configures a CLI runtime.
type Config struct {
	// Binary is the CLI executable. Defaults to "docker".
	Binary string

	// Endpoint, if set, is exported to the CLI through HostEnv. For docker
	// this is e.g. "unix:///var/run/docker.sock".
	Endpoint string

	// HostEnv is the variable carrying Endpoint. Defaults to "DOCKER_HOST".
	HostEnv string
}

// Runtime drives a container engine through its CLI.
type Runtime struct {
	bin string
	env []string
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns a CLI runtime. It does not contact the engine.
func New(cfg Config) *Runtime {
	bin := strings.TrimSpace(cfg.Binary)
	if bin == "" {
		bin = "docker"
	}
	r := &Runtime{bin: bin}
	if cfg.Endpoint != "" {
		key := cfg.HostEnv
		if key == "" {
			key = "DOCKER_HOST"
		}
		r.env = append(os.Environ(), key+"="+cfg.Endpoint)
	}
	return r
}

// NewPodman returns a CLI runtime using the podman binary.
func NewPodman(binary, endpoint string) *Runtime {
	if binary == "" {
		binary = "podman"
	}
	return New(Config{Binary: binary, Endpoint: endpoint, HostEnv: "CONTAINER_HOST"})
}

func (r *Runtime) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	if r.env != nil {
		cmd.Env = r.env
	}
	return cmd
}

// run executes a CLI subcommand and returns its trimmed stdout. Failures are
// classified from stderr into the runtime sentinel errors.
func (r *Runtime) run(ctx context.Context, args ...string) (string, error) {
	cmd := r.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), classify(args[0], err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func classify(sub string, err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	low := strings.ToLower(msg)
	var sentinel error
	switch {
	case errors.Is(err, exec.ErrNotFound),
		strings.Contains(low, "cannot connect to the docker daemon"),
		strings.Contains(low, "is the docker daemon running"),
		strings.Contains(low, "unable to connect to podman"),
		strings.Contains(low, "connection refused"):
		sentinel = runtime.ErrUnavailable
	case strings.Contains(low, "no such container"),
		strings.Contains(low, "no container with name or id"):
		sentinel = runtime.ErrNotFound
	case strings.Contains(low, "manifest unknown"),
		strings.Contains(low, "pull access denied"),
		strings.Contains(low, "repository does not exist"),
		strings.Contains(low, "not found: manifest"),
		strings.Contains(low, "no such image"):
		sentinel = runtime.ErrImageNotFound
	case strings.Contains(low, "invalid mount"),
		strings.Contains(low, "invalid volume"),
		strings.Contains(low, "invalid reference format"),
		strings.Contains(low, "invalid argument"):
		sentinel = runtime.ErrInvalidSpec
	}
	if sentinel != nil {
		return fmt.Errorf("%w: %s: %s", sentinel, sub, msg)
	}
	return fmt.Errorf("runtime: %s: %w: %s", sub, err, msg)
}

// Ping implements runtime.Runtime.
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.run(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil && !errors.Is(err, runtime.ErrUnavailable) {
		err = fmt.Errorf("%w: %w", runtime.ErrUnavailable, err)
	}
	return err
}

// ImagePresent implements runtime.Runtime.
func (r *Runtime) ImagePresent(ctx context.Context, ref string) (bool, error) {
	_, err := r.run(ctx, "image", "inspect", "--format", "{{.Id}}", ref)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, runtime.ErrImageNotFound):
		return false, nil
	case errors.Is(err, runtime.ErrUnavailable):
		return false, err
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

// Pull implements runtime.Runtime.
func (r *Runtime) Pull(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "pull", "--quiet", ref)
	return err
}

// createArgs renders spec into `create` arguments. Every value is a separate
// argv element.
func createArgs(spec runtime.LaunchSpec) []string {
	args := []string{"create"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	for _, k := range slices.Sorted(maps.Keys(spec.Labels)) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		args = append(args, "--env", k+"="+spec.Env[k])
	}
	for _, m := range spec.Mounts {
		args = append(args, "--mount", mountArg(m))
	}
	if spec.WorkDir != "" {
		args = append(args, "--workdir", spec.WorkDir)
	}
	if spec.Resources.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.Resources.CPUs, 'f', -1, 64))
	}
	if spec.Resources.MemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatInt(spec.Resources.MemoryBytes, 10)+"b")
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	return args
}

// mountArg renders m as a --mount value. The CLI parses the value as one CSV
// record, so fields holding a comma or quote are quoted to keep a path from
// contributing keys of its own.
func mountArg(m runtime.Mount) string {
	fields := []string{"type=bind", "source=" + m.Source, "target=" + m.Target}
	if m.ReadOnly {
		fields = append(fields, "readonly")
	}
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write(fields) // strings.Builder never fails
	w.Flush()
	return strings.TrimSuffix(b.String(), "\n")
}

// Launch implements runtime.Runtime. The container is created first so that it
// exists (and carries its labels) before anything runs, then started attached
// so its output streams flow into spec.Stdout and spec.Stderr.
func (r *Runtime) Launch(ctx context.Context, spec runtime.LaunchSpec) (runtime.Process, error) {
	id, err := r.run(ctx, createArgs(spec)...)
	if err != nil {
		return nil, err
	}

	// The attached client must survive ctx; termination goes through Signal.
	cmd := r.command(context.WithoutCancel(ctx), "start", "--attach", id)
	cmd.Stdout = orDiscard(spec.Stdout)
	cmd.Stderr = orDiscard(spec.Stderr)
	if err := cmd.Start(); err != nil {
		_ = r.Remove(context.WithoutCancel(ctx), id)
		return nil, classify("start", err, "")
	}
	p := &process{id: id, rt: r, cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

type process struct {
	id   string
	rt   *Runtime
	cmd  *exec.Cmd
	done chan struct{}

	once sync.Once
	exit runtime.Exit
	err  error
}

func (p *process) ID() string { return p.id }

func (p *process) wait() {
	defer close(p.done)
	waitErr := p.cmd.Wait()

	// The attached client's exit code mirrors the container's, but inspect
	// is authoritative and also reports OOM kills.
	out, err := p.rt.run(context.Background(), "inspect", "--format", "{{.State.ExitCode}} {{.State.OOMKilled}}", p.id)
	if err == nil {
		code, oom, ok := parseState(out)
		if ok {
			p.exit = runtime.Exit{Code: code, OOMKilled: oom}
			return
		}
	}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		p.exit = runtime.Exit{Code: 0}
	case errors.As(waitErr, &exitErr):
		p.exit = runtime.Exit{Code: exitErr.ExitCode()}
	default:
		p.err = fmt.Errorf("runtime: wait %s: %w", p.id, waitErr)
	}
	slog.Debug("docker: inspect after exit failed, using client exit code", "container", p.id, "err", err)
}

func parseState(s string) (code int, oom bool, ok bool) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, false, false
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false, false
	}
	return code, fields[1] == "true", true
}

func (p *process) Wait() (runtime.Exit, error) {
	<-p.done
	return p.exit, p.err
}

// Signal implements runtime.Runtime.
func (r *Runtime) Signal(ctx context.Context, id string, sig runtime.Signal) error {
	_, err := r.run(ctx, "kill", "--signal", string(sig), id)
	if err != nil && isNotRunning(err) {
		return nil
	}
	return err
}

func isNotRunning(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "is not running") || strings.Contains(s, "can only kill running containers")
}

// Remove implements runtime.Runtime.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	_, err := r.run(ctx, "rm", "--force", "--volumes", id)
	if errors.Is(err, runtime.ErrNotFound) {
		return nil
	}
	return err
}

// ListLabeled implements runtime.Runtime.
func (r *Runtime) ListLabeled(ctx context.Context, key string) ([]runtime.ContainerInfo, error) {
	out, err := r.run(ctx, "ps", "--all", "--no-trunc",
		"--filter", "label="+key,
		"--format", "{{.ID}}\t{{.Names}}\t{{.State}}\t{{.Labels}}")
	if err != nil {
		return nil, err
	}
	return parsePS(out), nil
}

func parsePS(out string) []runtime.ContainerInfo {
	var list []runtime.ContainerInfo
	for line := range strings.SplitSeq(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 4)
		if len(fields) < 3 {
			continue
		}
		info := runtime.ContainerInfo{
			ID:      fields[0],
			Name:    fields[1],
			Running: strings.EqualFold(fields[2], "running"),
			Labels:  map[string]string{},
		}
		if len(fields) == 4 {
			for kv := range strings.SplitSeq(fields[3], ",") {
				k, v, ok := strings.Cut(kv, "=")
				if ok {
					info.Labels[strings.TrimSpace(k)] = v
				}
			}
		}
		list = append(list, info)
	}
	return list
}
