// Package mock provides an in-memory runtime.Runtime for tests.
//
// Containers "run" a Go function instead of a process. The function receives
// a context that is cancelled when the container is signalled, which lets
// tests model tools that exit quickly, sleep past their deadline, or ignore
// graceful termination.
//
// Example:
//
//	rt := mock.New()
//	rt.Behavior = func(ctx context.Context, spec runtime.LaunchSpec) runtime.Exit {
//	    select {
//	    case <-time.After(10 * time.Second):
//	        return runtime.Exit{}
//	    case <-ctx.Done():
//	        return runtime.Exit{Code: 143}
//	    }
//	}
package mock

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/MrWong99/neurogate/pkg/runtime"
)

// Behavior is what a launched container does. It must return once ctx is
// done (ctx is cancelled on SIGKILL, and on SIGTERM unless IgnoreTerm is
// set).
type Behavior func(ctx context.Context, spec runtime.LaunchSpec) runtime.Exit

// SignalCall records one Signal invocation.
type SignalCall struct {
	ID     string
	Signal runtime.Signal
	At     time.Time
}

// Container is the mock's record of one container.
type Container struct {
	Spec     runtime.LaunchSpec
	Info     runtime.ContainerInfo
	Started  time.Time
	Finished time.Time
	Exit     runtime.Exit
	Signals  []runtime.Signal
	Removed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Runtime is a mock implementation of runtime.Runtime. Configure the exported
// fields before use; they must not be changed while calls are in flight.
type Runtime struct {
	// PingErr, if non-nil, is returned by Ping.
	PingErr error

	// PullErrs are returned by successive Pull calls. Once exhausted, Pull
	// succeeds and marks the image present.
	PullErrs []error

	// PullDelay is slept inside every Pull.
	PullDelay time.Duration

	// LaunchErr, if non-nil, is returned by Launch.
	LaunchErr error

	// LaunchLeaves makes a failing Launch leave a stopped container with the
	// requested name behind, as an engine does when start fails after create.
	LaunchLeaves bool

	// Behavior runs inside every launched container. Nil exits 0 at once.
	Behavior Behavior

	// IgnoreTerm makes containers ignore SIGTERM, forcing a SIGKILL.
	IgnoreTerm bool

	mu         sync.Mutex
	images     map[string]bool
	pulls      []string
	pullCalls  int
	containers map[string]*Container
	order      []string
	signals    []SignalCall
	running    int
	maxRunning int
	seq        int
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns an empty mock runtime.
func New() *Runtime {
	return &Runtime{
		images:     make(map[string]bool),
		containers: make(map[string]*Container),
	}
}

// AddImage marks ref as present in the local cache.
func (r *Runtime) AddImage(ref string) {
	r.mu.Lock()
	r.images[ref] = true
	r.mu.Unlock()
}

// AddContainer registers a pre-existing container, e.g. an orphan left by a
// previous gateway process.
func (r *Runtime) AddContainer(info runtime.ContainerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addContainer(info)
}

func (r *Runtime) addContainer(info runtime.ContainerInfo) {
	c := &Container{Info: info, done: make(chan struct{})}
	var once sync.Once
	// Called with r.mu held.
	c.cancel = func() {
		once.Do(func() {
			c.Info.Running = false
			close(c.done)
		})
	}
	if !info.Running {
		c.cancel()
	}
	r.containers[info.ID] = c
	r.order = append(r.order, info.ID)
}

// Ping implements runtime.Runtime.
func (r *Runtime) Ping(ctx context.Context) error {
	if r.PingErr != nil {
		return r.PingErr
	}
	return ctx.Err()
}

// ImagePresent implements runtime.Runtime.
func (r *Runtime) ImagePresent(_ context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[ref], nil
}

// Pull implements runtime.Runtime.
func (r *Runtime) Pull(ctx context.Context, ref string) error {
	if r.PullDelay > 0 {
		select {
		case <-time.After(r.PullDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls = append(r.pulls, ref)
	n := r.pullCalls
	r.pullCalls++
	if n < len(r.PullErrs) && r.PullErrs[n] != nil {
		return r.PullErrs[n]
	}
	r.images[ref] = true
	return nil
}

// Launch implements runtime.Runtime.
func (r *Runtime) Launch(_ context.Context, spec runtime.LaunchSpec) (runtime.Process, error) {
	if r.LaunchErr != nil {
		if r.LaunchLeaves {
			r.mu.Lock()
			r.seq++
			r.addContainer(runtime.ContainerInfo{
				ID:     fmt.Sprintf("mock-%04d", r.seq),
				Name:   spec.Name,
				Labels: maps.Clone(spec.Labels),
			})
			r.mu.Unlock()
		}
		return nil, r.LaunchErr
	}
	r.mu.Lock()
	if !r.images[spec.Image] {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", runtime.ErrImageNotFound, spec.Image)
	}
	r.seq++
	id := fmt.Sprintf("mock-%04d", r.seq)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Container{
		Spec: spec,
		Info: runtime.ContainerInfo{
			ID:      id,
			Name:    spec.Name,
			Labels:  maps.Clone(spec.Labels),
			Running: true,
		},
		Started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.containers[id] = c
	r.order = append(r.order, id)
	r.running++
	r.maxRunning = max(r.maxRunning, r.running)
	behavior := r.Behavior
	r.mu.Unlock()

	go func() {
		exit := runtime.Exit{}
		if behavior != nil {
			exit = behavior(ctx, spec)
		}
		r.mu.Lock()
		c.Exit = exit
		c.Finished = time.Now()
		c.Info.Running = false
		r.running--
		r.mu.Unlock()
		cancel()
		close(c.done)
	}()
	return &process{c: c, r: r}, nil
}

type process struct {
	c *Container
	r *Runtime
}

func (p *process) ID() string { return p.c.Info.ID }

func (p *process) Wait() (runtime.Exit, error) {
	<-p.c.done
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	return p.c.Exit, nil
}

// Signal implements runtime.Runtime.
func (r *Runtime) Signal(_ context.Context, id string, sig runtime.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok || c.Removed {
		return fmt.Errorf("%w: %s", runtime.ErrNotFound, id)
	}
	r.signals = append(r.signals, SignalCall{ID: id, Signal: sig, At: time.Now()})
	c.Signals = append(c.Signals, sig)
	if sig == runtime.SignalKill || !r.IgnoreTerm {
		c.cancel()
	}
	return nil
}

// Remove implements runtime.Runtime.
func (r *Runtime) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.lookup(id)
	if !ok {
		r.mu.Unlock()
		return nil
	}
	c.Removed = true
	c.cancel()
	r.mu.Unlock()
	<-c.done
	return nil
}

// lookup finds a container by ID or, like the engines, by name.
func (r *Runtime) lookup(ref string) (*Container, bool) {
	if c, ok := r.containers[ref]; ok {
		return c, true
	}
	for _, id := range r.order {
		if c := r.containers[id]; c.Info.Name == ref && ref != "" && !c.Removed {
			return c, true
		}
	}
	return nil, false
}

// ListLabeled implements runtime.Runtime.
func (r *Runtime) ListLabeled(_ context.Context, key string) ([]runtime.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []runtime.ContainerInfo
	for _, id := range r.order {
		c := r.containers[id]
		if c.Removed {
			continue
		}
		if _, ok := c.Info.Labels[key]; ok {
			info := c.Info
			info.Labels = maps.Clone(c.Info.Labels)
			out = append(out, info)
		}
	}
	return out, nil
}

// Pulls returns the image references passed to Pull, in call order.
func (r *Runtime) Pulls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pulls...)
}

// Signals returns every recorded Signal call.
func (r *Runtime) Signals() []SignalCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SignalCall(nil), r.signals...)
}

// Containers returns snapshots of every container in launch order.
func (r *Runtime) Containers() []Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Container, 0, len(r.order))
	for _, id := range r.order {
		c := *r.containers[id]
		c.Signals = append([]runtime.Signal(nil), c.Signals...)
		out = append(out, c)
	}
	return out
}

// Live returns the number of containers that have not been removed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.containers {
		if !c.Removed {
			n++
		}
	}
	return n
}

// MaxRunning returns the highest number of simultaneously running
// containers observed.
func (r *Runtime) MaxRunning() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxRunning
}
