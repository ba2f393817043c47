// Package runtime defines the container-runtime capability the execution
// manager depends on.
//
// The gateway never talks to a container engine directly. Everything it needs
// (health probing, image resolution, launch, signalling, removal and listing
// by label) is expressed by the [Runtime] interface, which is injected at
// startup. The docker subpackage implements it on top of the docker or podman
// command-line client; the mock subpackage provides an in-memory fake for
// tests.
//
// Implementations must be safe for concurrent use.
package runtime

import (
	"context"
	"errors"
	"io"
)

// Label keys attached to every container the gateway launches. The request
// identifier label is what crash recovery uses to find orphans.
const (
	LabelRequestID = "io.neurogate.request-id"
	LabelSession   = "io.neurogate.session"
	LabelTool      = "io.neurogate.tool"
	LabelInstance  = "io.neurogate.instance"
)

// Sentinel errors implementations wrap so callers can classify failures
// without parsing engine output.
var (
	// ErrUnavailable means the runtime endpoint could not be reached.
	ErrUnavailable = errors.New("runtime: unavailable")

	// ErrImageNotFound means the image reference does not exist in any
	// configured registry. Retrying will not help.
	ErrImageNotFound = errors.New("runtime: image not found")

	// ErrInvalidSpec means the runtime rejected the container definition,
	// e.g. a malformed mount.
	ErrInvalidSpec = errors.New("runtime: invalid container spec")

	// ErrNotFound means the referenced container does not exist.
	ErrNotFound = errors.New("runtime: container not found")
)

// Signal is a POSIX signal name understood by the runtime.
type Signal string

const (
	// SignalTerm asks the container's main process to exit gracefully.
	SignalTerm Signal = "SIGTERM"
	// SignalKill terminates the container immediately.
	SignalKill Signal = "SIGKILL"
)

// Mount binds a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Resources are the ceilings applied to a container. Zero values mean no
// limit.
type Resources struct {
	// CPUs is the number of CPUs, fractional values allowed.
	CPUs float64
	// MemoryBytes is the hard memory limit.
	MemoryBytes int64
}

// LaunchSpec fully describes a container to start.
type LaunchSpec struct {
	// Name is the container name. It must be unique among live containers.
	Name string

	Image string

	// Command is the argv executed in the container. Each element is passed
	// as a discrete argument; no shell is involved.
	Command []string

	Env     map[string]string
	Mounts  []Mount
	WorkDir string
	Labels  map[string]string

	Resources Resources

	// Network is the network mode. Empty selects the runtime default.
	Network string

	// Stdout and Stderr receive the container's output streams. Nil
	// discards.
	Stdout io.Writer
	Stderr io.Writer
}

// Exit describes how a container's main process ended.
type Exit struct {
	// Code is the process exit code. Processes killed by a signal report
	// 128+signal by convention.
	Code int

	// OOMKilled is true when the memory ceiling was hit.
	OOMKilled bool
}

// Process is a started container.
type Process interface {
	// ID returns the runtime's container identifier.
	ID() string

	// Wait blocks until the container exits and its output streams have
	// been fully written, then reports the exit status. It may be called
	// from multiple goroutines and always returns the same result.
	Wait() (Exit, error)
}

// ContainerInfo is one entry returned by [Runtime.ListLabeled].
type ContainerInfo struct {
	ID      string
	Name    string
	Labels  map[string]string
	Running bool
}

// Runtime is the injected container-engine capability.
type Runtime interface {
	// Ping checks that the runtime endpoint is reachable. It returns an error
	// wrapping ErrUnavailable when it is not.
	Ping(ctx context.Context) error

	// ImagePresent reports whether ref is in the local image cache.
	ImagePresent(ctx context.Context, ref string) (bool, error)

	// Pull fetches ref into the local image cache.
	Pull(ctx context.Context, ref string) error

	// Launch creates and starts a container. The returned Process outlives
	// ctx: cancelling ctx after Launch returns does not stop the container.
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)

	// Signal delivers sig to the container's main process. Signalling a
	// container that already exited is not an error.
	Signal(ctx context.Context, id string, sig Signal) error

	// Remove deletes the container and its anonymous volumes, stopping it if
	// necessary. Removing a container that does not exist is not an error.
	Remove(ctx context.Context, id string) error

	// ListLabeled returns every container, running or not, that carries the
	// label key.
	ListLabeled(ctx context.Context, key string) ([]ContainerInfo, error)
}
