// Package catalog holds the fixed set of containerized tools the gateway can
// run.
//
// The catalog is a closed enumeration: every tool is a [ToolID] constant and
// its [Definition] lives in an array indexed by that constant. A [Registry] is
// built once at startup by [Default] and is read-only afterwards, so it is
// safe for concurrent use without synchronization.
package catalog

import (
	"fmt"
	"time"

	"github.com/MrWong99/neurogate/internal/toolerr"
)

// ToolID identifies a catalog entry.
type ToolID int

const (
	BrainExtraction ToolID = iota
	TissueSegmentation
	LinearRegistration
	FiberOrientationEstimation
	CorticalReconstruction

	numTools
)

var toolNames = [numTools]string{
	BrainExtraction:            "brain-extraction",
	TissueSegmentation:         "tissue-segmentation",
	LinearRegistration:         "linear-registration",
	FiberOrientationEstimation: "fiber-orientation-estimation",
	CorticalReconstruction:     "cortical-reconstruction",
}

// String returns the wire name of the tool, e.g. "brain-extraction".
func (id ToolID) String() string {
	if !id.IsValid() {
		return fmt.Sprintf("ToolID(%d)", int(id))
	}
	return toolNames[id]
}

// IsValid reports whether id names a catalog entry.
func (id ToolID) IsValid() bool {
	return id >= 0 && id < numTools
}

// ParseToolID maps a wire name to its ToolID.
func ParseToolID(name string) (ToolID, bool) {
	for id, n := range toolNames {
		if n == name {
			return ToolID(id), true
		}
	}
	return 0, false
}

// AllTools returns every ToolID in catalog order.
func AllTools() []ToolID {
	ids := make([]ToolID, numTools)
	for i := range ids {
		ids[i] = ToolID(i)
	}
	return ids
}

// Definition describes one tool. It is immutable once the registry that owns
// it has been constructed; callers must not modify any of its fields.
type Definition struct {
	ID          ToolID
	Description string

	// Params is the ordered parameter schema.
	Params []ParamSpec

	// Image is the container image reference.
	Image string

	// Command is the argv template. Each token renders to exactly one argv
	// element.
	Command []Token

	// Env is passed to the container verbatim.
	Env map[string]string

	// Outputs are the declared output patterns, relative to the workspace.
	Outputs []OutputSpec

	// Timeout is the per-tool wall-clock ceiling.
	Timeout time.Duration

	// ConcurrencySafe tools may run concurrently within one session.
	ConcurrencySafe bool
}

// Name is shorthand for d.ID.String().
func (d *Definition) Name() string { return d.ID.String() }

// Param returns the parameter named name.
func (d *Definition) Param(name string) (ParamSpec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Registry is the immutable tool table.
type Registry struct {
	defs [numTools]*Definition
}

// Option customises a registry during [Default].
type Option func(*[numTools]*Definition)

// WithImage overrides the image reference of a tool.
func WithImage(id ToolID, image string) Option {
	return func(defs *[numTools]*Definition) {
		if id.IsValid() && image != "" {
			defs[id].Image = image
		}
	}
}

// WithTimeout overrides the default wall-clock ceiling of a tool.
func WithTimeout(id ToolID, d time.Duration) Option {
	return func(defs *[numTools]*Definition) {
		if id.IsValid() && d > 0 {
			defs[id].Timeout = d
		}
	}
}

// WithConcurrencySafe marks a tool as safe to run concurrently within one
// session.
func WithConcurrencySafe(id ToolID, safe bool) Option {
	return func(defs *[numTools]*Definition) {
		if id.IsValid() {
			defs[id].ConcurrencySafe = safe
		}
	}
}

// WithCommand replaces the command template of a tool. Used by tests to point
// a tool at a stand-in binary.
func WithCommand(id ToolID, tokens ...Token) Option {
	return func(defs *[numTools]*Definition) {
		if id.IsValid() {
			defs[id].Command = tokens
		}
	}
}

// Default builds the registry from the built-in table, applying opts in order.
func Default(opts ...Option) *Registry {
	var defs [numTools]*Definition
	for id, build := range builtins {
		defs[id] = build()
	}
	for _, opt := range opts {
		opt(&defs)
	}
	return &Registry{defs: defs}
}

// Lookup returns the definition of the tool with the given wire name. Unknown
// names yield a [toolerr.KindNotFound] error.
func (r *Registry) Lookup(name string) (*Definition, error) {
	id, ok := ParseToolID(name)
	if !ok {
		return nil, toolerr.New(toolerr.KindNotFound, "unknown tool %q", name)
	}
	return r.defs[id], nil
}

// Get returns the definition for a known ToolID. It panics on an invalid id,
// which can only come from a programming error.
func (r *Registry) Get(id ToolID) *Definition {
	return r.defs[id]
}

// All returns every definition in catalog order.
func (r *Registry) All() []*Definition {
	out := make([]*Definition, 0, numTools)
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}
