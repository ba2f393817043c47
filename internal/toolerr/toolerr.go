// Package toolerr defines the caller-facing error taxonomy of the gateway.
//
// Every failure that crosses the remote-call boundary is an [*Error] carrying
// a [Kind]. Messages are written for the calling agent; raw container-runtime
// output never ends up in Message (only the tool's own stderr tail does, in
// StderrTail).
package toolerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the failure modes a caller can act on.
type Kind int

const (
	// KindInternal is a gateway bug or an unclassified failure.
	KindInternal Kind = iota
	// KindNotFound means the tool identifier (or session) is unknown.
	KindNotFound
	// KindValidation means one or more parameters violated the tool schema.
	KindValidation
	// KindPathEscape means a path resolved outside the session sandbox.
	KindPathEscape
	// KindImagePull means the tool image could not be pulled after retries.
	KindImagePull
	// KindContainerLaunch means the runtime was unreachable or rejected the
	// container definition. Not retried.
	KindContainerLaunch
	// KindExecutionTimeout means the deadline elapsed before the tool exited.
	KindExecutionTimeout
	// KindExecutionCancelled means the caller cancelled the request.
	KindExecutionCancelled
	// KindExecutionFailed means a non-zero exit or missing declared outputs.
	KindExecutionFailed
	// KindResourceExhausted means the admission queue was full.
	KindResourceExhausted
)

var kindNames = [...]string{
	KindInternal:           "InternalError",
	KindNotFound:           "NotFoundError",
	KindValidation:         "ValidationError",
	KindPathEscape:         "PathEscapeError",
	KindImagePull:          "ImagePullError",
	KindContainerLaunch:    "ContainerLaunchError",
	KindExecutionTimeout:   "ExecutionTimeout",
	KindExecutionCancelled: "ExecutionCancelled",
	KindExecutionFailed:    "ExecutionFailed",
	KindResourceExhausted:  "ResourceExhausted",
}

// String returns the taxonomy name of k.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalText implements [encoding.TextMarshaler] so kinds serialise by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *Kind) UnmarshalText(b []byte) error {
	for i, name := range kindNames {
		if name == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("toolerr: unknown kind %q", b)
}

// Violation is a single parameter problem reported by validation.
type Violation struct {
	Param   string `json:"param"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Param + ": " + v.Message
}

// Error is the normalized, structured error returned to callers.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// Param names the offending parameter, when there is exactly one.
	Param string `json:"param,omitempty"`

	// File names the offending file or declared output, if any.
	File string `json:"file,omitempty"`

	// Violations lists every parameter problem for KindValidation.
	Violations []Violation `json:"violations,omitempty"`

	// StderrTail is the truncated tail of the tool's stderr for
	// KindExecutionFailed and KindExecutionTimeout.
	StderrTail string `json:"stderr_tail,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	for i, v := range e.Violations {
		if i == 0 {
			b.WriteString(" [")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(v.String())
		if i == len(e.Violations)-1 {
			b.WriteString("]")
		}
	}
	return b.String()
}

// Unwrap returns the internal cause. It is never shown to callers.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error of the same kind. This lets callers
// write errors.Is(err, toolerr.ErrResourceExhausted).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.cause == nil
}

// Kind sentinels usable with errors.Is.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrPathEscape        = &Error{Kind: KindPathEscape}
	ErrImagePull         = &Error{Kind: KindImagePull}
	ErrContainerLaunch   = &Error{Kind: KindContainerLaunch}
	ErrExecutionTimeout  = &Error{Kind: KindExecutionTimeout}
	ErrExecutionCanceled = &Error{Kind: KindExecutionCancelled}
	ErrExecutionFailed   = &Error{Kind: KindExecutionFailed}
	ErrResourceExhausted = &Error{Kind: KindResourceExhausted}
)

// New returns an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind that keeps cause for logging and
// errors.Is/As chains. cause's text does not appear in the message.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Validation builds a KindValidation error from the given violations.
func Validation(violations []Violation) *Error {
	msg := "1 parameter is invalid"
	if len(violations) != 1 {
		msg = fmt.Sprintf("%d parameters are invalid", len(violations))
	}
	e := &Error{Kind: KindValidation, Message: msg, Violations: violations}
	if len(violations) == 1 {
		e.Param = violations[0].Param
	}
	return e
}

// PathEscape builds a KindPathEscape error for path.
func PathEscape(param, path string) *Error {
	return &Error{
		Kind:    KindPathEscape,
		Message: fmt.Sprintf("path %q resolves outside the session workspace", path),
		Param:   param,
		File:    path,
	}
}

// KindOf returns the Kind of err. Nil yields KindInternal with ok false, as
// does any error that is not an *Error.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return KindInternal, false
}

// As extracts the *Error from err, wrapping unknown errors as KindInternal.
// It returns nil for a nil err.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return Wrap(KindInternal, err, "internal gateway error")
}
