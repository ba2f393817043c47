// Package result turns the raw facts of an execution into the single verdict
// returned to callers.
//
// The execution manager never decides success. [Collector.Interpret] applies
// the policy: a run succeeded only if the container exited 0 and every
// required declared output exists and is non-empty.
package result

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/neurogate/internal/catalog"
	"github.com/MrWong99/neurogate/internal/execution"
	"github.com/MrWong99/neurogate/internal/toolerr"
	"github.com/MrWong99/neurogate/internal/workspace"
)

// Status is the caller-visible outcome.
type Status int

const (
	Success Status = iota
	Failed
	TimedOut
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case Failed:
		return "Failed"
	case TimedOut:
		return "TimedOut"
	case Cancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	for _, c := range []Status{Success, Failed, TimedOut, Cancelled} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("result: unknown status %q", b)
}

// OutputFile is one probed declared output.
type OutputFile struct {
	Path     string `json:"path"`
	Exists   bool   `json:"exists"`
	Size     int64  `json:"size"`
	Required bool   `json:"required"`
	Dir      bool   `json:"dir,omitempty"`
}

// ExecutionResult is the normalized outcome of one request.
type ExecutionResult struct {
	RequestID string    `json:"request_id"`
	SessionID string    `json:"session_id"`
	Tool      string    `json:"tool"`
	Status    Status    `json:"status"`
	ExitCode  int       `json:"exit_code"`
	Started   time.Time `json:"started,omitzero"`
	Ended     time.Time `json:"ended,omitzero"`

	Outputs []OutputFile `json:"outputs"`

	Stdout          string `json:"stdout,omitempty"`
	Stderr          string `json:"stderr,omitempty"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`

	Error *toolerr.Error `json:"error,omitempty"`
}

// Collector interprets executions.
type Collector struct {
	// TailBytes caps the stdout and stderr tails in a result. Default: 4 KiB.
	TailBytes int
}

func (c *Collector) tailBytes() int {
	if c == nil || c.TailBytes <= 0 {
		return 4 << 10
	}
	return c.TailBytes
}

// Interpret builds the result for exec. Declared outputs are probed under
// workspaceRoot, the session's canonical workspace.
func (c *Collector) Interpret(exec *execution.Execution, def *catalog.Definition, vals catalog.Values, workspaceRoot string) *ExecutionResult {
	res := &ExecutionResult{
		RequestID: exec.RequestID,
		SessionID: exec.SessionID,
		Tool:      def.Name(),
		ExitCode:  exec.ExitCode,
		Started:   exec.Started,
		Ended:     exec.Ended,
	}
	res.Stdout, res.StdoutTruncated = Tail(exec.Stdout, c.tailBytes())
	res.Stderr, res.StderrTruncated = Tail(exec.Stderr, c.tailBytes())

	expected, err := def.ExpectedOutputs(vals)
	if err != nil {
		res.Status = Failed
		res.Error = toolerr.Wrap(toolerr.KindInternal, err, "declared outputs of %s could not be expanded", def.Name())
		return res
	}
	res.Outputs = Probe(workspaceRoot, expected)

	switch exec.State {
	case execution.Completed:
		c.judge(res, exec)
	case execution.TimedOut:
		res.Status = TimedOut
		res.Error = &toolerr.Error{
			Kind:       toolerr.KindExecutionTimeout,
			Message:    fmt.Sprintf("%s did not finish before its deadline and was terminated", def.Name()),
			StderrTail: res.Stderr,
		}
	case execution.Cancelled:
		res.Status = Cancelled
		res.Error = toolerr.New(toolerr.KindExecutionCancelled, "%s was cancelled", def.Name())
	case execution.Failed:
		res.Status = Failed
		res.Error = exec.Err
		if res.Error == nil {
			res.Error = toolerr.New(toolerr.KindExecutionFailed, "%s failed", def.Name())
		}
	default:
		res.Status = Failed
		res.Error = toolerr.New(toolerr.KindInternal, "execution ended in non-terminal state %s", exec.State)
	}
	return res
}

// judge applies the success policy to a container that exited on its own.
func (c *Collector) judge(res *ExecutionResult, exec *execution.Execution) {
	var missing []string
	for _, o := range res.Outputs {
		if o.Required && (!o.Exists || o.Size == 0) {
			missing = append(missing, o.Path)
		}
	}
	if exec.ExitCode == 0 && len(missing) == 0 {
		res.Status = Success
		return
	}

	res.Status = Failed
	e := &toolerr.Error{Kind: toolerr.KindExecutionFailed, StderrTail: res.Stderr}
	switch {
	case exec.OOMKilled:
		e.Message = fmt.Sprintf("%s exceeded its memory limit (exit code %d)", res.Tool, exec.ExitCode)
	case exec.ExitCode != 0:
		e.Message = fmt.Sprintf("%s exited with code %d", res.Tool, exec.ExitCode)
	default:
		e.Message = fmt.Sprintf("%s exited 0 but did not produce %s", res.Tool, strings.Join(missing, ", "))
	}
	if len(missing) > 0 {
		e.File = missing[0]
	}
	res.Error = e
}

// Probe stats every expected output under root. Outputs are checked
// concurrently; the result preserves the input order. Paths that escape
// root are reported as missing.
func Probe(root string, expected []catalog.ExpectedOutput) []OutputFile {
	out := make([]OutputFile, len(expected))
	var g errgroup.Group
	g.SetLimit(8)
	for i, exp := range expected {
		out[i] = OutputFile{Path: exp.Path, Required: exp.Required, Dir: exp.Dir}
		g.Go(func() error {
			p, err := workspace.Contain(root, exp.Path)
			if err != nil {
				return nil
			}
			info, err := os.Stat(p)
			if err != nil {
				return nil
			}
			if exp.Dir {
				if !info.IsDir() {
					return nil
				}
				entries, err := os.ReadDir(p)
				if err != nil {
					return nil
				}
				out[i].Exists = true
				out[i].Size = int64(len(entries))
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			out[i].Exists = true
			out[i].Size = info.Size()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Tail renders captured output capped to limit bytes. Dropped bytes are
// announced by a leading "[truncated N bytes]" marker line, never silently
// discarded.
func Tail(o execution.Output, limit int) (string, bool) {
	data := o.Tail
	dropped := o.Dropped
	if len(data) > limit {
		dropped += int64(len(data) - limit)
		data = data[len(data)-limit:]
	}
	s := strings.ToValidUTF8(string(data), "")
	if dropped == 0 {
		return s, false
	}
	return fmt.Sprintf("[truncated %d bytes]\n%s", dropped, s), true
}
