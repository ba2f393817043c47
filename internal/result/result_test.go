package result

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/neurogate/internal/catalog"
	"github.com/MrWong99/neurogate/internal/execution"
	"github.com/MrWong99/neurogate/internal/toolerr"
)

func betValues() catalog.Values {
	return catalog.Values{
		"input_file":           "/inputs/t1.nii.gz",
		"output_prefix":        "brain",
		"fractional_intensity": 0.5,
		"generate_binary_mask": true,
	}
}

func writeFile(t *testing.T, dir, name string, size int) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(strings.Repeat("x", size)), 0o644); err != nil {
		t.Fatal(err)
	}
}

func completed(code int) *execution.Execution {
	return &execution.Execution{
		RequestID: "req-1",
		SessionID: "s1",
		Tool:      catalog.BrainExtraction,
		State:     execution.Completed,
		ExitCode:  code,
	}
}

func TestInterpret_Success(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	writeFile(t, ws, "brain.nii.gz", 128)
	writeFile(t, ws, "brain_mask.nii.gz", 64)

	def := catalog.Default().Get(catalog.BrainExtraction)
	res := (&Collector{}).Interpret(completed(0), def, betValues(), ws)

	if res.Status != Success {
		t.Fatalf("Status = %v, want Success (err %v)", res.Status, res.Error)
	}
	if res.Error != nil {
		t.Errorf("Error = %v, want nil", res.Error)
	}
	if len(res.Outputs) != 2 {
		t.Fatalf("got %d outputs, want 2", len(res.Outputs))
	}
	if o := res.Outputs[0]; o.Path != "brain.nii.gz" || !o.Exists || o.Size != 128 {
		t.Errorf("Outputs[0] = %+v", o)
	}
}

func TestInterpret_ExitZeroMissingOutputFails(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	writeFile(t, ws, "brain.nii.gz", 128)

	def := catalog.Default().Get(catalog.BrainExtraction)
	res := (&Collector{}).Interpret(completed(0), def, betValues(), ws)

	if res.Status != Failed {
		t.Fatalf("Status = %v, want Failed", res.Status)
	}
	if !errors.Is(res.Error, toolerr.ErrExecutionFailed) {
		t.Fatalf("Error = %v, want ExecutionFailed", res.Error)
	}
	if res.Error.File != "brain_mask.nii.gz" {
		t.Errorf("File = %q, want brain_mask.nii.gz", res.Error.File)
	}
}

func TestInterpret_EmptyOutputCountsAsMissing(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	writeFile(t, ws, "brain.nii.gz", 0)
	writeFile(t, ws, "brain_mask.nii.gz", 10)

	def := catalog.Default().Get(catalog.BrainExtraction)
	res := (&Collector{}).Interpret(completed(0), def, betValues(), ws)
	if res.Status != Failed || res.Error.File != "brain.nii.gz" {
		t.Fatalf("Status = %v, Error = %v", res.Status, res.Error)
	}
}

func TestInterpret_NonZeroExitFailsEvenWithOutputs(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	writeFile(t, ws, "brain.nii.gz", 128)
	writeFile(t, ws, "brain_mask.nii.gz", 64)

	exec := completed(2)
	exec.Stderr = execution.Output{Tail: []byte("Image Exception : #22 :: Failed to read volume\n")}
	def := catalog.Default().Get(catalog.BrainExtraction)
	res := (&Collector{}).Interpret(exec, def, betValues(), ws)

	if res.Status != Failed {
		t.Fatalf("Status = %v, want Failed", res.Status)
	}
	if !strings.Contains(res.Error.Message, "code 2") {
		t.Errorf("Message = %q", res.Error.Message)
	}
	if !strings.Contains(res.Error.StderrTail, "Failed to read volume") {
		t.Errorf("StderrTail = %q", res.Error.StderrTail)
	}
}

func TestInterpret_OptionalOutputDoesNotAffectSuccess(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	writeFile(t, ws, "out.nii.gz", 10)

	def := catalog.Default().Get(catalog.LinearRegistration)
	vals := catalog.Values{
		"input_file": "/inputs/a", "reference_file": "/inputs/b",
		"output_file": "out.nii.gz", "output_matrix": "out.mat",
		"dof": 12, "cost": "corratio",
	}
	exec := completed(0)
	exec.Tool = catalog.LinearRegistration
	res := (&Collector{}).Interpret(exec, def, vals, ws)
	if res.Status != Success {
		t.Fatalf("Status = %v, Error = %v", res.Status, res.Error)
	}
	if res.Outputs[1].Exists || res.Outputs[1].Required {
		t.Errorf("matrix output = %+v", res.Outputs[1])
	}
}

func TestInterpret_DirectoryOutput(t *testing.T) {
	t.Parallel()
	def := catalog.Default().Get(catalog.CorticalReconstruction)
	vals := catalog.Values{"input_file": "/inputs/t1", "subject_id": "sub01", "threads": 1}
	exec := completed(0)
	exec.Tool = catalog.CorticalReconstruction

	ws := t.TempDir()
	if err := os.Mkdir(filepath.Join(ws, "sub01"), 0o755); err != nil {
		t.Fatal(err)
	}
	res := (&Collector{}).Interpret(exec, def, vals, ws)
	if res.Status != Failed || res.Error.File != "sub01" {
		t.Fatalf("empty subject dir: Status = %v, Error = %v", res.Status, res.Error)
	}

	for _, f := range []string{"mri/brain.mgz", "mri/aseg.mgz", "surf/lh.pial", "surf/rh.pial", "surf/lh.white", "surf/rh.white"} {
		writeFile(t, ws, filepath.Join("sub01", f), 8)
	}
	res = (&Collector{}).Interpret(exec, def, vals, ws)
	if res.Status != Success {
		t.Fatalf("Status = %v, Error = %v", res.Status, res.Error)
	}
	if !res.Outputs[0].Dir || res.Outputs[0].Size != 2 {
		t.Errorf("dir output = %+v", res.Outputs[0])
	}
}

func TestInterpret_TerminalStates(t *testing.T) {
	t.Parallel()
	def := catalog.Default().Get(catalog.BrainExtraction)
	pull := toolerr.New(toolerr.KindImagePull, "image could not be pulled")

	tests := []struct {
		name   string
		state  execution.State
		err    *toolerr.Error
		status Status
		want   error
	}{
		{name: "timed out", state: execution.TimedOut, status: TimedOut, want: toolerr.ErrExecutionTimeout},
		{name: "cancelled", state: execution.Cancelled, status: Cancelled, want: toolerr.ErrExecutionCanceled},
		{name: "pull failure", state: execution.Failed, err: pull, status: Failed, want: toolerr.ErrImagePull},
		{name: "failed without detail", state: execution.Failed, status: Failed, want: toolerr.ErrExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exec := &execution.Execution{RequestID: "r", State: tt.state, Err: tt.err, ExitCode: -1}
			res := (&Collector{}).Interpret(exec, def, betValues(), t.TempDir())
			if res.Status != tt.status {
				t.Errorf("Status = %v, want %v", res.Status, tt.status)
			}
			if !errors.Is(res.Error, tt.want) {
				t.Errorf("Error = %v, want %v", res.Error, tt.want)
			}
		})
	}
}

func TestTail(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		out       execution.Output
		limit     int
		want      string
		truncated bool
	}{
		{name: "short", out: execution.Output{Tail: []byte("ok\n")}, limit: 16, want: "ok\n"},
		{name: "capture dropped", out: execution.Output{Tail: []byte("end"), Dropped: 100}, limit: 16, want: "[truncated 100 bytes]\nend", truncated: true},
		{name: "trimmed here", out: execution.Output{Tail: []byte("0123456789")}, limit: 4, want: "[truncated 6 bytes]\n6789", truncated: true},
		{name: "both", out: execution.Output{Tail: []byte("0123456789"), Dropped: 5}, limit: 4, want: "[truncated 11 bytes]\n6789", truncated: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, truncated := Tail(tt.out, tt.limit)
			if got != tt.want || truncated != tt.truncated {
				t.Errorf("Tail() = %q, %v; want %q, %v", got, truncated, tt.want, tt.truncated)
			}
		})
	}
}

func TestProbe_EscapingOutputIsMissing(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	got := Probe(ws, []catalog.ExpectedOutput{{Path: "../outside", Required: true}})
	if got[0].Exists {
		t.Errorf("escaping output reported present: %+v", got[0])
	}
}
