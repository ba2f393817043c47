package validate

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/neurogate/internal/catalog"
	"github.com/MrWong99/neurogate/internal/toolerr"
	"github.com/MrWong99/neurogate/internal/workspace"
)

type fixture struct {
	v       *Validator
	reg     *catalog.Registry
	session workspace.Session
	inputs  string
}

func setup(t *testing.T) fixture {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s, err := ws.EnsureSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	inputs := t.TempDir()
	for _, p := range []string{
		filepath.Join(s.Root, "t1.nii.gz"),
		filepath.Join(s.Root, "dwi.mif"),
		filepath.Join(s.Root, "response.txt"),
		filepath.Join(inputs, "mni152.nii.gz"),
	} {
		if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(s.Root, "adir"), 0o755); err != nil {
		t.Fatal(err)
	}
	v, err := New(ws, inputs)
	if err != nil {
		t.Fatal(err)
	}
	return fixture{v: v, reg: catalog.Default(), session: s, inputs: inputs}
}

func violationFor(t *testing.T, err error, param string) toolerr.Violation {
	t.Helper()
	te := toolerr.As(err)
	if te == nil {
		t.Fatalf("err = nil, want a violation for %q", param)
	}
	for _, v := range te.Violations {
		if v.Param == param {
			return v
		}
	}
	t.Fatalf("no violation for %q in %v", param, err)
	return toolerr.Violation{}
}

func TestValidate_ValidSetsPass(t *testing.T) {
	t.Parallel()
	f := setup(t)
	tests := []struct {
		tool catalog.ToolID
		raw  map[string]any
	}{
		{catalog.BrainExtraction, map[string]any{"input_file": "t1.nii.gz", "fractional_intensity": 0.5}},
		{catalog.BrainExtraction, map[string]any{"input_file": "t1.nii.gz", "fractional_intensity": 0.0, "generate_binary_mask": false, "output_prefix": "b"}},
		{catalog.TissueSegmentation, map[string]any{"input_file": "t1.nii.gz", "tissue_classes": 2.0}},
		{catalog.TissueSegmentation, map[string]any{"input_file": "t1.nii.gz", "tissue_classes": 12.0}},
		{catalog.LinearRegistration, map[string]any{"input_file": "t1.nii.gz", "reference_file": filepath.Join(f.inputs, "mni152.nii.gz"), "dof": json.Number("6")}},
		{catalog.FiberOrientationEstimation, map[string]any{"dwi_file": "dwi.mif", "response_file": "response.txt", "algorithm": "msmt_csd"}},
		{catalog.CorticalReconstruction, map[string]any{"input_file": "t1.nii.gz", "subject_id": "sub-01"}},
	}
	for _, tt := range tests {
		def := f.reg.Get(tt.tool)
		vals, err := f.v.Validate(def, "s1", tt.raw)
		if err != nil {
			t.Errorf("%s: Validate(%v) = %v", tt.tool, tt.raw, err)
			continue
		}
		for _, p := range def.Params {
			if _, ok := vals[p.Name]; !ok {
				t.Errorf("%s: normalized set lacks %q", tt.tool, p.Name)
			}
		}
	}
}

func TestValidate_DefaultsAndCoercion(t *testing.T) {
	t.Parallel()
	f := setup(t)
	vals, err := f.v.Validate(f.reg.Get(catalog.BrainExtraction), "s1", map[string]any{
		"input_file":           "./t1.nii.gz",
		"fractional_intensity": "0.25",
		"generate_binary_mask": "false",
	})
	if err != nil {
		t.Fatal(err)
	}
	if vals.String("output_prefix") != "brain_extracted" {
		t.Errorf("output_prefix = %q, want default", vals.String("output_prefix"))
	}
	if vals.Float("fractional_intensity") != 0.25 {
		t.Errorf("fractional_intensity = %v", vals["fractional_intensity"])
	}
	if vals.Bool("generate_binary_mask") {
		t.Error("generate_binary_mask = true, want false")
	}
	if want := filepath.Join(f.session.Root, "t1.nii.gz"); vals.String("input_file") != want {
		t.Errorf("input_file = %q, want %q", vals.String("input_file"), want)
	}

	vals, err = f.v.Validate(f.reg.Get(catalog.TissueSegmentation), "s1", map[string]any{"input_file": "t1.nii.gz"})
	if err != nil {
		t.Fatal(err)
	}
	if vals.Int("tissue_classes") != 3 {
		t.Errorf("tissue_classes = %v, want 3", vals["tissue_classes"])
	}
}

func TestValidate_IntensityOutOfRange(t *testing.T) {
	t.Parallel()
	f := setup(t)
	_, err := f.v.Validate(f.reg.Get(catalog.BrainExtraction), "s1", map[string]any{
		"input_file":           "t1.nii.gz",
		"fractional_intensity": 1.5,
	})
	if !errors.Is(err, toolerr.ErrValidation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	v := violationFor(t, err, "fractional_intensity")
	if !strings.Contains(v.Message, "[0, 1]") {
		t.Errorf("message %q does not state the valid range", v.Message)
	}
}

func TestValidate_AccumulatesAllViolations(t *testing.T) {
	t.Parallel()
	f := setup(t)
	_, err := f.v.Validate(f.reg.Get(catalog.LinearRegistration), "s1", map[string]any{
		"reference_file": "missing.nii.gz",
		"dof":            7,
		"cost":           "bogus",
		"output_file":    "../x.nii",
		"verbose":        true,
	})
	te := toolerr.As(err)
	if te == nil || te.Kind != toolerr.KindValidation {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	for _, p := range []string{"input_file", "reference_file", "dof", "cost", "output_file", "verbose"} {
		violationFor(t, err, p)
	}
	if len(te.Violations) != 6 {
		t.Errorf("got %d violations, want 6: %v", len(te.Violations), te.Violations)
	}
}

func TestValidate_MissingReferenceFile(t *testing.T) {
	t.Parallel()
	f := setup(t)
	_, err := f.v.Validate(f.reg.Get(catalog.LinearRegistration), "s1", map[string]any{
		"input_file":     "t1.nii.gz",
		"reference_file": "does/not/exist.nii.gz",
	})
	if !errors.Is(err, toolerr.ErrValidation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	v := violationFor(t, err, "reference_file")
	if !strings.Contains(v.Message, "does not exist") {
		t.Errorf("message = %q", v.Message)
	}
}

func TestValidate_FileChecks(t *testing.T) {
	t.Parallel()
	f := setup(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "x.nii"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	def := f.reg.Get(catalog.BrainExtraction)

	tests := []struct {
		name string
		path string
		kind toolerr.Kind
	}{
		{"traversal", "../../x.nii", toolerr.KindPathEscape},
		{"absolute outside roots", filepath.Join(outside, "x.nii"), toolerr.KindPathEscape},
		{"directory", "adir", toolerr.KindValidation},
		{"wrong type", "", toolerr.KindValidation},
	}
	for _, tt := range tests {
		_, err := f.v.Validate(def, "s1", map[string]any{"input_file": tt.path})
		if k, _ := toolerr.KindOf(err); k != tt.kind {
			t.Errorf("%s: kind = %v (%v), want %v", tt.name, k, err, tt.kind)
		}
	}

	// An escape combined with another problem is reported as a validation
	// error that still lists the escape.
	_, err := f.v.Validate(def, "s1", map[string]any{"input_file": "../../x.nii", "fractional_intensity": -1})
	if !errors.Is(err, toolerr.ErrValidation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	violationFor(t, err, "input_file")
}

func TestValidate_UnsafeNames(t *testing.T) {
	t.Parallel()
	f := setup(t)
	_, err := f.v.Validate(f.reg.Get(catalog.CorticalReconstruction), "s1", map[string]any{
		"input_file": "t1.nii.gz",
		"subject_id": "sub 01; rm -rf",
	})
	violationFor(t, err, "subject_id")
}
