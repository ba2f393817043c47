// Package validate checks raw caller parameters against a tool's schema.
//
// Validation accumulates every violation instead of stopping at the first, so
// a caller receives one complete report. It is purely in-process: it reads
// file metadata to confirm inputs exist but never talks to the container
// runtime.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/MrWong99/neurogate/internal/catalog"
	"github.com/MrWong99/neurogate/internal/toolerr"
	"github.com/MrWong99/neurogate/internal/workspace"
)

// Resolver maps a session-relative path into the session workspace.
// [*workspace.Manager] implements it.
type Resolver interface {
	Resolve(sessionID, path string) (string, error)
}

// Validator validates parameter sets. It is safe for concurrent use.
type Validator struct {
	ws         Resolver
	inputRoots []string
}

// New returns a Validator that accepts file parameters inside the session
// workspace or inside any of inputRoots, which are mounted read-only.
func New(ws Resolver, inputRoots ...string) (*Validator, error) {
	v := &Validator{ws: ws}
	for _, r := range inputRoots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("validate: input root %q: %w", r, err)
		}
		canon, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("validate: input root %q: %w", r, err)
		}
		v.inputRoots = append(v.inputRoots, canon)
	}
	return v, nil
}

// Validate returns the normalized parameter set for def, or an error listing
// every violation. When the only problems are paths outside the sandbox the
// error is a [toolerr.KindPathEscape]; otherwise it is a
// [toolerr.KindValidation].
func (v *Validator) Validate(def *catalog.Definition, sessionID string, raw map[string]any) (catalog.Values, error) {
	out := make(catalog.Values, len(def.Params))
	var (
		violations []toolerr.Violation
		escapes    int
	)
	report := func(param, format string, args ...any) {
		violations = append(violations, toolerr.Violation{Param: param, Message: fmt.Sprintf(format, args...)})
	}

	for _, spec := range def.Params {
		val, present := raw[spec.Name]
		if !present || val == nil {
			if spec.Required {
				report(spec.Name, "is required")
				continue
			}
			val = spec.Default
		}
		norm, msg := coerce(spec, val)
		if msg != "" {
			report(spec.Name, "%s", msg)
			continue
		}
		if spec.Type == catalog.TypeFile {
			path, msg, escaped := v.checkFile(sessionID, norm.(string))
			if msg != "" {
				if escaped {
					escapes++
				}
				report(spec.Name, "%s", msg)
				continue
			}
			norm = path
		}
		out[spec.Name] = norm
	}

	var unknown []string
	for name := range raw {
		if _, ok := def.Param(name); !ok {
			unknown = append(unknown, name)
		}
	}
	slices.Sort(unknown)
	for _, name := range unknown {
		report(name, "is not a parameter of %s", def.Name())
	}

	if len(violations) == 0 {
		return out, nil
	}
	if escapes == len(violations) {
		e := toolerr.PathEscape(violations[0].Param, fmt.Sprint(raw[violations[0].Param]))
		e.Violations = violations
		return nil, e
	}
	return nil, toolerr.Validation(violations)
}

// coerce converts val to the Go type of spec and checks its constraints.
// It returns a non-empty message on failure.
func coerce(spec catalog.ParamSpec, val any) (any, string) {
	switch spec.Type {
	case catalog.TypeFloat:
		f, ok := toFloat(val)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Sprintf("must be a number, got %s", describe(val))
		}
		if !inBounds(spec, f) {
			return nil, fmt.Sprintf("must be within %s, got %s", spec.Bounds(), catalog.FormatValue(f))
		}
		return f, ""

	case catalog.TypeInt:
		f, ok := toFloat(val)
		if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return nil, fmt.Sprintf("must be an integer, got %s", describe(val))
		}
		i := int(f)
		if !inBounds(spec, f) {
			return nil, fmt.Sprintf("must be within %s, got %d", spec.Bounds(), i)
		}
		if len(spec.Enum) > 0 && !slices.Contains(spec.Enum, strconv.Itoa(i)) {
			return nil, fmt.Sprintf("must be one of %s, got %d", strings.Join(spec.Enum, ", "), i)
		}
		return i, ""

	case catalog.TypeBool:
		switch b := val.(type) {
		case bool:
			return b, ""
		case string:
			if pb, err := strconv.ParseBool(b); err == nil {
				return pb, ""
			}
		}
		return nil, fmt.Sprintf("must be a boolean, got %s", describe(val))

	case catalog.TypeEnum:
		s, ok := val.(string)
		if !ok || !slices.Contains(spec.Enum, s) {
			return nil, fmt.Sprintf("must be one of %s, got %s", strings.Join(spec.Enum, ", "), describe(val))
		}
		return s, ""

	case catalog.TypeString, catalog.TypeFile:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Sprintf("must be a string, got %s", describe(val))
		}
		if s == "" {
			return nil, "must not be empty"
		}
		if spec.SafeName && !workspace.SafeName(s) {
			return nil, fmt.Sprintf("must be a single file name of letters, digits, '.', '_' or '-', got %q", s)
		}
		return s, ""
	}
	return nil, fmt.Sprintf("has unsupported type %s", spec.Type)
}

func toFloat(val any) (float64, bool) {
	switch x := val.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func inBounds(spec catalog.ParamSpec, f float64) bool {
	if spec.Min != nil && f < *spec.Min {
		return false
	}
	if spec.Max != nil && f > *spec.Max {
		return false
	}
	return true
}

func describe(val any) string {
	switch x := val.(type) {
	case string:
		return strconv.Quote(x)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v (%T)", x, x)
	}
}

// checkFile confines path to the session workspace or an input root and
// confirms it is an existing, readable regular file.
func (v *Validator) checkFile(sessionID, path string) (resolved, msg string, escaped bool) {
	resolved, err := v.ws.Resolve(sessionID, path)
	if err != nil && filepath.IsAbs(path) {
		for _, root := range v.inputRoots {
			if p, cerr := workspace.Contain(root, path); cerr == nil {
				resolved, err = p, nil
				break
			}
		}
	}
	if err != nil {
		if errors.Is(err, toolerr.ErrPathEscape) {
			return "", fmt.Sprintf("path %q is outside the session workspace and the allowed input roots", path), true
		}
		return "", fmt.Sprintf("path %q cannot be resolved", path), false
	}

	info, err := os.Stat(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", fmt.Sprintf("file %q does not exist", path), false
	case err != nil:
		return "", fmt.Sprintf("file %q is not accessible", path), false
	case !info.Mode().IsRegular():
		return "", fmt.Sprintf("%q is not a regular file", path), false
	}
	f, err := os.Open(resolved)
	if err != nil {
		return "", fmt.Sprintf("file %q is not readable", path), false
	}
	_ = f.Close()
	return resolved, "", false
}
