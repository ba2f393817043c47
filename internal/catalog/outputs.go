package catalog

import (
	"fmt"
	"strconv"
)

// OutputSpec declares a file (or directory) the tool promises to produce,
// relative to the session workspace.
type OutputSpec struct {
	// Pattern may reference parameters as {name}, and {i} when Repeat is set.
	Pattern     string
	Description string

	// When names a boolean parameter; the output is expected only when it is
	// true.
	When string

	// Repeat names an integer parameter n; the pattern expands to n outputs
	// with {i} = 0..n-1.
	Repeat string

	// Dir marks a directory output. It counts as present when it exists and
	// contains at least one entry.
	Dir bool

	// Optional outputs are reported but do not affect success.
	Optional bool
}

// ExpectedOutput is a declared output with parameters substituted.
type ExpectedOutput struct {
	Path     string
	Dir      bool
	Required bool
}

// ExpectedOutputs expands the declared outputs against a normalized parameter
// set.
func (d *Definition) ExpectedOutputs(v Values) ([]ExpectedOutput, error) {
	var out []ExpectedOutput
	for _, o := range d.Outputs {
		if o.When != "" && !v.Bool(o.When) {
			continue
		}
		n := 1
		if o.Repeat != "" {
			n = v.Int(o.Repeat)
		}
		for i := range n {
			lookup := func(name string) (string, bool) {
				if name == "i" && o.Repeat != "" {
					return strconv.Itoa(i), true
				}
				val, ok := v[name]
				return FormatValue(val), ok
			}
			p, err := expand(o.Pattern, lookup)
			if err != nil {
				return nil, fmt.Errorf("catalog: outputs of %s: %w", d.Name(), err)
			}
			out = append(out, ExpectedOutput{Path: p, Dir: o.Dir, Required: !o.Optional})
		}
	}
	return out, nil
}
