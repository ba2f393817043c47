package catalog

import (
	"fmt"
	"strconv"
)

// ParamType is the declared type of a tool parameter.
type ParamType int

const (
	// TypeString is free text, optionally restricted to a filesystem-safe
	// name (see ParamSpec.SafeName).
	TypeString ParamType = iota
	// TypeFloat is a 64-bit floating point number.
	TypeFloat
	// TypeInt is an integer.
	TypeInt
	// TypeBool is a boolean flag.
	TypeBool
	// TypeEnum is a string restricted to ParamSpec.Enum.
	TypeEnum
	// TypeFile is a path to an existing, readable input file.
	TypeFile
)

var paramTypeNames = [...]string{
	TypeString: "string",
	TypeFloat:  "float",
	TypeInt:    "int",
	TypeBool:   "bool",
	TypeEnum:   "enum",
	TypeFile:   "file",
}

func (t ParamType) String() string {
	if t < 0 || int(t) >= len(paramTypeNames) {
		return fmt.Sprintf("ParamType(%d)", int(t))
	}
	return paramTypeNames[t]
}

// ParamSpec declares one parameter of a tool.
type ParamSpec struct {
	Name        string
	Description string
	Type        ParamType

	// Required parameters have no default. Optional parameters take Default
	// when the caller omits them.
	Required bool
	Default  any

	// Min and Max bound numeric parameters inclusively. Nil means unbounded.
	Min *float64
	Max *float64

	// Enum lists the allowed values. For TypeEnum these are the names; for
	// TypeInt they are the decimal representations of the allowed integers.
	Enum []string

	// SafeName restricts a string to a single filesystem-safe path element.
	SafeName bool
}

// Bounds returns a human-readable description of the numeric range, e.g.
// "[0, 1]" or ">= 2".
func (p ParamSpec) Bounds() string {
	switch {
	case p.Min != nil && p.Max != nil:
		return fmt.Sprintf("[%s, %s]", FormatValue(*p.Min), FormatValue(*p.Max))
	case p.Min != nil:
		return ">= " + FormatValue(*p.Min)
	case p.Max != nil:
		return "<= " + FormatValue(*p.Max)
	}
	return ""
}

func ptr(f float64) *float64 { return &f }

// Values is a normalized parameter set: every declared parameter is present
// with its Go-typed value (string, float64, int or bool). File parameters hold
// the canonical absolute host path.
type Values map[string]any

// String returns the string value of name, or "" if absent or not a string.
func (v Values) String(name string) string {
	s, _ := v[name].(string)
	return s
}

// Float returns the float value of name.
func (v Values) Float(name string) float64 {
	f, _ := v[name].(float64)
	return f
}

// Int returns the integer value of name.
func (v Values) Int(name string) int {
	i, _ := v[name].(int)
	return i
}

// Bool returns the boolean value of name.
func (v Values) Bool(name string) bool {
	b, _ := v[name].(bool)
	return b
}

// FormatValue renders a normalized value as a single argv token.
func FormatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
