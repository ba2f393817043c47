package toolserver

import (
	"strconv"

	"github.com/MrWong99/neurogate/internal/catalog"
)

// Reserved argument names present on every catalog tool.
const (
	argSession        = "session_id"
	argRequest        = "request_id"
	argTimeoutSeconds = "timeout_seconds"
)

// inputSchema derives the JSON Schema of a catalog tool from its parameter
// specs. The schema is advisory; arguments are validated by the gateway.
func inputSchema(def *catalog.Definition) map[string]any {
	props := map[string]any{
		argSession: map[string]any{
			"type":        "string",
			"description": "Session whose workspace the tool reads from and writes to. Created on first use.",
			"pattern":     "^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$",
		},
		argRequest: map[string]any{
			"type":        "string",
			"description": "Optional idempotency key. Repeating a finished request returns its recorded result.",
		},
		argTimeoutSeconds: map[string]any{
			"type":             "number",
			"description":      "Optional deadline in seconds. The tool's own timeout still applies.",
			"exclusiveMinimum": 0,
		},
	}
	required := []string{argSession}

	for _, p := range def.Params {
		props[p.Name] = paramSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func paramSchema(p catalog.ParamSpec) map[string]any {
	s := map[string]any{"description": p.Description}
	switch p.Type {
	case catalog.TypeFloat:
		s["type"] = "number"
	case catalog.TypeInt:
		s["type"] = "integer"
	case catalog.TypeBool:
		s["type"] = "boolean"
	case catalog.TypeFile:
		s["type"] = "string"
		s["description"] = p.Description + " Path relative to the session workspace, or an absolute path under a configured input root."
	default:
		s["type"] = "string"
	}
	if p.Min != nil {
		s["minimum"] = *p.Min
	}
	if p.Max != nil {
		s["maximum"] = *p.Max
	}
	if len(p.Enum) > 0 {
		s["enum"] = enumValues(p)
	}
	if p.SafeName {
		s["pattern"] = "^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$"
	}
	if p.Default != nil {
		s["default"] = p.Default
	}
	return s
}

// enumValues renders the allowed values in the parameter's JSON type.
func enumValues(p catalog.ParamSpec) []any {
	out := make([]any, 0, len(p.Enum))
	for _, e := range p.Enum {
		if p.Type == catalog.TypeInt {
			if n, err := strconv.Atoi(e); err == nil {
				out = append(out, n)
				continue
			}
		}
		out = append(out, e)
	}
	return out
}
