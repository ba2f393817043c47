package catalog

import (
	"fmt"
	"strings"
)

// Token is one element of a command template. Text may contain {param}
// placeholders; the rendered token is always a single argv element, so
// values are never re-split or interpreted by a shell.
type Token struct {
	Text string
	// If names a boolean parameter gating the token. Empty means always.
	If string
}

// Arg is an unconditional template token.
func Arg(text string) Token { return Token{Text: text} }

// Flag is a token emitted only when the boolean parameter param is true.
func Flag(param, text string) Token { return Token{Text: text, If: param} }

// Render substitutes v into the command template. File parameters are passed
// through fileArg, which maps a host path to the path the container sees.
func (d *Definition) Render(v Values, fileArg func(param, hostPath string) string) ([]string, error) {
	argv := make([]string, 0, len(d.Command))
	lookup := func(name string) (string, bool) {
		val, ok := v[name]
		if !ok {
			return "", false
		}
		if spec, ok := d.Param(name); ok && spec.Type == TypeFile && fileArg != nil {
			return fileArg(name, FormatValue(val)), true
		}
		return FormatValue(val), true
	}
	for _, tok := range d.Command {
		if tok.If != "" && !v.Bool(tok.If) {
			continue
		}
		s, err := expand(tok.Text, lookup)
		if err != nil {
			return nil, fmt.Errorf("catalog: render %s: %w", d.Name(), err)
		}
		argv = append(argv, s)
	}
	return argv, nil
}

// expand replaces every {name} in text using lookup.
func expand(text string, lookup func(string) (string, bool)) (string, error) {
	if !strings.Contains(text, "{") {
		return text, nil
	}
	var b strings.Builder
	for {
		open := strings.IndexByte(text, '{')
		if open < 0 {
			b.WriteString(text)
			return b.String(), nil
		}
		end := strings.IndexByte(text[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", text)
		}
		name := text[open+1 : open+end]
		val, ok := lookup(name)
		if !ok {
			return "", fmt.Errorf("no value for placeholder {%s}", name)
		}
		b.WriteString(text[:open])
		b.WriteString(val)
		text = text[open+end+1:]
	}
}
