package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var safeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// SafeName reports whether s can be used as a single path element: no
// separators, no leading dot, no traversal.
func SafeName(s string) bool {
	return safeName.MatchString(s) && !strings.Contains(s, "..")
}

// errEscape is returned by Contain when path is not strictly under root.
var errEscape = errors.New("workspace: path escapes root")

// Contain resolves path against root and returns the canonical absolute path
// if, and only if, it is strictly beneath root. Relative paths are taken
// relative to root.
//
// The lexical check runs first and rejects traversal without touching the
// filesystem. The surviving path is then canonicalized by resolving symbolic
// links on its deepest existing ancestor and checked again, so a link inside
// the root cannot point outside it. root must already be canonical.
func Contain(root, path string) (string, error) {
	var p string
	if filepath.IsAbs(path) {
		p = filepath.Clean(path)
	} else {
		p = filepath.Join(root, path)
	}
	if !within(root, p) {
		return "", errEscape
	}
	canon, err := canonical(p)
	if err != nil {
		return "", err
	}
	if !within(root, canon) {
		return "", errEscape
	}
	return canon, nil
}

// within reports whether p has root as a strict prefix.
func within(root, p string) bool {
	if p == root {
		return false
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(p, root)
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

// canonical resolves symlinks in p. Trailing components that do not exist yet
// are appended unchanged to the canonical form of the deepest existing
// ancestor.
func canonical(p string) (string, error) {
	var rest []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if _, lerr := os.Lstat(cur); lerr == nil {
			// cur exists but cannot be resolved: a dangling link whose
			// target is unknown.
			return "", errEscape
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

// CanonicalDir creates dir if needed and returns its canonical absolute path.
func CanonicalDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
