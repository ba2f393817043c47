// Package workspace maps session identifiers to sandboxed directories under a
// single data root and guards every path derived from caller input.
//
// Sessions are created lazily by [Manager.EnsureSession] and removed by the
// retention sweep once they have been idle longer than the configured window
// and no execution holds a reference to them.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/neurogate/internal/toolerr"
)

// FileInfo is one manifest entry. Name is slash-separated and relative to the
// session workspace.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Session is a snapshot of one session's bookkeeping.
type Session struct {
	ID         string
	Root       string
	Created    time.Time
	LastAccess time.Time
}

type session struct {
	Session
	refs     int
	claims   map[string]int
	manifest map[string]FileInfo
}

// Option configures a [Manager].
type Option func(*Manager)

// WithRetention sets the inactivity window after which idle sessions are
// swept. Zero disables sweeping.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns every session workspace under one data root. It is safe for
// concurrent use.
type Manager struct {
	root string
	now  func() time.Time

	mu        sync.Mutex
	retention time.Duration
	sessions  map[string]*session
}

// New creates a Manager rooted at dataRoot, creating the directory if needed.
// Session directories already present under the root are adopted so that a
// restarted gateway keeps serving and sweeping them.
func New(dataRoot string, opts ...Option) (*Manager, error) {
	root, err := CanonicalDir(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("workspace: data root %q: %w", dataRoot, err)
	}
	m := &Manager{
		root:     root,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.adopt(); err != nil {
		return nil, err
	}
	return m, nil
}

// Root returns the canonical data root.
func (m *Manager) Root() string { return m.root }

// SetRetention changes the retention window at runtime.
func (m *Manager) SetRetention(d time.Duration) {
	m.mu.Lock()
	m.retention = d
	m.mu.Unlock()
}

func (m *Manager) adopt() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("workspace: scan data root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), sweptPrefix) {
			// Interrupted sweep.
			_ = os.RemoveAll(filepath.Join(m.root, e.Name()))
			continue
		}
		if !e.IsDir() || !SafeName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s := &session{
			Session: Session{
				ID:         e.Name(),
				Root:       filepath.Join(m.root, e.Name()),
				Created:    info.ModTime(),
				LastAccess: info.ModTime(),
			},
			claims:   make(map[string]int),
			manifest: make(map[string]FileInfo),
		}
		m.sessions[s.ID] = s
		m.refresh(s)
	}
	if n := len(m.sessions); n > 0 {
		slog.Info("workspace: adopted existing sessions", "count", n, "root", m.root)
	}
	return nil
}

// EnsureSession returns the session with the given identifier, creating its
// workspace on first reference. Repeated calls return the same root and keep
// the accumulated manifest.
func (m *Manager) EnsureSession(id string) (Session, error) {
	if !SafeName(id) {
		return Session{}, toolerr.Validation([]toolerr.Violation{{
			Param:   "session_id",
			Message: "must be 1-128 characters of letters, digits, '.', '_' or '-' and start with a letter or digit",
		}})
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if s, ok := m.sessions[id]; ok {
		s.LastAccess = now
		return s.Session, nil
	}
	root := filepath.Join(m.root, id)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Session{}, fmt.Errorf("workspace: create session %q: %w", id, err)
	}
	s := &session{
		Session:  Session{ID: id, Root: root, Created: now, LastAccess: now},
		claims:   make(map[string]int),
		manifest: make(map[string]FileInfo),
	}
	m.sessions[id] = s
	slog.Debug("workspace: session created", "session_id", id, "root", root)
	return s.Session, nil
}

// Lookup returns the session without creating or touching it.
func (m *Manager) Lookup(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// Resolve maps a caller-supplied path to a canonical absolute path strictly
// inside the session workspace. Relative paths are taken relative to the
// workspace. Any path that escapes, lexically or through a symbolic link,
// yields a [toolerr.KindPathEscape] error.
func (m *Manager) Resolve(sessionID, path string) (string, error) {
	if !SafeName(sessionID) {
		return "", toolerr.PathEscape("session_id", sessionID)
	}
	root := filepath.Join(m.root, sessionID)
	p, err := Contain(root, path)
	if err != nil {
		if errors.Is(err, errEscape) {
			return "", toolerr.PathEscape("", path)
		}
		return "", fmt.Errorf("workspace: resolve %q: %w", path, err)
	}
	return p, nil
}

// Acquire records that an execution is using the session, which keeps the
// sweep away from it. claims are workspace-relative paths the execution may
// write; they are hidden from the manifest until released. The returned
// function releases the reference and is safe to call more than once.
func (m *Manager) Acquire(sessionID string, claims ...string) (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, toolerr.New(toolerr.KindNotFound, "unknown session %q", sessionID)
	}
	s.refs++
	for _, c := range claims {
		s.claims[filepath.ToSlash(filepath.Clean(c))]++
	}
	s.LastAccess = m.now()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			s.refs--
			for _, c := range claims {
				k := filepath.ToSlash(filepath.Clean(c))
				if s.claims[k]--; s.claims[k] <= 0 {
					delete(s.claims, k)
				}
			}
			s.LastAccess = m.now()
		})
	}, nil
}

// Refresh rescans the session workspace and commits what it finds to the
// manifest. Entries are added or updated; entries whose files are gone are
// dropped. Paths claimed by in-flight executions are not committed.
func (m *Manager) Refresh(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return toolerr.New(toolerr.KindNotFound, "unknown session %q", sessionID)
	}
	m.refresh(s)
	return nil
}

func (m *Manager) refresh(s *session) {
	found := make(map[string]FileInfo)
	err := filepath.WalkDir(s.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(s.Root, p)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(rel)
		found[name] = FileInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()}
		return nil
	})
	if err != nil {
		slog.Warn("workspace: manifest scan failed", "session_id", s.ID, "err", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, fi := range found {
		if claimed(s.claims, name) {
			continue
		}
		s.manifest[name] = fi
	}
	for name := range s.manifest {
		if _, ok := found[name]; !ok {
			delete(s.manifest, name)
		}
	}
}

// claimed reports whether name equals or lies beneath a claimed path.
func claimed(claims map[string]int, name string) bool {
	for c := range claims {
		if name == c || strings.HasPrefix(name, c+"/") {
			return true
		}
	}
	return false
}

// List returns the committed manifest of a session sorted by name. It has no
// side effects; in particular it does not count as session activity.
func (m *Manager) List(sessionID string) ([]FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, toolerr.New(toolerr.KindNotFound, "unknown session %q", sessionID)
	}
	out := make([]FileInfo, 0, len(s.manifest))
	for _, fi := range s.manifest {
		out = append(out, fi)
	}
	slices.SortFunc(out, func(a, b FileInfo) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Discard removes workspace-relative paths left behind by an execution that
// did not succeed, so partial outputs are never mistaken for results. Paths
// that escape the workspace are skipped.
func (m *Manager) Discard(sessionID string, paths []string) error {
	var errs []error
	for _, p := range paths {
		abs, err := m.Resolve(sessionID, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.RemoveAll(abs); err != nil {
			errs = append(errs, fmt.Errorf("workspace: discard %q: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// sweptPrefix marks a swept workspace awaiting deletion. SafeName rejects a
// leading dot, so such a directory never collides with a session.
const sweptPrefix = ".swept-"

// Sweep removes every session idle for longer than the retention window that
// no execution currently references. It returns the removed identifiers.
//
// Victims are renamed aside under the lock and deleted after it is released,
// so a session recreated meanwhile gets a fresh directory.
func (m *Manager) Sweep() []string {
	m.mu.Lock()
	if m.retention <= 0 {
		m.mu.Unlock()
		return nil
	}
	now := m.now()
	var removed, graves []string
	for id, s := range m.sessions {
		if s.refs > 0 || now.Sub(s.LastAccess) <= m.retention {
			continue
		}
		grave := filepath.Join(m.root, fmt.Sprintf("%s%s-%d", sweptPrefix, id, now.UnixNano()))
		if err := os.Rename(s.Root, grave); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("workspace: sweep failed", "session_id", id, "err", err)
			continue
		}
		delete(m.sessions, id)
		removed = append(removed, id)
		graves = append(graves, grave)
	}
	m.mu.Unlock()

	for _, g := range graves {
		if err := os.RemoveAll(g); err != nil {
			slog.Warn("workspace: removing swept workspace failed", "path", g, "err", err)
		}
	}
	slices.Sort(removed)
	if len(removed) > 0 {
		slog.Info("workspace: swept idle sessions", "count", len(removed), "sessions", removed)
	}
	return removed
}
