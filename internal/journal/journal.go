// Package journal records finished executions by request identifier so that a
// retried request returns the recorded outcome instead of running the tool a
// second time.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/neurogate/internal/result"
)

// Journal is the execution record store. Implementations must be safe for
// concurrent use.
type Journal interface {
	// Lookup returns the result recorded for requestID. The boolean is false
	// when nothing is recorded.
	Lookup(ctx context.Context, requestID string) (*result.ExecutionResult, bool, error)

	// Record stores res under its request identifier. The first record for an
	// identifier wins; later records are ignored.
	Record(ctx context.Context, res *result.ExecutionResult) error

	// Prune deletes records older than before and returns how many were
	// removed.
	Prune(ctx context.Context, before time.Time) (int, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the journal.
	Close()
}

var _ Journal = (*Memory)(nil)

type memEntry struct {
	res      *result.ExecutionResult
	recorded time.Time
}

// Memory is an in-process [Journal]. Records are lost on restart.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), now: time.Now}
}

// Lookup implements [Journal].
func (m *Memory) Lookup(_ context.Context, requestID string) (*result.ExecutionResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[requestID]
	if !ok {
		return nil, false, nil
	}
	cp := *e.res
	return &cp, true, nil
}

// Record implements [Journal].
func (m *Memory) Record(_ context.Context, res *result.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[res.RequestID]; ok {
		return nil
	}
	cp := *res
	m.entries[res.RequestID] = memEntry{res: &cp, recorded: m.now()}
	return nil
}

// Prune implements [Journal].
func (m *Memory) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if e.recorded.Before(before) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

// Ping implements [Journal]. It never fails.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements [Journal].
func (m *Memory) Close() {}
