package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/neurogate/pkg/runtime"
)

// Reconcile removes containers launched by this gateway instance whose
// owning request is no longer live in memory, typically leftovers from a
// crashed process. It returns the number of containers reaped.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	return m.reconcile(ctx, true)
}

// ReconcileStopped is Reconcile restricted to containers that are no longer
// running. A manager outside the serving process cannot see that process's
// live requests, so it must leave running containers alone.
func (m *Manager) ReconcileStopped(ctx context.Context) (int, error) {
	return m.reconcile(ctx, false)
}

func (m *Manager) reconcile(ctx context.Context, running bool) (int, error) {
	list, err := m.rt.ListLabeled(ctx, runtime.LabelRequestID)
	if err != nil {
		return 0, fmt.Errorf("execution: reconcile: %w", err)
	}

	var reaped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, c := range list {
		if c.Labels[runtime.LabelInstance] != m.cfg.Instance {
			continue
		}
		reqID := c.Labels[runtime.LabelRequestID]
		if m.Live(reqID) || (c.Running && !running) {
			continue
		}
		g.Go(func() error {
			if err := m.rt.Remove(gctx, c.ID); err != nil {
				return fmt.Errorf("execution: reap %s: %w", c.ID, err)
			}
			reaped.Add(1)
			slog.Info("execution: reaped orphan container",
				"container", c.ID,
				"request_id", reqID,
				"session_id", c.Labels[runtime.LabelSession],
				"tool", c.Labels[runtime.LabelTool],
				"running", c.Running,
			)
			return nil
		})
	}
	err = g.Wait()
	n := int(reaped.Load())
	if n > 0 {
		m.metrics.OrphansReaped.Add(ctx, int64(n))
	}
	return n, err
}
