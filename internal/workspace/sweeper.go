package workspace

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Sweeper runs [Manager.Sweep] on a cron schedule.
type Sweeper struct {
	cron *cron.Cron
}

// StartSweeper schedules the retention sweep. schedule accepts standard cron
// expressions and descriptors such as "@every 10m". onSweep, if non-nil, is
// called with the identifiers removed by each run.
func (m *Manager) StartSweeper(schedule string, onSweep func(removed []string)) (*Sweeper, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		removed := m.Sweep()
		if onSweep != nil && len(removed) > 0 {
			onSweep(removed)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	slog.Debug("workspace: sweeper started", "schedule", schedule)
	return &Sweeper{cron: c}, nil
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to
// expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
