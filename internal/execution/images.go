package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/neurogate/internal/observe"
	"github.com/MrWong99/neurogate/internal/toolerr"
	"github.com/MrWong99/neurogate/pkg/runtime"
)

// PullPolicy bounds image pull retries.
type PullPolicy struct {
	// Attempts is the total number of pull attempts. Default: 3.
	Attempts int
	// BaseDelay is the delay before the first retry. Default: 2s.
	BaseDelay time.Duration
	// MaxDelay caps the delay between attempts. Default: 30s.
	MaxDelay time.Duration
	// Timeout bounds the whole resolution including retries. Default: 30m.
	Timeout time.Duration
}

func (p PullPolicy) withDefaults() PullPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Minute
	}
	return p
}

// imageCache remembers which images are known to be present and
// de-duplicates concurrent pulls of the same reference.
type imageCache struct {
	rt      runtime.Runtime
	policy  PullPolicy
	metrics *observe.Metrics

	mu      sync.Mutex
	present map[string]bool

	group singleflight.Group
}

func newImageCache(rt runtime.Runtime, policy PullPolicy, m *observe.Metrics) *imageCache {
	return &imageCache{
		rt:      rt,
		policy:  policy.withDefaults(),
		metrics: m,
		present: make(map[string]bool),
	}
}

func (c *imageCache) known(ref string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present[ref]
}

// forget drops ref from the cache, e.g. after the runtime reported it
// missing at launch.
func (c *imageCache) forget(ref string) {
	c.mu.Lock()
	delete(c.present, ref)
	c.mu.Unlock()
}

// ensure makes ref available locally, pulling it with bounded exponential
// backoff if needed. Failures are returned as *toolerr.Error. ctx only limits
// how long this caller waits; a pull shared with other callers keeps going.
func (c *imageCache) ensure(ctx context.Context, ref string) error {
	if c.known(ref) {
		return nil
	}
	ch := c.group.DoChan(ref, func() (any, error) {
		pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.policy.Timeout)
		defer cancel()
		return nil, c.resolve(pullCtx, ref)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (c *imageCache) resolve(ctx context.Context, ref string) error {
	ok, err := c.rt.ImagePresent(ctx, ref)
	if err != nil {
		return launchError(err)
	}
	if !ok {
		if err := c.pull(ctx, ref); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.present[ref] = true
	c.mu.Unlock()
	return nil
}

func (c *imageCache) pull(ctx context.Context, ref string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.BaseDelay
	b.MaxInterval = c.policy.MaxDelay

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.rt.Pull(ctx, ref)
		switch {
		case err == nil:
			c.metrics.RecordImagePull(ctx, ref, "ok")
			return struct{}{}, nil
		case errors.Is(err, runtime.ErrImageNotFound), errors.Is(err, runtime.ErrUnavailable):
			c.metrics.RecordImagePull(ctx, ref, "fatal")
			return struct{}{}, backoff.Permanent(err)
		default:
			c.metrics.RecordImagePull(ctx, ref, "retry")
			return struct{}{}, err
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.policy.Attempts)),
		backoff.WithMaxElapsedTime(c.policy.Timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("execution: image pull failed, retrying", "image", ref, "attempt", attempt, "next_in", next, "err", err)
		}),
	)
	if err == nil {
		slog.Info("execution: image pulled", "image", ref, "attempts", attempt)
		return nil
	}
	if errors.Is(err, runtime.ErrUnavailable) {
		return launchError(err)
	}
	slog.Error("execution: image pull gave up", "image", ref, "attempts", attempt, "err", err)
	return toolerr.Wrap(toolerr.KindImagePull, err, "image %s could not be pulled after %d attempt(s)", ref, attempt)
}

// launchError maps a runtime failure to a ContainerLaunchError without
// exposing engine output to the caller.
func launchError(err error) *toolerr.Error {
	switch {
	case errors.Is(err, runtime.ErrUnavailable):
		return toolerr.Wrap(toolerr.KindContainerLaunch, err, "container runtime is unreachable")
	case errors.Is(err, runtime.ErrInvalidSpec):
		return toolerr.Wrap(toolerr.KindContainerLaunch, err, "container runtime rejected the container definition")
	}
	return toolerr.Wrap(toolerr.KindContainerLaunch, err, "container could not be launched")
}
