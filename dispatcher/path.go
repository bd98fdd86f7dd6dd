package dispatcher

import (
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/fabric"
)

type breakerSettings struct {
	maxFailures uint32
	openTimeout time.Duration
}

var defaultBreaker = breakerSettings{maxFailures: 3, openTimeout: 30 * time.Second}

// PathCache holds connection handles to peer tasks. Paths are found through
// the fabric and kept until a peer dies. Repeated failures to reach a task
// open a breaker for that task so later lookups fail fast.
type PathCache struct {
	fabric   fabric.Fabric
	logger   drama.Logger
	settings breakerSettings
	paths    map[string]drama.Path
	breakers map[string]*gobreaker.CircuitBreaker[drama.Path]
}

func newPathCache(f fabric.Fabric, settings breakerSettings, logger drama.Logger) *PathCache {
	return &PathCache{
		fabric:   f,
		logger:   drama.NormalizeLogger(logger),
		settings: settings,
		paths:    make(map[string]drama.Path),
		breakers: make(map[string]*gobreaker.CircuitBreaker[drama.Path]),
	}
}

// Lookup returns a cached or fabric-known path without suspending.
func (c *PathCache) Lookup(task string) (drama.Path, error) {
	if p, ok := c.paths[task]; ok {
		return p, nil
	}
	if p, ok := c.fabric.LookupPath(task); ok {
		c.paths[task] = p
		return p, nil
	}
	return nil, drama.NewBadStatus(drama.StatusNoPath, "lookup("+task+")")
}

// Resolve returns a path to task, suspending a up to timeout seconds while
// the fabric establishes one. timeout <= 0 never suspends.
func (c *PathCache) Resolve(a *Action, task string, timeout float64) (drama.Path, error) {
	if p, err := c.Lookup(task); err == nil {
		return p, nil
	}
	if timeout <= 0 {
		return nil, drama.NewBadStatus(drama.StatusNoPath, "get_path("+task+")")
	}
	if c.settings.maxFailures == 0 {
		return c.establish(a, task, timeout)
	}
	p, err := c.breaker(task).Execute(func() (drama.Path, error) {
		return c.establish(a, task, timeout)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, drama.NewBadStatus(drama.StatusNoPath, "get_path("+task+"): "+err.Error())
	}
	return p, err
}

func (c *PathCache) establish(a *Action, task string, timeout float64) (drama.Path, error) {
	tid, err := c.fabric.GetPath(task)
	if err != nil {
		return nil, err
	}
	tx := a.track(tid, KindPath, task, "", nil)
	if err := tx.Join(timeout); err != nil {
		tx.forceCancel()
		var te *drama.TimeoutError
		if stderrors.As(err, &te) {
			return nil, &drama.TimeoutError{Seconds: te.Seconds}
		}
		return nil, err
	}
	if tx.Path == nil {
		return nil, drama.NewBadStatus(drama.StatusNoPath, "get_path("+task+")")
	}
	c.paths[task] = tx.Path
	return tx.Path, nil
}

// late records a path that arrived after its lookup was abandoned.
func (c *PathCache) late(ev drama.Event) {
	if ev.Reason != drama.ReasonPathFound || ev.Path == nil {
		return
	}
	c.paths[ev.Path.Task()] = ev.Path
	c.logger.Debug("late path to %s cached", ev.Path.Task())
}

// Forget evicts the cached path to task.
func (c *PathCache) Forget(task string) {
	delete(c.paths, task)
}

// State reports the breaker state for task.
func (c *PathCache) State(task string) gobreaker.State {
	if cb, ok := c.breakers[task]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (c *PathCache) breaker(task string) *gobreaker.CircuitBreaker[drama.Path] {
	if cb, ok := c.breakers[task]; ok {
		return cb
	}
	limit := c.settings.maxFailures
	cb := gobreaker.NewCircuitBreaker[drama.Path](gobreaker.Settings{
		Name:        "path:" + task,
		MaxRequests: 1,
		Timeout:     c.settings.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= limit
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("path breaker %s: %s -> %s", name, from, to)
		},
	})
	c.breakers[task] = cb
	return cb
}
