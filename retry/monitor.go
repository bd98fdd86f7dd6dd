// Package retry keeps subscriptions to parameters of other tasks alive
// across peer restarts.
package retry

import (
	stderrors "errors"
	"time"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/dispatcher"
	"github.com/goliatone/go-drama/runner"
)

// DefaultInterval is the pause before restarting a subscription the peer
// dropped or refused.
const DefaultInterval = 5 * time.Second

type Option func(*Monitor)

// WithStrategy sets the pause between reconnect attempts.
func WithStrategy(s runner.RetryStrategy) Option {
	return func(m *Monitor) {
		m.strategy = s
	}
}

// WithStaleAfter restarts a connected subscription that has been quiet for
// d. Zero disables the check.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Monitor) {
		m.stale = d
	}
}

func WithLogger(l drama.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// Monitor follows Task.Param from inside an action body. Next returns each
// new value and transparently restarts the subscription when the peer dies,
// rejects it or ends it. It must only be used by the action that owns it.
type Monitor struct {
	Task  string
	Param string

	strategy runner.RetryStrategy
	stale    time.Duration
	logger   drama.Logger

	tx        *dispatcher.Transaction
	connected bool
	attempt   int
	restarts  int
	backoff   time.Duration
}

func New(task, param string, opts ...Option) *Monitor {
	m := &Monitor{
		Task:     task,
		Param:    param,
		strategy: runner.ConstantStrategy{Interval: DefaultInterval},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = drama.NormalizeLogger(m.logger)
	return m
}

// Connected reports whether the peer has confirmed the subscription and
// it has not been lost since.
func (m *Monitor) Connected() bool { return m.connected }

// Restarts counts how many times the subscription was started.
func (m *Monitor) Restarts() int { return m.restarts }

// Transaction is the live subscription, or nil between attempts.
func (m *Monitor) Transaction() *dispatcher.Transaction { return m.tx }

// Next suspends a until the subscription delivers a value. Kicks cancel the
// subscription and are returned; other action-level errors are returned
// with the subscription left in place.
func (m *Monitor) Next(a *dispatcher.Action) (drama.Event, error) {
	for {
		if ev, ok := m.pop(); ok {
			return ev, nil
		}
		if m.tx == nil {
			if err := m.pause(a); err != nil {
				return drama.Event{}, err
			}
			m.start(a)
			continue
		}

		timeout := dispatcher.Forever
		if m.stale > 0 && m.connected {
			timeout = m.stale.Seconds()
		}
		_, err := a.Wait(timeout, m.tx)
		if m.tx.Done() {
			m.lost(m.tx.Err())
			continue
		}
		if err == nil {
			m.confirm()
			continue
		}
		if stderrors.Is(err, drama.ErrTimeout) && timeout > 0 {
			m.logger.Warn("monitor %s.%s quiet for %s, restarting", m.Task, m.Param, m.stale)
			m.connected = false
			_ = m.tx.Cancel()
			continue
		}
		if stderrors.Is(err, drama.ErrKicked) {
			m.Cancel()
		}
		return drama.Event{}, err
	}
}

// Cancel ends the subscription. The next call to Next starts a new one.
func (m *Monitor) Cancel() {
	m.connected = false
	if m.tx == nil {
		return
	}
	if err := m.tx.Cancel(); err != nil {
		m.logger.Error("cancel of monitor %s.%s failed: %v", m.Task, m.Param, err)
	}
	if m.tx.Done() {
		m.tx = nil
	}
}

func (m *Monitor) pop() (drama.Event, bool) {
	if m.tx == nil {
		return drama.Event{}, false
	}
	ev, ok := m.tx.Pop()
	if ok {
		m.confirm()
	}
	return ev, ok
}

func (m *Monitor) confirm() {
	if !m.connected && m.tx.MonitorID != 0 {
		m.logger.Info("monitor %s.%s started, id %d", m.Task, m.Param, m.tx.MonitorID)
	}
	m.connected = true
	m.attempt = 0
}

func (m *Monitor) start(a *dispatcher.Action) {
	tx, err := a.Monitor(m.Task, m.Param)
	m.restarts++
	if err != nil {
		m.logger.Warn("monitor %s.%s failed to start: %v", m.Task, m.Param, err)
		m.fail(err)
		return
	}
	m.tx = tx
}

// lost handles the end of the subscription. A clean completion restarts at
// once; death or rejection waits for the retry interval.
func (m *Monitor) lost(err error) {
	m.tx = nil
	m.connected = false
	if err == nil {
		m.logger.Info("monitor %s.%s completed by peer, restarting", m.Task, m.Param)
		m.backoff = 0
		return
	}
	m.logger.Warn("monitor %s.%s lost: %v", m.Task, m.Param, err)
	m.fail(err)
}

func (m *Monitor) fail(err error) {
	m.backoff = runner.Backoff(m.strategy, m.attempt, err)
	m.attempt++
}

func (m *Monitor) pause(a *dispatcher.Action) error {
	if m.backoff <= 0 {
		return nil
	}
	d := m.backoff
	m.backoff = 0
	return a.Delay(d.Seconds())
}
