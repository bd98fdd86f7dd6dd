package rts

import (
	stderrors "errors"
	"reflect"
	"time"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/dispatcher"
	"github.com/goliatone/go-drama/sds"
)

// Completion watches one parameter across a set of tasks until every task
// reaches Match. A task reporting Bad fails the whole wait.
//
// Only one Completion should be in flight per action: each owns its own
// subscriptions, which the action cancels when it ends.
type Completion struct {
	Param string
	Match any
	Bad   any

	pending []watch
}

type watch struct {
	task string
	tx   *dispatcher.Transaction
}

// NewCompletion prepares a completion on param. A nil bad disables the
// failure check.
func NewCompletion(param string, match, bad any) *Completion {
	return &Completion{Param: param, Match: match, Bad: bad}
}

// Start subscribes to Param on each task. On failure every subscription
// opened so far is canceled.
func (c *Completion) Start(a *dispatcher.Action, tasks ...string) error {
	for _, task := range tasks {
		tx, err := a.Monitor(task, c.Param)
		if err != nil {
			c.Cancel()
			return err
		}
		c.pending = append(c.pending, watch{task: task, tx: tx})
	}
	return nil
}

// Done reports whether every task has reached Match.
func (c *Completion) Done() bool { return len(c.pending) == 0 }

// Tasks lists the tasks still outstanding.
func (c *Completion) Tasks() []string {
	out := make([]string, len(c.pending))
	for i, w := range c.pending {
		out[i] = w.task
	}
	return out
}

// Update consumes the queued updates of every subscription and reports
// whether all tasks are complete.
func (c *Completion) Update() (bool, error) {
	kept := c.pending[:0]
	var failure error
	for _, w := range c.pending {
		if failure != nil {
			kept = append(kept, w)
			continue
		}
		finished, err := c.drain(w)
		if err != nil {
			failure = err
			continue
		}
		if !finished {
			kept = append(kept, w)
		}
	}
	c.pending = kept
	return c.Done(), failure
}

func (c *Completion) drain(w watch) (bool, error) {
	for ev, ok := w.tx.Pop(); ok; ev, ok = w.tx.Pop() {
		if ev.Reason != drama.ReasonTrigger || ev.Status != drama.StatusMonChanged {
			continue
		}
		v, err := valueOf(ev, c.Param)
		if err != nil {
			_ = w.tx.Cancel()
			return true, err
		}
		if c.Bad != nil && same(v, c.Bad) {
			_ = w.tx.Cancel()
			return true, drama.NewBadStatus(StatusGError, "task "+w.task+" bad "+c.Param)
		}
		if same(v, c.Match) {
			_ = w.tx.Cancel()
			return true, nil
		}
	}
	if w.tx.Done() {
		if err := w.tx.Err(); err != nil {
			return true, err
		}
		return true, drama.NewBadStatus(StatusGError, "task "+w.task+" ended monitor on "+c.Param)
	}
	return false, nil
}

// Wait suspends the action until every task completes. timeout is in
// seconds from now; a negative timeout waits forever.
func (c *Completion) Wait(a *dispatcher.Action, timeout float64) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(time.Duration(timeout * float64(time.Second)))
	}
	for {
		done, err := c.Update()
		if err != nil {
			c.Cancel()
			return err
		}
		if done {
			return nil
		}
		tx, err := a.WaitUntil(deadline, c.transactions()...)
		if err != nil && tx == nil {
			c.Cancel()
			return err
		}
	}
}

// Cancel drops every outstanding subscription.
func (c *Completion) Cancel() {
	for _, w := range c.pending {
		_ = w.tx.Cancel()
	}
	c.pending = nil
}

func (c *Completion) transactions() []*dispatcher.Transaction {
	txs := make([]*dispatcher.Transaction, len(c.pending))
	for i, w := range c.pending {
		txs[i] = w.tx
	}
	return txs
}

// valueOf decodes a subscription update. Updates normally carry the node
// named after the parameter; a wrapping structure is unwrapped.
func valueOf(ev drama.Event, param string) (any, error) {
	n := ev.Arg
	if n == nil {
		return nil, nil
	}
	if n.Name() != param && n.IsStruct() {
		if field, ok := n.Field(param); ok {
			n = field
		}
	}
	return sds.Decode(n)
}

// same compares decoded values, treating every numeric type alike.
func same(v, want any) bool {
	if _, isStr := want.(string); !isStr {
		if a, ok := sds.ToFloat(v); ok {
			if b, ok := sds.ToFloat(want); ok {
				return a == b
			}
		}
	}
	return reflect.DeepEqual(v, want)
}

func isKick(err error) bool {
	return stderrors.Is(err, drama.ErrKicked)
}
