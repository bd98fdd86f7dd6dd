package dispatcher

import (
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/fabric"
	"github.com/goliatone/go-drama/runner"
	"github.com/goliatone/go-drama/sds"
)

type report struct {
	kind fabric.ReportKind
	text string
}

// actionContext is the state of one live invocation. It exists from the
// obey that starts an action until the action ends or the task shuts down.
type actionContext struct {
	name   string
	fn     ActionFunc
	action *Action
	co     *runner.Coroutine[drama.Event, outcome]

	txs      map[drama.TransID]*Transaction
	monitors map[drama.TransID]*Transaction

	// resolved while a wait was scoped to other transactions
	unreported []*Transaction
	reports    []report

	rescheduled bool
	reschedule  suspension

	span    trace.Span
	started time.Time
}

func (c *actionContext) add(tx *Transaction) {
	c.txs[tx.ID] = tx
}

func (c *actionContext) remove(tx *Transaction) {
	if cur, ok := c.txs[tx.ID]; ok && cur == tx {
		delete(c.txs, tx.ID)
	}
}

// confirmMonitor records the monitor id carried by MON_STARTED and adds the
// subscription to the cleanup set. It reports false when no transaction of
// the action owns the confirmation.
func (c *actionContext) confirmMonitor(ev drama.Event) bool {
	tx, ok := c.txs[ev.TransID]
	if !ok {
		return false
	}
	if tx.Kind != KindMonitor {
		return true
	}
	id, ok := monitorID(ev.Arg)
	if !ok {
		c.action.logger.Warn("MON_STARTED for %s:%s without a monitor id", tx.Task, tx.Name)
		return true
	}
	tx.MonitorID = id
	tx.Running = true
	tx.confirmed = true
	if ev.Path != nil {
		tx.Path = ev.Path
	}
	c.monitors[tx.ID] = tx
	return true
}

func monitorID(arg *sds.Node) (int, bool) {
	if arg == nil {
		return 0, false
	}
	field, ok := arg.Field("MONITOR_ID")
	if !ok {
		return 0, false
	}
	v, err := sds.Decode(field)
	if err != nil {
		return 0, false
	}
	f, ok := sds.ToFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// absorb applies ev to the transaction registry without raising. It runs
// when a rescheduled action is re-entered, so bookkeeping stays right even
// though the body only sees the event itself.
func (c *actionContext) absorb(ev drama.Event) {
	_, _, _ = c.action.translate(ev, nil, 0)
	c.unreported = nil
}

func (c *actionContext) markUnreported(tx *Transaction) {
	for _, t := range c.unreported {
		if t == tx {
			return
		}
	}
	c.unreported = append(c.unreported, tx)
}

// takeUnreported returns the oldest resolved transaction in subset that has
// not been reported to a wait yet. An empty subset matches any.
func (c *actionContext) takeUnreported(subset []*Transaction) *Transaction {
	for i, tx := range c.unreported {
		if len(subset) == 0 || contains(subset, tx) {
			c.unreported = append(c.unreported[:i], c.unreported[i+1:]...)
			return tx
		}
	}
	return nil
}

func contains(subset []*Transaction, tx *Transaction) bool {
	for _, t := range subset {
		if t == tx {
			return true
		}
	}
	return false
}

func sortedByID(m map[drama.TransID]*Transaction) []*Transaction {
	out := make([]*Transaction, 0, len(m))
	for _, tx := range m {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *actionContext) transactionsInOrder() []*Transaction {
	return sortedByID(c.txs)
}

func (c *actionContext) monitorsInOrder() []*Transaction {
	return sortedByID(c.monitors)
}
