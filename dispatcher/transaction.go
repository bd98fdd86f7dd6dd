package dispatcher

import (
	"fmt"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/sds"
)

// Kind is the flavour of an outstanding transaction.
type Kind int

const (
	KindObey Kind = iota + 1
	KindKick
	KindMonitor
	KindGet
	KindSet
	KindSignal
	KindPath
)

func (k Kind) String() string {
	switch k {
	case KindObey:
		return "obey"
	case KindKick:
		return "kick"
	case KindMonitor:
		return "monitor"
	case KindGet:
		return "get"
	case KindSet:
		return "set"
	case KindSignal:
		return "signal"
	case KindPath:
		return "path"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Transaction is one outstanding request issued by an action. It belongs to
// the action that created it and is dropped from that action's registry as
// soon as a terminal message arrives.
type Transaction struct {
	ID        drama.TransID
	Kind      Kind
	Task      string
	Name      string
	Running   bool
	Status    drama.Status
	MonitorID int
	Path      drama.Path

	action     *Action
	pending    []drama.Event
	done       bool
	err        error
	confirmed  bool
	cancelSent bool
}

func (t *Transaction) String() string {
	return fmt.Sprintf("Transaction(0x%x, %s %s:%s)", uint64(t.ID), t.Kind, t.Task, t.Name)
}

// Pop removes and returns the oldest queued message.
func (t *Transaction) Pop() (drama.Event, bool) {
	if len(t.pending) == 0 {
		return drama.Event{}, false
	}
	ev := t.pending[0]
	t.pending = t.pending[1:]
	return ev, true
}

// Peek returns the newest queued message without removing it.
func (t *Transaction) Peek() (drama.Event, bool) {
	if len(t.pending) == 0 {
		return drama.Event{}, false
	}
	return t.pending[len(t.pending)-1], true
}

// Len is the number of queued messages.
func (t *Transaction) Len() int { return len(t.pending) }

// Done reports whether a terminal message has been processed.
func (t *Transaction) Done() bool { return t.done }

// Err is the terminal error, if the transaction failed.
func (t *Transaction) Err() error { return t.err }

// Value decodes the newest queued payload. For parameter gets it unwraps the
// structure the peer replies with.
func (t *Transaction) Value() (any, error) {
	ev, ok := t.Peek()
	if !ok || ev.Arg == nil {
		return nil, nil
	}
	if t.Kind == KindGet && ev.Arg.IsStruct() {
		if field, ok := ev.Arg.Field(t.Name); ok {
			return sds.Decode(field)
		}
	}
	return ev.Value()
}

// Wait suspends until this transaction resolves or timeout elapses.
func (t *Transaction) Wait(timeout float64) error {
	_, err := t.action.Wait(timeout, t)
	return err
}

// Join waits until the transaction is finished. The deadline is fixed when
// Join is called, however many intermediate messages arrive.
func (t *Transaction) Join(timeout float64) error {
	if t.done {
		t.action.ctx.takeUnreported([]*Transaction{t})
		return t.err
	}
	s := suspensionFor(timeout, t.action.d.now())
	subset := []*Transaction{t}
	for !t.done {
		if _, err := t.action.waitFor(s, timeout, subset); err != nil {
			return err
		}
	}
	return t.err
}

// Cancel ends the transaction. A confirmed subscription sends one cancel to
// the peer and finishes when the peer acknowledges; anything else is dropped
// locally and late replies are treated as orphans.
func (t *Transaction) Cancel() error {
	if t.done {
		return nil
	}
	if t.Kind == KindMonitor && t.confirmed {
		return t.sendCancel()
	}
	t.forceCancel()
	return nil
}

func (t *Transaction) op() string {
	if t.Name == "" {
		return fmt.Sprintf("%s(%s)", t.Kind, t.Task)
	}
	return fmt.Sprintf("%s(%s:%s)", t.Kind, t.Task, t.Name)
}

func (t *Transaction) push(ev drama.Event) {
	t.pending = append(t.pending, ev)
}

func (t *Transaction) resolve(status drama.Status, err error) {
	t.done = true
	t.Running = false
	t.Status = status
	t.err = err
	ctx := t.action.ctx
	ctx.remove(t)
	delete(ctx.monitors, t.ID)
}

func (t *Transaction) sendCancel() error {
	if t.cancelSent {
		return nil
	}
	t.cancelSent = true
	d := t.action.d
	p := t.Path
	if p == nil {
		var err error
		if p, err = d.paths.Lookup(t.Task); err != nil {
			d.logger.Warn("cannot cancel monitor %d on %s: %v", t.MonitorID, t.Task, err)
			return err
		}
	}
	if err := d.fabric.CancelMonitor(p, t.MonitorID); err != nil {
		d.logger.Warn("cancel of monitor %d on %s failed: %v", t.MonitorID, t.Task, err)
		return err
	}
	return nil
}

// forceCancel drops the transaction without waiting for the peer.
func (t *Transaction) forceCancel() {
	if t.done {
		return
	}
	d := t.action.d
	switch {
	case t.Kind == KindSignal:
	case t.Kind == KindMonitor && t.confirmed:
		_ = t.sendCancel()
		d.fabric.Forget(t.ID)
	default:
		d.fabric.Forget(t.ID)
	}
	t.resolve(drama.StatusCanceled, nil)
}

// apply moves the transaction along for ev. wake is false for messages that
// only update state, such as a subscription confirmation.
func (t *Transaction) apply(ev drama.Event) (wake bool, err error) {
	switch ev.Reason {
	case drama.ReasonComplete:
		if ev.Arg != nil {
			t.push(ev)
		}
		if ev.Status != drama.StatusOK {
			err = drama.NewBadStatus(ev.Status, t.op())
		}
		t.resolve(ev.Status, err)
		return true, err
	case drama.ReasonMesRejected:
		status := ev.Status
		if status == drama.StatusOK {
			status = drama.StatusError
		}
		err = drama.NewBadStatus(status, t.op())
		t.resolve(status, err)
		return true, err
	case drama.ReasonDied:
		err = &drama.DiedError{TransID: t.ID, Task: t.Task, Name: t.Name, Event: ev}
		t.resolve(drama.StatusDied, err)
		t.action.d.paths.Forget(t.Task)
		return true, err
	case drama.ReasonTrigger:
		if t.Kind == KindMonitor && ev.Status == drama.StatusMonStarted {
			return false, nil
		}
		t.push(ev)
		return true, nil
	case drama.ReasonSignal:
		t.push(ev)
		return true, nil
	case drama.ReasonPathFound:
		t.Path = ev.Path
		t.resolve(drama.StatusOK, nil)
		return true, nil
	case drama.ReasonPathFailed:
		status := ev.Status
		if status == drama.StatusOK {
			status = drama.StatusNoPath
		}
		err = drama.NewBadStatus(status, t.op())
		t.resolve(status, err)
		return true, err
	}
	return true, &drama.UnexpectedError{Event: ev}
}
