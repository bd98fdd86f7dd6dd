package dispatcher

import (
	"context"
	"fmt"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/fabric"
	"github.com/goliatone/go-drama/sds"
)

var ErrSignalExists = errors.New("signal transaction already open", errors.CategoryConflict).
	WithTextCode("DISPATCH_SIGNAL_EXISTS")

// Kwargs passed as the last argument of Obey or Kick become keyword fields
// of the argument structure.
type Kwargs map[string]any

// Action is the handle an action body uses to talk to the world. It is only
// valid inside the body it was given to.
type Action struct {
	d      *Dispatcher
	ctx    *actionContext
	event  drama.Event
	last   drama.Event
	args   sds.Args
	logger drama.Logger
	trace  context.Context
}

// Name is the registered action name.
func (a *Action) Name() string { return a.ctx.name }

// Event is the message that entered the body.
func (a *Action) Event() drama.Event { return a.event }

// Reason is shorthand for Event().Reason.
func (a *Action) Reason() drama.Reason { return a.event.Reason }

// LastEvent is the most recent message delivered while suspended.
func (a *Action) LastEvent() drama.Event { return a.last }

// Args are the decoded arguments of the invoking message.
func (a *Action) Args() sds.Args { return a.args }

// Logger carries the action name as a field.
func (a *Action) Logger() drama.Logger { return a.logger }

// Context carries the action span.
func (a *Action) Context() context.Context { return a.trace }

// Transactions lists the open transactions of the action by id.
func (a *Action) Transactions() []*Transaction { return a.ctx.transactionsInOrder() }

func buildArgument(args []any) (*sds.Node, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if len(args) == 1 {
		if n, ok := args[0].(*sds.Node); ok {
			return n, nil
		}
	}
	var kwargs map[string]any
	if kw, ok := args[len(args)-1].(Kwargs); ok {
		kwargs = kw
		args = args[:len(args)-1]
	}
	return sds.MakeArgument(args, kwargs)
}

func (a *Action) track(tid drama.TransID, kind Kind, task, name string, p drama.Path) *Transaction {
	tx := &Transaction{
		ID:      tid,
		Kind:    kind,
		Task:    task,
		Name:    name,
		Path:    p,
		Running: kind != KindMonitor,
		action:  a,
	}
	a.ctx.add(tx)
	a.d.metrics.TransactionStarted(a.trace, a.ctx.name, kind.String())
	return tx
}

func (a *Action) open(kind Kind, task, name string, send func(p drama.Path) (drama.TransID, error)) (*Transaction, error) {
	p, err := a.d.paths.Resolve(a, task, a.d.pathTimeout)
	if err != nil {
		return nil, err
	}
	tid, err := send(p)
	if err != nil {
		if drama.StatusOf(err) == drama.StatusNoPath {
			a.d.paths.Forget(task)
		}
		return nil, err
	}
	return a.track(tid, kind, task, name, p), nil
}

// Obey starts action in task. Arguments are packed as Argument1..N; a
// trailing Kwargs adds named fields and a single *sds.Node is sent as is.
func (a *Action) Obey(task, action string, args ...any) (*Transaction, error) {
	arg, err := buildArgument(args)
	if err != nil {
		return nil, err
	}
	return a.open(KindObey, task, action, func(p drama.Path) (drama.TransID, error) {
		return a.d.fabric.Obey(p, action, arg)
	})
}

// Kick interrupts action in task.
func (a *Action) Kick(task, action string, args ...any) (*Transaction, error) {
	arg, err := buildArgument(args)
	if err != nil {
		return nil, err
	}
	return a.open(KindKick, task, action, func(p drama.Path) (drama.TransID, error) {
		return a.d.fabric.Kick(p, action, arg)
	})
}

// Get reads a parameter of task.
func (a *Action) Get(task, name string) (*Transaction, error) {
	return a.open(KindGet, task, name, func(p drama.Path) (drama.TransID, error) {
		return a.d.fabric.Get(p, name)
	})
}

// Set writes a parameter of task.
func (a *Action) Set(task, name string, value any) (*Transaction, error) {
	arg, err := sds.Encode(value, name)
	if err != nil {
		return nil, err
	}
	return a.open(KindSet, task, name, func(p drama.Path) (drama.TransID, error) {
		return a.d.fabric.Set(p, name, arg)
	})
}

// Monitor subscribes to a parameter of task. The subscription is canceled
// automatically when the action ends.
func (a *Action) Monitor(task, name string) (*Transaction, error) {
	return a.open(KindMonitor, task, name, func(p drama.Path) (drama.TransID, error) {
		return a.d.fabric.Monitor(p, name)
	})
}

// Signal opens the transaction that receives unsolicited signals for this
// action. Only one may be open at a time.
func (a *Action) Signal() (*Transaction, error) {
	if _, exists := a.ctx.txs[drama.SignalTransID]; exists {
		return nil, ErrSignalExists.Clone().WithMetadata(map[string]any{"action": a.ctx.name})
	}
	return a.track(drama.SignalTransID, KindSignal, "", a.ctx.name, nil), nil
}

// Trigger sends an intermediate value to the caller of this action.
func (a *Action) Trigger(value any) error {
	var arg *sds.Node
	if value != nil {
		var err error
		if arg, err = sds.Encode(value, sds.DefaultName); err != nil {
			return err
		}
	}
	return a.d.fabric.Trigger(a.ctx.name, arg)
}

// Report queues an informational message for the caller. Queued reports are
// sent when the action next suspends or ends.
func (a *Action) Report(format string, args ...any) {
	a.ctx.reports = append(a.ctx.reports, report{kind: fabric.ReportInfo, text: fmt.Sprintf(format, args...)})
}

// ReportError queues an error report for the caller.
func (a *Action) ReportError(format string, args ...any) {
	a.ctx.reports = append(a.ctx.reports, report{kind: fabric.ReportError, text: fmt.Sprintf(format, args...)})
}

// ReportNow sends a report immediately.
func (a *Action) ReportNow(kind fabric.ReportKind, format string, args ...any) error {
	return a.d.fabric.Report(a.ctx.name, kind, fmt.Sprintf(format, args...))
}

// Reschedule asks for the body to be entered again with the next message
// (or after timeout) instead of finishing when it returns. Open transactions
// survive the return.
func (a *Action) Reschedule(timeout float64) {
	a.ctx.rescheduled = true
	a.ctx.reschedule = suspensionFor(timeout, a.d.now())
}

// ClearReschedule cancels a pending Reschedule.
func (a *Action) ClearReschedule() {
	a.ctx.rescheduled = false
}

// Rescheduled reports whether the body asked to be entered again.
func (a *Action) Rescheduled() bool { return a.ctx.rescheduled }

// GetParam reads a parameter of this task.
func (a *Action) GetParam(name string) (any, error) {
	if a.d.params == nil {
		return nil, drama.NewBadStatus(drama.StatusParamNotFound, "get_param("+name+")")
	}
	return a.d.params.Get(name)
}

// SetParam writes a parameter of this task and notifies monitors.
func (a *Action) SetParam(name string, value any) error {
	if a.d.params == nil {
		return drama.NewBadStatus(drama.StatusParamNotFound, "set_param("+name+")")
	}
	return a.d.params.Set(name, value, true)
}

// Exit latches task shutdown and returns the error the body should return.
// Shutdown happens even if the error is swallowed.
func (a *Action) Exit(reason string) error {
	a.d.exitRequested = true
	return &drama.ExitError{Reason: reason}
}
