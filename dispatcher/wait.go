package dispatcher

import (
	stderrors "errors"
	"math"
	"time"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/fabric"
)

const (
	// Forever waits without a deadline.
	Forever = -1.0
	// AbsoluteThreshold separates relative timeouts from absolute epoch
	// deadlines: anything larger is seconds since the epoch.
	AbsoluteThreshold = 315576000.0
)

type suspendMode int

const (
	suspendForever suspendMode = iota
	suspendStage
	suspendUntil
)

// suspension is what an action asks the fabric for while it is parked.
type suspension struct {
	mode     suspendMode
	deadline time.Time
}

func (s suspension) request() fabric.Request {
	switch s.mode {
	case suspendStage:
		return fabric.Stage{}
	case suspendUntil:
		return fabric.Sleep{Deadline: s.deadline}
	}
	return fabric.Sleep{}
}

// suspensionFor fixes the absolute deadline for timeout seconds from now.
func suspensionFor(timeout float64, now time.Time) suspension {
	switch {
	case timeout < 0:
		return suspension{mode: suspendForever}
	case timeout == 0:
		return suspension{mode: suspendStage}
	case timeout > AbsoluteThreshold:
		return suspension{mode: suspendUntil, deadline: epoch(timeout)}
	}
	return suspension{mode: suspendUntil, deadline: now.Add(time.Duration(timeout * float64(time.Second)))}
}

func epoch(seconds float64) time.Time {
	whole := math.Floor(seconds)
	return time.Unix(int64(whole), int64((seconds-whole)*1e9))
}

func untilSuspension(deadline time.Time) suspension {
	if deadline.IsZero() {
		return suspension{mode: suspendForever}
	}
	return suspension{mode: suspendUntil, deadline: deadline}
}

func (a *Action) yield(s suspension) drama.Event {
	return a.ctx.co.Yield(outcome{suspend: s})
}

// Wait suspends until one of txs resolves, or any transaction of the action
// when txs is empty. timeout follows the Forever / stage / relative /
// absolute convention.
func (a *Action) Wait(timeout float64, txs ...*Transaction) (*Transaction, error) {
	return a.waitFor(suspensionFor(timeout, a.d.now()), timeout, txs)
}

// WaitUntil is Wait with an absolute deadline. A zero deadline waits forever.
func (a *Action) WaitUntil(deadline time.Time, txs ...*Transaction) (*Transaction, error) {
	seconds := Forever
	if !deadline.IsZero() {
		seconds = deadline.Sub(a.d.now()).Seconds()
	}
	return a.waitFor(untilSuspension(deadline), seconds, txs)
}

// Delay suspends for seconds while the transaction machinery keeps running.
// Only the final timeout is swallowed; kicks and failed transactions
// propagate.
func (a *Action) Delay(seconds float64) error {
	s := suspensionFor(seconds, a.d.now())
	for {
		_, err := a.waitFor(s, seconds, nil)
		if err == nil {
			continue
		}
		var timeout *drama.TimeoutError
		if stderrors.As(err, &timeout) {
			return nil
		}
		return err
	}
}

func (a *Action) waitFor(s suspension, seconds float64, subset []*Transaction) (*Transaction, error) {
	if tx := a.ctx.takeUnreported(subset); tx != nil {
		return tx, tx.err
	}
	for {
		ev := a.yield(s)
		a.last = ev
		tx, matched, err := a.translate(ev, subset, seconds)
		if matched {
			return tx, err
		}
	}
}

// translate applies one resumed event to the registry. matched is false when
// the event resolved a transaction outside subset and waiting continues.
func (a *Action) translate(ev drama.Event, subset []*Transaction, seconds float64) (*Transaction, bool, error) {
	ctx := a.ctx
	switch ev.Reason {
	case drama.ReasonResched:
		return nil, true, &drama.TimeoutError{Seconds: seconds, Waiting: transIDs(subset)}
	case drama.ReasonKick, drama.ReasonObey:
		return nil, true, &drama.KickedError{Event: ev}
	case drama.ReasonExit:
		a.d.exitRequested = true
		return nil, true, &drama.ExitError{Reason: "exit message from " + ev.Peer}
	case drama.ReasonSignal:
		tx, ok := ctx.txs[drama.SignalTransID]
		if !ok || tx.Kind != KindSignal {
			return nil, true, &drama.UnexpectedError{Event: ev}
		}
		tx.push(ev)
		return a.settle(tx, nil, subset)
	case drama.ReasonComplete, drama.ReasonMesRejected, drama.ReasonDied,
		drama.ReasonTrigger, drama.ReasonPathFound, drama.ReasonPathFailed:
		tx, ok := ctx.txs[ev.TransID]
		if !ok && (ev.Reason == drama.ReasonPathFound || ev.Reason == drama.ReasonPathFailed) {
			a.d.paths.late(ev)
			return nil, false, nil
		}
		if !ok {
			return nil, true, &drama.UnexpectedError{Event: ev}
		}
		wake, err := tx.apply(ev)
		if !wake {
			return nil, false, nil
		}
		return a.settle(tx, err, subset)
	}
	return nil, true, &drama.UnexpectedError{Event: ev}
}

func (a *Action) settle(tx *Transaction, err error, subset []*Transaction) (*Transaction, bool, error) {
	if len(subset) == 0 || contains(subset, tx) {
		return tx, true, err
	}
	a.ctx.markUnreported(tx)
	return nil, false, nil
}

func transIDs(txs []*Transaction) []drama.TransID {
	ids := make([]drama.TransID, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	return ids
}
