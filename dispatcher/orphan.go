package dispatcher

import (
	"context"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/fabric"
)

// OnOrphan handles messages that reach the task with no action to receive
// them. A subscription confirmation nobody is waiting for is canceled at the
// source; everything else is logged and dropped.
func (d *Dispatcher) OnOrphan(entry fabric.Entry) drama.Status {
	if err := d.enter(); err != nil {
		return d.fatal(entry, err)
	}
	reason, err := drama.ParseReason(entry.Reason)
	if err != nil {
		d.logger.Warn("orphan entry with bad reason %d dropped: %v", entry.Reason, err)
		return drama.StatusOK
	}
	return d.orphan(drama.Event{
		Action:  entry.Action,
		Peer:    entry.Peer,
		TransID: drama.TransID(entry.TransID),
		Reason:  reason,
		Status:  drama.Status(entry.Status),
		Arg:     entry.Arg,
		Path:    entry.Path,
	})
}

func (d *Dispatcher) orphan(ev drama.Event) drama.Status {
	d.metrics.Orphan(context.Background(), ev.Reason.String())

	if ev.Reason == drama.ReasonPathFound {
		d.paths.late(ev)
		return drama.StatusOK
	}
	if ev.Reason != drama.ReasonTrigger || ev.Status != drama.StatusMonStarted {
		d.logger.Debug("orphan %s", ev)
		return drama.StatusOK
	}

	id, ok := monitorID(ev.Arg)
	if !ok {
		d.logger.Warn("orphan MON_STARTED from %s without a monitor id", ev.Peer)
		return drama.StatusOK
	}
	p := ev.Path
	if p == nil {
		var err error
		if p, err = d.paths.Lookup(ev.Peer); err != nil {
			d.logger.Warn("cannot cancel orphan monitor %d on %s: %v", id, ev.Peer, err)
			return drama.StatusOK
		}
	}
	if err := d.fabric.CancelMonitor(p, id); err != nil {
		d.logger.Warn("cancel of orphan monitor %d on %s failed: %v", id, p.Task(), err)
		return drama.StatusOK
	}
	d.logger.Debug("canceled orphan monitor %d on %s", id, p.Task())
	return drama.StatusOK
}
