package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Instruments holds the dispatcher metrics. A nil *Instruments records
// nothing, so callers never need to check.
type Instruments struct {
	Entries       metric.Int64Counter
	Invocations   metric.Int64Counter
	Completions   metric.Int64Counter
	Duration      metric.Float64Histogram
	Transactions  metric.Int64Counter
	Cancellations metric.Int64Counter
	Orphans       metric.Int64Counter
	Fatal         metric.Int64Counter
}

// NewInstruments registers every instrument on a meter taken from mp.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	meter := Meter(mp)
	var (
		inst Instruments
		err  error
	)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&inst.Entries, "drama.dispatch.entries", "Fabric entries handled by the dispatcher", "{entry}"},
		{&inst.Invocations, "drama.action.invocations", "Action contexts created", "{invocation}"},
		{&inst.Completions, "drama.action.completions", "Action contexts finished", "{invocation}"},
		{&inst.Transactions, "drama.transactions.started", "Transactions opened by action bodies", "{transaction}"},
		{&inst.Cancellations, "drama.transactions.canceled", "Transactions canceled during teardown", "{transaction}"},
		{&inst.Orphans, "drama.dispatch.orphans", "Messages with no action context", "{message}"},
		{&inst.Fatal, "drama.dispatch.fatal", "Fatal dispatch conditions", "{event}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", c.name, err)
		}
	}

	inst.Duration, err = meter.Float64Histogram(
		"drama.action.duration",
		metric.WithDescription("Wall time from obey to completion of an action"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating drama.action.duration: %w", err)
	}

	return &inst, nil
}

// Entry counts one dispatcher entry.
func (i *Instruments) Entry(ctx context.Context, action, reason string) {
	if i == nil {
		return
	}
	i.Entries.Add(ctx, 1, metric.WithAttributes(AttrAction.String(action), AttrReason.String(reason)))
}

// Invoked counts a new action context.
func (i *Instruments) Invoked(ctx context.Context, action string) {
	if i == nil {
		return
	}
	i.Invocations.Add(ctx, 1, metric.WithAttributes(AttrAction.String(action)))
}

// Finished records completion of an action context.
func (i *Instruments) Finished(ctx context.Context, action, status string, elapsed time.Duration) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(AttrAction.String(action), AttrStatus.String(status))
	i.Completions.Add(ctx, 1, attrs)
	i.Duration.Record(ctx, elapsed.Seconds(), attrs)
}

// TransactionStarted counts an outbound transaction.
func (i *Instruments) TransactionStarted(ctx context.Context, action, kind string) {
	if i == nil {
		return
	}
	i.Transactions.Add(ctx, 1, metric.WithAttributes(AttrAction.String(action), AttrKind.String(kind)))
}

// Canceled counts transactions force-canceled at teardown.
func (i *Instruments) Canceled(ctx context.Context, action string, n int) {
	if i == nil || n == 0 {
		return
	}
	i.Cancellations.Add(ctx, int64(n), metric.WithAttributes(AttrAction.String(action)))
}

// Orphan counts a message routed to the orphan handler.
func (i *Instruments) Orphan(ctx context.Context, reason string) {
	if i == nil {
		return
	}
	i.Orphans.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}

// FatalEntry counts a fatal dispatch condition.
func (i *Instruments) FatalEntry(ctx context.Context, code string) {
	if i == nil {
		return
	}
	i.Fatal.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(code)))
}
