package main

import (
	stderrors "errors"
	"math"
	"time"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/dispatcher"
	"github.com/goliatone/go-drama/retry"
	"github.com/goliatone/go-drama/sds"
	"github.com/goliatone/go-drama/task"
)

// DataParam is the parameter PUB publishes.
const DataParam = "DATA"

type target struct {
	task    string
	param   string
	timeout float64
}

// parseTarget binds (task, param, timeout) arguments. The task defaults to
// the running task and the timeout to forever.
func parseTarget(a *dispatcher.Action, self string) target {
	args := a.Args()
	t := target{
		task:    args.String("task", 0, ""),
		param:   args.String("param", 1, DataParam),
		timeout: args.Float("timeout", 2, dispatcher.Forever),
	}
	if t.task == "" {
		t.task = self
	}
	return t
}

// registerExamples adds PUB, GET_S, GET_A and MON to rt.
func registerExamples(rt *task.Runtime) error {
	actions := map[string]dispatcher.ActionFunc{
		"PUB":   publisher(time.Now),
		"GET_S": getSync(rt.Name()),
		"GET_A": getAsync(rt.Name()),
		"MON":   monitor(rt.Name()),
	}
	for _, name := range []string{"PUB", "GET_S", "GET_A", "MON"} {
		if err := rt.Register(name, actions[name]); err != nil {
			return err
		}
	}
	return nil
}

// publisher updates DATA once a second by rescheduling itself.
func publisher(now func() time.Time) dispatcher.ActionFunc {
	number := int64(0)
	return func(a *dispatcher.Action) (any, error) {
		if a.Reason() == drama.ReasonKick {
			a.Logger().Info("PUB kicked, stopping")
			return nil, nil
		}
		number++
		data := map[string]any{
			"timestamp": float64(now().UnixNano()) / 1e9,
			"number":    number,
			"mylist":    []string{"1", "2", "a", "b"},
			"mynums":    []float64{1.2, 2.3, 3.4, 4.5},
			"myarr":     []float64{10, 20, 30},
			"myfloat":   float32(math.Pi),
			"mydict":    map[string]any{"x": 1, "y": 2, "z": 3},
			"mystring":  "hello",
		}
		if err := a.SetParam(DataParam, data); err != nil {
			return nil, err
		}
		a.Reschedule(1)
		return nil, nil
	}
}

// getSync reads task.param, suspending until the reply arrives.
func getSync(self string) dispatcher.ActionFunc {
	return func(a *dispatcher.Action) (any, error) {
		t := parseTarget(a, self)
		a.Logger().Info("GET_S(%s, %s, timeout=%g)", t.task, t.param, t.timeout)

		tx, err := a.Get(t.task, t.param)
		if err != nil {
			return nil, err
		}
		if err := tx.Join(t.timeout); err != nil {
			return nil, err
		}
		v, err := tx.Value()
		if err != nil {
			return nil, err
		}
		a.Reporter().Info("GET_S %s: %v", t.param, v)
		return v, nil
	}
}

// getAsync reads task.param by returning and being entered again with the
// reply.
func getAsync(self string) dispatcher.ActionFunc {
	var pending target
	return func(a *dispatcher.Action) (any, error) {
		ev := a.Event()
		switch ev.Reason {
		case drama.ReasonObey:
			pending = parseTarget(a, self)
			a.Logger().Info("GET_A(%s, %s, timeout=%g)", pending.task, pending.param, pending.timeout)
			if _, err := a.Get(pending.task, pending.param); err != nil {
				return nil, err
			}
			a.Reschedule(pending.timeout)
			return nil, nil
		case drama.ReasonComplete:
			if ev.Status != drama.StatusOK {
				return nil, drama.NewBadStatus(ev.Status, "get("+pending.param+")")
			}
			v, err := replyValue(ev, pending.param)
			if err != nil {
				return nil, err
			}
			a.Reporter().Info("GET_A %s: %v", pending.param, v)
			return v, nil
		case drama.ReasonResched:
			return nil, &drama.TimeoutError{Seconds: pending.timeout}
		}
		return nil, &drama.UnexpectedError{Event: ev}
	}
}

// replyValue unwraps the structure a peer answers a get with.
func replyValue(ev drama.Event, param string) (any, error) {
	if ev.Arg != nil && ev.Arg.IsStruct() {
		if field, ok := ev.Arg.Field(param); ok {
			return sds.Decode(field)
		}
	}
	return ev.Value()
}

// monitor follows task.param until kicked, restarting the subscription when
// the publisher goes away.
func monitor(self string) dispatcher.ActionFunc {
	return func(a *dispatcher.Action) (any, error) {
		t := parseTarget(a, self)
		a.Logger().Info("MON(%s, %s, timeout=%g)", t.task, t.param, t.timeout)

		var opts []retry.Option
		if t.timeout > 0 {
			opts = append(opts, retry.WithStaleAfter(time.Duration(t.timeout*float64(time.Second))))
		}
		m := retry.New(t.task, t.param, append(opts, retry.WithLogger(a.Logger()))...)
		changes := 0
		for {
			ev, err := m.Next(a)
			if stderrors.Is(err, drama.ErrKicked) {
				a.Logger().Info("MON kicked after %d changes", changes)
				return int64(changes), nil
			}
			if err != nil {
				return nil, err
			}
			changes++
			v, err := ev.Value()
			if err != nil {
				a.Logger().Warn("MON undecodable value: %v", err)
				continue
			}
			a.Report("MON changed: %v", v)
		}
	}
}
