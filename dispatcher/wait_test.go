package dispatcher

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/fabric"
)

func TestSuspensionFor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, fabric.Sleep{}, suspensionFor(Forever, now).request())
	assert.Equal(t, fabric.Stage{}, suspensionFor(0, now).request())
	assert.Equal(t, fabric.Sleep{Deadline: now.Add(1500 * time.Millisecond)}, suspensionFor(1.5, now).request())

	abs := float64(now.Add(time.Hour).Unix())
	s := suspensionFor(abs, now)
	assert.True(t, s.deadline.Equal(now.Add(time.Hour)))
}

func TestTimeoutEndsAction(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("CALL", func(a *Action) (any, error) {
		tx, err := a.Obey("B", "WORK")
		if err != nil {
			return nil, err
		}
		_, err = a.Wait(2, tx)
		return nil, err
	}))

	f.obey(t, "CALL", nil)
	f.entry(t, fabric.Entry{Action: "CALL", Reason: int32(drama.ReasonResched)})

	assert.Equal(t, drama.StatusTimeout, f.end(t, "CALL").Status)
	assert.Equal(t, []drama.TransID{f.sentTo("WORK").tid}, f.forgotten)
	require.NotEmpty(t, f.reports)
	assert.Contains(t, f.reports[0].text, drama.ErrCodeTimeout)
}

func TestDelayKeepsOneDeadline(t *testing.T) {
	d, f := newHarness(t)
	base := fixedClock(d)
	require.NoError(t, d.Register("NAP", func(a *Action) (any, error) {
		tx, err := a.Obey("B", "WORK")
		if err != nil {
			return nil, err
		}
		if err := a.Delay(5); err != nil {
			return nil, err
		}
		return tx.Done(), nil
	}))

	f.obey(t, "NAP", nil)
	want := fabric.Sleep{Deadline: base.Add(5 * time.Second)}
	assert.Equal(t, want, f.last("NAP"))

	f.reply(t, "NAP", f.sentTo("WORK").tid, drama.ReasonComplete, drama.StatusOK, nil)
	assert.Equal(t, want, f.last("NAP"))

	f.entry(t, fabric.Entry{Action: "NAP", Reason: int32(drama.ReasonResched)})
	end := f.end(t, "NAP")
	assert.Equal(t, drama.StatusOK, end.Status)
	assert.Equal(t, uint8(1), decode(t, end.Reply))
}

func TestDelayPropagatesKick(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("NAP", func(a *Action) (any, error) {
		return nil, a.Delay(30)
	}))

	f.obey(t, "NAP", nil)
	f.entry(t, fabric.Entry{Action: "NAP", Reason: int32(drama.ReasonKick)})

	assert.Equal(t, drama.StatusKicked, f.end(t, "NAP").Status)
}

func TestJoinKeepsDeadlineAcrossProgress(t *testing.T) {
	d, f := newHarness(t)
	base := fixedClock(d)
	require.NoError(t, d.Register("CALL", func(a *Action) (any, error) {
		tx, err := a.Obey("B", "LONG")
		if err != nil {
			return nil, err
		}
		if err := tx.Join(10); err != nil {
			return nil, err
		}
		return tx.Len(), nil
	}))

	f.obey(t, "CALL", nil)
	tid := f.sentTo("LONG").tid
	want := fabric.Sleep{Deadline: base.Add(10 * time.Second)}

	f.reply(t, "CALL", tid, drama.ReasonTrigger, drama.StatusOK, encode(t, "25%"))
	assert.Equal(t, want, f.last("CALL"))
	f.reply(t, "CALL", tid, drama.ReasonTrigger, drama.StatusOK, encode(t, "50%"))
	assert.Equal(t, want, f.last("CALL"))

	f.reply(t, "CALL", tid, drama.ReasonComplete, drama.StatusOK, encode(t, "done"))
	assert.Equal(t, int64(3), decode(t, f.end(t, "CALL").Reply))
}

func TestTieBreakReportsEarlierResolution(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("PAIR", func(a *Action) (any, error) {
		x, err := a.Obey("B", "X")
		if err != nil {
			return nil, err
		}
		y, err := a.Obey("B", "Y")
		if err != nil {
			return nil, err
		}
		first, err := a.Wait(Forever, x)
		if err != nil {
			return nil, err
		}
		second, err := a.Wait(0, y)
		if err != nil {
			return nil, err
		}
		return []string{first.Name, second.Name}, nil
	}))

	f.obey(t, "PAIR", nil)
	f.reply(t, "PAIR", f.sentTo("Y").tid, drama.ReasonComplete, drama.StatusOK, nil)
	f.reply(t, "PAIR", f.sentTo("X").tid, drama.ReasonComplete, drama.StatusOK, nil)

	end := f.end(t, "PAIR")
	assert.Equal(t, []string{"X", "Y"}, decode(t, end.Reply))
	for _, req := range f.requests["PAIR"] {
		assert.NotEqual(t, fabric.Stage{}, req)
	}
	assert.Len(t, f.requests["PAIR"], 3)
}

func TestSubscriptionMessagesAreFIFO(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("COLLECT", func(a *Action) (any, error) {
		mon, err := a.Monitor("B", "COUNT")
		if err != nil {
			return nil, err
		}
		for mon.Len() < 3 {
			if _, err := a.Wait(Forever, mon); err != nil {
				return nil, err
			}
		}
		var out []int64
		for {
			ev, ok := mon.Pop()
			if !ok {
				break
			}
			v, err := ev.Value()
			if err != nil {
				return nil, err
			}
			out = append(out, v.(int64))
		}
		return out, nil
	}))

	f.obey(t, "COLLECT", nil)
	tid := f.sentTo("COUNT").tid
	f.reply(t, "COLLECT", tid, drama.ReasonTrigger, drama.StatusMonStarted, encode(t, map[string]any{"MONITOR_ID": int32(1)}))
	for _, v := range []int64{1, 2, 3} {
		f.reply(t, "COLLECT", tid, drama.ReasonTrigger, drama.StatusMonChanged, encode(t, v))
	}

	assert.Equal(t, []int64{1, 2, 3}, decode(t, f.end(t, "COLLECT").Reply))
}

func TestConfirmedSubscriptionCanceledAtEnd(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("WATCH", func(a *Action) (any, error) {
		if _, err := a.Obey("B", "WORK"); err != nil {
			return nil, err
		}
		mon, err := a.Monitor("B", "COUNT")
		if err != nil {
			return nil, err
		}
		if _, err := a.Wait(Forever, mon); err != nil {
			return nil, err
		}
		return mon.MonitorID, nil
	}))

	f.obey(t, "WATCH", nil)
	work, mon := f.sentTo("WORK"), f.sentTo("COUNT")

	f.reply(t, "WATCH", mon.tid, drama.ReasonTrigger, drama.StatusMonStarted, encode(t, map[string]any{"MONITOR_ID": int32(7)}))
	assert.Equal(t, fabric.Sleep{}, f.last("WATCH"))
	assert.Empty(t, f.cancels)

	f.reply(t, "WATCH", mon.tid, drama.ReasonTrigger, drama.StatusMonChanged, encode(t, int64(3)))

	end := f.end(t, "WATCH")
	assert.Equal(t, int64(7), decode(t, end.Reply))
	assert.Equal(t, []cancelOp{{task: "B", id: 7}}, f.cancels)
	assert.ElementsMatch(t, []drama.TransID{work.tid, mon.tid}, f.forgotten)
	assert.Empty(t, d.contexts)
}

func TestExplicitCancelSendsOnce(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("WATCH", func(a *Action) (any, error) {
		mon, err := a.Monitor("B", "COUNT")
		if err != nil {
			return nil, err
		}
		if _, err := a.Wait(Forever, mon); err != nil {
			return nil, err
		}
		if err := mon.Cancel(); err != nil {
			return nil, err
		}
		return nil, mon.Cancel()
	}))

	f.obey(t, "WATCH", nil)
	tid := f.sentTo("COUNT").tid
	f.reply(t, "WATCH", tid, drama.ReasonTrigger, drama.StatusMonStarted, encode(t, map[string]any{"MONITOR_ID": int32(3)}))
	f.reply(t, "WATCH", tid, drama.ReasonTrigger, drama.StatusMonChanged, encode(t, int64(1)))

	assert.Equal(t, drama.StatusOK, f.end(t, "WATCH").Status)
	assert.Equal(t, []cancelOp{{task: "B", id: 3}}, f.cancels)
}

func TestUnconfirmedSubscriptionIsForgotten(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("WATCH", func(a *Action) (any, error) {
		_, err := a.Monitor("B", "COUNT")
		return nil, err
	}))

	f.obey(t, "WATCH", nil)

	assert.Equal(t, drama.StatusOK, f.end(t, "WATCH").Status)
	assert.Empty(t, f.cancels)
	assert.Equal(t, []drama.TransID{f.sentTo("COUNT").tid}, f.forgotten)

	// the late confirmation arrives with no context and is canceled
	f.reply(t, "WATCH", f.sentTo("COUNT").tid, drama.ReasonTrigger, drama.StatusMonStarted,
		encode(t, map[string]any{"MONITOR_ID": int32(4)}))
	assert.Equal(t, []cancelOp{{task: "B", id: 4}}, f.cancels)
}

func TestRescheduleReentersBody(t *testing.T) {
	d, f := newHarness(t)
	base := fixedClock(d)
	calls := 0
	require.NoError(t, d.Register("PUB", func(a *Action) (any, error) {
		calls++
		if calls < 3 {
			a.Reschedule(1)
			return nil, nil
		}
		return calls, nil
	}))

	f.obey(t, "PUB", nil)
	assert.Equal(t, fabric.Sleep{Deadline: base.Add(time.Second)}, f.last("PUB"))
	assert.Len(t, d.contexts, 1)

	f.entry(t, fabric.Entry{Action: "PUB", Reason: int32(drama.ReasonResched)})
	assert.IsType(t, fabric.Sleep{}, f.last("PUB"))

	f.entry(t, fabric.Entry{Action: "PUB", Reason: int32(drama.ReasonResched)})
	assert.Equal(t, int64(3), decode(t, f.end(t, "PUB").Reply))
	assert.Empty(t, d.contexts)
}

func TestRescheduleKeepsTransactions(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("ASYNC", func(a *Action) (any, error) {
		if a.Reason() == drama.ReasonObey {
			if _, err := a.Obey("B", "WORK"); err != nil {
				return nil, err
			}
			a.Reschedule(Forever)
			return nil, nil
		}
		if a.Reason() != drama.ReasonComplete {
			return nil, stderrors.New("expected completion")
		}
		return len(a.Transactions()), nil
	}))

	f.obey(t, "ASYNC", nil)
	assert.Empty(t, f.forgotten)
	assert.Equal(t, fabric.Sleep{}, f.last("ASYNC"))

	f.reply(t, "ASYNC", f.sentTo("WORK").tid, drama.ReasonComplete, drama.StatusOK, nil)
	assert.Equal(t, int64(0), decode(t, f.end(t, "ASYNC").Reply))
	assert.Empty(t, f.forgotten)
}

func TestStrayConfirmationForLiveActionIsCanceled(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("WATCH", func(a *Action) (any, error) {
		mon, err := a.Monitor("B", "COUNT")
		if err != nil {
			return nil, err
		}
		if err := mon.Cancel(); err != nil {
			return nil, err
		}
		_, err = a.Wait(Forever)
		return nil, err
	}))

	f.obey(t, "WATCH", nil)
	tid := f.sentTo("COUNT").tid
	assert.Equal(t, []drama.TransID{tid}, f.forgotten)

	status := f.reply(t, "WATCH", tid, drama.ReasonTrigger, drama.StatusMonStarted,
		encode(t, map[string]any{"MONITOR_ID": int32(6)}))

	assert.Equal(t, drama.StatusOK, status)
	assert.Equal(t, []cancelOp{{task: "B", id: 6}}, f.cancels)
	assert.Equal(t, fabric.Sleep{}, f.last("WATCH"))
	assert.Len(t, d.contexts, 1)

	f.entry(t, fabric.Entry{Action: "WATCH", Reason: int32(drama.ReasonKick)})
	assert.Equal(t, drama.StatusKicked, f.end(t, "WATCH").Status)
}

func TestScopedWaitKeepsDeadline(t *testing.T) {
	d, f := newHarness(t)
	base := fixedClock(d)
	require.NoError(t, d.Register("PAIR", func(a *Action) (any, error) {
		x, err := a.Obey("B", "X")
		if err != nil {
			return nil, err
		}
		if _, err := a.Obey("B", "Y"); err != nil {
			return nil, err
		}
		got, err := a.Wait(5, x)
		if err != nil {
			return nil, err
		}
		return got.Name, nil
	}))

	f.obey(t, "PAIR", nil)
	want := fabric.Sleep{Deadline: base.Add(5 * time.Second)}
	assert.Equal(t, want, f.last("PAIR"))

	f.reply(t, "PAIR", f.sentTo("Y").tid, drama.ReasonComplete, drama.StatusOK, nil)
	assert.Equal(t, want, f.last("PAIR"))
	assert.Len(t, f.requests["PAIR"], 2)

	f.reply(t, "PAIR", f.sentTo("X").tid, drama.ReasonComplete, drama.StatusOK, nil)
	end := f.end(t, "PAIR")
	assert.Equal(t, drama.StatusOK, end.Status)
	assert.Equal(t, "X", decode(t, end.Reply))
}

func TestScopedWaitTimesOutDespiteOtherReplies(t *testing.T) {
	d, f := newHarness(t)
	fixedClock(d)
	require.NoError(t, d.Register("PAIR", func(a *Action) (any, error) {
		x, err := a.Obey("B", "X")
		if err != nil {
			return nil, err
		}
		if _, err := a.Obey("B", "Y"); err != nil {
			return nil, err
		}
		_, err = a.Wait(5, x)
		return nil, err
	}))

	f.obey(t, "PAIR", nil)
	f.reply(t, "PAIR", f.sentTo("Y").tid, drama.ReasonComplete, drama.StatusOK, nil)
	f.entry(t, fabric.Entry{Action: "PAIR", Reason: int32(drama.ReasonResched)})

	assert.Equal(t, drama.StatusTimeout, f.end(t, "PAIR").Status)
	assert.Contains(t, f.forgotten, f.sentTo("X").tid)
}

func TestAbsoluteWaitKeepsDeadline(t *testing.T) {
	d, f := newHarness(t)
	base := fixedClock(d)
	deadline := base.Add(time.Hour)
	require.NoError(t, d.Register("PAIR", func(a *Action) (any, error) {
		x, err := a.Obey("B", "X")
		if err != nil {
			return nil, err
		}
		if _, err := a.Obey("B", "Y"); err != nil {
			return nil, err
		}
		_, err = a.Wait(float64(deadline.Unix()), x)
		return nil, err
	}))

	f.obey(t, "PAIR", nil)
	want := fabric.Sleep{Deadline: time.Unix(deadline.Unix(), 0)}
	assert.Equal(t, want, f.last("PAIR"))

	f.reply(t, "PAIR", f.sentTo("Y").tid, drama.ReasonComplete, drama.StatusOK, nil)
	assert.Equal(t, want, f.last("PAIR"))
}
