package dispatcher

import (
	stderrors "errors"
	"fmt"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/fabric"
	"github.com/goliatone/go-drama/param"
	"github.com/goliatone/go-drama/sds"
)

func textCode(err error) string {
	var ge *goerrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

func TestObeyRepliesWithValue(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("PING", func(a *Action) (any, error) {
		return "pong", nil
	}))

	assert.Equal(t, drama.StatusOK, f.obey(t, "PING", nil))

	end := f.end(t, "PING")
	assert.Equal(t, drama.StatusOK, end.Status)
	assert.Equal(t, "pong", decode(t, end.Reply))
	assert.Equal(t, sds.DefaultName, end.Reply.Name())
	assert.Empty(t, d.contexts)
}

func TestArgumentsAreDecoded(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("ADD", func(a *Action) (any, error) {
		args := a.Args()
		return args.Int("", 0, 0) + args.Int("B", 1, 0), nil
	}))

	arg, err := sds.MakeArgument([]any{2}, map[string]any{"B": 3})
	require.NoError(t, err)
	f.obey(t, "ADD", arg)

	assert.Equal(t, int64(5), decode(t, f.end(t, "ADD").Reply))
}

func TestRegisterValidation(t *testing.T) {
	d, _ := newHarness(t)
	noop := func(a *Action) (any, error) { return nil, nil }

	assert.Equal(t, "DISPATCH_EMPTY_ACTION", textCode(d.Register("", noop)))
	assert.Equal(t, "DISPATCH_NIL_ACTION", textCode(d.Register("X", nil)))
	require.NoError(t, d.Register("X", noop))
	assert.Equal(t, "DISPATCH_DUPLICATE_ACTION", textCode(d.Register("X", noop)))
}

func TestErrorBecomesStatusAndReport(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("FAIL", func(a *Action) (any, error) {
		return nil, drama.NewBadStatus(drama.StatusParamNotFound, "lookup")
	}))

	f.obey(t, "FAIL", nil)

	end := f.end(t, "FAIL")
	assert.Equal(t, drama.StatusParamNotFound, end.Status)
	require.Len(t, f.reports, 1)
	assert.Equal(t, fabric.ReportError, f.reports[0].kind)
	assert.Contains(t, f.reports[0].text, "lookup")
	// the error report reaches the caller before the completion
	assert.Equal(t, []string{"report:" + f.reports[0].text, "request:end"}, f.log)
}

func TestPanicIsRecovered(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("BOOM", func(a *Action) (any, error) {
		panic("boom")
	}))

	f.obey(t, "BOOM", nil)

	assert.Equal(t, drama.StatusError, f.end(t, "BOOM").Status)
	require.Len(t, f.reports, 1)
	assert.Contains(t, f.reports[0].text, "action panicked")
	assert.Empty(t, d.contexts)
}

func TestObeyOfUnregisteredAction(t *testing.T) {
	d, f := newHarness(t)

	status := d.OnEntry(fabric.Entry{Action: "NOPE", Reason: int32(drama.ReasonObey)})

	assert.Equal(t, drama.StatusOK, status)
	assert.Equal(t, drama.StatusUnknownAction, f.end(t, "NOPE").Status)
}

func TestObeyWhileActiveIsKick(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("LOOP", func(a *Action) (any, error) {
		_, err := a.Wait(Forever)
		var kicked *drama.KickedError
		if stderrors.As(err, &kicked) {
			return "kicked", nil
		}
		return nil, err
	}))

	f.obey(t, "LOOP", nil)
	assert.Equal(t, fabric.Sleep{}, f.last("LOOP"))
	assert.Len(t, d.contexts, 1)

	f.obey(t, "LOOP", nil)
	assert.Equal(t, "kicked", decode(t, f.end(t, "LOOP").Reply))
	assert.Empty(t, d.contexts)
}

func TestRoundTripObeyComplete(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("CALL", func(a *Action) (any, error) {
		tx, err := a.Obey("B", "WORK", 1, Kwargs{"mode": "fast"})
		if err != nil {
			return nil, err
		}
		if err := tx.Join(Forever); err != nil {
			return nil, err
		}
		return tx.Value()
	}))

	f.obey(t, "CALL", nil)
	assert.Equal(t, fabric.Sleep{}, f.last("CALL"))

	op := f.sentTo("WORK")
	assert.Equal(t, "obey", op.op)
	assert.Equal(t, "B", op.task)
	args, err := sds.ParseArgument(op.arg)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, args.Positional)
	assert.Equal(t, "fast", args.Keyword["mode"])

	f.reply(t, "CALL", op.tid, drama.ReasonComplete, drama.StatusOK, encode(t, 42))

	end := f.end(t, "CALL")
	assert.Equal(t, drama.StatusOK, end.Status)
	assert.Equal(t, int64(42), decode(t, end.Reply))
	assert.Empty(t, f.forgotten)
}

func TestNonzeroCompletionRaisesBadStatus(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("CALL", func(a *Action) (any, error) {
		tx, err := a.Obey("B", "WORK")
		if err != nil {
			return nil, err
		}
		err = tx.Join(Forever)
		var bad *drama.BadStatusError
		if stderrors.As(err, &bad) && bad.Status == drama.StatusNotActive {
			return nil, err
		}
		return nil, fmt.Errorf("unexpected %v", err)
	}))

	f.obey(t, "CALL", nil)
	f.reply(t, "CALL", f.sentTo("WORK").tid, drama.ReasonComplete, drama.StatusNotActive, nil)

	assert.Equal(t, drama.StatusNotActive, f.end(t, "CALL").Status)
}

func TestMesRejectedRaisesBadStatus(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("CALL", func(a *Action) (any, error) {
		tx, err := a.Obey("B", "BUSY")
		if err != nil {
			return nil, err
		}
		return nil, tx.Join(Forever)
	}))

	f.obey(t, "CALL", nil)
	f.reply(t, "CALL", f.sentTo("BUSY").tid, drama.ReasonMesRejected, drama.StatusActionActive, nil)

	assert.Equal(t, drama.StatusActionActive, f.end(t, "CALL").Status)
}

func TestDiedRaisesAndEvictsPath(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("CALL", func(a *Action) (any, error) {
		tx, err := a.Obey("B", "SLOW")
		if err != nil {
			return nil, err
		}
		err = tx.Join(Forever)
		if !stderrors.Is(err, drama.ErrDied) {
			return nil, fmt.Errorf("expected died, got %v", err)
		}
		return nil, err
	}))

	f.obey(t, "CALL", nil)
	_, cached := d.paths.paths["B"]
	assert.True(t, cached)

	f.reply(t, "CALL", f.sentTo("SLOW").tid, drama.ReasonDied, drama.StatusOK, nil)

	assert.Equal(t, drama.StatusDied, f.end(t, "CALL").Status)
	_, cached = d.paths.paths["B"]
	assert.False(t, cached)
}

func TestUnknownTransactionIsUnexpected(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("WAIT", func(a *Action) (any, error) {
		_, err := a.Wait(Forever)
		return nil, err
	}))

	f.obey(t, "WAIT", nil)
	f.reply(t, "WAIT", 999, drama.ReasonComplete, drama.StatusOK, nil)

	assert.Equal(t, drama.StatusUnexpected, f.end(t, "WAIT").Status)
}

func TestGetAndSetParameters(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("READ", func(a *Action) (any, error) {
		set, err := a.Set("B", "MODE", "busy")
		if err != nil {
			return nil, err
		}
		if err := set.Join(Forever); err != nil {
			return nil, err
		}
		get, err := a.Get("B", "MODE")
		if err != nil {
			return nil, err
		}
		if err := get.Join(Forever); err != nil {
			return nil, err
		}
		return get.Value()
	}))

	f.obey(t, "READ", nil)
	set := f.sent[0]
	assert.Equal(t, "set", set.op)
	assert.Equal(t, "busy", decode(t, set.arg))

	f.reply(t, "READ", set.tid, drama.ReasonComplete, drama.StatusOK, nil)
	get := f.sent[1]
	assert.Equal(t, "get", get.op)

	f.reply(t, "READ", get.tid, drama.ReasonComplete, drama.StatusOK, encode(t, map[string]any{"MODE": "busy"}))
	assert.Equal(t, "busy", decode(t, f.end(t, "READ").Reply))
}

func TestSignalTransaction(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("LISTEN", func(a *Action) (any, error) {
		sig, err := a.Signal()
		if err != nil {
			return nil, err
		}
		if _, err := a.Signal(); textCode(err) != "DISPATCH_SIGNAL_EXISTS" {
			return nil, fmt.Errorf("second signal transaction: %v", err)
		}
		if err := sig.Wait(Forever); err != nil {
			return nil, err
		}
		return sig.Value()
	}))

	f.obey(t, "LISTEN", nil)
	f.entry(t, fabric.Entry{
		Action:  "LISTEN",
		Peer:    "B",
		TransID: uint64(drama.SignalTransID),
		Reason:  int32(drama.ReasonSignal),
		Arg:     encode(t, "hello"),
	})

	end := f.end(t, "LISTEN")
	assert.Equal(t, drama.StatusOK, end.Status)
	assert.Equal(t, "hello", decode(t, end.Reply))
	assert.Empty(t, f.forgotten)
}

func TestSignalWithoutReceiverIsUnexpected(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("WAIT", func(a *Action) (any, error) {
		_, err := a.Wait(Forever)
		return nil, err
	}))

	f.obey(t, "WAIT", nil)
	f.entry(t, fabric.Entry{Action: "WAIT", Peer: "B", Reason: int32(drama.ReasonSignal)})

	assert.Equal(t, drama.StatusUnexpected, f.end(t, "WAIT").Status)
}

func TestTriggerAndReports(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("TALK", func(a *Action) (any, error) {
		if err := a.Trigger(map[string]any{"STEP": 1}); err != nil {
			return nil, err
		}
		a.Report("queued %d", 1)
		if err := a.ReportNow(fabric.ReportInfo, "now"); err != nil {
			return nil, err
		}
		_, err := a.Wait(Forever)
		if stderrors.Is(err, drama.ErrKicked) {
			return nil, nil
		}
		return nil, err
	}))

	f.obey(t, "TALK", nil)

	require.Len(t, f.triggers, 1)
	assert.Equal(t, map[string]any{"STEP": int64(1)}, decode(t, f.triggers[0]))
	// queued reports go out when the action suspends, after immediate ones
	assert.Equal(t, []string{"report:now", "report:queued 1", "request:sleep"}, f.log)

	f.entry(t, fabric.Entry{Action: "TALK", Peer: "CALLER", Reason: int32(drama.ReasonKick)})
	assert.Equal(t, drama.StatusOK, f.end(t, "TALK").Status)
}

func TestReporterForwardsByLevel(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("TALK", func(a *Action) (any, error) {
		log := a.Reporter().(drama.FieldsLogger).WithFields(map[string]any{"step": 2})
		log.Debug("hidden")
		log.Info("progress %d%%", 50)
		log.Info("100%")
		log.Warn("careful")
		log.Error("broken %s", "pipe")
		return nil, nil
	}))

	f.obey(t, "TALK", nil)

	assert.Equal(t, []reportOp{
		{action: "TALK", kind: fabric.ReportInfo, text: "progress 50%"},
		{action: "TALK", kind: fabric.ReportInfo, text: "100%"},
		{action: "TALK", kind: fabric.ReportError, text: "careful"},
		{action: "TALK", kind: fabric.ReportError, text: "broken pipe"},
	}, f.reports)
	assert.Equal(t, drama.StatusOK, f.end(t, "TALK").Status)
}

func TestLocalParameters(t *testing.T) {
	store := param.NewStore()
	d, f := newHarness(t, WithParams(store))
	require.NoError(t, d.Register("RW", func(a *Action) (any, error) {
		if err := a.SetParam("MODE", "busy"); err != nil {
			return nil, err
		}
		return a.GetParam("MODE")
	}))

	f.obey(t, "RW", nil)

	assert.Equal(t, "busy", decode(t, f.end(t, "RW").Reply))
	v, err := store.Get("MODE")
	require.NoError(t, err)
	assert.Equal(t, "busy", v)
}

func TestActionsListsActiveState(t *testing.T) {
	d, f := newHarness(t)
	require.NoError(t, d.Register("IDLE", func(a *Action) (any, error) { return nil, nil }))
	require.NoError(t, d.Register("BUSY", func(a *Action) (any, error) {
		_, err := a.Wait(Forever)
		return nil, err
	}))

	f.obey(t, "BUSY", nil)

	assert.Equal(t, []ActionInfo{{Name: "BUSY", Active: true}, {Name: "IDLE"}}, d.Actions())
}
