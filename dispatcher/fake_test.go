package dispatcher

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/fabric"
	"github.com/goliatone/go-drama/sds"
)

type sentOp struct {
	op   string
	task string
	name string
	tid  drama.TransID
	arg  *sds.Node
}

type cancelOp struct {
	task string
	id   int
}

type reportOp struct {
	action string
	kind   fabric.ReportKind
	text   string
}

// fakeFabric records every call the dispatcher makes. Tests drive it from
// the test goroutine, which plays the fabric loop.
type fakeFabric struct {
	actions   map[string]fabric.EntryFunc
	orphan    fabric.EntryFunc
	requests  map[string][]fabric.Request
	known     map[string]bool
	nextTID   drama.TransID
	sent      []sentOp
	getPaths  []string
	cancels   []cancelOp
	forgotten []drama.TransID
	reports   []reportOp
	triggers  []*sds.Node
	log       []string
	terminate int
}

func newFakeFabric(known ...string) *fakeFabric {
	f := &fakeFabric{
		actions:  make(map[string]fabric.EntryFunc),
		requests: make(map[string][]fabric.Request),
		known:    make(map[string]bool),
		nextTID:  100,
	}
	for _, task := range known {
		f.known[task] = true
	}
	return f
}

func (f *fakeFabric) RegisterAction(name string, fn fabric.EntryFunc) error {
	if _, ok := f.actions[name]; ok {
		return fmt.Errorf("duplicate %s", name)
	}
	f.actions[name] = fn
	return nil
}

func (f *fakeFabric) RegisterOrphanHandler(fn fabric.EntryFunc) { f.orphan = fn }

func (f *fakeFabric) PutRequest(action string, req fabric.Request) {
	f.requests[action] = append(f.requests[action], req)
	f.log = append(f.log, "request:"+fabric.RequestName(req))
}

func (f *fakeFabric) LookupPath(task string) (drama.Path, bool) {
	if f.known[task] {
		return fabric.NewPath(task), true
	}
	return nil, false
}

func (f *fakeFabric) tid() drama.TransID {
	f.nextTID++
	return f.nextTID
}

func (f *fakeFabric) GetPath(task string) (drama.TransID, error) {
	f.getPaths = append(f.getPaths, task)
	return f.tid(), nil
}

func (f *fakeFabric) record(op string, p drama.Path, name string, arg *sds.Node) (drama.TransID, error) {
	tid := f.tid()
	f.sent = append(f.sent, sentOp{op: op, task: p.Task(), name: name, tid: tid, arg: arg})
	return tid, nil
}

func (f *fakeFabric) Obey(p drama.Path, action string, arg *sds.Node) (drama.TransID, error) {
	return f.record("obey", p, action, arg)
}

func (f *fakeFabric) Kick(p drama.Path, action string, arg *sds.Node) (drama.TransID, error) {
	return f.record("kick", p, action, arg)
}

func (f *fakeFabric) Get(p drama.Path, name string) (drama.TransID, error) {
	return f.record("get", p, name, nil)
}

func (f *fakeFabric) Set(p drama.Path, name string, arg *sds.Node) (drama.TransID, error) {
	return f.record("set", p, name, arg)
}

func (f *fakeFabric) Monitor(p drama.Path, name string) (drama.TransID, error) {
	return f.record("monitor", p, name, nil)
}

func (f *fakeFabric) CancelMonitor(p drama.Path, id int) error {
	f.cancels = append(f.cancels, cancelOp{task: p.Task(), id: id})
	return nil
}

func (f *fakeFabric) Trigger(action string, arg *sds.Node) error {
	f.triggers = append(f.triggers, arg)
	return nil
}

func (f *fakeFabric) Report(action string, kind fabric.ReportKind, text string) error {
	f.reports = append(f.reports, reportOp{action: action, kind: kind, text: text})
	f.log = append(f.log, "report:"+text)
	return nil
}

func (f *fakeFabric) Forget(tid drama.TransID) { f.forgotten = append(f.forgotten, tid) }

func (f *fakeFabric) Terminate() { f.terminate++ }

// entry delivers e to the registered routine of e.Action.
func (f *fakeFabric) entry(t *testing.T, e fabric.Entry) drama.Status {
	t.Helper()
	fn, ok := f.actions[e.Action]
	require.True(t, ok, "action %s not registered", e.Action)
	return fn(e)
}

func (f *fakeFabric) obey(t *testing.T, action string, arg *sds.Node) drama.Status {
	t.Helper()
	return f.entry(t, fabric.Entry{Action: action, Peer: "CALLER", TransID: 1, Reason: int32(drama.ReasonObey), Arg: arg})
}

func (f *fakeFabric) reply(t *testing.T, action string, tid drama.TransID, reason drama.Reason, status drama.Status, arg *sds.Node) drama.Status {
	t.Helper()
	return f.entry(t, fabric.Entry{
		Action:  action,
		Peer:    "B",
		TransID: uint64(tid),
		Reason:  int32(reason),
		Status:  int32(status),
		Arg:     arg,
		Path:    fabric.NewPath("B"),
	})
}

func (f *fakeFabric) last(action string) fabric.Request {
	reqs := f.requests[action]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func (f *fakeFabric) end(t *testing.T, action string) fabric.End {
	t.Helper()
	end, ok := f.last(action).(fabric.End)
	require.True(t, ok, "expected End for %s, got %T", action, f.last(action))
	return end
}

func (f *fakeFabric) sentTo(name string) sentOp {
	for _, op := range f.sent {
		if op.name == name {
			return op
		}
	}
	return sentOp{}
}

func newHarness(t *testing.T, opts ...Option) (*Dispatcher, *fakeFabric) {
	t.Helper()
	f := newFakeFabric("B")
	d := New(f, append([]Option{WithLogger(drama.NewFmtLogger(io.Discard))}, opts...)...)
	d.Start(true)
	return d, f
}

func encode(t *testing.T, v any) *sds.Node {
	t.Helper()
	n, err := sds.Encode(v, "")
	require.NoError(t, err)
	return n
}

func decode(t *testing.T, n *sds.Node) any {
	t.Helper()
	v, err := sds.Decode(n)
	require.NoError(t, err)
	return v
}

func fixedClock(d *Dispatcher) time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }
	return base
}
