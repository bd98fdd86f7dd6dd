package fabric

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/param"
	"github.com/goliatone/go-drama/sds"
)

// ReportFunc receives message and error reports sent toward this task.
type ReportFunc func(from, action string, kind ReportKind, text string)

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithParams sets the parameter store served to other tasks.
func WithParams(store *param.Store) NodeOption {
	return func(n *Node) {
		n.params = store
	}
}

// WithNodeLogger sets the node logger.
func WithNodeLogger(logger drama.Logger) NodeOption {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithReportHandler receives reports from actions this task invoked.
func WithReportHandler(fn ReportFunc) NodeOption {
	return func(n *Node) {
		n.onReport = fn
	}
}

// WithMaxPending bounds the mailbox for injected work. Zero is unbounded.
func WithMaxPending(max int) NodeOption {
	return func(n *Node) {
		n.maxPending = max
	}
}

// Node is one task attached to a Bus. It implements Fabric for the
// dispatcher of that task. Everything except the injectors (BlindObey,
// BlindKick, Signal, Post, Call, Stop) must run on the node loop or inside
// an entry routine.
type Node struct {
	bus        *Bus
	task       string
	box        *mailbox
	params     *param.Store
	logger     drama.Logger
	onReport   ReportFunc
	maxPending int

	mu      sync.RWMutex
	actions map[string]*slot
	orphan  EntryFunc

	outstanding map[drama.TransID]*outbound
	monitors    map[int]*monitor
	nextMonID   int
	paths       map[string]drama.Path
	current     string
	terminating bool

	done      chan struct{}
	closeOnce sync.Once
}

type slot struct {
	name    string
	fn      EntryFunc
	active  bool
	caller  *callerRef
	request Request
	timer   *time.Timer
	gen     uint64
}

type callerRef struct {
	node *Node
	tid  drama.TransID
}

type opKind int

const (
	opObey opKind = iota
	opKick
	opGet
	opSet
	opMonitor
	opPath
)

type outbound struct {
	kind      opKind
	target    string
	name      string
	initiator string
}

type monitor struct {
	id     int
	param  string
	caller *callerRef
	subID  int
}

func newNode(b *Bus, task string, opts ...NodeOption) *Node {
	n := &Node{
		bus:         b,
		task:        task,
		box:         newMailbox(),
		actions:     make(map[string]*slot),
		outstanding: make(map[drama.TransID]*outbound),
		monitors:    make(map[int]*monitor),
		paths:       make(map[string]drama.Path),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if n.logger == nil {
		n.logger = b.logger
	}
	n.logger = drama.NormalizeLogger(n.logger)
	if n.params == nil {
		n.params = param.NewStore(param.WithLogger(n.logger))
	}
	return n
}

// Task is the node task name.
func (n *Node) Task() string { return n.task }

// Params is the parameter store served by this node.
func (n *Node) Params() *param.Store { return n.params }

// Done is closed once the node loop has stopped.
func (n *Node) Done() <-chan struct{} { return n.done }

// Run processes the mailbox until the task terminates or ctx is done.
func (n *Node) Run(ctx context.Context) error {
	defer n.close()
	for !n.terminating {
		if fn, ok := n.box.pop(); ok {
			fn()
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-n.box.wake:
		}
	}
	n.logger.Info("task %s terminated", n.task)
	return nil
}

func (n *Node) close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		for _, s := range n.actions {
			s.stopTimer()
		}
		n.mu.Unlock()
		for id, m := range n.monitors {
			n.params.Unsubscribe(m.subID)
			delete(n.monitors, id)
		}
		close(n.done)
		n.bus.detach(n)
	})
}

// Stop asks the loop to terminate after queued work.
func (n *Node) Stop() error {
	return n.inject(func() { n.terminating = true })
}

// Actions lists registered action names with their active flags. It must
// run on the loop; use Call from other goroutines.
func (n *Node) Actions() map[string]bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]bool, len(n.actions))
	for name, s := range n.actions {
		out[name] = s.active
	}
	return out
}

func (n *Node) post(fn func()) {
	n.box.push(fn)
}

func (n *Node) inject(fn func()) error {
	select {
	case <-n.done:
		return ErrNodeClosed.Clone().WithMetadata(map[string]any{"task": n.task})
	default:
	}
	if n.maxPending > 0 && n.box.len() >= n.maxPending {
		return ErrMailboxFull.Clone().WithMetadata(map[string]any{"task": n.task, "max_pending": n.maxPending})
	}
	n.post(fn)
	return nil
}

// Post queues fn on the node loop.
func (n *Node) Post(fn func()) error {
	return n.inject(fn)
}

// Call runs fn on the node loop and waits for it to finish.
func (n *Node) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := n.inject(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		select {
		case <-finished:
			return nil
		default:
		}
		return ErrNodeClosed.Clone().WithMetadata(map[string]any{"task": n.task})
	}
}

// BlindObey starts an action of this task with no caller to reply to.
func (n *Node) BlindObey(action string, arg *sds.Node) error {
	return n.inject(func() { n.deliverObey(nil, n.task, action, arg) })
}

// BlindKick kicks an action of this task with no caller to reply to.
func (n *Node) BlindKick(action string, arg *sds.Node) error {
	return n.inject(func() { n.deliverKick(nil, n.task, action, arg) })
}

// Signal delivers an unsolicited signal (transaction 0) to an active action.
func (n *Node) Signal(action string, arg *sds.Node) error {
	return n.inject(func() {
		s := n.slot(action)
		if s == nil || !s.active {
			n.logger.Warn("signal for inactive action %s:%s dropped", n.task, action)
			return
		}
		n.deliver(action, Entry{
			Action:  action,
			Peer:    n.task,
			TransID: uint64(drama.SignalTransID),
			Reason:  int32(drama.ReasonSignal),
			Arg:     arg,
			Path:    NewPath(n.task),
		})
	})
}

// Exit asks the task to exit. The first active action receives the exit
// message; with nothing active it goes through the first registered action
// so the dispatcher can run its exit handler.
func (n *Node) Exit() error {
	return n.inject(n.deliverExit)
}

func (n *Node) deliverExit() {
	n.mu.RLock()
	names := make([]string, 0, len(n.actions))
	for name := range n.actions {
		names = append(names, name)
	}
	n.mu.RUnlock()
	if len(names) == 0 {
		n.terminating = true
		return
	}
	sort.Strings(names)

	target := n.slot(names[0])
	for _, name := range names {
		if s := n.slot(name); s.active {
			target = s
			break
		}
	}
	e := Entry{Action: target.name, Peer: n.task, Reason: int32(drama.ReasonExit), Path: NewPath(n.task)}
	if target.active {
		n.deliver(target.name, e)
		return
	}
	n.current = target.name
	status := target.fn(e)
	n.current = ""
	target.request = nil
	if status != drama.StatusOK {
		n.logger.Warn("exit entry %s:%s returned %s", n.task, target.name, drama.StatusText(status))
	}
}

func (n *Node) slot(name string) *slot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.actions[name]
}

// RegisterAction implements Fabric.
func (n *Node) RegisterAction(name string, fn EntryFunc) error {
	if name == "" || fn == nil {
		return errors.New("action name and entry routine required", errors.CategoryBadInput).
			WithTextCode("FABRIC_BAD_ACTION")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.actions[name]; exists {
		return errors.New("action already registered", errors.CategoryConflict).
			WithTextCode("FABRIC_DUPLICATE_ACTION").
			WithMetadata(map[string]any{"task": n.task, "action": name})
	}
	n.actions[name] = &slot{name: name, fn: fn}
	return nil
}

// RegisterOrphanHandler implements Fabric.
func (n *Node) RegisterOrphanHandler(fn EntryFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orphan = fn
}

// PutRequest implements Fabric.
func (n *Node) PutRequest(action string, req Request) {
	if s := n.slot(action); s != nil {
		s.request = req
	}
}

// LookupPath implements Fabric.
func (n *Node) LookupPath(task string) (drama.Path, bool) {
	if task == n.task {
		return NewPath(task), true
	}
	p, ok := n.paths[task]
	return p, ok
}

// GetPath implements Fabric.
func (n *Node) GetPath(task string) (drama.TransID, error) {
	if n.current == "" {
		return 0, ErrNoContext.Clone().WithMetadata(map[string]any{"op": "get_path", "task": task})
	}
	tid := n.bus.nextTransID()
	n.outstanding[tid] = &outbound{kind: opPath, target: task, initiator: n.current}
	n.post(func() {
		if _, ok := n.bus.Node(task); ok {
			p := NewPath(task)
			n.paths[task] = p
			n.deliverReply(Entry{TransID: uint64(tid), Peer: task, Reason: int32(drama.ReasonPathFound), Path: p})
			return
		}
		n.deliverReply(Entry{
			TransID: uint64(tid),
			Peer:    task,
			Reason:  int32(drama.ReasonPathFailed),
			Status:  int32(drama.StatusNoPath),
		})
	})
	return tid, nil
}

func (n *Node) target(op string, p drama.Path) (*Node, error) {
	if p == nil {
		return nil, drama.NewBadStatus(drama.StatusNoPath, op)
	}
	t, ok := n.bus.Node(p.Task())
	if !ok {
		delete(n.paths, p.Task())
		return nil, drama.NewBadStatus(drama.StatusNoPath, fmt.Sprintf("%s(%s)", op, p.Task()))
	}
	return t, nil
}

func (n *Node) begin(op string, kind opKind, p drama.Path, name string) (*Node, *callerRef, error) {
	if n.current == "" {
		return nil, nil, ErrNoContext.Clone().WithMetadata(map[string]any{"op": op, "name": name})
	}
	t, err := n.target(op, p)
	if err != nil {
		return nil, nil, err
	}
	tid := n.bus.nextTransID()
	n.outstanding[tid] = &outbound{kind: kind, target: t.task, name: name, initiator: n.current}
	return t, &callerRef{node: n, tid: tid}, nil
}

// Obey implements Fabric.
func (n *Node) Obey(p drama.Path, action string, arg *sds.Node) (drama.TransID, error) {
	t, caller, err := n.begin("obey", opObey, p, action)
	if err != nil {
		return 0, err
	}
	arg = arg.Clone()
	t.post(func() { t.deliverObey(caller, n.task, action, arg) })
	return caller.tid, nil
}

// Kick implements Fabric.
func (n *Node) Kick(p drama.Path, action string, arg *sds.Node) (drama.TransID, error) {
	t, caller, err := n.begin("kick", opKick, p, action)
	if err != nil {
		return 0, err
	}
	arg = arg.Clone()
	t.post(func() { t.deliverKick(caller, n.task, action, arg) })
	return caller.tid, nil
}

// Get implements Fabric.
func (n *Node) Get(p drama.Path, name string) (drama.TransID, error) {
	t, caller, err := n.begin("get", opGet, p, name)
	if err != nil {
		return 0, err
	}
	t.post(func() { t.deliverGet(caller, name) })
	return caller.tid, nil
}

// Set implements Fabric.
func (n *Node) Set(p drama.Path, name string, arg *sds.Node) (drama.TransID, error) {
	t, caller, err := n.begin("set", opSet, p, name)
	if err != nil {
		return 0, err
	}
	arg = arg.Clone()
	t.post(func() { t.deliverSet(caller, name, arg) })
	return caller.tid, nil
}

// Monitor implements Fabric.
func (n *Node) Monitor(p drama.Path, name string) (drama.TransID, error) {
	t, caller, err := n.begin("monitor", opMonitor, p, name)
	if err != nil {
		return 0, err
	}
	t.post(func() { t.deliverMonitor(caller, name) })
	return caller.tid, nil
}

// CancelMonitor implements Fabric.
func (n *Node) CancelMonitor(p drama.Path, monitorID int) error {
	t, err := n.target("cancel", p)
	if err != nil {
		return err
	}
	t.post(func() { t.deliverCancel(monitorID) })
	return nil
}

// Trigger implements Fabric.
func (n *Node) Trigger(action string, arg *sds.Node) error {
	s := n.slot(action)
	if s == nil || !s.active {
		return drama.NewBadStatus(drama.StatusNotActive, "trigger("+action+")")
	}
	n.reply(s.caller, Entry{Reason: int32(drama.ReasonTrigger), Arg: arg.Clone()})
	return nil
}

// Report implements Fabric.
func (n *Node) Report(action string, kind ReportKind, text string) error {
	s := n.slot(action)
	if s != nil && s.caller != nil {
		to := s.caller.node
		to.post(func() { to.report(n.task, action, kind, text) })
		return nil
	}
	n.report(n.task, action, kind, text)
	return nil
}

// Forget implements Fabric.
func (n *Node) Forget(tid drama.TransID) {
	delete(n.outstanding, tid)
}

// Terminate implements Fabric.
func (n *Node) Terminate() {
	n.terminating = true
}

// Outstanding is the number of open outbound transactions.
func (n *Node) Outstanding() int {
	return len(n.outstanding)
}

func (n *Node) report(from, action string, kind ReportKind, text string) {
	if n.onReport != nil {
		n.onReport(from, action, kind, text)
		return
	}
	if kind == ReportError {
		n.logger.Error("%s:%s: %s", from, action, text)
		return
	}
	n.logger.Info("%s:%s: %s", from, action, text)
}

func (n *Node) reply(caller *callerRef, e Entry) {
	if caller == nil {
		return
	}
	e.TransID = uint64(caller.tid)
	e.Peer = n.task
	if e.Path == nil {
		e.Path = NewPath(n.task)
	}
	to := caller.node
	to.post(func() { to.deliverReply(e) })
}

func (n *Node) deliver(name string, e Entry) {
	s := n.slot(name)
	if s == nil || !s.active {
		n.deliverOrphan(e)
		return
	}
	s.stopTimer()
	s.request = nil
	n.current = name
	status := s.fn(e)
	n.current = ""
	if status != drama.StatusOK {
		n.logger.Warn("entry %s:%s returned %s", n.task, name, drama.StatusText(status))
	}
	n.settle(s)
}

func (n *Node) settle(s *slot) {
	switch req := s.request.(type) {
	case Sleep:
		if req.Deadline.IsZero() {
			return
		}
		gen := s.gen
		s.timer = time.AfterFunc(time.Until(req.Deadline), func() {
			n.post(func() { n.resched(s, gen) })
		})
	case Stage:
		gen := s.gen
		n.post(func() { n.resched(s, gen) })
	case End:
		n.end(s, req.Status, req.Reply)
	case Terminate:
		n.end(s, drama.StatusExit, nil)
		n.terminating = true
	default:
		n.end(s, drama.StatusOK, nil)
	}
}

func (n *Node) resched(s *slot, gen uint64) {
	if !s.active || s.gen != gen {
		return
	}
	n.deliver(s.name, Entry{Action: s.name, Peer: n.task, Reason: int32(drama.ReasonResched)})
}

func (n *Node) end(s *slot, status drama.Status, reply *sds.Node) {
	s.stopTimer()
	s.active = false
	caller := s.caller
	s.caller = nil
	n.reply(caller, Entry{Reason: int32(drama.ReasonComplete), Status: int32(status), Arg: reply})
}

func (s *slot) stopTimer() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (n *Node) deliverOrphan(e Entry) {
	n.mu.RLock()
	orphan := n.orphan
	n.mu.RUnlock()
	if orphan == nil {
		n.logger.Debug("orphan entry for %s:%s dropped (reason %d)", n.task, e.Action, e.Reason)
		return
	}
	n.current = ""
	orphan(e)
}

func (n *Node) deliverReply(e Entry) {
	tid := drama.TransID(e.TransID)
	out, ok := n.outstanding[tid]
	if !ok {
		n.deliverOrphan(e)
		return
	}
	e.Action = out.initiator
	if e.Path == nil {
		e.Path = NewPath(out.target)
	}
	switch drama.Reason(e.Reason) {
	case drama.ReasonComplete, drama.ReasonDied, drama.ReasonMesRejected,
		drama.ReasonPathFound, drama.ReasonPathFailed:
		delete(n.outstanding, tid)
	}
	n.deliver(out.initiator, e)
}

func (n *Node) deliverObey(caller *callerRef, peer, action string, arg *sds.Node) {
	s := n.slot(action)
	if s == nil {
		n.logger.Warn("obey of unknown action %s:%s", n.task, action)
		n.reply(caller, Entry{Reason: int32(drama.ReasonMesRejected), Status: int32(drama.StatusUnknownAction)})
		return
	}
	if s.active {
		n.reply(caller, Entry{Reason: int32(drama.ReasonMesRejected), Status: int32(drama.StatusActionActive)})
		return
	}
	s.active = true
	s.caller = caller
	n.deliver(action, Entry{
		Action: action,
		Peer:   peer,
		Reason: int32(drama.ReasonObey),
		Arg:    arg,
		Path:   NewPath(peer),
	})
}

func (n *Node) deliverKick(caller *callerRef, peer, action string, arg *sds.Node) {
	s := n.slot(action)
	if s == nil || !s.active {
		n.reply(caller, Entry{Reason: int32(drama.ReasonComplete), Status: int32(drama.StatusNotActive)})
		return
	}
	n.reply(caller, Entry{Reason: int32(drama.ReasonComplete)})
	n.deliver(action, Entry{
		Action: action,
		Peer:   peer,
		Reason: int32(drama.ReasonKick),
		Arg:    arg,
		Path:   NewPath(peer),
	})
}

func (n *Node) deliverGet(caller *callerRef, name string) {
	node, err := n.params.GetNode(name)
	if err != nil {
		n.reply(caller, Entry{Reason: int32(drama.ReasonComplete), Status: int32(drama.StatusOf(err))})
		return
	}
	arg := sds.NewStruct("")
	_ = arg.Add(node.Rename(name))
	n.reply(caller, Entry{Reason: int32(drama.ReasonComplete), Arg: arg})
}

func (n *Node) deliverSet(caller *callerRef, name string, arg *sds.Node) {
	if err := n.params.Update(name, arg, true); err != nil {
		n.reply(caller, Entry{Reason: int32(drama.ReasonComplete), Status: int32(drama.StatusOf(err))})
		return
	}
	n.reply(caller, Entry{Reason: int32(drama.ReasonComplete)})
}

func (n *Node) deliverMonitor(caller *callerRef, name string) {
	current, err := n.params.GetNode(name)
	if err != nil {
		n.reply(caller, Entry{Reason: int32(drama.ReasonMesRejected), Status: int32(drama.StatusOf(err))})
		return
	}
	n.nextMonID++
	id := n.nextMonID
	m := &monitor{id: id, param: name, caller: caller}
	m.subID = n.params.Subscribe(name, func(_ string, value *sds.Node) {
		n.post(func() {
			if _, live := n.monitors[id]; live {
				n.reply(caller, Entry{
					Reason: int32(drama.ReasonTrigger),
					Status: int32(drama.StatusMonChanged),
					Arg:    value,
				})
			}
		})
	})
	n.monitors[id] = m

	started, _ := sds.Encode(map[string]any{"MONITOR_ID": int32(id)}, "")
	n.reply(caller, Entry{Reason: int32(drama.ReasonTrigger), Status: int32(drama.StatusMonStarted), Arg: started})
	n.reply(caller, Entry{Reason: int32(drama.ReasonTrigger), Status: int32(drama.StatusMonChanged), Arg: current})
}

func (n *Node) deliverCancel(id int) {
	m, ok := n.monitors[id]
	if !ok {
		n.logger.Debug("cancel of unknown monitor %d on %s", id, n.task)
		return
	}
	delete(n.monitors, id)
	n.params.Unsubscribe(m.subID)
	n.reply(m.caller, Entry{Reason: int32(drama.ReasonComplete)})
}

// Monitors is the number of subscriptions this node is serving.
func (n *Node) Monitors() int {
	return len(n.monitors)
}

func (n *Node) peerDied(task string) {
	delete(n.paths, task)

	ids := make([]drama.TransID, 0)
	for tid, out := range n.outstanding {
		if out.target == task {
			ids = append(ids, tid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, tid := range ids {
		out, ok := n.outstanding[tid]
		if !ok {
			continue
		}
		delete(n.outstanding, tid)
		n.deliver(out.initiator, Entry{
			Action:  out.initiator,
			Peer:    task,
			TransID: uint64(tid),
			Reason:  int32(drama.ReasonDied),
			Path:    NewPath(task),
		})
	}

	for id, m := range n.monitors {
		if m.caller.node.task == task {
			delete(n.monitors, id)
			n.params.Unsubscribe(m.subID)
		}
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, s := range n.actions {
		if s.caller != nil && s.caller.node.task == task {
			s.caller = nil
		}
	}
}
