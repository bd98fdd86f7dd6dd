package dispatcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/fabric"
	"github.com/goliatone/go-drama/runner"
	"github.com/goliatone/go-drama/sds"
	"github.com/goliatone/go-drama/telemetry"
)

// DefaultPathTimeout is how long outbound operations wait for a path to a
// task that is not cached yet.
const DefaultPathTimeout = 5.0

var (
	ErrEmptyAction = errors.New("action name required", errors.CategoryBadInput).
			WithTextCode("DISPATCH_EMPTY_ACTION")
	ErrDuplicateAction = errors.New("action already registered", errors.CategoryConflict).
				WithTextCode("DISPATCH_DUPLICATE_ACTION")
	ErrNilAction = errors.New("action routine required", errors.CategoryBadInput).
			WithTextCode("DISPATCH_NIL_ACTION")
	ErrActionPanic = errors.New("action panicked", errors.CategoryHandler).
			WithTextCode("DISPATCH_ACTION_PANIC")
)

// ActionFunc is the body of an action. A non-nil value is encoded and sent
// back to the caller; an error becomes the completion status.
type ActionFunc func(a *Action) (any, error)

// ParamStore is the local parameter access offered to action bodies.
type ParamStore interface {
	Get(name string) (any, error)
	Set(name string, value any, notify bool) error
}

// ActionInfo describes a registered action.
type ActionInfo struct {
	Name   string
	Active bool
}

// Dispatcher turns fabric entries into resumable action invocations. All
// entry points run on the single goroutine that drives the fabric.
type Dispatcher struct {
	fabric fabric.Fabric
	logger drama.Logger
	panics drama.PanicLogger
	paths  *PathCache

	mu      sync.RWMutex
	actions map[string]ActionFunc

	contexts map[string]*actionContext
	active   *actionContext
	loopID   uint64

	pathTimeout float64
	breaker     breakerSettings
	params      ParamStore
	metrics     *telemetry.Instruments
	tracer      trace.Tracer
	onExit      func()
	now         func() time.Time

	exitRequested bool
	exiting       bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger drama.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithPathTimeout sets the seconds outbound operations wait for a path.
// Zero or less never suspends for path establishment.
func WithPathTimeout(seconds float64) Option {
	return func(d *Dispatcher) {
		d.pathTimeout = seconds
	}
}

// WithPathBreaker trips a per-task breaker after maxFailures consecutive
// path failures and keeps it open for openTimeout.
func WithPathBreaker(maxFailures uint32, openTimeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.breaker = breakerSettings{maxFailures: maxFailures, openTimeout: openTimeout}
	}
}

// WithExitHandler sets the routine run once when the task is asked to exit.
func WithExitHandler(fn func()) Option {
	return func(d *Dispatcher) {
		d.onExit = fn
	}
}

// WithMetrics records dispatcher instruments.
func WithMetrics(inst *telemetry.Instruments) Option {
	return func(d *Dispatcher) {
		d.metrics = inst
	}
}

// WithTracer sets the tracer used for action spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithParams gives action bodies access to the local parameter store.
func WithParams(store ParamStore) Option {
	return func(d *Dispatcher) {
		d.params = store
	}
}

// New returns a dispatcher bound to f.
func New(f fabric.Fabric, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		fabric:      f,
		actions:     make(map[string]ActionFunc),
		contexts:    make(map[string]*actionContext),
		pathTimeout: DefaultPathTimeout,
		breaker:     defaultBreaker,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.logger = drama.NormalizeLogger(d.logger)
	d.panics = drama.LoggerPanicLogger(d.logger)
	if d.tracer == nil {
		d.tracer = otel.Tracer(telemetry.ScopeName + "/dispatcher")
	}
	d.paths = newPathCache(f, d.breaker, d.logger)
	return d
}

// Paths returns the path cache shared by every action.
func (d *Dispatcher) Paths() *PathCache { return d.paths }

// Register records fn under name and registers the entry routine with the
// fabric.
func (d *Dispatcher) Register(name string, fn ActionFunc) error {
	if name == "" {
		return ErrEmptyAction.Clone()
	}
	if fn == nil {
		return ErrNilAction.Clone().WithMetadata(map[string]any{"action": name})
	}
	d.mu.Lock()
	if _, exists := d.actions[name]; exists {
		d.mu.Unlock()
		return ErrDuplicateAction.Clone().WithMetadata(map[string]any{"action": name})
	}
	d.actions[name] = fn
	d.mu.Unlock()

	if err := d.fabric.RegisterAction(name, d.OnEntry); err != nil {
		d.mu.Lock()
		delete(d.actions, name)
		d.mu.Unlock()
		return errors.Wrap(err, errors.CategoryExternal, "registering action with fabric").
			WithMetadata(map[string]any{"action": name})
	}
	return nil
}

// Start registers the orphan handler. When called from the goroutine that
// will drive the fabric it also pins that goroutine; otherwise the first
// entry pins it.
func (d *Dispatcher) Start(pin bool) {
	d.fabric.RegisterOrphanHandler(d.OnOrphan)
	if pin {
		d.loopID = drama.GetGoroutineID()
	}
}

func (d *Dispatcher) lookup(name string) (ActionFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.actions[name]
	return fn, ok
}

// Actions lists registered actions with their active state. Call it from
// the dispatch goroutine.
func (d *Dispatcher) Actions() []ActionInfo {
	d.mu.RLock()
	out := make([]ActionInfo, 0, len(d.actions))
	for name := range d.actions {
		out = append(out, ActionInfo{Name: name})
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for i := range out {
		_, out[i].Active = d.contexts[out[i].Name]
	}
	return out
}

// ExitRequested reports whether an exit has been latched.
func (d *Dispatcher) ExitRequested() bool { return d.exitRequested }

// enter guards against nested or foreign-goroutine dispatch.
func (d *Dispatcher) enter() error {
	gid := drama.GetGoroutineID()
	if d.loopID == 0 {
		d.loopID = gid
	}
	switch {
	case gid != d.loopID:
		return drama.ErrReentrant.Clone().WithMetadata(map[string]any{
			"goroutine": gid,
			"loop":      d.loopID,
		})
	case d.active != nil:
		return drama.ErrReentrant.Clone().WithMetadata(map[string]any{
			"active": d.active.name,
		})
	}
	return nil
}

func decodeEntry(entry fabric.Entry) (drama.Event, error) {
	reason, err := drama.ParseReason(entry.Reason)
	if err != nil {
		return drama.Event{}, err
	}
	if entry.Action == "" {
		return drama.Event{}, drama.ErrMalformedEntry.Clone().WithMetadata(map[string]any{
			"reason": reason.String(),
		})
	}
	return drama.Event{
		Action:  entry.Action,
		Peer:    entry.Peer,
		TransID: drama.TransID(entry.TransID),
		Reason:  reason,
		Status:  drama.Status(entry.Status),
		Arg:     entry.Arg,
		Path:    entry.Path,
	}, nil
}

// OnEntry is the entry routine registered for every action.
func (d *Dispatcher) OnEntry(entry fabric.Entry) drama.Status {
	if err := d.enter(); err != nil {
		return d.fatal(entry, err)
	}
	ev, err := decodeEntry(entry)
	if err != nil {
		return d.fatal(entry, err)
	}
	d.metrics.Entry(context.Background(), ev.Action, ev.Reason.String())

	ctx, live := d.contexts[ev.Action]
	if live && ev.Reason == drama.ReasonTrigger && ev.Status == drama.StatusMonStarted {
		if !ctx.confirmMonitor(ev) {
			return d.orphan(ev)
		}
	}

	switch {
	case ev.Reason.IsNewInvocation() && !live:
		fn, ok := d.lookup(ev.Action)
		if !ok {
			d.logger.Warn("obey of unregistered action %s", ev.Action)
			d.fabric.PutRequest(ev.Action, fabric.End{Status: drama.StatusUnknownAction})
			return drama.StatusOK
		}
		ctx = d.newContext(ev, fn)
	case ev.Reason.IsNewInvocation():
		d.logger.Warn("obey of active action %s delivered as a kick", ev.Action)
	case !live && ev.Reason == drama.ReasonExit:
		d.exitRequested = true
		d.shutdownTask()
		return drama.StatusOK
	case !live:
		return d.orphan(ev)
	}

	d.run(ctx, ev)

	if d.exitRequested {
		d.shutdownTask()
	}
	return drama.StatusOK
}

func (d *Dispatcher) fatal(entry fabric.Entry, err error) drama.Status {
	code := drama.ErrCodeMalformedEntry
	var ge *errors.Error
	if stderrors.As(err, &ge) && ge.TextCode != "" {
		code = ge.TextCode
	}
	d.logger.Error("fatal dispatch for %q (reason %d): %v", entry.Action, entry.Reason, err)
	d.metrics.FatalEntry(context.Background(), code)

	d.exitRequested = true
	if d.active == nil && drama.GetGoroutineID() == d.loopID {
		d.shutdownTask()
		return drama.StatusFatal
	}
	d.fabric.Terminate()
	return drama.StatusFatal
}

// run resumes ctx with ev and settles the outcome with the fabric.
func (d *Dispatcher) run(ctx *actionContext, ev drama.Event) {
	if !ctx.co.Started() && !ev.Reason.IsNewInvocation() {
		ctx.absorb(ev)
	}

	d.active = ctx
	out, done, err := ctx.co.Resume(ev)
	d.active = nil

	if err != nil {
		d.finish(ctx, nil, err)
		return
	}
	if !done {
		d.flushReports(ctx)
		d.fabric.PutRequest(ctx.name, out.suspend.request())
		return
	}
	if out.err == nil && ctx.rescheduled {
		ctx.rescheduled = false
		ctx.co = runner.New(d.body(ctx))
		d.flushReports(ctx)
		d.fabric.PutRequest(ctx.name, ctx.reschedule.request())
		return
	}
	d.finish(ctx, out.value, out.err)
}

func (d *Dispatcher) finish(ctx *actionContext, value any, err error) {
	status := drama.StatusOf(err)
	var reply *sds.Node
	if err == nil && value != nil {
		var encErr error
		reply, encErr = sds.Encode(value, sds.DefaultName)
		if encErr != nil {
			err = encErr
			status = drama.StatusBadArgument
		}
	}
	if err != nil {
		if drama.IsExit(err) {
			d.exitRequested = true
		}
		d.logger.Error("action %s failed on %s: %v", ctx.name, ctx.action.event.Reason, err)
		ctx.reports = append(ctx.reports, report{kind: fabric.ReportError, text: err.Error()})
	}

	d.teardown(ctx)
	d.flushReports(ctx)
	d.fabric.PutRequest(ctx.name, fabric.End{Status: status, Reply: reply})
	d.closeContext(ctx, status, err)
}

func (d *Dispatcher) closeContext(ctx *actionContext, status drama.Status, err error) {
	delete(d.contexts, ctx.name)
	if err != nil {
		ctx.span.RecordError(err)
		ctx.span.SetStatus(codes.Error, drama.StatusText(status))
	}
	ctx.span.SetAttributes(attribute.String("drama.status", drama.StatusText(status)))
	ctx.span.End()
	d.metrics.Finished(context.Background(), ctx.name, drama.StatusText(status), time.Since(ctx.started))
}

// teardown cancels every open transaction of ctx without suspending.
func (d *Dispatcher) teardown(ctx *actionContext) {
	n := 0
	for _, tx := range ctx.monitorsInOrder() {
		if !tx.done {
			tx.forceCancel()
			n++
		}
	}
	for _, tx := range ctx.transactionsInOrder() {
		tx.forceCancel()
		n++
	}
	ctx.unreported = nil
	d.metrics.Canceled(context.Background(), ctx.name, n)
}

func (d *Dispatcher) flushReports(ctx *actionContext) {
	for _, r := range ctx.reports {
		if err := d.fabric.Report(ctx.name, r.kind, r.text); err != nil {
			d.logger.Warn("report from %s dropped: %v", ctx.name, err)
		}
	}
	ctx.reports = nil
}

// shutdownTask runs the exit handler once, unwinds every live context and
// asks the fabric to stop the task.
func (d *Dispatcher) shutdownTask() {
	if d.exiting {
		return
	}
	d.exiting = true
	d.logger.Info("task exit requested, shutting down %d live actions", len(d.contexts))
	if d.onExit != nil {
		func() {
			defer drama.MakePanicHandler(d.panics)("exit handler")
			d.onExit()
		}()
	}
	d.Shutdown()
}

// Shutdown kills every live action, cancels its transactions and terminates
// the task. It is a no-op while an action body holds control.
func (d *Dispatcher) Shutdown() {
	if d.active != nil {
		d.exitRequested = true
		return
	}
	names := make([]string, 0, len(d.contexts))
	for name := range d.contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx := d.contexts[name]
		d.active = ctx
		ctx.co.Kill()
		d.active = nil
		d.teardown(ctx)
		d.flushReports(ctx)
		d.closeContext(ctx, drama.StatusExit, nil)
	}
	d.fabric.Terminate()
}

func (d *Dispatcher) newContext(ev drama.Event, fn ActionFunc) *actionContext {
	spanCtx, span := d.tracer.Start(context.Background(), "drama.action "+ev.Action,
		trace.WithAttributes(
			attribute.String("drama.action", ev.Action),
			attribute.String("drama.peer", ev.Peer),
		))
	ctx := &actionContext{
		name:     ev.Action,
		fn:       fn,
		txs:      make(map[drama.TransID]*Transaction),
		monitors: make(map[drama.TransID]*Transaction),
		span:     span,
		started:  time.Now(),
	}
	ctx.action = &Action{
		d:      d,
		ctx:    ctx,
		event:  ev,
		logger: drama.WithLoggerFields(d.logger.WithContext(spanCtx), map[string]any{"action": ev.Action}),
		trace:  spanCtx,
	}
	ctx.co = runner.New(d.body(ctx))
	d.contexts[ev.Action] = ctx
	d.metrics.Invoked(spanCtx, ev.Action)
	return ctx
}

type outcome struct {
	suspend suspension
	value   any
	err     error
}

func (d *Dispatcher) body(ctx *actionContext) runner.Body[drama.Event, outcome] {
	return func(_ *runner.Coroutine[drama.Event, outcome], first drama.Event) outcome {
		ctx.action.event = first
		args, err := first.Args()
		if err != nil {
			ctx.action.logger.Warn("undecodable argument for %s: %v", ctx.name, err)
		}
		ctx.action.args = args
		value, err := d.invoke(ctx)
		return outcome{value: value, err: err}
	}
}

func (d *Dispatcher) invoke(ctx *actionContext) (value any, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if runner.IsKillSignal(r) {
			panic(r)
		}
		d.panics(ctx.name, r, drama.PanicStack(), map[string]any{"action": ctx.name})
		err = ErrActionPanic.Clone().WithMetadata(map[string]any{
			"action": ctx.name,
			"panic":  fmt.Sprint(r),
		})
	}()
	return ctx.fn(ctx.action)
}
